package objectstore

import (
	"context"

	"github.com/foxseedlab/livecaption/internal/config"
	"github.com/foxseedlab/livecaption/internal/storage"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (storage.ObjectStore, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewGCSStore(context.Background(), GCSConfig{
			Bucket:          cfg.CaptionBucket,
			PublicBaseURL:   cfg.CaptionPublicBaseURL,
			CredentialsJSON: cfg.GoogleCloudCredentialsJSON,
		})
	})
}
