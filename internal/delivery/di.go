package delivery

import (
	"github.com/foxseedlab/livecaption/internal/config"
	"github.com/foxseedlab/livecaption/internal/registry"
	"github.com/foxseedlab/livecaption/internal/repository"
	"github.com/foxseedlab/livecaption/internal/storage"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (SessionPublisher, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		store := do.MustInvoke[storage.ObjectStore](i)
		return NewPublisher(repo, store, cfg.CaptionSegmentDurationSec, cfg.CaptionMaxSegments), nil
	})
	do.Provide(injector, func(i do.Injector) (*Uploader, error) {
		cfg := do.MustInvoke[*config.Config](i)
		reg := do.MustInvoke[registry.Registry](i)
		publisher := do.MustInvoke[SessionPublisher](i)
		return NewUploader(reg, publisher, cfg.CaptionUploadInterval, cfg.CaptionRetryBackoff), nil
	})
}
