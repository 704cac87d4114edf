package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"cloud.google.com/go/auth/credentials"
	"github.com/foxseedlab/livecaption/internal/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gcs "google.golang.org/api/storage/v1"
)

const (
	keyPrefix         = "captions"
	defaultPublicHost = "https://storage.googleapis.com"
	storageWriteScope = "https://www.googleapis.com/auth/devstorage.read_write"
)

type GCSStore struct {
	service    *gcs.Service
	bucket     string
	publicBase string
}

type GCSConfig struct {
	Bucket          string
	PublicBaseURL   string
	CredentialsJSON string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig, opts ...option.ClientOption) (*GCSStore, error) {
	if cfg.CredentialsJSON != "" {
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			CredentialsJSON: []byte(cfg.CredentialsJSON),
			Scopes:          []string{storageWriteScope},
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))
	}
	service, err := gcs.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage service: %w", err)
	}
	publicBase := strings.TrimRight(cfg.PublicBaseURL, "/")
	if publicBase == "" {
		publicBase = defaultPublicHost + "/" + cfg.Bucket
	}
	return &GCSStore{service: service, bucket: cfg.Bucket, publicBase: publicBase}, nil
}

func objectKey(sessionID, name string) string {
	return keyPrefix + "/" + sessionID + "/" + name
}

func (s *GCSStore) Put(ctx context.Context, sessionID string, f storage.File, cachePolicy string) (string, error) {
	key := objectKey(sessionID, f.Name)
	obj := &gcs.Object{
		Name:         key,
		CacheControl: cachePolicy,
		ContentType:  f.ContentType,
	}
	_, err := s.service.Objects.Insert(s.bucket, obj).
		Media(bytes.NewReader(f.Content), googleapi.ContentType(f.ContentType)).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return s.publicBase + "/" + (&url.URL{Path: key}).EscapedPath(), nil
}
