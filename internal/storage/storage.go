package storage

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// CachePolicyImmutable is applied to segment files, which never change once written.
	CachePolicyImmutable = "public, max-age=31536000, immutable"
	// CachePolicyPlaylist is applied to manifests, which are rewritten every cycle.
	CachePolicyPlaylist = "public, max-age=2"

	defaultBatchConcurrency = 8
)

type File struct {
	Name        string
	Content     []byte
	ContentType string
}

type ObjectStore interface {
	// Put stores f under the session and returns its public URL.
	Put(ctx context.Context, sessionID string, f File, cachePolicy string) (string, error)
}

// PutBatch uploads files concurrently and returns filename to URL. Any failure
// fails the whole batch.
func PutBatch(ctx context.Context, store ObjectStore, sessionID string, files []File, cachePolicy string) (map[string]string, error) {
	urls := make(map[string]string, len(files))
	if len(files) == 0 {
		return urls, nil
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultBatchConcurrency)
	for _, f := range files {
		g.Go(func() error {
			url, err := store.Put(gctx, sessionID, f, cachePolicy)
			if err != nil {
				return err
			}
			mu.Lock()
			urls[f.Name] = url
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}
