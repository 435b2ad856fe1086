// Package artwork fetches posters and backdrops from the catalog provider,
// normalizes them to JPEG at display sizes, and stores them in the blob
// cache. Media rows reference the stored blobs by cache key.
package artwork

import (
	"context"
	"sync"

	"mediakeep/internal/blobcache"
	"mediakeep/internal/database"
	"mediakeep/internal/logging"
	"mediakeep/internal/metrics"
	"mediakeep/internal/provider/tmdb"
)

const (
	// Provider-side sizes to download. Originals can run tens of
	// megabytes; these are plenty for a living-room UI.
	posterFetchSize   = "w780"
	backdropFetchSize = "w1280"

	posterWidth   = 500
	backdropWidth = 1280
)

// Service downloads and processes artwork for resolved media items.
type Service struct {
	client *tmdb.Client
	cache  *blobcache.Cache
	db     *database.Database

	baseOnce sync.Once
	baseURL  string
}

// NewService returns an artwork service backed by the given provider
// client and blob cache.
func NewService(client *tmdb.Client, cache *blobcache.Cache, db *database.Database) *Service {
	return &Service{client: client, cache: cache, db: db}
}

// imageBase resolves the provider's image base URL once per process.
func (s *Service) imageBase(ctx context.Context) string {
	s.baseOnce.Do(func() {
		s.baseURL = s.client.ImageBaseURL(ctx)
	})
	return s.baseURL
}

// FetchForMedia downloads, resizes, and stores the poster and backdrop for
// one media item, then records the resulting cache keys on the row. Missing
// provider paths are skipped; a failure on one image does not block the
// other, but any failure is reported so the item can be retried.
func (s *Service) FetchForMedia(ctx context.Context, mediaID int64, posterPath, backdropPath string) error {
	base := s.imageBase(ctx)

	var posterKey, backdropKey string
	var firstErr error

	if posterPath != "" {
		key, err := s.fetchOne(ctx, "poster", base, posterFetchSize, posterPath, posterWidth)
		if err != nil {
			firstErr = err
		} else {
			posterKey = key
		}
	}
	if backdropPath != "" {
		key, err := s.fetchOne(ctx, "backdrop", base, backdropFetchSize, backdropPath, backdropWidth)
		if err != nil && firstErr == nil {
			firstErr = err
		} else if err == nil {
			backdropKey = key
		}
	}

	if posterKey != "" || backdropKey != "" {
		if err := s.db.SetMediaArtwork(ctx, mediaID, posterKey, backdropKey); err != nil {
			return err
		}
	}
	return firstErr
}

// fetchOne downloads a single image, normalizes it, and stores it in the
// blob cache, returning the content-addressed key.
func (s *Service) fetchOne(ctx context.Context, kind, baseURL, size, imagePath string, width int) (string, error) {
	data, err := s.client.DownloadImage(ctx, baseURL, size, imagePath)
	if err != nil {
		metrics.ArtworkFetchesTotal.WithLabelValues(kind, "error").Inc()
		logging.Warn("artwork: %s download failed for %s: %v", kind, imagePath, err)
		return "", err
	}

	processed, err := resize(data, width)
	if err != nil {
		metrics.ArtworkFetchesTotal.WithLabelValues(kind, "error").Inc()
		logging.Warn("artwork: %s processing failed for %s: %v", kind, imagePath, err)
		return "", err
	}

	key, err := s.cache.Put(processed)
	if err != nil {
		metrics.ArtworkFetchesTotal.WithLabelValues(kind, "error").Inc()
		return "", err
	}

	metrics.ArtworkFetchesTotal.WithLabelValues(kind, "ok").Inc()
	logging.Debug("artwork: stored %s %s (%d bytes)", kind, key[:12], len(processed))
	return key, nil
}

// Get returns a stored artwork blob by its cache key.
func (s *Service) Get(key string) ([]byte, error) {
	return s.cache.Get(key)
}
