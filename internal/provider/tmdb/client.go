// Package tmdb is the catalog provider client: search, details, discover,
// and artwork download against The Movie Database API, with rate limiting,
// retries, and an on-disk response cache.
package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"mediakeep/internal/blobcache"
	"mediakeep/internal/logging"
	"mediakeep/internal/metrics"
	"mediakeep/internal/retry"
)

const (
	defaultBaseURL      = "https://api.themoviedb.org/3"
	defaultImageBaseURL = "https://image.tmdb.org/t/p/"
	defaultLanguage     = "en-US"
	fallbackLanguage    = "en-US"
	minRequestInterval  = 250 * time.Millisecond
	maxResponseBytes    = 4 << 20
)

// Config configures the provider client.
type Config struct {
	APIKey   string
	Language string        // e.g. "de-DE"; empty means en-US
	BaseURL  string        // override for tests
	CacheTTL time.Duration // response cache lifetime, default 24h
	Retry    *retry.Config // override the default retry schedule
}

// Client talks to the catalog provider.
type Client struct {
	cfg      Config
	http     *http.Client
	limiter  *rateLimiter
	cache    *blobcache.Cache
	retryCfg retry.Config
}

// New creates a client. cache may be nil to disable response caching.
func New(cfg Config, cache *blobcache.Cache) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	retryCfg := retry.Provider()
	if cfg.Retry != nil {
		retryCfg = *cfg.Retry
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  newRateLimiter(minRequestInterval),
		cache:    cache,
		retryCfg: retryCfg,
	}
}

// SearchOptions narrow a search.
type SearchOptions struct {
	Year int
}

// SearchMovie searches for movies by title.
func (c *Client) SearchMovie(ctx context.Context, title string, opts SearchOptions) ([]SearchResult, error) {
	params := url.Values{"query": {title}}
	if opts.Year != 0 {
		params.Set("year", strconv.Itoa(opts.Year))
	}
	var resp searchResponse
	if err := c.get(ctx, "search/movie", params, c.cfg.Language, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// SearchTV searches for shows by title.
func (c *Client) SearchTV(ctx context.Context, title string, opts SearchOptions) ([]SearchResult, error) {
	params := url.Values{"query": {title}}
	if opts.Year != 0 {
		params.Set("first_air_date_year", strconv.Itoa(opts.Year))
	}
	var resp searchResponse
	if err := c.get(ctx, "search/tv", params, c.cfg.Language, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// GetMovieDetails fetches one movie. If the configured language yields an
// empty overview, the en-US record is fetched once as a fallback.
func (c *Client) GetMovieDetails(ctx context.Context, id int64) (*MovieDetails, error) {
	endpoint := fmt.Sprintf("movie/%d", id)
	var details MovieDetails
	if err := c.get(ctx, endpoint, nil, c.cfg.Language, &details); err != nil {
		return nil, err
	}
	if details.Overview == "" && c.cfg.Language != fallbackLanguage {
		logging.Debug("tmdb: empty overview for movie %d in %s, falling back to %s", id, c.cfg.Language, fallbackLanguage)
		var fallback MovieDetails
		if err := c.get(ctx, endpoint, nil, fallbackLanguage, &fallback); err == nil && fallback.Overview != "" {
			details.Overview = fallback.Overview
			if details.Tagline == "" {
				details.Tagline = fallback.Tagline
			}
		}
	}
	return &details, nil
}

// GetTVDetails fetches one show, with the same language fallback as movies.
func (c *Client) GetTVDetails(ctx context.Context, id int64) (*TVDetails, error) {
	endpoint := fmt.Sprintf("tv/%d", id)
	var details TVDetails
	if err := c.get(ctx, endpoint, nil, c.cfg.Language, &details); err != nil {
		return nil, err
	}
	if details.Overview == "" && c.cfg.Language != fallbackLanguage {
		var fallback TVDetails
		if err := c.get(ctx, endpoint, nil, fallbackLanguage, &fallback); err == nil && fallback.Overview != "" {
			details.Overview = fallback.Overview
		}
	}
	return &details, nil
}

// GetSeasonDetails fetches one season with its episode list.
func (c *Client) GetSeasonDetails(ctx context.Context, tvID int64, season int) (*SeasonDetails, error) {
	var details SeasonDetails
	err := c.get(ctx, fmt.Sprintf("tv/%d/season/%d", tvID, season), nil, c.cfg.Language, &details)
	if err != nil {
		return nil, err
	}
	return &details, nil
}

// DiscoverMovies fetches one page of popular movies.
func (c *Client) DiscoverMovies(ctx context.Context, page int) (*DiscoverPage, error) {
	return c.discover(ctx, "discover/movie", page)
}

// DiscoverTV fetches one page of popular shows.
func (c *Client) DiscoverTV(ctx context.Context, page int) (*DiscoverPage, error) {
	return c.discover(ctx, "discover/tv", page)
}

func (c *Client) discover(ctx context.Context, endpoint string, page int) (*DiscoverPage, error) {
	if page < 1 {
		page = 1
	}
	params := url.Values{
		"sort_by": {"popularity.desc"},
		"page":    {strconv.Itoa(page)},
	}
	var resp searchResponse
	if err := c.get(ctx, endpoint, params, c.cfg.Language, &resp); err != nil {
		return nil, err
	}
	return &DiscoverPage{
		Page:         resp.Page,
		Results:      resp.Results,
		TotalPages:   resp.TotalPages,
		TotalResults: resp.TotalResults,
	}, nil
}

// ImageBaseURL returns the secure image base URL from the provider's
// configuration endpoint, falling back to the documented default.
func (c *Client) ImageBaseURL(ctx context.Context) string {
	var conf configurationResponse
	if err := c.get(ctx, "configuration", nil, c.cfg.Language, &conf); err != nil {
		logging.Warn("tmdb: configuration fetch failed, using default image base: %v", err)
		return defaultImageBaseURL
	}
	if conf.Images.SecureBaseURL == "" {
		return defaultImageBaseURL
	}
	return conf.Images.SecureBaseURL
}

// DownloadImage fetches artwork by its provider path (e.g. "/abc.jpg") at
// the given size ("w500", "original"). Images are not cached here; the
// artwork layer stores the processed variants.
func (c *Client) DownloadImage(ctx context.Context, baseURL, size, imagePath string) ([]byte, error) {
	if imagePath == "" {
		return nil, &ProviderError{Kind: KindNotFound, Endpoint: "image", Err: errors.New("empty image path")}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	imageURL := baseURL + size + imagePath
	return retry.DoWithResult(ctx, c.retryCfg, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
		if err != nil {
			return nil, retry.NonRetryable(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &ProviderError{Kind: KindTransient, Endpoint: "image", Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, c.statusError("image", resp)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return nil, &ProviderError{Kind: KindTransient, Endpoint: "image", Err: err}
		}
		return data, nil
	})
}

// cacheKeyFor builds the logical cache key for one request.
func cacheKeyFor(endpoint string, params url.Values, language string) string {
	encoded := ""
	if params != nil {
		encoded = params.Encode()
	}
	return blobcache.HashKey(endpoint, encoded, language)
}

// get performs a cached, rate-limited, retried JSON GET.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, language string, out any) error {
	key := cacheKeyFor(endpoint, params, language)

	if c.cache != nil {
		if modTime, err := c.cache.ModTime(key); err == nil && time.Since(modTime) < c.cfg.CacheTTL {
			if data, err := c.cache.Get(key); err == nil {
				if err := json.Unmarshal(data, out); err == nil {
					metrics.ProviderCacheHits.Inc()
					return nil
				}
				// Undecodable cache entry; fall through to refetch
				c.cache.Delete(key) //nolint:errcheck
			}
		}
		metrics.ProviderCacheMisses.Inc()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	requestURL := c.buildURL(endpoint, params, language)

	start := time.Now()
	data, err := retry.DoWithResult(ctx, c.retryCfg, func() ([]byte, error) {
		body, reqErr := c.doRequest(ctx, endpoint, requestURL)
		if reqErr != nil {
			metrics.ProviderRetriesTotal.Inc()
		}
		return body, reqErr
	})
	metrics.ProviderRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return err
	}
	metrics.ProviderRequestsTotal.WithLabelValues(endpoint, "success").Inc()

	if err := json.Unmarshal(data, out); err != nil {
		return &ProviderError{Kind: KindDecode, Endpoint: endpoint, Err: err}
	}

	if c.cache != nil {
		if err := c.cache.PutKeyed(key, data); err != nil {
			logging.Warn("tmdb: failed to cache %s response: %v", endpoint, err)
		}
	}
	return nil
}

func (c *Client) buildURL(endpoint string, params url.Values, language string) string {
	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("api_key", c.cfg.APIKey)
	q.Set("language", language)
	return c.cfg.BaseURL + "/" + endpoint + "?" + q.Encode()
}

// doRequest performs one HTTP attempt. Terminal failures come back wrapped
// in retry.NonRetryable so the retry loop stops immediately.
func (c *Client) doRequest(ctx context.Context, endpoint, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, retry.NonRetryable(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network errors and timeouts are worth retrying
		return nil, &ProviderError{Kind: KindTransient, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(endpoint, resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ProviderError{Kind: KindTransient, Endpoint: endpoint, Err: err}
	}
	return data, nil
}

// statusError maps an HTTP status to a ProviderError, honoring Retry-After
// on 429 by sleeping before the retry loop's own backoff.
func (c *Client) statusError(endpoint string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil && secs > 0 && secs <= 60 {
				logging.Debug("tmdb: 429 on %s, honoring Retry-After %ds", endpoint, secs)
				time.Sleep(time.Duration(secs) * time.Second)
			}
		}
		return &ProviderError{Kind: KindRateLimited, Endpoint: endpoint,
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return retry.NonRetryable(&ProviderError{Kind: KindNotFound, Endpoint: endpoint,
			Err: fmt.Errorf("status %d", resp.StatusCode)})
	case resp.StatusCode == http.StatusUnauthorized:
		return retry.NonRetryable(&ProviderError{Kind: KindUnauthorized, Endpoint: endpoint,
			Err: fmt.Errorf("status %d", resp.StatusCode)})
	case resp.StatusCode >= 500:
		return &ProviderError{Kind: KindTransient, Endpoint: endpoint,
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return retry.NonRetryable(&ProviderError{Kind: KindTransient, Endpoint: endpoint,
			Err: fmt.Errorf("status %d", resp.StatusCode)})
	}
}
