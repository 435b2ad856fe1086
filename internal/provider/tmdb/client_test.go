package tmdb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"mediakeep/internal/blobcache"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cache, err := blobcache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := New(Config{APIKey: "test-key", BaseURL: srv.URL}, cache)
	// No reason to pace requests against a local test server
	c.limiter = newRateLimiter(0)
	c.retryCfg.InitialDelay = time.Millisecond
	c.retryCfg.MaxDelay = 5 * time.Millisecond
	return c, srv
}

func TestSearchMovie(t *testing.T) {
	var gotQuery, gotYear, gotKey string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/movie" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotQuery = r.URL.Query().Get("query")
		gotYear = r.URL.Query().Get("year")
		gotKey = r.URL.Query().Get("api_key")
		w.Write([]byte(`{"page":1,"results":[{"id":949,"title":"Heat","release_date":"1995-12-15","vote_average":7.9}],"total_pages":1,"total_results":1}`))
	}))

	results, err := c.SearchMovie(context.Background(), "Heat", SearchOptions{Year: 1995})
	if err != nil {
		t.Fatalf("SearchMovie: %v", err)
	}
	if gotQuery != "Heat" || gotYear != "1995" || gotKey != "test-key" {
		t.Errorf("query=%q year=%q key=%q", gotQuery, gotYear, gotKey)
	}
	if len(results) != 1 || results[0].ID != 949 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Year() != 1995 {
		t.Errorf("Year() = %d", results[0].Year())
	}
}

func TestNotFoundIsTerminal(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.GetMovieDetails(context.Background(), 999999)
	if !IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("404 was retried %d times", calls.Load())
	}
}

func TestUnauthorizedIsTerminal(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.SearchMovie(context.Background(), "anything", SearchOptions{})
	if !IsKind(err, KindUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("401 was retried %d times", calls.Load())
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":603,"title":"The Matrix","overview":"A hacker learns the truth."}`))
	}))

	details, err := c.GetMovieDetails(context.Background(), 603)
	if err != nil {
		t.Fatalf("expected retry to recover: %v", err)
	}
	if details.Title != "The Matrix" {
		t.Errorf("details = %+v", details)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRateLimitedIsRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"page":1,"results":[],"total_pages":0,"total_results":0}`))
	}))

	_, err := c.SearchTV(context.Background(), "show", SearchOptions{})
	if err != nil {
		t.Fatalf("expected retry after 429: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestResponseCaching(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"id":603,"title":"The Matrix","overview":"..."}`))
	}))

	ctx := context.Background()
	if _, err := c.GetMovieDetails(ctx, 603); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetMovieDetails(ctx, 603); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("cached response refetched: %d calls", calls.Load())
	}

	// A different id is a different cache key
	if _, err := c.GetMovieDetails(ctx, 604); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 upstream calls, got %d", calls.Load())
	}
}

func TestLanguageFallbackOnEmptyOverview(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("language") == "de-DE" {
			w.Write([]byte(`{"id":603,"title":"Matrix","overview":""}`))
			return
		}
		w.Write([]byte(`{"id":603,"title":"The Matrix","overview":"A hacker learns the truth."}`))
	}))
	c.cfg.Language = "de-DE"

	details, err := c.GetMovieDetails(context.Background(), 603)
	if err != nil {
		t.Fatal(err)
	}
	if details.Title != "Matrix" {
		t.Errorf("localized title lost: %q", details.Title)
	}
	if details.Overview != "A hacker learns the truth." {
		t.Errorf("fallback overview missing: %q", details.Overview)
	}
}

func TestDiscoverMovies(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/discover/movie" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("page") != "2" {
			t.Errorf("page = %s", r.URL.Query().Get("page"))
		}
		w.Write([]byte(`{"page":2,"results":[{"id":1,"title":"A"}],"total_pages":10,"total_results":200}`))
	}))

	page, err := c.DiscoverMovies(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if page.Page != 2 || page.TotalPages != 10 || len(page.Results) != 1 {
		t.Errorf("page = %+v", page)
	}
}

func TestRateLimiterSpacing(t *testing.T) {
	limiter := newRateLimiter(20 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// Three slots at 20ms spacing need at least 40ms
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("three requests completed in %v, want >= 40ms", elapsed)
	}
}

func TestRateLimiterHonorsCancellation(t *testing.T) {
	limiter := newRateLimiter(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if err := limiter.Wait(ctx); err == nil {
		t.Error("second Wait should fail on a cancelled context")
	}
}
