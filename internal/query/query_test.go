package query

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediakeep/internal/database"
)

func TestCost(t *testing.T) {
	tests := []struct {
		name string
		q    MediaQuery
		want int
	}{
		{"bare", MediaQuery{PageSize: 50}, 15},
		{"search", MediaQuery{Search: "heat", PageSize: 50}, 40},
		{"hdr filter", MediaQuery{HDR: "HDR10", PageSize: 50}, 30},
		{"watched filter", MediaQuery{Watched: WatchedUnwatched, PageSize: 50}, 30},
		{"two sorts", MediaQuery{Sort: []SortField{{Field: "title"}, {Field: "year"}}, PageSize: 50}, 25},
		{
			"kitchen sink",
			MediaQuery{
				Search:  "heat",
				HDR:     "Dolby Vision",
				Watched: WatchedOnly,
				Sort:    []SortField{{Field: "title"}, {Field: "year"}, {Field: "rating"}},
				PageSize: 500,
			},
			10 + 25 + 15 + 15 + 15 + 50,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cost(&tt.q); got != tt.want {
				t.Errorf("Cost = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCheckClampsOversizedPage(t *testing.T) {
	cfg := DefaultComplexityConfig()
	q := MediaQuery{PageSize: 9999}
	if err := Check(&q, cfg); err != nil {
		t.Fatalf("oversized page must clamp, not reject: %v", err)
	}
	if q.PageSize != cfg.MaxPageSize {
		t.Errorf("PageSize = %d, want %d", q.PageSize, cfg.MaxPageSize)
	}
	if q.Page != 1 {
		t.Errorf("Page = %d, want 1", q.Page)
	}
}

func TestCheckRejectsOverBudget(t *testing.T) {
	cfg := ComplexityConfig{MaxCost: 30, MaxPageSize: 500, MaxSortFields: 3}
	q := MediaQuery{Search: "heat", HDR: "HDR10", PageSize: 50}
	err := Check(&q, cfg)
	if !errors.Is(err, ErrTooComplex) {
		t.Errorf("expected ErrTooComplex, got %v", err)
	}
}

func TestCheckRejectsTooManySorts(t *testing.T) {
	cfg := DefaultComplexityConfig()
	q := MediaQuery{Sort: []SortField{
		{Field: "title"}, {Field: "year"}, {Field: "rating"}, {Field: "added"},
	}}
	if err := Check(&q, cfg); !errors.Is(err, ErrTooComplex) {
		t.Errorf("expected ErrTooComplex, got %v", err)
	}
}

func TestCheckRejectsUnknownSortField(t *testing.T) {
	q := MediaQuery{Sort: []SortField{{Field: "path; DROP TABLE media"}}}
	if err := Check(&q, DefaultComplexityConfig()); !errors.Is(err, ErrBadQuery) {
		t.Errorf("expected ErrBadQuery, got %v", err)
	}
}

func TestCheckRejectsInvertedYearRange(t *testing.T) {
	q := MediaQuery{YearFrom: 2000, YearTo: 1990}
	if err := Check(&q, DefaultComplexityConfig()); !errors.Is(err, ErrBadQuery) {
		t.Errorf("expected ErrBadQuery, got %v", err)
	}
}

func TestBuildStableOrdering(t *testing.T) {
	q := MediaQuery{Sort: []SortField{{Field: "year", Desc: true}}, Page: 1, PageSize: 50}
	sqlText, _ := Build(&q, 1)
	if !strings.Contains(sqlText, "ORDER BY m.year DESC, m.id ASC") {
		t.Errorf("missing stable tiebreak:\n%s", sqlText)
	}
}

func TestBuildSearchJoinsFTS(t *testing.T) {
	q := MediaQuery{Search: "heat 1995", Page: 1, PageSize: 50}
	sqlText, args := Build(&q, 7)
	if !strings.Contains(sqlText, "JOIN media_fts") {
		t.Errorf("search without FTS join:\n%s", sqlText)
	}
	found := false
	for _, a := range args {
		if s, ok := a.(string); ok && s == `"heat" "1995"` {
			found = true
		}
	}
	if !found {
		t.Errorf("FTS terms not quoted: %v", args)
	}
}

func TestFtsQuoteStripsInjection(t *testing.T) {
	got := ftsQuote(`heat" OR path:"secret`)
	// Every term comes back wrapped in exactly one pair of quotes with no
	// interior quote characters surviving
	for _, term := range strings.Fields(got) {
		if !strings.HasPrefix(term, `"`) || !strings.HasSuffix(term, `"`) {
			t.Errorf("unquoted term %q in %q", term, got)
		}
		inner := strings.TrimSuffix(strings.TrimPrefix(term, `"`), `"`)
		if strings.Contains(inner, `"`) {
			t.Errorf("interior quote survived in %q", term)
		}
	}
}

func newTestRepo(t *testing.T) (*Repository, *database.Database) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "query.db")
	d, err := database.New(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return NewRepository(d, DefaultComplexityConfig()), d
}

func seedMedia(t *testing.T, d *database.Database, items []*database.MediaItem) {
	t.Helper()
	ctx := context.Background()
	lib := &database.Library{Name: "Movies", Path: "/media/movies", Kind: database.LibraryMovies}
	if err := d.CreateLibrary(ctx, lib); err != nil {
		t.Fatal(err)
	}
	h, err := d.NewUnitOfWork().Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range items {
		m.LibraryID = lib.ID
		if err := h.UpsertMedia(m); err != nil {
			t.Fatalf("UpsertMedia %s: %v", m.Path, err)
		}
	}
	if err := h.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestFindMediaFiltersAndPages(t *testing.T) {
	repo, d := newTestRepo(t)
	ctx := context.Background()

	now := time.Now()
	seedMedia(t, d, []*database.MediaItem{
		{Path: "Heat (1995)/Heat.mkv", Title: "Heat", SortTitle: "heat", Kind: "movie", Year: 1995, ModTime: now, HDRFormat: ""},
		{Path: "Ronin (1998)/Ronin.mkv", Title: "Ronin", SortTitle: "ronin", Kind: "movie", Year: 1998, ModTime: now, HDRFormat: "HDR10"},
		{Path: "Dune (2021)/Dune.mkv", Title: "Dune", SortTitle: "dune", Kind: "movie", Year: 2021, ModTime: now, HDRFormat: "Dolby Vision"},
	})

	user, err := d.CreateUser(ctx, "tester", "secret123", database.RoleMember)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("year range", func(t *testing.T) {
		page, err := repo.FindMedia(ctx, user.ID, &MediaQuery{YearFrom: 1990, YearTo: 1999, Sort: []SortField{{Field: "year"}}})
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) != 2 || page.Total != 2 {
			t.Fatalf("got %d items total %d, want 2/2", len(page.Items), page.Total)
		}
		if page.Items[0].Title != "Heat" || page.Items[1].Title != "Ronin" {
			t.Errorf("order wrong: %s, %s", page.Items[0].Title, page.Items[1].Title)
		}
	})

	t.Run("hdr filter", func(t *testing.T) {
		page, err := repo.FindMedia(ctx, user.ID, &MediaQuery{HDR: "Dolby Vision"})
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) != 1 || page.Items[0].Title != "Dune" {
			t.Errorf("got %+v", page.Items)
		}
	})

	t.Run("search", func(t *testing.T) {
		page, err := repo.FindMedia(ctx, user.ID, &MediaQuery{Search: "ronin"})
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) != 1 || page.Items[0].Title != "Ronin" {
			t.Errorf("got %+v", page.Items)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		page1, err := repo.FindMedia(ctx, user.ID, &MediaQuery{Sort: []SortField{{Field: "title"}}, Page: 1, PageSize: 2})
		if err != nil {
			t.Fatal(err)
		}
		page2, err := repo.FindMedia(ctx, user.ID, &MediaQuery{Sort: []SortField{{Field: "title"}}, Page: 2, PageSize: 2})
		if err != nil {
			t.Fatal(err)
		}
		if page1.Total != 3 || len(page1.Items) != 2 || len(page2.Items) != 1 {
			t.Fatalf("pages: %d+%d of %d", len(page1.Items), len(page2.Items), page1.Total)
		}
		if page1.Items[0].Title != "Dune" || page2.Items[0].Title != "Ronin" {
			t.Errorf("page order wrong")
		}
	})

	t.Run("watched filter", func(t *testing.T) {
		heat, err := d.GetMediaByPath(ctx, "Heat (1995)/Heat.mkv")
		if err != nil {
			t.Fatal(err)
		}
		if err := d.UpsertWatchStatus(ctx, &database.WatchStatus{
			UserID: user.ID, MediaID: heat.ID,
			PositionSeconds: 10000, DurationSeconds: 10200, Watched: true,
		}); err != nil {
			t.Fatal(err)
		}

		page, err := repo.FindMedia(ctx, user.ID, &MediaQuery{Watched: WatchedOnly})
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) != 1 || page.Items[0].Title != "Heat" {
			t.Fatalf("watched: got %+v", page.Items)
		}

		page, err = repo.FindMedia(ctx, user.ID, &MediaQuery{Watched: WatchedUnwatched})
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) != 2 {
			t.Errorf("unwatched: got %d items", len(page.Items))
		}
	})
}
