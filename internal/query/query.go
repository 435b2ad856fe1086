// Package query turns media browse requests into SQL. A complexity guard
// rejects queries whose estimated cost exceeds the configured budget before
// they reach sqlite.
package query

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTooComplex is returned for queries whose estimated cost exceeds the
// budget. Handlers map it to 422.
var ErrTooComplex = errors.New("query: too complex")

// ErrBadQuery is returned for structurally invalid queries (unknown sort
// field, bad year range).
var ErrBadQuery = errors.New("query: invalid")

// WatchedFilter narrows results by the caller's watch status.
type WatchedFilter string

const (
	WatchedAny        WatchedFilter = ""
	WatchedOnly       WatchedFilter = "watched"
	WatchedUnwatched  WatchedFilter = "unwatched"
	WatchedInProgress WatchedFilter = "in_progress"
)

// SortField is one ordering term.
type SortField struct {
	Field string // "title", "year", "added", "modified", "rating", "runtime"
	Desc  bool
}

// MediaQuery describes a browse request against the media catalog.
type MediaQuery struct {
	LibraryID int64
	Kinds     []string // "movie", "episode"
	Search    string   // FTS over title and path
	YearFrom  int
	YearTo    int
	HDR       string // exact hdr_format match, e.g. "HDR10", "Dolby Vision"
	Watched   WatchedFilter
	Sort      []SortField
	Page      int // 1-based
	PageSize  int
}

// sortColumns maps public sort names to SQL expressions.
var sortColumns = map[string]string{
	"title":    "m.sort_title COLLATE NOCASE",
	"year":     "m.year",
	"added":    "m.added_at",
	"modified": "m.mod_time",
	"rating":   "m.vote_average",
	"runtime":  "m.runtime_minutes",
}

// ComplexityConfig bounds what a single query may cost.
type ComplexityConfig struct {
	MaxCost       int
	MaxPageSize   int
	MaxSortFields int
}

// DefaultComplexityConfig returns the standard budget.
func DefaultComplexityConfig() ComplexityConfig {
	return ComplexityConfig{
		MaxCost:       200,
		MaxPageSize:   500,
		MaxSortFields: 3,
	}
}

// Cost weights. FTS is the expensive term; filters without an index cost
// more than indexed ones; page size contributes linearly.
const (
	costBase             = 10
	costSearch           = 25
	costNonIndexedFilter = 15
	costSortField        = 5
)

// Cost estimates what a query will cost to execute.
func Cost(q *MediaQuery) int {
	cost := costBase
	if strings.TrimSpace(q.Search) != "" {
		cost += costSearch
	}
	// hdr_format has no index; watched filters join watch_status
	if q.HDR != "" {
		cost += costNonIndexedFilter
	}
	if q.Watched != WatchedAny {
		cost += costNonIndexedFilter
	}
	cost += costSortField * len(q.Sort)
	cost += q.PageSize / 10
	return cost
}

// Check validates and normalizes a query in place. Oversized pages are
// clamped (a downgrade, not a rejection); queries over the cost budget or
// with too many sort fields are rejected.
func Check(q *MediaQuery, cfg ComplexityConfig) error {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 50
	}
	if q.PageSize > cfg.MaxPageSize {
		q.PageSize = cfg.MaxPageSize
	}

	if len(q.Sort) > cfg.MaxSortFields {
		return fmt.Errorf("%w: %d sort fields exceeds limit of %d",
			ErrTooComplex, len(q.Sort), cfg.MaxSortFields)
	}
	for _, s := range q.Sort {
		if _, ok := sortColumns[s.Field]; !ok {
			return fmt.Errorf("%w: unknown sort field %q", ErrBadQuery, s.Field)
		}
	}
	if q.YearFrom != 0 && q.YearTo != 0 && q.YearTo < q.YearFrom {
		return fmt.Errorf("%w: year range %d..%d is inverted", ErrBadQuery, q.YearFrom, q.YearTo)
	}

	if cost := Cost(q); cost > cfg.MaxCost {
		return fmt.Errorf("%w: cost %d exceeds budget %d", ErrTooComplex, cost, cfg.MaxCost)
	}
	return nil
}

// Build renders the query into SQL selecting media columns joined with the
// caller's watch status. Ordering always ends with id ASC so pagination is
// stable when sort keys tie.
func Build(q *MediaQuery, userID int64) (sqlText string, args []any) {
	var b strings.Builder
	args = append(args, userID)

	b.WriteString(`SELECT m.id, m.library_id, m.folder_id, m.path, m.title, m.sort_title,
	m.kind, m.season, m.episode, m.year, m.size, m.mod_time, m.content_hash,
	m.container, m.video_codec, m.resolution, m.hdr_format, m.runtime_minutes,
	m.tmdb_id, m.overview, m.poster_key, m.backdrop_key, m.vote_average,
	m.added_at, m.updated_at, m.content_updated_at,
	COALESCE(w.position_seconds, 0), COALESCE(w.duration_seconds, 0),
	COALESCE(w.watched, 0)
FROM media m
LEFT JOIN watch_status w ON w.media_id = m.id AND w.user_id = ?`)

	if strings.TrimSpace(q.Search) != "" {
		b.WriteString("\nJOIN media_fts f ON f.rowid = m.id")
	}

	var where []string
	if q.LibraryID != 0 {
		where = append(where, "m.library_id = ?")
		args = append(args, q.LibraryID)
	}
	if len(q.Kinds) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(q.Kinds)), ", ")
		where = append(where, "m.kind IN ("+placeholders+")")
		for _, k := range q.Kinds {
			args = append(args, k)
		}
	}
	if strings.TrimSpace(q.Search) != "" {
		where = append(where, "media_fts MATCH ?")
		args = append(args, ftsQuote(q.Search))
	}
	if q.YearFrom != 0 {
		where = append(where, "m.year >= ?")
		args = append(args, q.YearFrom)
	}
	if q.YearTo != 0 {
		where = append(where, "m.year <= ?")
		args = append(args, q.YearTo)
	}
	if q.HDR != "" {
		where = append(where, "m.hdr_format = ?")
		args = append(args, q.HDR)
	}
	switch q.Watched {
	case WatchedOnly:
		where = append(where, "COALESCE(w.watched, 0) = 1")
	case WatchedUnwatched:
		where = append(where, "COALESCE(w.watched, 0) = 0")
	case WatchedInProgress:
		where = append(where, "COALESCE(w.watched, 0) = 0 AND COALESCE(w.position_seconds, 0) > 0")
	}

	if len(where) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	b.WriteString("\nORDER BY ")
	for _, s := range q.Sort {
		b.WriteString(sortColumns[s.Field])
		if s.Desc {
			b.WriteString(" DESC")
		}
		b.WriteString(", ")
	}
	// Stable tiebreak so equal sort keys page deterministically
	b.WriteString("m.id ASC")

	b.WriteString("\nLIMIT ? OFFSET ?")
	args = append(args, q.PageSize, (q.Page-1)*q.PageSize)

	return b.String(), args
}

// BuildCount renders the matching COUNT(*) query for total-row reporting.
func BuildCount(q *MediaQuery, userID int64) (sqlText string, args []any) {
	full, fullArgs := Build(q, userID)
	// Strip the select list and pagination; the WHERE shape is identical
	fromIdx := strings.Index(full, "FROM media m")
	limitIdx := strings.LastIndex(full, "\nORDER BY")
	sqlText = "SELECT COUNT(*) " + full[fromIdx:limitIdx]
	args = fullArgs[:len(fullArgs)-2]
	return sqlText, args
}

// ftsQuote wraps each term in double quotes so user input can't inject FTS
// query syntax.
func ftsQuote(search string) string {
	terms := strings.Fields(search)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " ")
}
