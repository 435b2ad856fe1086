package query

import (
	"context"
	"time"

	"mediakeep/internal/database"
	"mediakeep/internal/metrics"
)

// MediaWithStatus is a media row joined with the requesting user's watch
// status.
type MediaWithStatus struct {
	database.MediaItem
	PositionSeconds float64 `json:"positionSeconds"`
	DurationSeconds float64 `json:"durationSeconds"`
	Watched         bool    `json:"watched"`
}

// Page is one page of results with pagination bookkeeping.
type Page[T any] struct {
	Items    []T `json:"items"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
	Total    int `json:"total"`
}

// Repository executes media queries against the database.
type Repository struct {
	db  *database.Database
	cfg ComplexityConfig
}

// NewRepository creates a query repository with the given complexity budget.
func NewRepository(db *database.Database, cfg ComplexityConfig) *Repository {
	return &Repository{db: db, cfg: cfg}
}

// FindMedia runs a browse query for one user. The query is normalized in
// place (page clamping); over-budget queries return ErrTooComplex.
func (r *Repository) FindMedia(ctx context.Context, userID int64, q *MediaQuery) (*Page[MediaWithStatus], error) {
	if err := Check(q, r.cfg); err != nil {
		if Cost(q) > r.cfg.MaxCost {
			metrics.QueriesRejectedTotal.Inc()
		}
		return nil, err
	}
	metrics.QueryCost.Observe(float64(Cost(q)))

	start := time.Now()
	var err error
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.DBQueryTotal.WithLabelValues("find_media", status).Inc()
		metrics.DBQueryDuration.WithLabelValues("find_media").Observe(time.Since(start).Seconds())
	}()

	countSQL, countArgs := BuildCount(q, userID)
	var total int
	if err = r.db.DB().QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, err
	}

	sqlText, args := Build(q, userID)
	rows, err := r.db.DB().QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &Page[MediaWithStatus]{
		Items:    []MediaWithStatus{},
		Page:     q.Page,
		PageSize: q.PageSize,
		Total:    total,
	}
	for rows.Next() {
		var m MediaWithStatus
		var modTime, addedAt, updatedAt, contentUpdatedAt int64
		var watched int
		if err = rows.Scan(
			&m.ID, &m.LibraryID, &m.FolderID, &m.Path, &m.Title, &m.SortTitle,
			&m.Kind, &m.Season, &m.Episode, &m.Year, &m.Size, &modTime,
			&m.ContentHash, &m.Container, &m.VideoCodec, &m.Resolution,
			&m.HDRFormat, &m.RuntimeMinutes, &m.TMDBID, &m.Overview,
			&m.PosterKey, &m.BackdropKey, &m.VoteAverage,
			&addedAt, &updatedAt, &contentUpdatedAt,
			&m.PositionSeconds, &m.DurationSeconds, &watched,
		); err != nil {
			return nil, err
		}
		m.ModTime = time.Unix(modTime, 0)
		m.AddedAt = time.Unix(addedAt, 0)
		m.UpdatedAt = time.Unix(updatedAt, 0)
		m.ContentUpdatedAt = time.Unix(contentUpdatedAt, 0)
		m.Watched = watched == 1
		page.Items = append(page.Items, m)
	}
	err = rows.Err()
	if err != nil {
		return nil, err
	}
	return page, nil
}
