// Package scan orchestrates library scans: walk the filesystem, parse and
// probe candidates, resolve them against the catalog provider, ingest the
// results in one transaction, and fetch artwork for new matches.
package scan

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"

	"mediakeep/internal/artwork"
	"mediakeep/internal/database"
	"mediakeep/internal/logging"
	"mediakeep/internal/metrics"
	"mediakeep/internal/provider/tmdb"
	"mediakeep/internal/retry"
	"mediakeep/internal/scanner"
	"mediakeep/internal/workers"
	"mediakeep/internal/ws"
)

// ErrScanRunning indicates a scan is already in flight for the library.
var ErrScanRunning = errors.New("scan: already running for this library")

// Notifier pushes scan events to subscribers. *ws.Hub satisfies it.
type Notifier interface {
	Publish(msgType ws.MessageType, libraryID int64, data any)
}

type noopNotifier struct{}

func (noopNotifier) Publish(ws.MessageType, int64, any) {}

// Options selects what a scan run covers.
type Options struct {
	LibraryID int64 // 0 scans every library
	Full      bool  // full scans also delete rows for vanished files
	Resolve   bool  // hit the catalog provider for unmatched items
	Artwork   bool  // fetch posters/backdrops for new matches
	Workers   int   // probe worker count, 0 = workers.ForIO
}

// DefaultOptions is a full scan with provider resolution and artwork.
func DefaultOptions() Options {
	return Options{Full: true, Resolve: true, Artwork: true}
}

// item carries one candidate through the pipeline phases.
type item struct {
	media          *database.MediaItem
	candidate      scanner.Candidate
	folderRel      string
	existing       *database.MediaItem
	contentChanged bool

	// provider image paths, filled during resolve
	posterPath   string
	backdropPath string
}

type deferredEntry struct {
	attempts int
	nextTry  time.Time
}

// Orchestrator runs scans, one per library at a time.
type Orchestrator struct {
	db        *database.Database
	provider  *tmdb.Client
	artwork   *artwork.Service
	extractor *scanner.Extractor
	notifier  Notifier

	// Backoff schedule for items whose provider resolution failed; they
	// are skipped until nextTry so a flaky provider doesn't stall scans.
	rescheduleCfg retry.Config

	mu      sync.Mutex
	running map[int64]bool
	last    map[int64]Progress

	deferredMu sync.Mutex
	deferred   map[string]*deferredEntry
}

// NewOrchestrator wires a scan orchestrator. provider, artworkSvc, and
// notifier may be nil; the matching phases are skipped.
func NewOrchestrator(db *database.Database, provider *tmdb.Client, artworkSvc *artwork.Service, notifier Notifier) *Orchestrator {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Orchestrator{
		db:        db,
		provider:  provider,
		artwork:   artworkSvc,
		extractor: scanner.NewExtractor(),
		notifier:  notifier,
		rescheduleCfg: retry.Config{
			MaxAttempts:  8,
			InitialDelay: time.Minute,
			MaxDelay:     time.Hour,
			Multiplier:   2.0,
			AddJitter:    true,
		},
		running:  make(map[int64]bool),
		last:     make(map[int64]Progress),
		deferred: make(map[string]*deferredEntry),
	}
}

// Scan runs the pipeline over the selected libraries. Libraries already
// being scanned are skipped. Returns the first error encountered.
func (o *Orchestrator) Scan(ctx context.Context, opts Options) error {
	var libs []*database.Library
	if opts.LibraryID != 0 {
		lib, err := o.db.GetLibrary(ctx, opts.LibraryID)
		if err != nil {
			return err
		}
		libs = []*database.Library{lib}
	} else {
		var err error
		libs, err = o.db.ListLibraries(ctx)
		if err != nil {
			return err
		}
	}
	if opts.Workers <= 0 {
		opts.Workers = workers.ForIO(16)
	}

	var firstErr error
	for _, lib := range libs {
		err := o.scanLibrary(ctx, lib, opts)
		if errors.Is(err, ErrScanRunning) {
			if opts.LibraryID != 0 {
				return err
			}
			logging.Warn("scan: library %d already scanning, skipped", lib.ID)
			continue
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

// Running reports whether a scan is in flight for the library (0 = any).
func (o *Orchestrator) Running(libraryID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if libraryID != 0 {
		return o.running[libraryID]
	}
	for _, r := range o.running {
		if r {
			return true
		}
	}
	return false
}

// Status returns the latest progress snapshot for a library.
func (o *Orchestrator) Status(libraryID int64) (Progress, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.last[libraryID]
	return p, ok
}

// Statuses returns the latest snapshot per library.
func (o *Orchestrator) Statuses() []Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Progress, 0, len(o.last))
	for _, p := range o.last {
		out = append(out, p)
	}
	return out
}

func (o *Orchestrator) tryStartScan(libraryID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[libraryID] {
		return false
	}
	o.running[libraryID] = true
	return true
}

func (o *Orchestrator) endScan(libraryID int64) {
	o.mu.Lock()
	delete(o.running, libraryID)
	stillRunning := len(o.running) > 0
	o.mu.Unlock()
	if !stillRunning {
		metrics.ScanIsRunning.Set(0)
	}
}

func (o *Orchestrator) storeLast(p Progress) {
	o.mu.Lock()
	o.last[p.LibraryID] = p
	o.mu.Unlock()
}

func (o *Orchestrator) scanLibrary(ctx context.Context, lib *database.Library, opts Options) error {
	if !o.tryStartScan(lib.ID) {
		return ErrScanRunning
	}
	defer o.endScan(lib.ID)

	mode := "incremental"
	if opts.Full {
		mode = "full"
	}
	metrics.ScanRunsTotal.WithLabelValues(mode).Inc()
	metrics.ScanIsRunning.Set(1)
	scanStart := time.Now()
	defer func() { metrics.ScanLastDuration.Set(time.Since(scanStart).Seconds()) }()

	t := newTracker(lib.ID, mode)
	publish := func() {
		p := t.snapshot()
		o.storeLast(p)
		o.notifier.Publish(ws.TypeScanProgress, lib.ID, p)
	}
	phase := func(p Phase) {
		t.setPhase(p)
		prog := t.snapshot()
		o.storeLast(prog)
		o.notifier.Publish(ws.TypeScanPhase, lib.ID, prog)
	}

	logging.Info("scan: starting %s scan of library %d (%s)", mode, lib.ID, lib.Path)

	// Walk
	walker := scanner.NewWalker(lib.Path)
	var folders []scanner.FolderInfo
	var cands []scanner.Candidate
	err := walker.Walk(ctx,
		func(f scanner.FolderInfo) error {
			folders = append(folders, f)
			return nil
		},
		func(c scanner.Candidate) error {
			cands = append(cands, c)
			if t.found.Add(1)%100 == 0 {
				publish()
			}
			return nil
		})
	if err != nil {
		return o.finish(t, lib.ID, err)
	}

	// Parse + probe
	phase(PhaseParse)
	items := o.parseAll(ctx, lib, cands, opts.Workers, t)
	if err := ctx.Err(); err != nil {
		return o.finish(t, lib.ID, err)
	}

	// Resolve
	if opts.Resolve && o.provider != nil {
		phase(PhaseResolve)
		o.resolveAll(ctx, lib, items, t, publish)
		if err := ctx.Err(); err != nil {
			return o.finish(t, lib.ID, err)
		}
	}

	// Ingest
	phase(PhaseIngest)
	ingested, err := o.ingest(ctx, lib, folders, items, opts.Full, scanStart)
	if err != nil {
		return o.finish(t, lib.ID, err)
	}
	t.ingested.Add(int64(ingested))
	publish()
	o.notifier.Publish(ws.TypeLibraryChanged, lib.ID, map[string]any{
		"libraryId": lib.ID,
		"items":     ingested,
	})

	// Artwork
	if opts.Artwork && o.artwork != nil {
		phase(PhaseArtwork)
		o.fetchArtwork(ctx, items, t, publish)
	}

	logging.Info("scan: library %d done: %d found, %d ingested in %v",
		lib.ID, t.found.Load(), t.ingested.Load(), time.Since(scanStart).Round(time.Millisecond))
	return o.finish(t, lib.ID, nil)
}

// finish publishes the terminal snapshot, carrying err if the run failed.
func (o *Orchestrator) finish(t *tracker, libraryID int64, err error) error {
	t.setPhase(PhaseDone)
	p := t.snapshot()
	if err != nil {
		p.Error = err.Error()
	}
	o.storeLast(p)
	o.notifier.Publish(ws.TypeScanDone, libraryID, p)
	return err
}

// parseAll parses and probes candidates with a worker pool.
func (o *Orchestrator) parseAll(ctx context.Context, lib *database.Library, cands []scanner.Candidate, workerCount int, t *tracker) []*item {
	probe := o.extractor != nil && o.extractor.Available()
	if !probe {
		logging.Warn("scan: ffprobe unavailable, relying on filename metadata only")
	}

	results := make([]*item, len(cands))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = o.buildItem(ctx, lib, cands[idx], probe)
				t.parsed.Add(1)
			}
		}()
	}
feed:
	for i := range cands {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	items := results[:0]
	for _, it := range results {
		if it != nil {
			items = append(items, it)
		}
	}
	return items
}

// buildItem turns one walked candidate into a media row, reusing probe and
// provider data from the existing row when the content is unchanged.
func (o *Orchestrator) buildItem(ctx context.Context, lib *database.Library, cand scanner.Candidate, probe bool) *item {
	parsed := scanner.Parse(path.Base(cand.RelPath))
	folderRel := path.Dir(cand.RelPath)
	if folderRel == "." {
		folderRel = ""
	}

	kind := "movie"
	title := parsed.Title
	season, episode := parsed.Season, parsed.Episode
	if parsed.IsEpisode || lib.Kind == database.LibrarySeries {
		if parsed.IsEpisode {
			kind = "episode"
		}
		show, seasonClue := scanner.SeriesFolderClues(folderRel)
		if show != "" {
			title = show
		}
		if season == 0 {
			season = seasonClue
		}
	}

	hash := scanner.ContentHash(cand.RelPath, cand.Size, cand.ModTime)
	existing, err := o.db.GetMediaByPath(ctx, cand.RelPath)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		logging.Warn("scan: lookup failed for %s: %v", cand.RelPath, err)
	}

	m := &database.MediaItem{
		LibraryID:   lib.ID,
		Path:        cand.RelPath,
		Title:       title,
		SortTitle:   scanner.SortTitle(title),
		Kind:        kind,
		Season:      season,
		Episode:     episode,
		Year:        parsed.Year,
		Size:        cand.Size,
		ModTime:     cand.ModTime,
		ContentHash: hash,
		Resolution:  parsed.Resolution,
		HDRFormat:   parsed.HDRHint,
	}

	it := &item{
		media:          m,
		candidate:      cand,
		folderRel:      folderRel,
		existing:       existing,
		contentChanged: existing == nil || existing.ContentHash != hash,
	}

	switch {
	case probe && (it.contentChanged || existing.Container == ""):
		info, probeErr := o.extractor.Probe(ctx, cand.Path)
		if probeErr != nil {
			logging.Debug("scan: probe failed for %s: %v", cand.Path, probeErr)
			metrics.ScanErrors.Inc()
			break
		}
		m.Container = info.Container
		m.VideoCodec = info.VideoCodec
		m.RuntimeMinutes = info.RuntimeMinutes
		// The probe wins over filename hints
		if info.Resolution != "" {
			m.Resolution = info.Resolution
		}
		if info.HDRFormat != "" {
			m.HDRFormat = info.HDRFormat
		}
	case existing != nil && !it.contentChanged:
		// Content unchanged: keep the old probe results
		m.Container = existing.Container
		m.VideoCodec = existing.VideoCodec
		m.RuntimeMinutes = existing.RuntimeMinutes
		if existing.Resolution != "" {
			m.Resolution = existing.Resolution
		}
		if existing.HDRFormat != "" {
			m.HDRFormat = existing.HDRFormat
		}
	}
	return it
}

// resolveAll matches items against the catalog provider.
func (o *Orchestrator) resolveAll(ctx context.Context, lib *database.Library, items []*item, t *tracker, publish func()) {
	for i, it := range items {
		if ctx.Err() != nil {
			return
		}
		var status string
		if it.existing != nil && it.existing.TMDBID != 0 && !it.contentChanged {
			// Row keeps its match through the upsert's preservation rules
			status = "cached"
		} else {
			status = o.resolveItem(ctx, it)
		}
		metrics.ScanResolvedTotal.WithLabelValues(status).Inc()
		if status == "deferred" {
			t.deferred.Add(1)
		} else {
			t.resolved.Add(1)
		}
		if (i+1)%25 == 0 {
			publish()
		}
	}
}

// resolveItem queries the provider for one item. Transient failures defer
// the item: it is skipped until its backoff window elapses, then retried on
// a later scan.
func (o *Orchestrator) resolveItem(ctx context.Context, it *item) string {
	key := it.media.Path

	o.deferredMu.Lock()
	entry := o.deferred[key]
	o.deferredMu.Unlock()
	if entry != nil && time.Now().Before(entry.nextTry) {
		return "deferred"
	}

	var err error
	if it.media.Kind == "episode" {
		err = o.resolveEpisode(ctx, it)
	} else {
		err = o.resolveMovie(ctx, it)
	}

	switch {
	case err == nil:
		o.clearDeferred(key)
		if it.media.TMDBID != 0 {
			return "matched"
		}
		return "unmatched"
	case tmdb.IsNotFound(err):
		o.clearDeferred(key)
		return "unmatched"
	default:
		o.deferredMu.Lock()
		if entry == nil {
			entry = &deferredEntry{}
			o.deferred[key] = entry
		}
		entry.attempts++
		entry.nextTry = time.Now().Add(retry.Backoff(o.rescheduleCfg, entry.attempts))
		attempts := entry.attempts
		o.deferredMu.Unlock()
		logging.Warn("scan: resolve deferred for %s (attempt %d): %v", key, attempts, err)
		return "deferred"
	}
}

func (o *Orchestrator) clearDeferred(key string) {
	o.deferredMu.Lock()
	delete(o.deferred, key)
	o.deferredMu.Unlock()
}

func (o *Orchestrator) resolveMovie(ctx context.Context, it *item) error {
	m := it.media
	results, err := o.provider.SearchMovie(ctx, m.Title, tmdb.SearchOptions{Year: m.Year})
	if err != nil {
		return err
	}
	if len(results) == 0 && m.Year != 0 {
		// The parsed year may be wrong; try without it
		results, err = o.provider.SearchMovie(ctx, m.Title, tmdb.SearchOptions{})
		if err != nil {
			return err
		}
	}
	if len(results) == 0 {
		return nil
	}
	best := pickBest(results, m.Year)

	details, err := o.provider.GetMovieDetails(ctx, best.ID)
	if err != nil {
		if tmdb.IsNotFound(err) {
			// Search said it exists; fall back to the search record
			m.TMDBID = best.ID
			m.Overview = best.Overview
			m.VoteAverage = best.VoteAverage
			it.posterPath = best.PosterPath
			it.backdropPath = best.BackdropPath
			return nil
		}
		return err
	}

	m.TMDBID = details.ID
	m.Overview = details.Overview
	m.VoteAverage = details.VoteAverage
	if m.RuntimeMinutes == 0 {
		m.RuntimeMinutes = details.Runtime
	}
	if m.Year == 0 && len(details.ReleaseDate) >= 4 {
		m.Year = best.Year()
	}
	it.posterPath = details.PosterPath
	it.backdropPath = details.BackdropPath
	return nil
}

func (o *Orchestrator) resolveEpisode(ctx context.Context, it *item) error {
	m := it.media
	results, err := o.provider.SearchTV(ctx, m.Title, tmdb.SearchOptions{})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return nil
	}
	best := pickBest(results, m.Year)

	details, err := o.provider.GetTVDetails(ctx, best.ID)
	if err != nil {
		if tmdb.IsNotFound(err) {
			m.TMDBID = best.ID
			m.Overview = best.Overview
			m.VoteAverage = best.VoteAverage
			it.posterPath = best.PosterPath
			it.backdropPath = best.BackdropPath
			return nil
		}
		return err
	}

	m.TMDBID = details.ID
	m.Overview = details.Overview
	m.VoteAverage = details.VoteAverage
	it.posterPath = details.PosterPath
	it.backdropPath = details.BackdropPath

	// Episode-level overview and runtime when the season is known
	if m.Season > 0 && m.Episode > 0 {
		season, seasonErr := o.provider.GetSeasonDetails(ctx, details.ID, m.Season)
		if seasonErr != nil {
			if !tmdb.IsNotFound(seasonErr) {
				logging.Debug("scan: season lookup failed for %s: %v", m.Path, seasonErr)
			}
			return nil
		}
		for i := range season.Episodes {
			ep := &season.Episodes[i]
			if ep.EpisodeNumber == m.Episode {
				if ep.Overview != "" {
					m.Overview = ep.Overview
				}
				if ep.Runtime > 0 && m.RuntimeMinutes == 0 {
					m.RuntimeMinutes = ep.Runtime
				}
				break
			}
		}
	}
	return nil
}

// pickBest prefers a result whose release year matches the parsed year,
// falling back to the provider's own ranking.
func pickBest(results []tmdb.SearchResult, year int) *tmdb.SearchResult {
	if year != 0 {
		for i := range results {
			if results[i].Year() == year {
				return &results[i]
			}
		}
	}
	return &results[0]
}

// ingest writes folders and items in one transaction. A cancelled ctx rolls
// everything back so partial scans never land.
func (o *Orchestrator) ingest(ctx context.Context, lib *database.Library, folders []scanner.FolderInfo, items []*item, full bool, scanStart time.Time) (int, error) {
	uow := o.db.NewUnitOfWork()
	tx, err := uow.Begin(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	folderIDs := make(map[string]int64, len(folders))
	for _, f := range folders {
		hint, _ := scanner.SeriesFolderClues(f.RelPath)
		row := &database.Folder{
			LibraryID:     lib.ID,
			Path:          f.RelPath,
			ParentPath:    f.ParentPath,
			ModTime:       f.ModTime,
			LastScannedAt: now,
			SeriesHint:    hint,
		}
		if err := tx.UpsertFolder(row); err != nil {
			return 0, tx.Rollback(err)
		}
		folderIDs[f.RelPath] = row.ID
	}

	count := 0
	for _, it := range items {
		it.media.FolderID = folderIDs[it.folderRel]
		if err := tx.UpsertMedia(it.media); err != nil {
			return 0, tx.Rollback(err)
		}
		count++
	}

	if full {
		deleted, err := tx.DeleteMissingMedia(lib.ID, scanStart)
		if err != nil {
			return 0, tx.Rollback(err)
		}
		if deleted > 0 {
			logging.Info("scan: removed %d vanished items from library %d", deleted, lib.ID)
		}
	}

	if err := ctx.Err(); err != nil {
		return 0, tx.Rollback(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// fetchArtwork downloads posters/backdrops for items that gained or changed
// a provider match.
func (o *Orchestrator) fetchArtwork(ctx context.Context, items []*item, t *tracker, publish func()) {
	fetched := 0
	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		if it.posterPath == "" && it.backdropPath == "" {
			continue
		}
		if it.existing != nil && it.existing.PosterKey != "" && !it.contentChanged {
			continue
		}
		if err := o.artwork.FetchForMedia(ctx, it.media.ID, it.posterPath, it.backdropPath); err != nil {
			t.errors.Add(1)
			continue
		}
		t.artwork.Add(1)
		fetched++
		if fetched%25 == 0 {
			publish()
		}
	}
}
