package scan

import (
	"context"
	"errors"
	"path"
	"time"

	"mediakeep/internal/database"
	"mediakeep/internal/logging"
	"mediakeep/internal/metrics"
	"mediakeep/internal/scanner"
	"mediakeep/internal/watch"
	"mediakeep/internal/ws"
)

// IncrementalScanner turns debounced watch batches into targeted catalog
// updates: it re-walks only the dirty folders, recognizes renames so items
// keep their identity, and applies everything in one transaction per
// library.
type IncrementalScanner struct {
	db   *database.Database
	orch *Orchestrator
}

// NewIncrementalScanner wires the incremental scanner to the orchestrator's
// parse/resolve machinery.
func NewIncrementalScanner(db *database.Database, orch *Orchestrator) *IncrementalScanner {
	return &IncrementalScanner{db: db, orch: orch}
}

// renamePair links a removed row to the created file it moved to.
type renamePair struct {
	oldPath string
	newPath string
	newDir  string
}

// HandleBatch applies one watch batch. Libraries with a full scan already
// in flight are skipped; the running scan will pick the changes up.
func (s *IncrementalScanner) HandleBatch(ctx context.Context, batch watch.Batch) error {
	byLibrary := make(map[int64][]watch.Event)
	for _, ev := range batch.Events {
		byLibrary[ev.LibraryID] = append(byLibrary[ev.LibraryID], ev)
	}

	var firstErr error
	for libraryID, events := range byLibrary {
		err := s.handleLibrary(ctx, libraryID, events)
		if errors.Is(err, ErrScanRunning) {
			logging.Debug("scan: incremental update skipped, library %d is scanning", libraryID)
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

func (s *IncrementalScanner) handleLibrary(ctx context.Context, libraryID int64, events []watch.Event) error {
	lib, err := s.db.GetLibrary(ctx, libraryID)
	if err != nil {
		return err
	}
	if !s.orch.tryStartScan(lib.ID) {
		return ErrScanRunning
	}
	defer s.orch.endScan(lib.ID)
	metrics.ScanRunsTotal.WithLabelValues("incremental").Inc()

	// Split the batch: removes, file creates, and everything that dirties
	// a folder for re-walking.
	var removes, creates []watch.Event
	for _, ev := range events {
		switch {
		case ev.Op == watch.OpRemove:
			removes = append(removes, ev)
		case ev.Op == watch.OpCreate && !ev.IsDir:
			creates = append(creates, ev)
		}
	}

	// Rename heuristic: a remove whose row matches a create's size and
	// mtime in the same window is the same file at a new path. The row
	// moves, keeping its id, catalog match, and watch status.
	renames, consumed := s.matchRenames(ctx, removes, creates)

	// Re-walk dirty folders, skipping rename targets (they are handled by
	// the move, not an upsert-as-new).
	dirtyByLib := batchDirtyDirs(events, consumed)
	walker := scanner.NewWalker(lib.Path)

	var folders []scanner.FolderInfo
	var items []*item
	seen := make(map[string]bool)
	for dir := range dirtyByLib {
		err := walker.WalkFolder(ctx, dir,
			func(f scanner.FolderInfo) error {
				folders = append(folders, f)
				return nil
			},
			func(c scanner.Candidate) error {
				if consumed[c.RelPath] || seen[c.RelPath] {
					return nil
				}
				seen[c.RelPath] = true
				items = append(items, s.orch.buildItem(ctx, lib, c, s.orch.extractor != nil && s.orch.extractor.Available()))
				return nil
			})
		if err != nil {
			return err
		}
	}

	// Vanished rows: in the database under a dirty folder, but no longer
	// on disk and not explained by a rename.
	vanished := s.findVanished(ctx, dirtyByLib, seen, renames)

	// Resolve new and changed items before opening the transaction so
	// provider latency never holds a write lock.
	if s.orch.provider != nil {
		for _, it := range items {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if it.existing != nil && it.existing.TMDBID != 0 && !it.contentChanged {
				continue
			}
			status := s.orch.resolveItem(ctx, it)
			metrics.ScanResolvedTotal.WithLabelValues(status).Inc()
		}
	}

	changed, err := s.apply(ctx, lib, renames, removes, vanished, folders, items)
	if err != nil {
		return err
	}

	// Artwork for fresh matches, outside the transaction
	if s.orch.artwork != nil {
		for _, it := range items {
			if ctx.Err() != nil {
				break
			}
			if it.posterPath == "" && it.backdropPath == "" {
				continue
			}
			if it.existing != nil && it.existing.PosterKey != "" && !it.contentChanged {
				continue
			}
			if err := s.orch.artwork.FetchForMedia(ctx, it.media.ID, it.posterPath, it.backdropPath); err != nil {
				logging.Warn("scan: artwork fetch failed for %s: %v", it.media.Path, err)
			}
		}
	}

	if changed > 0 {
		s.orch.notifier.Publish(ws.TypeLibraryChanged, lib.ID, map[string]any{
			"libraryId": lib.ID,
			"items":     changed,
		})
	}
	logging.Info("scan: incremental update for library %d: %d changes (%d renames)",
		lib.ID, changed, len(renames))
	return nil
}

// matchRenames pairs removes with creates of identical size and mtime.
// Returns the pairs and the set of paths the pairs consumed.
func (s *IncrementalScanner) matchRenames(ctx context.Context, removes, creates []watch.Event) ([]renamePair, map[string]bool) {
	var pairs []renamePair
	consumed := make(map[string]bool)

	for _, rm := range removes {
		existing, err := s.db.GetMediaByPath(ctx, rm.RelPath)
		if err != nil {
			continue
		}
		for _, cr := range creates {
			if consumed[cr.RelPath] {
				continue
			}
			if cr.Size == existing.Size && cr.ModTime.Unix() == existing.ModTime.Unix() {
				newDir := path.Dir(cr.RelPath)
				if newDir == "." {
					newDir = ""
				}
				pairs = append(pairs, renamePair{
					oldPath: rm.RelPath,
					newPath: cr.RelPath,
					newDir:  newDir,
				})
				consumed[rm.RelPath] = true
				consumed[cr.RelPath] = true
				break
			}
		}
	}
	return pairs, consumed
}

// batchDirtyDirs collects library-relative folders to re-walk, excluding
// events fully explained by renames.
func batchDirtyDirs(events []watch.Event, consumed map[string]bool) map[string]bool {
	dirty := make(map[string]bool)
	for _, ev := range events {
		if ev.Op == watch.OpRemove {
			continue // removals are handled row-wise, nothing to walk
		}
		if consumed[ev.RelPath] {
			continue
		}
		dir := ev.RelPath
		if !ev.IsDir {
			dir = path.Dir(ev.RelPath)
			if dir == "." {
				dir = ""
			}
		}
		dirty[dir] = true
	}
	return dirty
}

// findVanished lists rows under dirty folders that the re-walk did not see.
func (s *IncrementalScanner) findVanished(ctx context.Context, dirty map[string]bool, seen map[string]bool, renames []renamePair) []string {
	moved := make(map[string]bool, len(renames))
	for _, r := range renames {
		moved[r.oldPath] = true
	}

	var vanished []string
	for dir := range dirty {
		if dir == "" {
			// Root-level removals arrive as explicit remove events
			continue
		}
		rows, err := s.db.ListMediaUnderFolder(ctx, dir)
		if err != nil {
			logging.Warn("scan: failed to list media under %s: %v", dir, err)
			continue
		}
		for _, row := range rows {
			if !seen[row.Path] && !moved[row.Path] {
				vanished = append(vanished, row.Path)
			}
		}
	}
	return vanished
}

// apply writes the whole batch in one transaction: renames first, then
// upserts, then deletions. A failure rolls everything back.
func (s *IncrementalScanner) apply(ctx context.Context, lib *database.Library, renames []renamePair, removes []watch.Event, vanished []string, folders []scanner.FolderInfo, items []*item) (int, error) {
	uow := s.db.NewUnitOfWork()
	tx, err := uow.Begin(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	changed := 0

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

	for _, r := range renames {
		if err := tx.MoveMedia(r.oldPath, r.newPath, folderIDs[r.newDir]); err != nil {
			return 0, tx.Rollback(err)
		}
		changed++
	}

	for _, it := range items {
		it.media.FolderID = folderIDs[it.folderRel]
		if err := tx.UpsertMedia(it.media); err != nil {
			return 0, tx.Rollback(err)
		}
		changed++
	}

	movedOrKept := make(map[string]bool, len(renames))
	for _, r := range renames {
		movedOrKept[r.oldPath] = true
	}
	for _, rm := range removes {
		if movedOrKept[rm.RelPath] {
			continue
		}
		// A removed directory takes its whole subtree with it
		if rows, listErr := s.db.ListMediaUnderFolder(ctx, rm.RelPath); listErr == nil && len(rows) > 0 {
			if err := tx.DeleteFolderTree(rm.RelPath); err != nil {
				return 0, tx.Rollback(err)
			}
			changed += len(rows)
			continue
		}
		if err := tx.DeleteMediaByPath(rm.RelPath); err != nil {
			return 0, tx.Rollback(err)
		}
		changed++
	}

	for _, p := range vanished {
		if err := tx.DeleteMediaByPath(p); err != nil {
			return 0, tx.Rollback(err)
		}
		changed++
	}

	if err := ctx.Err(); err != nil {
		return 0, tx.Rollback(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return changed, nil
}
