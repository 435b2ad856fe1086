// Package watch monitors library roots for filesystem changes. Events are
// debounced and coalesced per path, then handed to the incremental scanner
// as a batch. When the kernel watcher is lost the monitor falls back to
// mtime polling until a watcher can be rebuilt.
package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"mediakeep/internal/filesystem"
	"mediakeep/internal/logging"
	"mediakeep/internal/mediatypes"
	"mediakeep/internal/metrics"

	"github.com/fsnotify/fsnotify"
)

// Op classifies a filesystem change.
type Op string

const (
	OpCreate Op = "create"
	OpWrite  Op = "write"
	OpRemove Op = "remove"
	OpChmod  Op = "chmod"
)

// Event is one coalesced filesystem change inside a library root.
type Event struct {
	LibraryID int64
	Root      string // absolute library root
	Path      string // absolute
	RelPath   string // library-relative, forward slashes
	Op        Op
	IsDir     bool
	Size      int64
	ModTime   time.Time
}

// Batch is a debounced set of events, at most one per path.
type Batch struct {
	Events []Event
}

// DirtyDirs returns the library-relative directories touched by the batch,
// grouped by library. A file event dirties its parent directory.
func (b *Batch) DirtyDirs() map[int64]map[string]bool {
	dirty := make(map[int64]map[string]bool)
	for _, ev := range b.Events {
		dir := ev.RelPath
		if !ev.IsDir {
			dir = filepath.ToSlash(filepath.Dir(ev.RelPath))
			if dir == "." {
				dir = ""
			}
		}
		if dirty[ev.LibraryID] == nil {
			dirty[ev.LibraryID] = make(map[string]bool)
		}
		dirty[ev.LibraryID][dir] = true
	}
	return dirty
}

// Root is one watched library root.
type Root struct {
	LibraryID int64
	Path      string
}

// Handler receives flushed batches. It should return quickly; long work
// belongs on the scanner's side of the channel.
type Handler func(ctx context.Context, batch Batch)

// Config controls debounce and fallback behavior.
type Config struct {
	Debounce     time.Duration // quiet window before a batch is flushed
	MaxBatch     int           // flush early past this many pending paths
	PollInterval time.Duration // mtime poll cadence while the watcher is down
	PollFallback bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:     2 * time.Second,
		MaxBatch:     256,
		PollInterval: 30 * time.Second,
		PollFallback: true,
	}
}

func (c Config) normalize() Config {
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 256
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	return c
}

// FolderMonitor watches library roots and dispatches debounced batches.
type FolderMonitor struct {
	cfg     Config
	roots   []Root
	handler Handler

	mu       sync.Mutex
	pending  map[string]Event
	dirTimes map[string]time.Time // dir mtimes, baseline for poll fallback
}

// NewMonitor builds a monitor over the given roots. Roots with longer paths
// are matched first so nested libraries resolve to the innermost root.
func NewMonitor(cfg Config, roots []Root, handler Handler) *FolderMonitor {
	sorted := make([]Root, len(roots))
	copy(sorted, roots)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].Path) > len(sorted[j].Path)
	})
	return &FolderMonitor{
		cfg:      cfg.normalize(),
		roots:    sorted,
		handler:  handler,
		pending:  make(map[string]Event),
		dirTimes: make(map[string]time.Time),
	}
}

// Run blocks until ctx is cancelled, watching and dispatching batches. If
// the kernel watcher is lost and PollFallback is set, the monitor polls
// directory mtimes until a watcher can be rebuilt.
func (m *FolderMonitor) Run(ctx context.Context) error {
	for {
		err := m.runWatcher(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Error("watch: watcher lost: %v", err)
		metrics.WatcherErrors.Inc()
		if !m.cfg.PollFallback {
			return err
		}
		if err := m.pollUntilRecovered(ctx); err != nil {
			return err
		}
		logging.Info("watch: watcher rebuilt, resuming")
	}
}

func (m *FolderMonitor) runWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logging.Error("watch: failed to close watcher: %v", err)
		}
	}()

	watchCount := 0
	for _, root := range m.roots {
		watchCount += m.addTree(watcher, root.Path)
	}
	metrics.WatchedDirectories.Set(float64(watchCount))
	logging.Debug("watch: monitoring %d directories across %d roots", watchCount, len(m.roots))

	var timer *time.Timer
	var flush <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			flush = nil
		}
	}
	defer stopTimer()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if !m.ingest(watcher, event) {
				continue
			}
			if m.pendingCount() >= m.cfg.MaxBatch {
				stopTimer()
				m.flush(ctx)
				continue
			}
			// Debounce: restart the quiet window on every event
			if timer == nil {
				timer = time.NewTimer(m.cfg.Debounce)
				flush = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(m.cfg.Debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			logging.Error("watch: watcher error: %v", err)
			metrics.WatcherErrors.Inc()

		case <-flush:
			stopTimer()
			m.flush(ctx)

		case <-ctx.Done():
			m.flush(ctx)
			return ctx.Err()
		}
	}
}

// addTree adds every non-hidden directory under path to the watcher and
// records its mtime as the polling baseline.
func (m *FolderMonitor) addTree(watcher *fsnotify.Watcher, path string) int {
	count := 0
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if !info.IsDir() {
			return nil
		}
		if name := filepath.Base(p); strings.HasPrefix(name, ".") && p != path {
			return filepath.SkipDir
		}
		if addErr := watcher.Add(p); addErr != nil {
			logging.Warn("watch: failed to watch %s: %v", p, addErr)
			metrics.WatcherErrors.Inc()
			return nil
		}
		m.mu.Lock()
		m.dirTimes[p] = info.ModTime()
		m.mu.Unlock()
		count++
		return nil
	})
	if err != nil {
		logging.Error("watch: failed to walk %s: %v", path, err)
		metrics.WatcherErrors.Inc()
	}
	return count
}

// ingest records one raw fsnotify event, returning whether anything was
// added to the pending set.
func (m *FolderMonitor) ingest(watcher *fsnotify.Watcher, event fsnotify.Event) bool {
	// Skip hidden files and directories
	if strings.Contains(event.Name, string(os.PathSeparator)+".") {
		return false
	}

	op := classifyOp(event.Op)
	metrics.WatcherEventsTotal.WithLabelValues(string(op)).Inc()
	if op == OpChmod {
		return false
	}

	root, ok := m.rootFor(event.Name)
	if !ok {
		return false
	}

	ev := Event{
		LibraryID: root.LibraryID,
		Root:      root.Path,
		Path:      event.Name,
		RelPath:   relPath(root.Path, event.Name),
		Op:        op,
	}

	if op != OpRemove {
		info, err := filesystem.StatWithRetry(event.Name, filesystem.DefaultRetryConfig())
		if err == nil {
			ev.IsDir = info.IsDir()
			ev.Size = info.Size()
			ev.ModTime = info.ModTime()
		}
	}

	// New directories join the watch set immediately
	if op == OpCreate && ev.IsDir {
		if addErr := watcher.Add(event.Name); addErr != nil {
			logging.Warn("watch: failed to watch new directory %s: %v", event.Name, addErr)
			metrics.WatcherErrors.Inc()
		} else {
			logging.Debug("watch: added new directory %s", event.Name)
			metrics.WatchedDirectories.Inc()
			m.mu.Lock()
			m.dirTimes[event.Name] = ev.ModTime
			m.mu.Unlock()
		}
	}

	// Only directories and video files are interesting; everything else
	// (artwork sidecars, samples, partial downloads) is noise here.
	if !ev.IsDir && op != OpRemove {
		if mediatypes.GetKind(event.Name) != mediatypes.KindVideo || mediatypes.IsSample(event.Name) {
			return false
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, exists := m.pending[ev.Path]
	switch {
	case exists && prev.Op == OpCreate && op == OpRemove:
		// Appeared and vanished within one window: a temp file, drop both
		delete(m.pending, ev.Path)
	case exists && prev.Op == OpCreate && op == OpWrite:
		// Still the create, just newer contents
		prev.Size = ev.Size
		prev.ModTime = ev.ModTime
		m.pending[ev.Path] = prev
	default:
		m.pending[ev.Path] = ev
	}
	return true
}

func (m *FolderMonitor) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// flush hands the pending set to the handler as one batch.
func (m *FolderMonitor) flush(ctx context.Context) {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	events := make([]Event, 0, len(m.pending))
	for _, ev := range m.pending {
		events = append(events, ev)
	}
	m.pending = make(map[string]Event)
	m.mu.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	metrics.WatcherBatchesTotal.Inc()
	logging.Debug("watch: dispatching batch of %d events", len(events))
	m.handler(ctx, Batch{Events: events})
}

// pollUntilRecovered runs the mtime polling fallback, trying to rebuild a
// kernel watcher on every tick. Returns when a watcher is available again
// or ctx is cancelled.
func (m *FolderMonitor) pollUntilRecovered(ctx context.Context) error {
	logging.Warn("watch: falling back to mtime polling every %v", m.cfg.PollInterval)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.pollOnce(ctx)
			if w, err := fsnotify.NewWatcher(); err == nil {
				w.Close()
				return nil
			}
		}
	}
}

// pollOnce walks the roots comparing directory mtimes against the recorded
// baseline and synthesizes a write event for each changed directory.
func (m *FolderMonitor) pollOnce(ctx context.Context) {
	for _, root := range m.roots {
		filepath.Walk(root.Path, func(p string, info os.FileInfo, err error) error {
			if err != nil || !info.IsDir() {
				return nil
			}
			if name := filepath.Base(p); strings.HasPrefix(name, ".") && p != root.Path {
				return filepath.SkipDir
			}
			m.mu.Lock()
			last, seen := m.dirTimes[p]
			m.dirTimes[p] = info.ModTime()
			changed := !seen || info.ModTime().After(last)
			if changed {
				m.pending[p] = Event{
					LibraryID: root.LibraryID,
					Root:      root.Path,
					Path:      p,
					RelPath:   relPath(root.Path, p),
					Op:        OpWrite,
					IsDir:     true,
					ModTime:   info.ModTime(),
				}
			}
			m.mu.Unlock()
			return nil
		})
	}
	m.flush(ctx)
}

// rootFor resolves the library root containing path. Roots are pre-sorted
// longest-first so nested roots win.
func (m *FolderMonitor) rootFor(path string) (Root, bool) {
	for _, root := range m.roots {
		if path == root.Path || strings.HasPrefix(path, root.Path+string(os.PathSeparator)) {
			return root, true
		}
	}
	return Root{}, false
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

func classifyOp(op fsnotify.Op) Op {
	switch {
	case op&fsnotify.Create != 0:
		return OpCreate
	case op&fsnotify.Write != 0:
		return OpWrite
	case op&fsnotify.Remove != 0, op&fsnotify.Rename != 0:
		// A rename notifies on the old path; the new path arrives as Create
		return OpRemove
	case op&fsnotify.Chmod != 0:
		return OpChmod
	default:
		return OpChmod
	}
}
