package scan

import (
	"sync/atomic"
	"time"
)

// Phase names one stage of a scan run.
type Phase string

const (
	PhaseWalk    Phase = "walk"
	PhaseParse   Phase = "parse"
	PhaseResolve Phase = "resolve"
	PhaseIngest  Phase = "ingest"
	PhaseArtwork Phase = "artwork"
	PhaseDone    Phase = "done"
)

// Progress is a snapshot of one library's scan, pushed to WebSocket
// subscribers. Seq increases monotonically within a run so clients can
// discard stale snapshots.
type Progress struct {
	LibraryID int64     `json:"libraryId"`
	Mode      string    `json:"mode"` // "full" or "incremental"
	Phase     Phase     `json:"phase"`
	Seq       uint64    `json:"seq"`
	Found     int64     `json:"found"`
	Parsed    int64     `json:"parsed"`
	Resolved  int64     `json:"resolved"`
	Deferred  int64     `json:"deferred"`
	Ingested  int64     `json:"ingested"`
	Artwork   int64     `json:"artwork"`
	Errors    int64     `json:"errors"`
	StartedAt time.Time `json:"startedAt"`
	Error     string    `json:"error,omitempty"`
}

// tracker accumulates per-run counters without locks; the orchestrator's
// walk and probe workers bump them concurrently.
type tracker struct {
	libraryID int64
	mode      string
	startedAt time.Time

	phase atomic.Value // Phase
	seq   atomic.Uint64

	found    atomic.Int64
	parsed   atomic.Int64
	resolved atomic.Int64
	deferred atomic.Int64
	ingested atomic.Int64
	artwork  atomic.Int64
	errors   atomic.Int64
}

func newTracker(libraryID int64, mode string) *tracker {
	t := &tracker{
		libraryID: libraryID,
		mode:      mode,
		startedAt: time.Now(),
	}
	t.phase.Store(PhaseWalk)
	return t
}

func (t *tracker) setPhase(p Phase) {
	t.phase.Store(p)
}

// snapshot assigns the next sequence number and captures the counters.
func (t *tracker) snapshot() Progress {
	return Progress{
		LibraryID: t.libraryID,
		Mode:      t.mode,
		Phase:     t.phase.Load().(Phase),
		Seq:       t.seq.Add(1),
		Found:     t.found.Load(),
		Parsed:    t.parsed.Load(),
		Resolved:  t.resolved.Load(),
		Deferred:  t.deferred.Load(),
		Ingested:  t.ingested.Load(),
		Artwork:   t.artwork.Load(),
		Errors:    t.errors.Load(),
		StartedAt: t.startedAt,
	}
}
