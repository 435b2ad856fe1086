package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startMonitor(t *testing.T, root string) (<-chan Batch, context.CancelFunc) {
	t.Helper()
	batches := make(chan Batch, 16)
	cfg := Config{
		Debounce:     75 * time.Millisecond,
		MaxBatch:     256,
		PollInterval: time.Second,
		PollFallback: false,
	}
	m := NewMonitor(cfg, []Root{{LibraryID: 1, Path: root}}, func(ctx context.Context, b Batch) {
		batches <- b
	})
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)
	// Give the watcher time to register the tree before mutating it
	time.Sleep(150 * time.Millisecond)
	return batches, cancel
}

func waitBatch(t *testing.T, batches <-chan Batch) Batch {
	t.Helper()
	select {
	case b := <-batches:
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a batch")
		return Batch{}
	}
}

func findEvent(b Batch, rel string) (Event, bool) {
	for _, ev := range b.Events {
		if ev.RelPath == rel {
			return ev, true
		}
	}
	return Event{}, false
}

func TestDebounceCoalescesWrites(t *testing.T) {
	root := t.TempDir()
	batches, _ := startMonitor(t, root)

	path := filepath.Join(root, "Heat.1995.mkv")
	if err := os.WriteFile(path, []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	// Several quick writes inside one debounce window
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("abcdef"), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	b := waitBatch(t, batches)
	ev, ok := findEvent(b, "Heat.1995.mkv")
	if !ok {
		t.Fatalf("no event for the new file in %+v", b.Events)
	}
	if ev.Op != OpCreate {
		t.Errorf("op = %s, create followed by writes should stay a create", ev.Op)
	}
	if ev.LibraryID != 1 {
		t.Errorf("library id = %d", ev.LibraryID)
	}

	// Everything landed in one batch
	select {
	case extra := <-batches:
		t.Errorf("unexpected second batch: %+v", extra.Events)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCreateThenRemoveCollapses(t *testing.T) {
	root := t.TempDir()
	batches, _ := startMonitor(t, root)

	path := filepath.Join(root, "transient.mkv")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	// The pair cancels out; no batch should carry the transient file
	select {
	case b := <-batches:
		if _, ok := findEvent(b, "transient.mkv"); ok {
			t.Errorf("transient file leaked into batch: %+v", b.Events)
		}
	case <-time.After(400 * time.Millisecond):
	}
}

func TestRenameDeliversRemoveAndCreate(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "Ronin.1998.mkv")
	if err := os.WriteFile(oldPath, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}
	batches, _ := startMonitor(t, root)

	if err := os.Rename(oldPath, filepath.Join(root, "Ronin (1998).mkv")); err != nil {
		t.Fatal(err)
	}

	b := waitBatch(t, batches)
	removed, ok := findEvent(b, "Ronin.1998.mkv")
	if !ok || removed.Op != OpRemove {
		t.Errorf("old path missing or wrong op: %+v", b.Events)
	}
	created, ok := findEvent(b, "Ronin (1998).mkv")
	if !ok || created.Op != OpCreate {
		t.Errorf("new path missing or wrong op: %+v", b.Events)
	}
	if ok && created.Size != int64(len("content")) {
		t.Errorf("created size = %d", created.Size)
	}
}

func TestNewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	batches, _ := startMonitor(t, root)

	sub := filepath.Join(root, "Season 01")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	// Drain the directory-create batch
	waitBatch(t, batches)

	if err := os.WriteFile(filepath.Join(sub, "Show.S01E01.mkv"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	b := waitBatch(t, batches)
	if _, ok := findEvent(b, "Season 01/Show.S01E01.mkv"); !ok {
		t.Fatalf("event from the new directory not seen: %+v", b.Events)
	}
}

func TestIgnoresNonVideoAndHidden(t *testing.T) {
	root := t.TempDir()
	batches, _ := startMonitor(t, root)

	if err := os.WriteFile(filepath.Join(root, "poster.jpg"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ".hidden.mkv"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "movie.sample.mkv"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case b := <-batches:
		t.Errorf("noise produced a batch: %+v", b.Events)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestDirtyDirs(t *testing.T) {
	b := Batch{Events: []Event{
		{LibraryID: 1, RelPath: "Heat (1995)/Heat.mkv"},
		{LibraryID: 1, RelPath: "Heat (1995)/Heat.2.mkv"},
		{LibraryID: 1, RelPath: "Season 01", IsDir: true},
		{LibraryID: 2, RelPath: "toplevel.mkv"},
	}}
	dirty := b.DirtyDirs()
	if !dirty[1]["Heat (1995)"] || !dirty[1]["Season 01"] {
		t.Errorf("library 1 dirty dirs = %v", dirty[1])
	}
	if len(dirty[1]) != 2 {
		t.Errorf("library 1 has %d dirty dirs, want 2", len(dirty[1]))
	}
	if !dirty[2][""] {
		t.Errorf("root-level file should dirty the library root: %v", dirty[2])
	}
}
