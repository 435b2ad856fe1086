package streaming

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestMedia(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "movie.mkv")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestServeFileFull(t *testing.T) {
	path := writeTestMedia(t, 4096)
	req := httptest.NewRequest("GET", "/api/stream/1", nil)
	rec := httptest.NewRecorder()

	ServeFile(rec, req, path, DefaultConfig())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/x-matroska" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q", got)
	}
	if rec.Body.Len() != 4096 {
		t.Errorf("body length = %d, want 4096", rec.Body.Len())
	}
}

func TestServeFileRange(t *testing.T) {
	path := writeTestMedia(t, 4096)
	req := httptest.NewRequest("GET", "/api/stream/1", nil)
	req.Header.Set("Range", "bytes=100-199")
	rec := httptest.NewRecorder()

	ServeFile(rec, req, path, DefaultConfig())

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 100-199/4096" {
		t.Errorf("Content-Range = %q", got)
	}
	body, _ := io.ReadAll(rec.Body)
	if len(body) != 100 {
		t.Fatalf("body length = %d, want 100", len(body))
	}
	for i, b := range body {
		if b != byte((100+i)%251) {
			t.Fatalf("byte %d = %d, wrong slice served", i, b)
		}
	}
}

func TestServeFileOpenEnded(t *testing.T) {
	path := writeTestMedia(t, 1000)
	req := httptest.NewRequest("GET", "/api/stream/1", nil)
	req.Header.Set("Range", "bytes=900-")
	rec := httptest.NewRecorder()

	ServeFile(rec, req, path, DefaultConfig())

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if rec.Body.Len() != 100 {
		t.Errorf("body length = %d, want 100", rec.Body.Len())
	}
}

func TestServeFileUnsatisfiableRange(t *testing.T) {
	path := writeTestMedia(t, 100)
	req := httptest.NewRequest("GET", "/api/stream/1", nil)
	req.Header.Set("Range", "bytes=5000-6000")
	rec := httptest.NewRecorder()

	ServeFile(rec, req, path, DefaultConfig())

	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("status = %d, want 416", rec.Code)
	}
}

func TestServeFileMissing(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/stream/1", nil)
	rec := httptest.NewRecorder()

	ServeFile(rec, req, filepath.Join(t.TempDir(), "gone.mkv"), DefaultConfig())

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServeFileHead(t *testing.T) {
	path := writeTestMedia(t, 2048)
	req := httptest.NewRequest("HEAD", "/api/stream/1", nil)
	rec := httptest.NewRecorder()

	ServeFile(rec, req, path, DefaultConfig())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Length"); got != "2048" {
		t.Errorf("Content-Length = %q", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD returned a body of %d bytes", rec.Body.Len())
	}
}

// slowWriter blocks on every write until released, simulating a stalled
// client socket.
type slowWriter struct {
	httptest.ResponseRecorder
	block chan struct{}
}

func (s *slowWriter) Write(p []byte) (int, error) {
	<-s.block
	return len(p), nil
}

func TestGuardedWriterTimesOut(t *testing.T) {
	s := &slowWriter{ResponseRecorder: *httptest.NewRecorder(), block: make(chan struct{})}
	defer close(s.block)

	req := httptest.NewRequest("GET", "/api/stream/1", nil)
	gw := newGuardedWriter(req.Context(), s, Config{WriteTimeout: 50 * time.Millisecond, IdleTimeout: time.Second})
	defer gw.close()

	start := time.Now()
	_, err := gw.Write([]byte("data"))
	if err != ErrWriteTimeout {
		t.Fatalf("err = %v, want ErrWriteTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %v", elapsed)
	}

	// Subsequent writes fail immediately once the stream is dead
	if _, err := gw.Write([]byte("more")); err == nil {
		t.Error("write succeeded after timeout")
	}
}

func TestGuardedWriterCountsBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/stream/1", nil)
	gw := newGuardedWriter(req.Context(), rec, DefaultConfig())
	defer gw.close()

	total := 0
	for i := 0; i < 10; i++ {
		n, err := gw.Write([]byte(fmt.Sprintf("chunk-%d", i)))
		if err != nil {
			t.Fatal(err)
		}
		total += n
	}
	if gw.bytesWritten() != int64(total) {
		t.Errorf("bytesWritten = %d, want %d", gw.bytesWritten(), total)
	}
}
