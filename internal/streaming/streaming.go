// Package streaming serves media files over HTTP with range support and
// slow-client protection. A stalled television should not pin a file handle
// open forever.
package streaming

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"mediakeep/internal/filesystem"
	"mediakeep/internal/logging"
	"mediakeep/internal/mediatypes"
	"mediakeep/internal/metrics"
)

var (
	// ErrWriteTimeout indicates a single write exceeded the configured timeout.
	ErrWriteTimeout = errors.New("write timeout exceeded")

	// ErrClientGone indicates the client disconnected mid-stream.
	ErrClientGone = errors.New("client disconnected")

	// ErrStreamCanceled indicates the stream was canceled programmatically.
	ErrStreamCanceled = errors.New("stream canceled")
)

// Config bounds how long a stream tolerates a slow or silent client.
type Config struct {
	// WriteTimeout caps one write to the client.
	WriteTimeout time.Duration
	// IdleTimeout caps the gap between successful writes.
	IdleTimeout time.Duration
}

// DefaultConfig suits seeking video players on a home network.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// guardedWriter wraps the response writer so every write carries a timeout
// and an idle watchdog. http.ServeContent does the range arithmetic; this
// layer only supervises the byte flow.
type guardedWriter struct {
	http.ResponseWriter
	ctx    context.Context
	cancel context.CancelFunc
	config Config

	mu        sync.Mutex
	lastWrite time.Time
	written   int64
	closed    bool
}

func newGuardedWriter(ctx context.Context, w http.ResponseWriter, config Config) *guardedWriter {
	streamCtx, cancel := context.WithCancel(ctx)
	gw := &guardedWriter{
		ResponseWriter: w,
		ctx:            streamCtx,
		cancel:         cancel,
		config:         config,
		lastWrite:      time.Now(),
	}
	if config.IdleTimeout > 0 {
		go gw.watchIdle()
	}
	return gw
}

func (gw *guardedWriter) Write(p []byte) (int, error) {
	gw.mu.Lock()
	closed := gw.closed
	gw.mu.Unlock()
	if closed {
		return 0, ErrStreamCanceled
	}
	select {
	case <-gw.ctx.Done():
		return 0, gw.ctxError()
	default:
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := gw.ResponseWriter.Write(p)
		done <- result{n, err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			gw.mu.Lock()
			gw.lastWrite = time.Now()
			gw.written += int64(res.n)
			gw.mu.Unlock()
			metrics.StreamBytesTotal.Add(float64(res.n))
		}
		return res.n, res.err
	case <-time.After(gw.config.WriteTimeout):
		gw.cancel()
		return 0, ErrWriteTimeout
	case <-gw.ctx.Done():
		return 0, gw.ctxError()
	}
}

func (gw *guardedWriter) watchIdle() {
	ticker := time.NewTicker(gw.config.IdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			gw.mu.Lock()
			idle := time.Since(gw.lastWrite)
			closed := gw.closed
			gw.mu.Unlock()
			if closed {
				return
			}
			if idle > gw.config.IdleTimeout {
				logging.Warn("streaming: idle timeout after %v, dropping client", idle.Round(time.Second))
				gw.cancel()
				return
			}
		case <-gw.ctx.Done():
			return
		}
	}
}

func (gw *guardedWriter) ctxError() error {
	if errors.Is(gw.ctx.Err(), context.Canceled) {
		return ErrClientGone
	}
	return ErrStreamCanceled
}

func (gw *guardedWriter) close() {
	gw.mu.Lock()
	gw.closed = true
	gw.mu.Unlock()
	gw.cancel()
}

// bytesWritten reports how much reached the client.
func (gw *guardedWriter) bytesWritten() int64 {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.written
}

// ServeFile streams one media file, honoring Range requests. The file is
// opened with NFS stale-handle retry so a remounted export doesn't surface
// as a 500.
func ServeFile(w http.ResponseWriter, r *http.Request, path string, config Config) {
	file, err := filesystem.OpenWithRetry(path, filesystem.DefaultRetryConfig())
	if err != nil {
		metrics.StreamsTotal.WithLabelValues("error").Inc()
		http.Error(w, "media file unavailable", http.StatusNotFound)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		metrics.StreamsTotal.WithLabelValues("error").Inc()
		http.Error(w, "media file unavailable", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", mediatypes.GetMimeType(filepath.Ext(path)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Accept-Ranges", "bytes")

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	gw := newGuardedWriter(r.Context(), w, config)
	defer gw.close()

	start := time.Now()
	http.ServeContent(gw, r, info.Name(), info.ModTime(), file)

	switch {
	case errors.Is(gw.ctx.Err(), context.Canceled) && r.Context().Err() != nil:
		metrics.StreamsTotal.WithLabelValues("client_gone").Inc()
	case gw.ctx.Err() != nil:
		metrics.StreamsTotal.WithLabelValues("timeout").Inc()
	default:
		metrics.StreamsTotal.WithLabelValues("completed").Inc()
	}
	logging.Debug("streaming: served %d bytes of %s in %v",
		gw.bytesWritten(), info.Name(), time.Since(start).Round(time.Millisecond))
}
