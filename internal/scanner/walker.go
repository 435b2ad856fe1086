// Package scanner finds media files on disk, parses their names, and probes
// their streams.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"mediakeep/internal/filesystem"
	"mediakeep/internal/logging"
	"mediakeep/internal/mediatypes"
	"mediakeep/internal/metrics"
)

// Candidate is a media file the walker found.
type Candidate struct {
	Path    string // absolute
	RelPath string // library-relative, forward slashes
	Size    int64
	ModTime time.Time
	Kind    mediatypes.Kind
}

// FolderInfo is a directory the walker visited.
type FolderInfo struct {
	RelPath    string
	ParentPath string
	ModTime    time.Time
}

// Walker walks a library root breadth-first, emitting media candidates and
// folder records. Hidden entries and sample clips are skipped.
type Walker struct {
	Root     string
	RetryCfg filesystem.RetryConfig
}

// NewWalker creates a walker for one library root with NFS retry defaults.
func NewWalker(root string) *Walker {
	return &Walker{
		Root:     root,
		RetryCfg: filesystem.DefaultRetryConfig(),
	}
}

// Walk traverses the root, calling onFolder for each directory and onFile
// for each cataloged media file. Returning an error from either callback, or
// ctx cancellation, stops the walk.
func (w *Walker) Walk(ctx context.Context, onFolder func(FolderInfo) error, onFile func(Candidate) error) error {
	return w.walkDir(ctx, w.Root, onFolder, onFile)
}

// WalkFolder traverses a single library-relative subdirectory, for
// incremental scans of dirty folders.
func (w *Walker) WalkFolder(ctx context.Context, relDir string, onFolder func(FolderInfo) error, onFile func(Candidate) error) error {
	return w.walkDir(ctx, filepath.Join(w.Root, filepath.FromSlash(relDir)), onFolder, onFile)
}

func (w *Walker) walkDir(ctx context.Context, start string, onFolder func(FolderInfo) error, onFile func(Candidate) error) error {
	// Breadth-first so shallow entries land before deep ones
	queue := []string{start}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		dir := queue[0]
		queue = queue[1:]

		entries, err := filesystem.ReadDirWithRetry(dir, w.RetryCfg)
		if err != nil {
			// A vanished or unreadable directory shouldn't kill the scan
			logging.Warn("scanner: skipping unreadable directory %s: %v", dir, err)
			metrics.ScanErrors.Inc()
			continue
		}

		for _, entry := range entries {
			name := entry.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}

			full := filepath.Join(dir, name)
			if entry.IsDir() {
				rel, relErr := w.relPath(full)
				if relErr != nil {
					continue
				}
				info, infoErr := entry.Info()
				if infoErr != nil {
					continue
				}
				if onFolder != nil {
					if err := onFolder(FolderInfo{
						RelPath:    rel,
						ParentPath: parentOf(rel),
						ModTime:    info.ModTime(),
					}); err != nil {
						return err
					}
				}
				queue = append(queue, full)
				continue
			}

			kind := mediatypes.GetKind(filepath.Ext(name))
			if kind != mediatypes.KindVideo {
				continue
			}
			if mediatypes.IsSample(name) {
				logging.Debug("scanner: skipping sample %s", full)
				continue
			}

			info, statErr := filesystem.StatWithRetry(full, w.RetryCfg)
			if statErr != nil {
				logging.Warn("scanner: stat failed for %s: %v", full, statErr)
				metrics.ScanErrors.Inc()
				continue
			}

			rel, relErr := w.relPath(full)
			if relErr != nil {
				continue
			}

			metrics.ScanCandidatesTotal.Inc()
			if err := onFile(Candidate{
				Path:    full,
				RelPath: rel,
				Size:    info.Size(),
				ModTime: info.ModTime(),
				Kind:    kind,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Walker) relPath(full string) (string, error) {
	rel, err := filepath.Rel(w.Root, full)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func parentOf(rel string) string {
	parent := filepath.ToSlash(filepath.Dir(rel))
	if parent == "." {
		return ""
	}
	return parent
}

// ContentHash digests a file's identity-relevant attributes. It changes when
// size or mtime change, so the ingest layer can tell touched from modified
// without reading file contents.
func ContentHash(relPath string, size int64, modTime time.Time) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%d", relPath, size, modTime.Unix()))
	return hex.EncodeToString(sum[:16])
}
