package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

const (
	subdirCompleteHours   = "complete_hours"
	subdirPartialSegments = "partial_segments"
	subdirMergedVideos    = "merged_videos"

	dirPerm = 0o755
)

// Layout resolves and creates the on-disk directory tree for recordings:
// root/YYYY_MM/YYYYMMDD/HH/{complete_hours,partial_segments,merged_videos}.
type Layout struct {
	root   string
	logger *zap.Logger
}

// NewLayout builds a layout rooted at root.
func NewLayout(root string, logger *zap.Logger) *Layout {
	return &Layout{root: root, logger: logger}
}

// Root returns the recording root directory.
func (l *Layout) Root() string {
	return l.root
}

// HourDir creates (if needed) and returns the directory for the hour of t,
// with all three subdirectories present. On failure it falls back to a flat
// directory under root, and as a last resort to the working directory.
func (l *Layout) HourDir(t time.Time) (string, error) {
	dir := filepath.Join(l.root, t.Format("2006_01"), t.Format("20060102"), t.Format("15"))
	if err := makeTree(dir); err == nil {
		return dir, nil
	} else {
		l.logger.Warn("Failed to create hour directory, using fallback",
			zap.String("dir", dir), zap.Error(err))
	}

	fallback := filepath.Join(l.root, "fallback", t.Format("20060102_1504"))
	if err := makeTree(fallback); err == nil {
		return fallback, nil
	} else {
		l.logger.Error("Failed to create fallback directory, using working directory",
			zap.String("dir", fallback), zap.Error(err))
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("no usable recording directory: %w", err)
	}
	if err := makeTree(cwd); err != nil {
		return "", fmt.Errorf("no usable recording directory: %w", err)
	}
	return cwd, nil
}

func makeTree(dir string) error {
	for _, sub := range []string{subdirCompleteHours, subdirPartialSegments, subdirMergedVideos} {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirPerm); err != nil {
			return err
		}
	}
	return nil
}

// CompleteDir returns the complete-hours subdirectory of an hour dir.
func CompleteDir(hourDir string) string { return filepath.Join(hourDir, subdirCompleteHours) }

// PartialDir returns the partial-segments subdirectory of an hour dir.
func PartialDir(hourDir string) string { return filepath.Join(hourDir, subdirPartialSegments) }

// MergedDir returns the merged-videos subdirectory of an hour dir.
func MergedDir(hourDir string) string { return filepath.Join(hourDir, subdirMergedVideos) }

// Sweep deletes recordings older than the retention window and prunes
// directories the deletions emptied. It returns the number of files and
// directories removed.
func (l *Layout) Sweep(now time.Time, retention time.Duration) (files, dirs int, err error) {
	cutoff := now.Add(-retention)

	var candidates []string
	walkErr := filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			candidates = append(candidates, path)
		}
		return nil
	})
	if walkErr != nil {
		return 0, 0, walkErr
	}

	for _, path := range candidates {
		if rmErr := os.Remove(path); rmErr != nil {
			l.logger.Warn("Failed to remove expired recording", zap.String("path", path), zap.Error(rmErr))
			continue
		}
		files++
	}

	dirs = l.pruneEmptyDirs()
	return files, dirs, nil
}

// pruneEmptyDirs removes empty directories under root, deepest first. The
// root itself is kept.
func (l *Layout) pruneEmptyDirs() int {
	var all []string
	_ = filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != l.root {
			all = append(all, path)
		}
		return nil
	})

	// Deepest paths first so parents empty out as children go.
	sort.Slice(all, func(i, j int) bool { return len(all[i]) > len(all[j]) })

	removed := 0
	for _, dir := range all {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err == nil {
			removed++
		}
	}
	return removed
}
