package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHourDirCreatesFullTree(t *testing.T) {
	l := NewLayout(filepath.Join(t.TempDir(), "videos"), zaptest.NewLogger(t))
	at := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)

	dir, err := l.HourDir(at)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(l.Root(), "2026_08", "20260825", "14"), dir)
	assert.DirExists(t, CompleteDir(dir))
	assert.DirExists(t, PartialDir(dir))
	assert.DirExists(t, MergedDir(dir))

	// Idempotent for the same hour.
	again, err := l.HourDir(at.Add(10 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestSweepRemovesExpiredAndPrunesEmptyDirs(t *testing.T) {
	l := NewLayout(filepath.Join(t.TempDir(), "videos"), zaptest.NewLogger(t))
	now := time.Now()

	oldDir, err := l.HourDir(now.Add(-20 * 24 * time.Hour))
	require.NoError(t, err)
	oldFile := filepath.Join(CompleteDir(oldDir), "complete_100000_01.mp4")
	require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))
	stale := now.Add(-20 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldFile, stale, stale))

	freshDir, err := l.HourDir(now)
	require.NoError(t, err)
	freshFile := filepath.Join(CompleteDir(freshDir), "complete_110000_01.mp4")
	require.NoError(t, os.WriteFile(freshFile, []byte("fresh"), 0o644))

	files, dirs, err := l.Sweep(now, 14*24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 1, files)
	assert.Positive(t, dirs)
	assert.NoFileExists(t, oldFile)
	assert.NoDirExists(t, oldDir)
	assert.FileExists(t, freshFile)
	assert.DirExists(t, l.Root())
}

func TestSweepKeepsEverythingInsideRetention(t *testing.T) {
	l := NewLayout(filepath.Join(t.TempDir(), "videos"), zaptest.NewLogger(t))
	now := time.Now()

	dir, err := l.HourDir(now)
	require.NoError(t, err)
	file := filepath.Join(PartialDir(dir), "partial_100000_01.mp4")
	require.NoError(t, os.WriteFile(file, []byte("data"), 0o644))

	files, _, err := l.Sweep(now, 14*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, files)
	assert.FileExists(t, file)
}
