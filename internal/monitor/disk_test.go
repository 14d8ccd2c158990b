package monitor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskUsage(t *testing.T) {
	dir := t.TempDir()

	stats, err := DiskUsage(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, stats.Path)
	assert.Greater(t, stats.Total, uint64(0))
	assert.LessOrEqual(t, stats.Free, stats.Total)
}

func TestDiskUsageMissingPathUsesAncestor(t *testing.T) {
	dir := t.TempDir()

	stats, err := DiskUsage(filepath.Join(dir, "not", "yet", "created"))
	require.NoError(t, err)
	assert.Equal(t, dir, stats.Path)

	free, err := FreeSpace(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Equal(t, stats.Free > 0, free > 0)
}
