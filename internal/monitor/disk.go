// Package monitor provides host resource probes used before large downloads
package monitor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskStats is the usage of the filesystem holding a path
type DiskStats struct {
	Path        string  `json:"path"` // nearest existing directory that was probed
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

// DiskUsage reports usage for the filesystem that holds path.
// The path does not have to exist yet; its nearest existing ancestor is probed.
func DiskUsage(path string) (*DiskStats, error) {
	probe, err := existingAncestor(path)
	if err != nil {
		return nil, err
	}

	usage, err := disk.Usage(probe)
	if err != nil {
		return nil, fmt.Errorf("获取磁盘使用情况失败 %s: %w", probe, err)
	}

	return &DiskStats{
		Path:        probe,
		Total:       usage.Total,
		Free:        usage.Free,
		Used:        usage.Used,
		UsedPercent: usage.UsedPercent,
	}, nil
}

// FreeSpace is a shortcut for DiskUsage(path).Free
func FreeSpace(path string) (uint64, error) {
	stats, err := DiskUsage(path)
	if err != nil {
		return 0, err
	}
	return stats.Free, nil
}

func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(abs); err == nil {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("no existing directory above %s", path)
		}
		abs = parent
	}
}
