// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// DiskUsage describes the volume holding a path.
type DiskUsage struct {
	Free  uint64
	Total uint64
}

// FreeGB returns free space in GiB, the unit the backend status expects.
func (d DiskUsage) FreeGB() float64 {
	return float64(d.Free) / (1 << 30)
}

// FreePercent returns the free share of the volume.
func (d DiskUsage) FreePercent() float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Free) / float64(d.Total) * 100
}

func (d DiskUsage) String() string {
	return fmt.Sprintf("%s free of %s (%.1f%%)",
		humanize.IBytes(d.Free), humanize.IBytes(d.Total), d.FreePercent())
}
