// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiskFree(t *testing.T) {
	t.Parallel()

	usage, err := DiskFree(t.TempDir())
	if err != nil {
		t.Skipf("disk stats unavailable: %v", err)
	}
	assert.Positive(t, usage.Total)
	assert.LessOrEqual(t, usage.Free, usage.Total)
	assert.Contains(t, usage.String(), "free of")
}
