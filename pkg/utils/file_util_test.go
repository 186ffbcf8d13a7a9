// Copyright 2025 MNM Agent Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "queue.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"v":1}`), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte(`{"v":2}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestResolvePath(t *testing.T) {
	t.Setenv("MNM_TEST_DIR", "/srv/agent")

	assert.Equal(t, "", ResolvePath(""))
	want, err := filepath.Abs("/srv/agent/data")
	require.NoError(t, err)
	assert.Equal(t, want, ResolvePath("$MNM_TEST_DIR/data"))
	assert.True(t, filepath.IsAbs(ResolvePath("relative")))
}
