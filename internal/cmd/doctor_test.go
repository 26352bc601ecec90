package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckWritableDir(t *testing.T) {
	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		got, err := checkWritableDir(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, got)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "probe file is removed")
	})

	t.Run("path is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "f")
		require.NoError(t, os.WriteFile(file, nil, 0o644))
		_, err := checkWritableDir(file)
		assert.Error(t, err)
	})
}

func TestDoctor(t *testing.T) {
	tests := []struct {
		name     string
		binary   func(t *testing.T) string
		wantCode int
	}{
		{
			name: "tool installed",
			binary: func(t *testing.T) string {
				p := filepath.Join(t.TempDir(), "yt-dlp")
				require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755))
				return p
			},
		},
		{
			name:     "tool missing",
			binary:   func(t *testing.T) string { return "launchr-test-missing-tool" },
			wantCode: foundry.ExitFileNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cliEnv(t)
			t.Setenv("LAUNCHR_YTDLP", tt.binary(t))
			t.Setenv("LAUNCHR_WORKER_OUTPUT_DIR", t.TempDir())

			_, err := executeCommand(t, "doctor")
			if tt.wantCode == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, exitCodeOf(err))
		})
	}
}
