package client

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherbackup/internal/config"
	"cipherbackup/internal/crypto"
	"cipherbackup/internal/errors"
)

func TestLoadJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	content := []byte("file contents to back up")
	require.NoError(t, os.WriteFile(path, content, 0644))

	job, err := loadJob(path)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", job.filename)
	assert.Equal(t, content, job.plain)
	assert.Equal(t, crypto.Checksum(content), job.checksum)
}

func TestLoadJobMissingFile(t *testing.T) {
	_, err := loadJob(filepath.Join(t.TempDir(), "absent.bin"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFileSystem)
}

func TestLoadJobRejectsDirectory(t *testing.T) {
	_, err := loadJob(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestChunkManagerStrategies(t *testing.T) {
	cfg := config.Default()
	cfg.MinChunkSize = 1024
	cfg.MaxChunkSize = 8 * 1024

	mgr, err := newChunkManager(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1024, mgr.ChunkSize())

	// Robust pins the ladder to its minimum entry.
	cfg.Strategy = config.StrategyRobust
	mgr, err = newChunkManager(cfg)
	require.NoError(t, err)
	_, err = mgr.TotalPackets(100 * 1024)
	require.NoError(t, err)
	assert.Equal(t, 1024, mgr.ChunkSize())
}
