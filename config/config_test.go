package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Journal.CommitInterval)
	assert.Equal(t, uint64(1024), cfg.Journal.MaxBlocksPerTxn)
	assert.Equal(t, 512, cfg.Journal.MaxActiveTxns)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"bad checksum", func(c *Config) { c.Journal.Checksum = "md5" }, "config.journal.checksum"},
		{"too many workers", func(c *Config) { c.Recovery.Workers = 64 }, "config.recovery.workers"},
		{"log too big", func(c *Config) { c.Journal.LogBlocks = c.Disk.Blocks }, "journal.log_blocks"},
		{"txn bigger than log", func(c *Config) { c.Journal.MaxBlocksPerTxn = 4096 }, "journal.max_blocks_per_txn"},
		{"misaligned vector", func(c *Config) { c.Alloc.VectorAlign = 3 }, "alloc.vector_align"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mod(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			cerr, ok := err.(*ConfigError)
			require.True(t, ok, "want *ConfigError, got %T", err)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jrnl.yaml")
	yml := "journal:\n  mode: ordered\n  batch_size: 8\nrecovery:\n  workers: 2\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	t.Setenv("JRNL_RECOVERY_WORKERS", "3")
	t.Setenv("JRNL_JOURNAL_COMMIT_INTERVAL", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ordered", cfg.Journal.Mode, "file overrides defaults")
	assert.Equal(t, 8, cfg.Journal.BatchSize)
	assert.Equal(t, 3, cfg.Recovery.Workers, "environment overrides file")
	assert.Equal(t, 250*time.Millisecond, cfg.Journal.CommitInterval)
	assert.Equal(t, "fast", cfg.Journal.Checksum, "untouched default")
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Journal, cfg.Journal)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "journal.max_blocks_per_txn", envKey("JRNL_JOURNAL_MAX_BLOCKS_PER_TXN"))
	assert.Equal(t, "disk.path", envKey("JRNL_DISK_PATH"))
}
