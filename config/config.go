// Package config loads journal configuration from defaults, an optional YAML
// file and JRNL_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Disk       DiskConfig       `koanf:"disk"`
	Journal    JournalConfig    `koanf:"journal"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Recovery   RecoveryConfig   `koanf:"recovery"`
	Meta       MetaConfig       `koanf:"meta"`
	Alloc      AllocConfig      `koanf:"alloc"`
	Logging    LoggingConfig    `koanf:"logging"`
	Server     ServerConfig     `koanf:"server"`
}

type DiskConfig struct {
	// Path is the backing file; empty selects an in-memory disk.
	Path   string `koanf:"path"`
	Blocks uint64 `koanf:"blocks" validate:"min=64"`
}

type JournalConfig struct {
	LogBlocks       uint64        `koanf:"log_blocks" validate:"min=16"`
	CommitInterval  time.Duration `koanf:"commit_interval" validate:"min=1ms"`
	MaxBlocksPerTxn uint64        `koanf:"max_blocks_per_txn" validate:"min=1"`
	MaxActiveTxns   int           `koanf:"max_active_txns" validate:"min=1"`
	AsyncCommit     bool          `koanf:"async_commit"`
	BatchSize       int           `koanf:"batch_size" validate:"min=1"`
	Checksum        string        `koanf:"checksum" validate:"oneof=fast strict"`
	Mode            string        `koanf:"mode" validate:"oneof=ordered writeback full"`
	Isolation       string        `koanf:"isolation" validate:"oneof=read-uncommitted read-committed repeatable-read serializable"`
	LockTimeout     time.Duration `koanf:"lock_timeout" validate:"min=0"`
	MaxNesting      int           `koanf:"max_nesting" validate:"min=1,max=8"`
}

type CheckpointConfig struct {
	// Interval of zero disables periodic checkpoints.
	Interval time.Duration `koanf:"interval" validate:"min=0"`
}

type RecoveryConfig struct {
	Parallel      bool          `koanf:"parallel"`
	Workers       int           `koanf:"workers" validate:"min=1,max=16"`
	WorkerTimeout time.Duration `koanf:"worker_timeout" validate:"min=1ms"`
	Mmap          bool          `koanf:"mmap"`
	ChunkBlocks   uint64        `koanf:"chunk_blocks" validate:"min=1"`
}

type MetaConfig struct {
	CacheEntries int `koanf:"cache_entries" validate:"min=1"`
}

type AllocConfig struct {
	Strategy    string `koanf:"strategy" validate:"oneof=first-fit best-fit vector-aligned"`
	VectorAlign uint64 `koanf:"vector_align" validate:"min=1"`
	GroupBlocks uint64 `koanf:"group_blocks" validate:"min=64,max=32768"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
	Trace  uint64 `koanf:"trace"`
}

type ServerConfig struct {
	Listen string `koanf:"listen"`
}

func Default() *Config {
	return &Config{
		Disk: DiskConfig{
			Blocks: 16384,
		},
		Journal: JournalConfig{
			LogBlocks:       1024,
			CommitInterval:  5 * time.Second,
			MaxBlocksPerTxn: 1024,
			MaxActiveTxns:   512,
			AsyncCommit:     false,
			BatchSize:       64,
			Checksum:        "fast",
			Mode:            "full",
			Isolation:       "read-committed",
			LockTimeout:     2 * time.Second,
			MaxNesting:      8,
		},
		Checkpoint: CheckpointConfig{
			Interval: 30 * time.Second,
		},
		Recovery: RecoveryConfig{
			Parallel:      true,
			Workers:       4,
			WorkerTimeout: 30 * time.Second,
			Mmap:          false,
			ChunkBlocks:   256,
		},
		Meta: MetaConfig{
			CacheEntries: 1024,
		},
		Alloc: AllocConfig{
			Strategy:    "first-fit",
			VectorAlign: 16,
			GroupBlocks: 4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Trace:  1,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:7070",
		},
	}
}

// ConfigError describes a single invalid setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

var validate = validator.New()

// Validate checks field constraints, then the constraints that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{
				Field:   strings.ToLower(fe.Namespace()),
				Message: fmt.Sprintf("failed %q (value %v)", fe.Tag(), fe.Value()),
			}
		}
		return err
	}
	if c.Journal.LogBlocks >= c.Disk.Blocks/2 {
		return &ConfigError{Field: "journal.log_blocks", Message: "log must be smaller than half the disk"}
	}
	if c.Journal.MaxBlocksPerTxn > c.Journal.LogBlocks {
		return &ConfigError{Field: "journal.max_blocks_per_txn", Message: "cannot exceed journal.log_blocks"}
	}
	if c.Alloc.GroupBlocks%c.Alloc.VectorAlign != 0 {
		return &ConfigError{Field: "alloc.vector_align", Message: "must divide alloc.group_blocks"}
	}
	return nil
}
