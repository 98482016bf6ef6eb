package jrnl

import (
	"time"

	"github.com/grailbio/base/errors"

	"github.com/mit-pdos/go-fsjournal/alloc"
	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/config"
	"github.com/mit-pdos/go-fsjournal/recovery"
	"github.com/mit-pdos/go-fsjournal/txn"
	"github.com/mit-pdos/go-fsjournal/wal"
)

// Options fixes the geometry used by Format and the behavior of a mounted
// journal.
type Options struct {
	LogBlocks   uint64
	GroupBlocks uint64
	Checksum    wal.ChecksumType
	Mode        common.Mode

	CommitInterval     time.Duration
	CheckpointInterval time.Duration

	Txn      txn.Options
	Recovery recovery.Options

	Strategy     alloc.Strategy
	VectorAlign  uint64
	CacheEntries int

	// Deps injects crashes into the log; nil in production.
	Deps wal.Dependencies
}

func DefaultOptions() Options {
	return Options{
		LogBlocks:          1024,
		GroupBlocks:        4096,
		Checksum:           wal.ChecksumFast,
		Mode:               common.ModeFull,
		CommitInterval:     common.DefaultCommitInterval,
		CheckpointInterval: 30 * time.Second,
		Txn:                txn.DefaultOptions(),
		Recovery:           recovery.DefaultOptions(),
		Strategy:           alloc.FirstFit,
		VectorAlign:        16,
		CacheEntries:       1024,
	}
}

// FromConfig translates a validated configuration.
func FromConfig(c *config.Config) (Options, error) {
	o := DefaultOptions()
	var err error
	o.LogBlocks = c.Journal.LogBlocks
	o.GroupBlocks = c.Alloc.GroupBlocks
	if o.Checksum, err = wal.ParseChecksum(c.Journal.Checksum); err != nil {
		return o, err
	}
	mode, ok := common.ParseMode(c.Journal.Mode)
	if !ok {
		return o, errors.E(errors.Invalid, "journal mode "+c.Journal.Mode)
	}
	o.Mode = mode
	o.CommitInterval = c.Journal.CommitInterval
	o.CheckpointInterval = c.Checkpoint.Interval

	o.Txn.MaxBlocks = c.Journal.MaxBlocksPerTxn
	o.Txn.MaxActive = c.Journal.MaxActiveTxns
	o.Txn.MaxNesting = c.Journal.MaxNesting
	o.Txn.Async = c.Journal.AsyncCommit
	o.Txn.BatchSize = c.Journal.BatchSize
	o.Txn.LockTimeout = c.Journal.LockTimeout
	if o.Txn.Isolation, err = txn.ParseIsolation(c.Journal.Isolation); err != nil {
		return o, err
	}

	o.Recovery.Parallel = c.Recovery.Parallel
	o.Recovery.Workers = c.Recovery.Workers
	o.Recovery.WorkerTimeout = c.Recovery.WorkerTimeout
	o.Recovery.UseChunks = c.Recovery.Mmap
	o.Recovery.ChunkBlocks = c.Recovery.ChunkBlocks

	if o.Strategy, err = alloc.ParseStrategy(c.Alloc.Strategy); err != nil {
		return o, err
	}
	o.VectorAlign = c.Alloc.VectorAlign
	o.CacheEntries = c.Meta.CacheEntries
	return o, nil
}
