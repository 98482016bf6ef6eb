package jrnl

import (
	"context"

	"github.com/grailbio/base/errors"

	"github.com/mit-pdos/go-fsjournal/alloc"
	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/logging"
	"github.com/mit-pdos/go-fsjournal/meta"
	"github.com/mit-pdos/go-fsjournal/recovery"
	"github.com/mit-pdos/go-fsjournal/txn"
	"github.com/mit-pdos/go-fsjournal/util"
	"github.com/mit-pdos/go-fsjournal/wal"
)

type Status struct {
	ID       string          `json:"id"`
	Mode     string          `json:"mode"`
	Checksum string          `json:"checksum"`
	Aborted  bool            `json:"aborted"`
	Closed   bool            `json:"closed"`
	Txn      txn.Status      `json:"txn"`
	Recovery recovery.Report `json:"recovery"`
	Orphans  int             `json:"orphans"`
}

func (j *Journal) Status() Status {
	return Status{
		ID:       j.log.ID().String(),
		Mode:     j.log.Mode().String(),
		Checksum: j.log.Checksum().String(),
		Aborted:  j.log.Aborted(),
		Closed:   j.isClosed(),
		Txn:      j.mgr.Status(),
		Recovery: *j.recovery,
		Orphans:  len(j.orphans),
	}
}

type Stats struct {
	Counters   wal.Counters       `json:"counters"`
	FreeBlocks uint64             `json:"free_blocks"`
	FreeInodes uint64             `json:"free_inodes"`
	Groups     []alloc.GroupStats `json:"groups"`
	Cache      meta.CacheStats    `json:"cache"`
}

func (j *Journal) Stats() Stats {
	return Stats{
		Counters:   j.log.Counters(),
		FreeBlocks: j.alloc.FreeBlockCount(),
		FreeInodes: j.alloc.FreeInodeCount(),
		Groups:     j.alloc.Stats(),
		Cache:      j.meta.CacheStats(),
	}
}

// ForceCommitAll commits every queued transaction and makes all commits
// durable.
func (j *Journal) ForceCommitAll(ctx context.Context) error {
	if j.isClosed() {
		return ErrClosed
	}
	return j.mgr.Flush(ctx)
}

func (j *Journal) CreateCheckpoint() (wal.LogPosition, error) {
	if j.isClosed() {
		return 0, ErrClosed
	}
	return j.mgr.Checkpoint()
}

// SetMode switches the journaling mode for transactions committed from
// now on.
func (j *Journal) SetMode(m common.Mode) {
	j.log.SetMode(m)
	logging.Info().Str("mode", m.String()).Msg("journal mode changed")
}

func (j *Journal) SetLogLevel(level string) error {
	if !logging.ValidLevel(level) {
		return errors.E(errors.Invalid, "log level "+level)
	}
	logging.SetLevelString(level)
	return nil
}

// SetTrace sets the debug trace level of util.DPrintf.
func (j *Journal) SetTrace(level uint64) {
	util.SetDebug(level)
}
