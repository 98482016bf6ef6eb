package common

import (
	"time"

	"github.com/tchajed/goose/machine/disk"
)

const (
	NBITBLOCK uint64 = disk.BlockSize * 8

	INODESZ  uint64 = 128 // on-disk size
	INODEBLK uint64 = disk.BlockSize / INODESZ

	DENTRYSZ  uint64 = 128
	DENTRYBLK uint64 = disk.BlockSize / DENTRYSZ

	GDESCSZ  uint64 = 64
	GDESCBLK uint64 = disk.BlockSize / GDESCSZ

	NDIRECT uint64 = 8 // direct block pointers per inode
	MAXNAME uint64 = 80
)

type Inum uint64
type Bnum = uint64

// TxnID names a transaction. Ids are never reused across mounts.
type TxnID uint64

const (
	NULLINUM Inum  = 0
	ROOTINUM Inum  = 1
	NULLBNUM Bnum  = 0
	NULLTXN  TxnID = 0
)

// Defaults for the configurable limits.
const (
	DefaultMaxBlocksPerTxn uint64 = 1024
	DefaultMaxActiveTxns   int    = 512
	MaxNestingDepth        int    = 8
	MaxRecoveryWorkers     int    = 16

	DefaultCommitInterval = 5 * time.Second
)

// OpType tags a transaction with the operation that opened it. It is
// recorded in the commit block and carried in commit notifications.
type OpType uint64

const (
	OpNone OpType = iota
	OpCreate
	OpMkdir
	OpUnlink
	OpRename
	OpWrite
	OpTruncate
	OpSymlink
	OpAlloc
	OpMeta
	OpBatch
	OpReconcile
	OpCheckpoint
)

var opNames = [...]string{
	"none", "create", "mkdir", "unlink", "rename", "write", "truncate",
	"symlink", "alloc", "meta", "batch", "reconcile", "checkpoint",
}

func (op OpType) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "unknown"
}

// BlockKind distinguishes file contents from filesystem metadata; the
// journaling mode decides which kinds go through the log.
type BlockKind uint8

const (
	KindMeta BlockKind = iota
	KindData
)

// Mode is the journaling mode. Full logs every block; ordered writes file
// data home before the transaction's log records; writeback writes file
// data home with no ordering against the log.
type Mode uint64

const (
	ModeFull Mode = iota
	ModeOrdered
	ModeWriteback
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeOrdered:
		return "ordered"
	case ModeWriteback:
		return "writeback"
	}
	return "unknown"
}

func ParseMode(s string) (Mode, bool) {
	switch s {
	case "full", "full-data", "journal":
		return ModeFull, true
	case "ordered":
		return ModeOrdered, true
	case "writeback":
		return ModeWriteback, true
	}
	return ModeFull, false
}

// Restorer undoes an in-memory mutation when the transaction that made it
// aborts.
type Restorer interface {
	Restore()
}

type RestoreFunc func()

func (f RestoreFunc) Restore() { f() }
