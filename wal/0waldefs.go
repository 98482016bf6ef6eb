package wal

import (
	"github.com/google/uuid"
	"github.com/grailbio/base/errors"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
)

// LogPosition is a monotonic position in the log; it maps onto the ring
// modulo the ring size.
type LogPosition uint64

// Update is a block destined for its home location.
type Update struct {
	Addr  common.Bnum
	Block disk.Block
}

func MkBlockData(bn common.Bnum, blk disk.Block) Update {
	b := Update{Addr: bn, Block: blk}
	return b
}

var (
	ErrOutOfLogSpace  = errors.E(errors.Unavailable, errors.Retriable, "out of log space")
	ErrBadMagic       = errors.E(errors.Integrity, errors.Fatal, "bad magic")
	ErrChecksum       = errors.E(errors.Integrity, errors.Fatal, "checksum mismatch")
	ErrTxnChecksum    = errors.E(errors.Integrity, errors.Fatal, "transaction checksum mismatch")
	ErrBadVersion     = errors.E(errors.NotSupported, "unsupported log version")
	ErrGeometry       = errors.E(errors.Invalid, "log geometry does not match disk")
	ErrJournalAborted = errors.E(errors.Unavailable, errors.Fatal, "journal aborted after write failure")
	ErrCrashed        = errors.E(errors.Unavailable, errors.Fatal, "simulated crash")
)

// Dependencies lets tests interrupt the log at named points.
type Dependencies interface {
	Disrupt(point string) bool
}

type ProdDependencies struct{}

func (ProdDependencies) Disrupt(string) bool { return false }

// Counters are cumulative across mounts; they live in the superblock.
type Counters struct {
	Commits    uint64
	Aborts     uint64
	Recoveries uint64
}

// Record is one block to append: a header record (descriptor, commit,
// revocation, checkpoint, barrier) with its payload, or raw data.
type Record struct {
	Type    BlockType
	TxnID   common.TxnID
	Payload []byte     // header records
	Data    disk.Block // BlockData
}

// Tag names one block of a transaction inside a descriptor.
type Tag struct {
	Home  common.Bnum
	Sum   uint64
	Flags uint64
}

func (t Tag) Logged() bool {
	return t.Flags&TagLogged != 0
}

type Descriptor struct {
	More bool // another descriptor follows for the same transaction
	Tags []Tag
}

type Commit struct {
	Op       common.OpType
	NBlocks  uint64 // tags across all descriptors
	NDesc    uint64
	FirstSeq uint64 // sequence of the first descriptor
	Sum      []byte // over the txn id and every tag
}

type Revocation struct {
	Blocks []common.Bnum
}

// Checkpoint records that everything in [StartSeq, EndSeq] reached its home
// location, along with allocation-group checksums and a state hash.
type Checkpoint struct {
	ID        uuid.UUID
	StartSeq  uint64
	EndSeq    uint64
	LastTxn   common.TxnID
	Groups    []uint64
	StateHash [32]byte
}

// TxnWrite is one transaction as handed to AppendTxn. Logged blocks are
// copied into the log; InPlace blocks were already written home and are
// listed with their checksums only.
type TxnWrite struct {
	TxnID   common.TxnID
	Op      common.OpType
	Logged  []Update
	InPlace []Update
	Revoked []common.Bnum
}

// AppendResult locates an append in the log.
type AppendResult struct {
	Start    LogPosition
	End      LogPosition
	FirstSeq uint64
	LastSeq  uint64
}

// Status is a snapshot of the ring.
type Status struct {
	Head        LogPosition
	Tail        LogPosition
	HeadBlock   common.Bnum
	TailBlock   common.Bnum
	Size        uint64
	Used        uint64
	Utilization float64
	Sequence    uint64
	CommitSeq   uint64
	TailSeq     uint64
	LastCkptSeq uint64
	Checksum    ChecksumType
	Aborted     bool
}
