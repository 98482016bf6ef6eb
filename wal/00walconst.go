//  wal implements the circular write-ahead log.
//
//  The log region starts with a superblock followed by a ring of blocks:
//
//  [ superblock | ring: ... tail ... head ... ]
//
//  Positions are monotonic and map onto the ring modulo its size; the blocks
//  in [tail, head) are still needed and are never overwritten. Every block
//  except raw data is a header block carrying a magic number, journal id,
//  type, sequence number, transaction id and a checksum over its contents.
//  Data blocks are stored raw right after the descriptor that names them;
//  the descriptor holds a checksum for each.
//
//  A transaction is written as descriptor, data..., [revocation...], commit.
//  Only header blocks consume sequence numbers, so a transaction with a
//  single descriptor advances the sequence by two.
package wal

import (
	"github.com/mit-pdos/go-fsjournal/disk"
)

const (
	MAGIC        uint64 = 0x4A524E4C // "JRNL"
	VersionMajor uint64 = 1
	VersionMinor uint64 = 0

	HDRSZ   = uint64(7 * 8) // magic, jid, type, seq, txn, payload length, checksum type
	CSUMSZ  = uint64(32)    // checksum area at the end of every header block
	PAYLOAD = disk.BlockSize - HDRSZ - CSUMSZ

	TAGSZ    = uint64(3 * 8)
	MAXTAGS  = (PAYLOAD - 16) / TAGSZ
	MAXREVOK = (PAYLOAD - 8) / 8
	MAXGROUP = (PAYLOAD - 4*8 - 16 - 32) / 8
)

type BlockType uint64

const (
	BlockSuper BlockType = 1 + iota
	BlockDescriptor
	BlockCommit
	BlockData
	BlockRevocation
	BlockCheckpoint
	BlockBarrier
)

var blockTypeNames = map[BlockType]string{
	BlockSuper:      "superblock",
	BlockDescriptor: "descriptor",
	BlockCommit:     "commit",
	BlockData:       "data",
	BlockRevocation: "revocation",
	BlockCheckpoint: "checkpoint",
	BlockBarrier:    "barrier",
}

func (t BlockType) String() string {
	if s, ok := blockTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Tag flags.
const (
	// TagLogged: the block's contents follow the descriptor in the log.
	// Without it the block was written in place and the tag only records
	// its checksum.
	TagLogged uint64 = 1 << iota
)

// Disruption points for Dependencies.
const (
	DisruptBeforeCommit     = "before-commit-block"
	DisruptAfterDescriptor  = "after-descriptor"
	DisruptBeforeSuperblock = "before-superblock"
)
