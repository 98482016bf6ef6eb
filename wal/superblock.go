package wal

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
)

// superblock is the first block of the log region. Its checksum covers every
// field before it.
type superblock struct {
	major, minor   uint64
	id             uuid.UUID
	start          common.Bnum
	nblocks        uint64
	blockSize      uint64
	head           LogPosition
	tail           LogPosition
	tailSeq        uint64
	sequence       uint64
	commitSeq      uint64
	commitInterval time.Duration
	csum           ChecksumType
	mode           common.Mode
	counters       Counters
	lastCkptPos    LogPosition
	lastCkptSeq    uint64
	lastTxn        common.TxnID
}

const (
	sbWords = 22
	sbIDOff = 3 * 8
)

func (sb *superblock) encode() disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(MAGIC)
	enc.PutInt(sb.major)
	enc.PutInt(sb.minor)
	enc.PutInt(0) // uuid, copied in below
	enc.PutInt(0)
	enc.PutInt(sb.start)
	enc.PutInt(sb.nblocks)
	enc.PutInt(sb.blockSize)
	enc.PutInt(uint64(sb.head))
	enc.PutInt(uint64(sb.tail))
	enc.PutInt(sb.tailSeq)
	enc.PutInt(sb.sequence)
	enc.PutInt(sb.commitSeq)
	enc.PutInt(uint64(sb.commitInterval))
	enc.PutInt(uint64(sb.csum))
	enc.PutInt(uint64(sb.mode))
	enc.PutInt(sb.counters.Commits)
	enc.PutInt(sb.counters.Aborts)
	enc.PutInt(sb.counters.Recoveries)
	enc.PutInt(uint64(sb.lastCkptPos))
	enc.PutInt(sb.lastCkptSeq)
	enc.PutInt(uint64(sb.lastTxn))
	b := enc.Finish()
	copy(b[sbIDOff:], sb.id[:])
	copy(b[sbWords*8:], sb.csum.sum(b[:sbWords*8]))
	return b
}

func decodeSuperblock(b disk.Block) (*superblock, error) {
	dec := marshal.NewDec(b)
	if dec.GetInt() != MAGIC {
		return nil, errors.E(ErrBadMagic, "superblock")
	}
	sb := &superblock{major: dec.GetInt(), minor: dec.GetInt()}
	dec.GetInt()
	dec.GetInt()
	sb.start = dec.GetInt()
	sb.nblocks = dec.GetInt()
	sb.blockSize = dec.GetInt()
	sb.head = LogPosition(dec.GetInt())
	sb.tail = LogPosition(dec.GetInt())
	sb.tailSeq = dec.GetInt()
	sb.sequence = dec.GetInt()
	sb.commitSeq = dec.GetInt()
	sb.commitInterval = time.Duration(dec.GetInt())
	sb.csum = ChecksumType(dec.GetInt())
	sb.mode = common.Mode(dec.GetInt())
	sb.counters.Commits = dec.GetInt()
	sb.counters.Aborts = dec.GetInt()
	sb.counters.Recoveries = dec.GetInt()
	sb.lastCkptPos = LogPosition(dec.GetInt())
	sb.lastCkptSeq = dec.GetInt()
	sb.lastTxn = common.TxnID(dec.GetInt())
	if sb.major != VersionMajor {
		return nil, ErrBadVersion
	}
	if !sb.csum.valid() {
		return nil, errors.E(ErrChecksum, "superblock checksum type")
	}
	want := sb.csum.sum(b[:sbWords*8])
	if !bytes.Equal(want, b[sbWords*8:sbWords*8+sb.csum.size()]) {
		return nil, errors.E(ErrChecksum, "superblock")
	}
	copy(sb.id[:], b[sbIDOff:sbIDOff+16])
	if sb.blockSize != disk.BlockSize || sb.nblocks < minLogBlocks {
		return nil, ErrGeometry
	}
	return sb, nil
}

// jid is the per-journal id stamped into every header block, so blocks left
// over from an earlier journal on the same disk never validate.
func jidOf(id uuid.UUID) uint64 {
	return marshal.NewDec(id[:8]).GetInt() | 1
}
