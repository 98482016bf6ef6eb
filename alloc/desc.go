package alloc

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/wal"
)

const descMagic uint64 = 0x47445343 // "GDSC"

// GroupDesc is the journaled record of an allocation group. Every change to
// a bitmap journals the bitmap's checksum before and after the change, so a
// bitmap that does not match BlockSum/InodeSum after a crash is detectable.
type GroupDesc struct {
	Group          uint64
	FreeBlocks     uint64
	FreeInodes     uint64
	BlockSumBefore uint64
	BlockSum       uint64
	InodeSumBefore uint64
	InodeSum       uint64
}

var ErrDescChecksum = errors.E(errors.Integrity, errors.Fatal, "group descriptor checksum mismatch")

func (gd *GroupDesc) Encode() []byte {
	enc := marshal.NewEnc(common.GDESCSZ)
	enc.PutInt(descMagic<<32 | gd.Group)
	enc.PutInt(gd.FreeBlocks)
	enc.PutInt(gd.FreeInodes)
	enc.PutInt(gd.BlockSumBefore)
	enc.PutInt(gd.BlockSum)
	enc.PutInt(gd.InodeSumBefore)
	enc.PutInt(gd.InodeSum)
	b := enc.Finish()
	sum := marshal.NewEnc(8)
	sum.PutInt(wal.Sum64(b[:common.GDESCSZ-8]))
	copy(b[common.GDESCSZ-8:], sum.Finish())
	return b
}

func DecodeGroupDesc(b []byte) (*GroupDesc, error) {
	if uint64(len(b)) < common.GDESCSZ {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("group descriptor of %d bytes", len(b)))
	}
	dec := marshal.NewDec(b[:common.GDESCSZ])
	w := dec.GetInt()
	if w>>32 != descMagic {
		return nil, errors.E(ErrDescChecksum, "bad magic")
	}
	gd := &GroupDesc{
		Group:          w & 0xffffffff,
		FreeBlocks:     dec.GetInt(),
		FreeInodes:     dec.GetInt(),
		BlockSumBefore: dec.GetInt(),
		BlockSum:       dec.GetInt(),
		InodeSumBefore: dec.GetInt(),
		InodeSum:       dec.GetInt(),
	}
	if dec.GetInt() != wal.Sum64(b[:common.GDESCSZ-8]) {
		return nil, errors.E(ErrDescChecksum, fmt.Sprintf("group %d", gd.Group))
	}
	return gd, nil
}
