package addr

import (
	"fmt"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
)

// Addr identifies the start of an on-disk record.
//
// Blkno is the block number containing the record, and Off is the location
// of the record within the block (expressed as a byte offset). The size of
// the record is determined by the table it belongs to.
type Addr struct {
	Blkno common.Bnum
	Off   uint64 // offset in bytes
}

func (a Addr) Flatid() uint64 {
	return uint64(a.Blkno)*disk.BlockSize + a.Off
}

func (a Addr) String() string {
	return fmt.Sprintf("%d+%d", a.Blkno, a.Off)
}

func MkAddr(blkno common.Bnum, off uint64) Addr {
	return Addr{Blkno: blkno, Off: off}
}

// MkRecordAddr gives the address of the n-th record of size sz in a table
// of block-aligned records starting at start.
func MkRecordAddr(start common.Bnum, n uint64, sz uint64) Addr {
	perBlock := disk.BlockSize / sz
	i := n / perBlock
	off := (n % perBlock) * sz
	return MkAddr(start+common.Bnum(i), off)
}
