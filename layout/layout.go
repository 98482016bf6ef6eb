// Package layout computes where each on-disk region lives.
//
//	[ log: superblock + ring ][ group descriptors ][ inode table ]
//	[ dentry table ][ per group: block bitmap, inode bitmap ][ data ]
//
// Every group has the same number of inodes; data is split into groups of
// GroupBlocks blocks, the last of which may be shorter. Each group
// descriptor has a block of its own, so allocating in one group never
// contends with another group's descriptor.
package layout

import (
	"fmt"

	"github.com/grailbio/base/errors"

	"github.com/mit-pdos/go-fsjournal/addr"
	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/util"
	"github.com/mit-pdos/go-fsjournal/wal"
)

const minGroupData uint64 = 64

type Layout struct {
	DiskBlocks  uint64
	LogStart    common.Bnum
	LogBlocks   uint64
	GDTStart    common.Bnum
	GDTBlocks   uint64
	InodeStart  common.Bnum
	DentryStart common.Bnum
	TableBlocks uint64 // blocks per table; inode and dentry tables match
	BitmapStart common.Bnum
	DataStart   common.Bnum
	DataEnd     common.Bnum

	NGroups        uint64
	GroupBlocks    uint64
	InodesPerGroup uint64
}

var ErrTooSmall = errors.E(errors.Invalid, "disk too small for layout")

// Compute lays out a disk of diskBlocks blocks with a logBlocks-block log at
// block 0.
func Compute(diskBlocks, logBlocks, groupBlocks uint64) (*Layout, error) {
	if groupBlocks == 0 || groupBlocks > common.NBITBLOCK {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("group of %d blocks", groupBlocks))
	}
	if logBlocks >= diskBlocks {
		return nil, ErrTooSmall
	}
	ipg := util.RoundUp(groupBlocks/4, common.INODEBLK) * common.INODEBLK
	if ipg == 0 {
		ipg = common.INODEBLK
	}
	if ipg > common.NBITBLOCK {
		ipg = common.NBITBLOCK
	}
	meta := 3 + 2*ipg/common.INODEBLK

	avail := diskBlocks - logBlocks
	full := avail / (meta + groupBlocks)
	rem := avail % (meta + groupBlocks)
	ngroups := full
	lastData := groupBlocks
	if rem >= meta+minGroupData {
		ngroups++
		lastData = rem - meta
	}
	if ngroups == 0 {
		return nil, errors.E(ErrTooSmall, fmt.Sprintf("%d blocks after the log", diskBlocks-logBlocks))
	}

	l := &Layout{
		DiskBlocks:     diskBlocks,
		LogStart:       0,
		LogBlocks:      logBlocks,
		GDTStart:       logBlocks,
		GDTBlocks:      ngroups,
		NGroups:        ngroups,
		GroupBlocks:    groupBlocks,
		InodesPerGroup: ipg,
	}
	l.TableBlocks = ngroups * ipg / common.INODEBLK
	l.InodeStart = l.GDTStart + ngroups
	l.DentryStart = l.InodeStart + l.TableBlocks
	l.BitmapStart = l.DentryStart + l.TableBlocks
	l.DataStart = l.BitmapStart + 2*ngroups
	l.DataEnd = l.DataStart + (ngroups-1)*groupBlocks + lastData
	util.DPrintf(1, "layout: %d groups of %d blocks, %d inodes, data [%d, %d)\n",
		ngroups, groupBlocks, l.NInodes(), l.DataStart, l.DataEnd)
	return l, nil
}

func (l *Layout) LogGeometry() wal.Geometry {
	return wal.Geometry{Start: l.LogStart, NBlocks: l.LogBlocks}
}

// CheckLog verifies that a loaded log sits where this layout expects it.
func (l *Layout) CheckLog(g wal.Geometry) error {
	if g != l.LogGeometry() {
		return errors.E(wal.ErrGeometry, fmt.Sprintf("log at %d+%d, layout expects %d+%d",
			g.Start, g.NBlocks, l.LogStart, l.LogBlocks))
	}
	return nil
}

func (l *Layout) NInodes() uint64 {
	return l.NGroups * l.InodesPerGroup
}

func (l *Layout) DataBlocks() uint64 {
	return l.DataEnd - l.DataStart
}

// GroupData returns the first data block and size of group g.
func (l *Layout) GroupData(g uint64) (common.Bnum, uint64) {
	start := l.DataStart + g*l.GroupBlocks
	return start, util.Min(l.GroupBlocks, l.DataEnd-start)
}

func (l *Layout) BlockBitmap(g uint64) common.Bnum {
	return l.BitmapStart + 2*g
}

func (l *Layout) InodeBitmap(g uint64) common.Bnum {
	return l.BitmapStart + 2*g + 1
}

func (l *Layout) GroupDesc(g uint64) addr.Addr {
	return addr.MkAddr(l.GDTStart+g, 0)
}

func (l *Layout) Inode(inum common.Inum) addr.Addr {
	return addr.MkRecordAddr(l.InodeStart, uint64(inum), common.INODESZ)
}

func (l *Layout) Dentry(slot uint64) addr.Addr {
	return addr.MkRecordAddr(l.DentryStart, slot, common.DENTRYSZ)
}

func (l *Layout) NDentries() uint64 {
	return l.TableBlocks * common.DENTRYBLK
}

// BlockGroup maps a data block to its group and bit.
func (l *Layout) BlockGroup(bn common.Bnum) (uint64, uint64, bool) {
	if bn < l.DataStart || bn >= l.DataEnd {
		return 0, 0, false
	}
	off := bn - l.DataStart
	return off / l.GroupBlocks, off % l.GroupBlocks, true
}

// InodeGroup maps an inode to its group and bit.
func (l *Layout) InodeGroup(inum common.Inum) (uint64, uint64, bool) {
	if uint64(inum) >= l.NInodes() {
		return 0, 0, false
	}
	return uint64(inum) / l.InodesPerGroup, uint64(inum) % l.InodesPerGroup, true
}

// Kind classifies a block: data-region blocks are file data, everything
// else is metadata.
func (l *Layout) Kind(bn common.Bnum) common.BlockKind {
	if bn >= l.DataStart && bn < l.DataEnd {
		return common.KindData
	}
	return common.KindMeta
}

// MetaBlocks returns the range of metadata blocks outside the log.
func (l *Layout) MetaBlocks() (common.Bnum, common.Bnum) {
	return l.GDTStart, l.DataStart
}
