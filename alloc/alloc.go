// Package alloc allocates data blocks and inodes from allocation groups.
//
// Every change to a group's bitmap goes through the caller's transaction:
// the changed bitmap bytes are dirtied in the bitmap block and the group
// descriptor is rewritten with the bitmap's checksum before and after the
// change. A transaction that touches a group holds the group's bitmap block
// exclusively until it finishes, so no two running transactions change the
// same group.
package alloc

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/willf/bitset"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/layout"
	"github.com/mit-pdos/go-fsjournal/logging"
	"github.com/mit-pdos/go-fsjournal/util"
)

type Strategy int

const (
	FirstFit Strategy = iota
	BestFit
	VectorAligned
)

func (s Strategy) String() string {
	switch s {
	case BestFit:
		return "best-fit"
	case VectorAligned:
		return "vector-aligned"
	}
	return "first-fit"
}

func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "first-fit", "":
		return FirstFit, nil
	case "best-fit":
		return BestFit, nil
	case "vector-aligned":
		return VectorAligned, nil
	}
	return FirstFit, errors.E(errors.Invalid, fmt.Sprintf("unknown allocation strategy %q", s))
}

var (
	ErrNoSpace  = errors.E(errors.Unavailable, errors.Retriable, "no free blocks")
	ErrNoInodes = errors.E(errors.Unavailable, errors.Retriable, "no free inodes")
	ErrNotAlloc = errors.E(errors.Invalid, "freeing an unallocated object")
)

// Txn is the part of a transaction the allocator writes through.
type Txn interface {
	// GetWriteAccess locks bn exclusively for the transaction, waiting if
	// another transaction holds it.
	GetWriteAccess(bn common.Bnum) error
	// TryWriteAccess is GetWriteAccess without waiting.
	TryWriteAccess(bn common.Bnum) (bool, error)
	// Dirty records a rollback entry for bn[off:off+len(data)] and then
	// writes data there.
	Dirty(bn common.Bnum, off uint64, data []byte) error
	// Record registers an in-memory undo action.
	Record(r common.Restorer)
	// Revoke stops older logged copies of bns from being replayed.
	Revoke(bns ...common.Bnum)
}

type Allocator struct {
	l        *layout.Layout
	groups   []*Group
	strategy Strategy
	align    uint64
	rotor    atomic.Uint64
}

func New(l *layout.Layout, s Strategy, align uint64) *Allocator {
	a := &Allocator{l: l, strategy: s, align: align}
	for g := uint64(0); g < l.NGroups; g++ {
		start, n := l.GroupData(g)
		a.groups = append(a.groups, &Group{
			idx:       g,
			dataStart: start,
			nblocks:   n,
			inodeBase: common.Inum(g * l.InodesPerGroup),
			ninodes:   l.InodesPerGroup,
			blocks:    bitset.New(uint(n)),
			inodes:    bitset.New(uint(l.InodesPerGroup)),
			desc:      GroupDesc{Group: g, FreeBlocks: n, FreeInodes: l.InodesPerGroup},
		})
	}
	return a
}

func (a *Allocator) Layout() *layout.Layout { return a.l }

func (a *Allocator) Strategy() Strategy { return a.strategy }

func (a *Allocator) NGroups() uint64 { return uint64(len(a.groups)) }

func (a *Allocator) bitmapBlock(g *Group, k bitmapKind) common.Bnum {
	if k == inodeMap {
		return a.l.InodeBitmap(g.idx)
	}
	return a.l.BlockBitmap(g.idx)
}

func (a *Allocator) sealDesc(g *Group) {
	g.desc.BlockSum = bitmapSum(g.blocks, g.nblocks)
	g.desc.InodeSum = bitmapSum(g.inodes, g.ninodes)
	g.desc.BlockSumBefore = g.desc.BlockSum
	g.desc.InodeSumBefore = g.desc.InodeSum
}

// Format writes empty bitmaps and descriptors for every group straight to
// d. The null inode and the root inode are marked allocated.
func (a *Allocator) Format(d disk.Disk) error {
	for _, g := range a.groups {
		g.mu.Lock()
		if g.idx == 0 {
			for _, ino := range []common.Inum{common.NULLINUM, common.ROOTINUM} {
				g.inodes.Set(uint(ino))
			}
			g.desc.FreeInodes = g.ninodes - 2
		}
		a.sealDesc(g)
		bb := encodeBitmap(g.blocks, g.nblocks)
		ib := encodeBitmap(g.inodes, g.ninodes)
		gd := g.desc.Encode()
		g.mu.Unlock()

		if err := d.Write(a.bitmapBlock(g, blockMap), bb); err != nil {
			return err
		}
		if err := d.Write(a.bitmapBlock(g, inodeMap), ib); err != nil {
			return err
		}
		gdb := make(disk.Block, disk.BlockSize)
		copy(gdb[a.l.GroupDesc(g.idx).Off:], gd)
		if err := d.Write(a.l.GroupDesc(g.idx).Blkno, gdb); err != nil {
			return err
		}
	}
	return nil
}

// Load reads bitmaps and descriptors from d. It returns the groups whose
// bitmaps disagree with their descriptors: a checksum that matches neither
// side of the last journaled change, a free count that disagrees with the
// bitmap, or an unreadable descriptor. Those groups are repaired by
// Reconcile.
func (a *Allocator) Load(d disk.Disk) ([]uint64, error) {
	var suspect []uint64
	for _, g := range a.groups {
		bb, err := d.Read(a.bitmapBlock(g, blockMap))
		if err != nil {
			return nil, err
		}
		ib, err := d.Read(a.bitmapBlock(g, inodeMap))
		if err != nil {
			return nil, err
		}
		gdb, err := d.Read(a.l.GroupDesc(g.idx).Blkno)
		if err != nil {
			return nil, err
		}

		g.mu.Lock()
		g.blocks = decodeBitmap(bb, g.nblocks)
		g.inodes = decodeBitmap(ib, g.ninodes)
		g.next = 0
		g.nextIno = 0
		bad := false
		gd, err := DecodeGroupDesc(gdb[a.l.GroupDesc(g.idx).Off:])
		if err != nil || gd.Group != g.idx {
			logging.Warn().Err(err).Uint64("group", g.idx).Msg("group descriptor unreadable")
			bad = true
		} else {
			g.desc = *gd
			bsum := bitmapSum(g.blocks, g.nblocks)
			isum := bitmapSum(g.inodes, g.ninodes)
			if bsum != gd.BlockSum || isum != gd.InodeSum {
				util.DPrintf(1, "group %d: bitmap checksum %x/%x, journaled %x/%x (before %x/%x)\n",
					g.idx, bsum, isum, gd.BlockSum, gd.InodeSum, gd.BlockSumBefore, gd.InodeSumBefore)
				bad = true
			}
			if g.nblocks-uint64(g.blocks.Count()) != gd.FreeBlocks ||
				g.ninodes-uint64(g.inodes.Count()) != gd.FreeInodes {
				bad = true
			}
		}
		if bad {
			g.desc.Group = g.idx
			g.desc.FreeBlocks = g.nblocks - uint64(g.blocks.Count())
			g.desc.FreeInodes = g.ninodes - uint64(g.inodes.Count())
			a.sealDesc(g)
			suspect = append(suspect, g.idx)
		}
		g.mu.Unlock()
	}
	return suspect, nil
}

// update flips bits of one bitmap of g and journals the changed bitmap
// bytes and the new descriptor through txn. The caller holds write access
// to the bitmap block and the descriptor block.
func (a *Allocator) update(txn Txn, g *Group, k bitmapKind, set []uint64, clear []uint64) error {
	if len(set) == 0 && len(clear) == 0 {
		return nil
	}
	g.mu.Lock()
	bs, n := g.bits(k)
	old := g.desc
	oldNext, oldNextIno := g.next, g.nextIno
	for _, b := range set {
		must.Truef(!bs.Test(uint(b)), "group %d: %s bit %d already set", g.idx, k, b)
		bs.Set(uint(b))
	}
	for _, b := range clear {
		must.Truef(bs.Test(uint(b)), "group %d: %s bit %d already clear", g.idx, k, b)
		bs.Clear(uint(b))
	}
	free := n - uint64(bs.Count())
	sum := bitmapSum(bs, n)
	if k == inodeMap {
		g.desc.FreeInodes = free
		g.desc.InodeSumBefore = old.InodeSum
		g.desc.InodeSum = sum
	} else {
		g.desc.FreeBlocks = free
		g.desc.BlockSumBefore = old.BlockSum
		g.desc.BlockSum = sum
	}
	var idxs []uint64
	for _, b := range set {
		idxs = append(idxs, b/8)
	}
	for _, b := range clear {
		idxs = append(idxs, b/8)
	}
	idxs = util.SortedUniq(idxs)
	vals := make([]byte, len(idxs))
	for i, idx := range idxs {
		vals[i] = bitmapByte(bs, n, idx)
	}
	rec := g.desc.Encode()
	g.mu.Unlock()

	txn.Record(common.RestoreFunc(func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		bs, _ := g.bits(k)
		for _, b := range set {
			bs.Clear(uint(b))
		}
		for _, b := range clear {
			bs.Set(uint(b))
		}
		g.desc = old
		g.next, g.nextIno = oldNext, oldNextIno
	}))

	bm := a.bitmapBlock(g, k)
	for i, idx := range idxs {
		if err := txn.Dirty(bm, idx, []byte{vals[i]}); err != nil {
			return err
		}
	}
	gd := a.l.GroupDesc(g.idx)
	return txn.Dirty(gd.Blkno, gd.Off, rec)
}

// lock takes write access to both blocks that describe g's bitmap k.
func (a *Allocator) lock(txn Txn, g *Group, k bitmapKind) error {
	if err := txn.GetWriteAccess(a.bitmapBlock(g, k)); err != nil {
		return err
	}
	return txn.GetWriteAccess(a.l.GroupDesc(g.idx).Blkno)
}

// pickGroup finds a group with at least need free bits in bitmap k and
// locks it: groups nobody holds are tried first, then the call waits on the
// first group with room.
func (a *Allocator) pickGroup(txn Txn, k bitmapKind, need uint64) (*Group, error) {
	n := uint64(len(a.groups))
	start := a.rotor.Add(1)
	for i := uint64(0); i < n; i++ {
		g := a.groups[(start+i)%n]
		if g.free(k) < need {
			continue
		}
		ok, err := txn.TryWriteAccess(a.bitmapBlock(g, k))
		if err != nil {
			return nil, err
		}
		if ok && g.free(k) >= need {
			return g, txn.GetWriteAccess(a.l.GroupDesc(g.idx).Blkno)
		}
	}
	for i := uint64(0); i < n; i++ {
		g := a.groups[(start+i)%n]
		if g.free(k) < need {
			continue
		}
		if err := a.lock(txn, g, k); err != nil {
			return nil, err
		}
		if g.free(k) >= need {
			return g, nil
		}
	}
	return nil, nil
}

// FreeBlockCount sums the free blocks of every group.
func (a *Allocator) FreeBlockCount() uint64 {
	total := uint64(0)
	for _, g := range a.groups {
		total += g.free(blockMap)
	}
	return total
}

func (a *Allocator) FreeInodeCount() uint64 {
	total := uint64(0)
	for _, g := range a.groups {
		total += g.free(inodeMap)
	}
	return total
}

func (a *Allocator) allocIn(txn Txn, g *Group, want uint64) ([]common.Bnum, error) {
	g.mu.Lock()
	picked := g.pickBlocks(a.strategy, a.align, want)
	g.mu.Unlock()
	if err := a.update(txn, g, blockMap, picked, nil); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.incNext(picked)
	g.mu.Unlock()
	bns := make([]common.Bnum, len(picked))
	for i, b := range picked {
		bns[i] = g.dataStart + b
	}
	return bns, nil
}

// AllocBlocks allocates n data blocks. It prefers a single group that can
// hold all of them, placed according to the strategy; otherwise it spreads
// the allocation over several groups.
func (a *Allocator) AllocBlocks(txn Txn, n uint64) ([]common.Bnum, error) {
	if n == 0 {
		return nil, nil
	}
	if a.FreeBlockCount() < n {
		return nil, errors.E(ErrNoSpace, fmt.Sprintf("want %d", n))
	}
	g, err := a.pickGroup(txn, blockMap, n)
	if err != nil {
		return nil, err
	}
	if g != nil {
		bns, err := a.allocIn(txn, g, n)
		if err != nil {
			return nil, err
		}
		util.DPrintf(5, "alloc: %d blocks from group %d: %v\n", n, g.idx, bns)
		return bns, nil
	}
	var bns []common.Bnum
	for _, g := range a.groups {
		if uint64(len(bns)) == n {
			break
		}
		if g.free(blockMap) == 0 {
			continue
		}
		if err := a.lock(txn, g, blockMap); err != nil {
			return nil, err
		}
		want := util.Min(n-uint64(len(bns)), g.free(blockMap))
		got, err := a.allocIn(txn, g, want)
		if err != nil {
			return nil, err
		}
		bns = append(bns, got...)
	}
	if uint64(len(bns)) < n {
		return nil, errors.E(ErrNoSpace, fmt.Sprintf("want %d, found %d", n, len(bns)))
	}
	return bns, nil
}

// FreeBlocks releases bns and revokes them in the log.
func (a *Allocator) FreeBlocks(txn Txn, bns []common.Bnum) error {
	byGroup := make(map[uint64][]uint64)
	var order []uint64
	for _, bn := range bns {
		gi, bit, ok := a.l.BlockGroup(bn)
		if !ok {
			return errors.E(ErrNotAlloc, fmt.Sprintf("block %d outside the data region", bn))
		}
		if _, seen := byGroup[gi]; !seen {
			order = append(order, gi)
		}
		byGroup[gi] = append(byGroup[gi], bit)
	}
	for _, gi := range util.SortedUniq(order) {
		g := a.groups[gi]
		if err := a.lock(txn, g, blockMap); err != nil {
			return err
		}
		clear := util.SortedUniq(byGroup[gi])
		g.mu.Lock()
		for _, b := range clear {
			if !g.blocks.Test(uint(b)) {
				g.mu.Unlock()
				return errors.E(ErrNotAlloc, fmt.Sprintf("block %d", g.dataStart+b))
			}
		}
		g.mu.Unlock()
		if err := a.update(txn, g, blockMap, nil, clear); err != nil {
			return err
		}
	}
	txn.Revoke(bns...)
	return nil
}

func (a *Allocator) AllocInode(txn Txn) (common.Inum, error) {
	g, err := a.pickGroup(txn, inodeMap, 1)
	if err != nil {
		return common.NULLINUM, err
	}
	if g == nil {
		return common.NULLINUM, ErrNoInodes
	}
	g.mu.Lock()
	picked := findFreeBits(g.inodes, g.ninodes, g.nextIno, 1)
	g.mu.Unlock()
	must.True(len(picked) == 1, "group with free inodes has no clear bit")
	if err := a.update(txn, g, inodeMap, picked, nil); err != nil {
		return common.NULLINUM, err
	}
	g.mu.Lock()
	g.nextIno = (picked[0] + 1) % g.ninodes
	g.mu.Unlock()
	inum := g.inodeBase + common.Inum(picked[0])
	util.DPrintf(5, "alloc: inode %d from group %d\n", inum, g.idx)
	return inum, nil
}

func (a *Allocator) FreeInode(txn Txn, inum common.Inum) error {
	gi, bit, ok := a.l.InodeGroup(inum)
	if !ok || inum == common.NULLINUM || inum == common.ROOTINUM {
		return errors.E(ErrNotAlloc, fmt.Sprintf("inode %d", inum))
	}
	g := a.groups[gi]
	if err := a.lock(txn, g, inodeMap); err != nil {
		return err
	}
	g.mu.Lock()
	set := g.inodes.Test(uint(bit))
	g.mu.Unlock()
	if !set {
		return errors.E(ErrNotAlloc, fmt.Sprintf("inode %d", inum))
	}
	return a.update(txn, g, inodeMap, nil, []uint64{bit})
}

// IsBlockAllocated reports the in-memory bit for bn.
func (a *Allocator) IsBlockAllocated(bn common.Bnum) bool {
	gi, bit, ok := a.l.BlockGroup(bn)
	if !ok {
		return false
	}
	g := a.groups[gi]
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocks.Test(uint(bit))
}

func (a *Allocator) IsInodeAllocated(inum common.Inum) bool {
	gi, bit, ok := a.l.InodeGroup(inum)
	if !ok {
		return false
	}
	g := a.groups[gi]
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inodes.Test(uint(bit))
}

// Checksums returns one value per group combining its block and inode
// bitmap checksums as last journaled; checkpoints record them.
func (a *Allocator) Checksums() []uint64 {
	sums := make([]uint64, len(a.groups))
	for i, g := range a.groups {
		g.mu.Lock()
		sums[i] = g.desc.BlockSum ^ bits.RotateLeft64(g.desc.InodeSum, 1)
		g.mu.Unlock()
	}
	return sums
}

type GroupStats struct {
	Group         uint64  `json:"group"`
	Blocks        uint64  `json:"blocks"`
	FreeBlocks    uint64  `json:"free_blocks"`
	Inodes        uint64  `json:"inodes"`
	FreeInodes    uint64  `json:"free_inodes"`
	Fragmentation float64 `json:"fragmentation"`
}

func (a *Allocator) Stats() []GroupStats {
	st := make([]GroupStats, len(a.groups))
	for i, g := range a.groups {
		g.mu.Lock()
		st[i] = GroupStats{
			Group:         g.idx,
			Blocks:        g.nblocks,
			FreeBlocks:    g.desc.FreeBlocks,
			Inodes:        g.ninodes,
			FreeInodes:    g.desc.FreeInodes,
			Fragmentation: fragmentation(g.blocks, g.nblocks),
		}
		g.mu.Unlock()
	}
	return st
}
