package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/layout"
	"github.com/mit-pdos/go-fsjournal/util"
)

// fakeTxn buffers blocks in memory and undoes them on abort.
type fakeTxn struct {
	d       disk.Disk
	bufs    map[common.Bnum]disk.Block
	undo    []func()
	busy    map[common.Bnum]bool
	revoked []common.Bnum
}

func newFakeTxn(d disk.Disk) *fakeTxn {
	return &fakeTxn{d: d, bufs: make(map[common.Bnum]disk.Block), busy: make(map[common.Bnum]bool)}
}

func (t *fakeTxn) block(bn common.Bnum) disk.Block {
	if b, ok := t.bufs[bn]; ok {
		return b
	}
	b, err := t.d.Read(bn)
	if err != nil {
		panic(err)
	}
	t.bufs[bn] = b
	return b
}

func (t *fakeTxn) GetWriteAccess(bn common.Bnum) error {
	t.block(bn)
	return nil
}

func (t *fakeTxn) TryWriteAccess(bn common.Bnum) (bool, error) {
	if t.busy[bn] {
		return false, nil
	}
	return true, t.GetWriteAccess(bn)
}

func (t *fakeTxn) Dirty(bn common.Bnum, off uint64, data []byte) error {
	b := t.block(bn)
	old := util.CloneByteSlice(b[off : off+uint64(len(data))])
	t.undo = append(t.undo, func() { copy(b[off:], old) })
	copy(b[off:], data)
	return nil
}

func (t *fakeTxn) Record(r common.Restorer) {
	t.undo = append(t.undo, r.Restore)
}

func (t *fakeTxn) Revoke(bns ...common.Bnum) {
	t.revoked = append(t.revoked, bns...)
}

func (t *fakeTxn) abort() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *fakeTxn) commit() {
	for bn, b := range t.bufs {
		if err := t.d.Write(bn, b); err != nil {
			panic(err)
		}
	}
}

func mkAlloc(t *testing.T, s Strategy) (*Allocator, disk.Disk) {
	l, err := layout.Compute(512, 64, 128)
	require.NoError(t, err)
	d := disk.NewMemDisk(512)
	a := New(l, s, 16)
	require.NoError(t, a.Format(d))
	return a, d
}

func TestFitFunctions(t *testing.T) {
	assert := assert.New(t)
	bs := bitset.New(64)
	// free runs: [0,4) [6,9) [10,64)
	bs.Set(4)
	bs.Set(5)
	bs.Set(9)

	bits, ok := bestFit(bs, 64, 3)
	assert.True(ok)
	assert.Equal([]uint64{6, 7, 8}, bits)

	bits, ok = alignedFit(bs, 64, 4, 8)
	assert.True(ok)
	assert.Equal([]uint64{0, 1, 2, 3}, bits)
	bits, ok = alignedFit(bs, 64, 5, 8)
	assert.True(ok)
	assert.Equal(uint64(16), bits[0])

	assert.Equal([]uint64{3, 6}, findFreeBits(bs, 64, 3, 2))
	assert.Equal([]uint64{63, 0}, findFreeBits(bs, 64, 63, 2), "first-fit wraps")

	assert.Equal(uint(3), bs.Count())
	assert.InDelta(1-54.0/61.0, fragmentation(bs, 64), 1e-9)
}

func TestBitmapEncoding(t *testing.T) {
	assert := assert.New(t)
	bs := bitset.New(100)
	bs.Set(0)
	bs.Set(9)
	bs.Set(99)
	b := encodeBitmap(bs, 100)
	assert.Equal(byte(1), b[0])
	assert.Equal(byte(2), b[1])
	assert.Equal(byte(1<<3), b[12])
	assert.Equal(byte(2), bitmapByte(bs, 100, 1))
	assert.Equal(uint(3), decodeBitmap(b, 100).Count())
}

func TestFormatLoad(t *testing.T) {
	assert := assert.New(t)
	a, d := mkAlloc(t, FirstFit)
	assert.Equal(uint64(3*128), a.FreeBlockCount())
	assert.Equal(uint64(3*32-2), a.FreeInodeCount())

	a2 := New(a.Layout(), FirstFit, 16)
	suspect, err := a2.Load(d)
	require.NoError(t, err)
	assert.Empty(suspect)
	assert.True(a2.IsInodeAllocated(common.ROOTINUM))
	assert.Equal(a.Checksums(), a2.Checksums())
}

func TestAllocJournalsDescriptor(t *testing.T) {
	assert := assert.New(t)
	a, d := mkAlloc(t, FirstFit)
	before := a.Checksums()

	txn := newFakeTxn(d)
	bns, err := a.AllocBlocks(txn, 5)
	require.NoError(t, err)
	assert.Len(bns, 5)
	gi, _, ok := a.Layout().BlockGroup(bns[0])
	require.True(t, ok)
	for _, bn := range bns {
		assert.True(a.IsBlockAllocated(bn))
		g, _, _ := a.Layout().BlockGroup(bn)
		assert.Equal(gi, g, "a small allocation stays in one group")
	}

	gda := a.Layout().GroupDesc(gi)
	gd, err := DecodeGroupDesc(txn.block(gda.Blkno)[gda.Off:])
	require.NoError(t, err)
	assert.Equal(uint64(128-5), gd.FreeBlocks)
	assert.NotEqual(gd.BlockSumBefore, gd.BlockSum)
	assert.Equal(bitmapSum(decodeBitmap(txn.block(a.Layout().BlockBitmap(gi)), 128), 128), gd.BlockSum)
	assert.NotEqual(before[gi], a.Checksums()[gi])

	txn.commit()
	a2 := New(a.Layout(), FirstFit, 16)
	suspect, err := a2.Load(d)
	require.NoError(t, err)
	assert.Empty(suspect)
	assert.Equal(uint64(3*128-5), a2.FreeBlockCount())

	txn = newFakeTxn(d)
	require.NoError(t, a2.FreeBlocks(txn, bns[:2]))
	assert.Equal(bns[:2], txn.revoked)
	assert.False(a2.IsBlockAllocated(bns[0]))
	assert.Error(a2.FreeBlocks(txn, bns[:1]), "double free")
}

func TestAbortRestores(t *testing.T) {
	assert := assert.New(t)
	a, d := mkAlloc(t, BestFit)
	sums := a.Checksums()

	txn := newFakeTxn(d)
	bns, err := a.AllocBlocks(txn, 7)
	require.NoError(t, err)
	inum, err := a.AllocInode(txn)
	require.NoError(t, err)
	assert.True(a.IsInodeAllocated(inum))
	txn.abort()

	for _, bn := range bns {
		assert.False(a.IsBlockAllocated(bn))
	}
	assert.False(a.IsInodeAllocated(inum))
	assert.Equal(uint64(3*128), a.FreeBlockCount())
	assert.Equal(sums, a.Checksums())
}

func TestSpreadAcrossGroups(t *testing.T) {
	assert := assert.New(t)
	a, d := mkAlloc(t, FirstFit)
	txn := newFakeTxn(d)
	bns, err := a.AllocBlocks(txn, 200)
	require.NoError(t, err)
	assert.Len(bns, 200)
	assert.Equal(uint64(3*128-200), a.FreeBlockCount())
	total := uint(0)
	for _, g := range a.groups {
		assert.Equal(g.nblocks-uint64(g.blocks.Count()), g.desc.FreeBlocks, "group %d", g.idx)
		total += g.blocks.Count()
	}
	assert.Equal(uint(200), total)

	_, err = a.AllocBlocks(txn, 500)
	assert.Error(err)
	assert.True(common.Retryable(err))
	assert.True(common.Has(err, ErrNoSpace))
}

func TestBusyGroupSkipped(t *testing.T) {
	a, d := mkAlloc(t, FirstFit)
	txn := newFakeTxn(d)
	txn.busy[a.Layout().BlockBitmap(1)] = true
	txn.busy[a.Layout().BlockBitmap(2)] = true
	bns, err := a.AllocBlocks(txn, 3)
	require.NoError(t, err)
	g, _, _ := a.Layout().BlockGroup(bns[0])
	assert.Equal(t, uint64(0), g)
}

func TestVectorAligned(t *testing.T) {
	assert := assert.New(t)
	a, d := mkAlloc(t, VectorAligned)
	txn := newFakeTxn(d)
	first, err := a.AllocBlocks(txn, 3)
	require.NoError(t, err)
	second, err := a.AllocBlocks(txn, 16)
	require.NoError(t, err)
	for _, bns := range [][]common.Bnum{first, second} {
		g, bit, _ := a.Layout().BlockGroup(bns[0])
		start, _ := a.Layout().GroupData(g)
		assert.Equal(uint64(0), bit%16, "runs start on the alignment")
		assert.Equal(start+bit, bns[0])
		for i := range bns {
			assert.Equal(bns[0]+uint64(i), bns[i])
		}
	}
}

func TestCrashBetweenBitmapAndDescriptor(t *testing.T) {
	assert := assert.New(t)
	a, d := mkAlloc(t, FirstFit)
	txn := newFakeTxn(d)
	bns, err := a.AllocBlocks(txn, 4)
	require.NoError(t, err)
	gi, _, _ := a.Layout().BlockGroup(bns[0])

	// only the bitmap reaches the disk
	bm := a.Layout().BlockBitmap(gi)
	require.NoError(t, d.Write(bm, txn.block(bm)))

	a2 := New(a.Layout(), FirstFit, 16)
	suspect, err := a2.Load(d)
	require.NoError(t, err)
	assert.Equal([]uint64{gi}, suspect)
	assert.Equal(uint64(3*128-4), a2.FreeBlockCount(), "free count is rebuilt from the bitmap")
}

func TestReconcile(t *testing.T) {
	assert := assert.New(t)
	a, d := mkAlloc(t, FirstFit)
	txn := newFakeTxn(d)
	bns, err := a.AllocBlocks(txn, 2)
	require.NoError(t, err)
	inum, err := a.AllocInode(txn)
	require.NoError(t, err)
	txn.commit()

	own := NewOwnership()
	own.Blocks[bns[0]] = true
	free := a.Layout().DataEnd - 1
	own.Blocks[free] = true

	txn = newFakeTxn(d)
	orphans, err := a.Reconcile(txn, own)
	require.NoError(t, err)
	assert.ElementsMatch([]Orphan{
		{Num: bns[1], Action: Reclaim},
		{Num: free, Action: Reattach},
		{Inode: true, Num: uint64(inum), Action: Reclaim},
	}, orphans)
	assert.Equal([]common.Bnum{bns[1]}, txn.revoked)
	assert.True(a.IsBlockAllocated(free))
	assert.False(a.IsInodeAllocated(inum))
	assert.True(a.IsInodeAllocated(common.ROOTINUM))

	for _, st := range a.Stats() {
		g := st.Group
		gb := a.groups[g]
		assert.Equal(st.Blocks-uint64(gb.blocks.Count()), st.FreeBlocks)
		assert.Equal(st.Inodes-uint64(gb.inodes.Count()), st.FreeInodes)
	}

	txn = newFakeTxn(d)
	orphans, err = a.Reconcile(txn, own)
	require.NoError(t, err)
	assert.Empty(orphans, "reconciling twice finds nothing")
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{FirstFit, BestFit, VectorAligned} {
		p, err := ParseStrategy(s.String())
		assert.NoError(t, err)
		assert.Equal(t, s, p)
	}
	_, err := ParseStrategy("worst-fit")
	assert.Error(t, err)
}
