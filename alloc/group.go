package alloc

import (
	"sync"

	"github.com/willf/bitset"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/wal"
)

// Group is one allocation group: a run of data blocks and a run of inodes,
// each with its bitmap. The in-memory bitmaps always match the bitmap
// blocks as dirtied in the transaction that holds the group's lock.
type Group struct {
	mu sync.Mutex

	idx       uint64
	dataStart common.Bnum
	nblocks   uint64
	inodeBase common.Inum
	ninodes   uint64

	blocks  *bitset.BitSet
	inodes  *bitset.BitSet
	next    uint64 // first-fit rotor over blocks
	nextIno uint64
	desc    GroupDesc
}

type bitmapKind int

const (
	blockMap bitmapKind = iota
	inodeMap
)

func (k bitmapKind) String() string {
	if k == inodeMap {
		return "inode"
	}
	return "block"
}

func (g *Group) bits(k bitmapKind) (*bitset.BitSet, uint64) {
	if k == inodeMap {
		return g.inodes, g.ninodes
	}
	return g.blocks, g.nblocks
}

func (g *Group) free(k bitmapKind) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if k == inodeMap {
		return g.desc.FreeInodes
	}
	return g.desc.FreeBlocks
}

// encodeBitmap lays out the first n bits of bs as a bitmap block, bit i in
// byte i/8 at position i%8.
func encodeBitmap(bs *bitset.BitSet, n uint64) disk.Block {
	b := make(disk.Block, disk.BlockSize)
	for i, ok := bs.NextSet(0); ok && uint64(i) < n; i, ok = bs.NextSet(i + 1) {
		b[i/8] |= 1 << (i % 8)
	}
	return b
}

func decodeBitmap(b disk.Block, n uint64) *bitset.BitSet {
	bs := bitset.New(uint(n))
	for i := uint64(0); i < n; i++ {
		if b[i/8]&(1<<(i%8)) != 0 {
			bs.Set(uint(i))
		}
	}
	return bs
}

func bitmapByte(bs *bitset.BitSet, n uint64, idx uint64) byte {
	var v byte
	for j := uint64(0); j < 8; j++ {
		bit := idx*8 + j
		if bit < n && bs.Test(uint(bit)) {
			v |= 1 << j
		}
	}
	return v
}

func bitmapSum(bs *bitset.BitSet, n uint64) uint64 {
	return wal.Sum64(encodeBitmap(bs, n))
}

type run struct {
	start uint64
	len   uint64
}

// freeRuns lists the maximal runs of clear bits in [0, n).
func freeRuns(bs *bitset.BitSet, n uint64) []run {
	var runs []run
	i := uint64(0)
	for i < n {
		if bs.Test(uint(i)) {
			i++
			continue
		}
		s := i
		for i < n && !bs.Test(uint(i)) {
			i++
		}
		runs = append(runs, run{start: s, len: i - s})
	}
	return runs
}

// findFreeBits returns up to want clear bits, scanning circularly from
// start.
func findFreeBits(bs *bitset.BitSet, n uint64, start uint64, want uint64) []uint64 {
	var found []uint64
	for i := uint64(0); i < n && uint64(len(found)) < want; i++ {
		bit := (start + i) % n
		if !bs.Test(uint(bit)) {
			found = append(found, bit)
		}
	}
	return found
}

func runBits(r run, want uint64) []uint64 {
	bits := make([]uint64, want)
	for i := range bits {
		bits[i] = r.start + uint64(i)
	}
	return bits
}

// bestFit picks the smallest free run that holds want bits.
func bestFit(bs *bitset.BitSet, n uint64, want uint64) ([]uint64, bool) {
	best := run{}
	for _, r := range freeRuns(bs, n) {
		if r.len >= want && (best.len == 0 || r.len < best.len) {
			best = r
		}
	}
	if best.len == 0 {
		return nil, false
	}
	return runBits(best, want), true
}

// alignedFit picks the first free run of want bits starting on a multiple
// of align.
func alignedFit(bs *bitset.BitSet, n uint64, want uint64, align uint64) ([]uint64, bool) {
	if align == 0 {
		align = 1
	}
	for s := uint64(0); s+want <= n; s += align {
		ok := true
		for i := s; i < s+want; i++ {
			if bs.Test(uint(i)) {
				ok = false
				break
			}
		}
		if ok {
			return runBits(run{start: s, len: want}, want), true
		}
	}
	return nil, false
}

// fragmentation is 1 - largest free run / free bits; zero when all free
// space is contiguous or there is none.
func fragmentation(bs *bitset.BitSet, n uint64) float64 {
	var free, largest uint64
	for _, r := range freeRuns(bs, n) {
		free += r.len
		if r.len > largest {
			largest = r.len
		}
	}
	if free == 0 {
		return 0
	}
	return 1 - float64(largest)/float64(free)
}

// pickBlocks chooses want free block bits according to s. Callers hold
// g.mu.
func (g *Group) pickBlocks(s Strategy, align uint64, want uint64) []uint64 {
	switch s {
	case BestFit:
		if bits, ok := bestFit(g.blocks, g.nblocks, want); ok {
			return bits
		}
	case VectorAligned:
		if bits, ok := alignedFit(g.blocks, g.nblocks, want, align); ok {
			return bits
		}
	}
	return findFreeBits(g.blocks, g.nblocks, g.next, want)
}

func (g *Group) incNext(bits []uint64) {
	if len(bits) > 0 {
		g.next = (bits[len(bits)-1] + 1) % g.nblocks
	}
}
