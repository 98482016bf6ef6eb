// shardmap is a sharded map from block number to block contents. The
// transaction manager keeps committed blocks that are not yet installed at
// their home location here.
package shardmap

import (
	"sort"
	"sync"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/util"
	"github.com/mit-pdos/go-fsjournal/wal"
)

type mapShard struct {
	mu    *sync.RWMutex
	state map[common.Bnum]disk.Block
}

type BlockMap struct {
	shards []*mapShard
}

const NSHARD uint64 = 257

func mkMapShard() *mapShard {
	state := make(map[common.Bnum]disk.Block)
	mu := new(sync.RWMutex)
	a := &mapShard{
		mu:    mu,
		state: state,
	}
	return a
}

func MkBlockMap() *BlockMap {
	var shards []*mapShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkMapShard())
	}
	a := &BlockMap{
		shards: shards,
	}
	return a
}

func (bmap *BlockMap) GetShardNo(addr common.Bnum) uint64 {
	return addr % NSHARD
}

func (bmap *BlockMap) GetShard(addr common.Bnum) *mapShard {
	shard := bmap.shards[bmap.GetShardNo(addr)]
	return shard
}

// Read returns a copy of the block at addr.
func (bmap *BlockMap) Read(addr common.Bnum) (disk.Block, bool) {
	shard := bmap.GetShard(addr)
	shard.mu.RLock()
	blk0, ok := shard.state[addr]
	var blk disk.Block
	if ok {
		blk = util.CloneByteSlice(blk0)
	}
	shard.mu.RUnlock()
	return blk, ok
}

// Write takes ownership of blk.
func (bmap *BlockMap) Write(addr common.Bnum, blk disk.Block) {
	shard := bmap.GetShard(addr)
	shard.mu.Lock()
	shard.state[addr] = blk
	shard.mu.Unlock()
}

// Delete removes addr if it still maps to blk, so an install does not drop
// a newer commit of the same block.
func (bmap *BlockMap) Delete(addr common.Bnum, blk disk.Block) bool {
	shard := bmap.GetShard(addr)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	cur, ok := shard.state[addr]
	if !ok || (blk != nil && &cur[0] != &blk[0]) {
		return false
	}
	delete(shard.state, addr)
	return true
}

// MultiWrite installs all of bufs atomically with respect to readers,
// locking shards in ascending order.
func (bmap *BlockMap) MultiWrite(bufs []wal.Update) {
	if len(bufs) == 0 {
		return
	}
	shardnos := make([]uint64, 0, len(bufs))
	for _, b := range bufs {
		shardnos = append(shardnos, bmap.GetShardNo(b.Addr))
	}
	shardnos = util.SortedUniq(shardnos)

	for _, shardno := range shardnos {
		bmap.shards[shardno].mu.Lock()
	}
	for _, buf := range bufs {
		shard := bmap.GetShard(buf.Addr)
		shard.state[buf.Addr] = buf.Block
	}
	for _, shardno := range shardnos {
		bmap.shards[shardno].mu.Unlock()
	}
}

// Snapshot returns every entry, sorted by address. Blocks are shared, not
// copied; writers replace blocks rather than mutating them.
func (bmap *BlockMap) Snapshot() []wal.Update {
	var ups []wal.Update
	for _, shard := range bmap.shards {
		shard.mu.RLock()
		for a, b := range shard.state {
			ups = append(ups, wal.MkBlockData(a, b))
		}
		shard.mu.RUnlock()
	}
	sortUpdates(ups)
	return ups
}

func (bmap *BlockMap) Len() int {
	n := 0
	for _, shard := range bmap.shards {
		shard.mu.RLock()
		n += len(shard.state)
		shard.mu.RUnlock()
	}
	return n
}

func sortUpdates(ups []wal.Update) {
	sort.Slice(ups, func(i, j int) bool { return ups[i].Addr < ups[j].Addr })
}
