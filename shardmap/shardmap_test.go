package shardmap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/wal"
)

func mkBlock(b byte) disk.Block {
	blk := make(disk.Block, disk.BlockSize)
	blk[0] = b
	return blk
}

func TestReadCopies(t *testing.T) {
	assert := assert.New(t)
	m := MkBlockMap()
	m.Write(3, mkBlock(1))
	b, ok := m.Read(3)
	assert.True(ok)
	b[0] = 9
	b2, _ := m.Read(3)
	assert.Equal(byte(1), b2[0], "readers get a copy")
	_, ok = m.Read(4)
	assert.False(ok)
}

func TestDeleteOnlyCurrent(t *testing.T) {
	assert := assert.New(t)
	m := MkBlockMap()
	old := mkBlock(1)
	m.Write(8, old)
	m.Write(8, mkBlock(2))
	assert.False(m.Delete(8, old), "a newer block is kept")
	assert.Equal(1, m.Len())
	cur, _ := m.Read(8)
	assert.Equal(byte(2), cur[0])
	assert.True(m.Delete(8, nil))
	assert.Equal(0, m.Len())
}

func TestMultiWriteSnapshot(t *testing.T) {
	assert := assert.New(t)
	m := MkBlockMap()
	m.MultiWrite([]wal.Update{
		wal.MkBlockData(NSHARD+1, mkBlock(2)),
		wal.MkBlockData(1, mkBlock(1)),
		wal.MkBlockData(5, mkBlock(5)),
	})
	snap := m.Snapshot()
	assert.Len(snap, 3)
	assert.Equal(uint64(1), snap[0].Addr)
	assert.Equal(uint64(5), snap[1].Addr)
	assert.Equal(NSHARD+1, snap[2].Addr)
}
