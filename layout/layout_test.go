package layout

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/wal"
)

func TestDefaultGeometry(t *testing.T) {
	assert := assert.New(t)
	l, err := Compute(16384, 1024, 4096)
	require.NoError(t, err)
	assert.Equal(uint64(4), l.NGroups)
	assert.Equal(uint64(1024), l.InodesPerGroup)
	assert.Equal(common.Bnum(1024), l.GDTStart)
	assert.Equal(uint64(4), l.GDTBlocks)
	assert.Equal(common.Bnum(1292), l.DataStart)
	assert.Equal(common.Bnum(16384), l.DataEnd, "partial last group uses the tail of the disk")

	start, n := l.GroupData(3)
	assert.Equal(l.DataStart+3*4096, start)
	assert.Equal(uint64(2804), n)
}

func TestSmallGeometry(t *testing.T) {
	assert := assert.New(t)
	l, err := Compute(512, 64, 128)
	require.NoError(t, err)
	assert.Equal(uint64(3), l.NGroups)
	assert.Equal(uint64(32), l.InodesPerGroup)
	assert.Equal(common.Bnum(79), l.DataStart)
	assert.Equal(common.Bnum(79+3*128), l.DataEnd)
	assert.Equal(uint64(96), l.NInodes())
	assert.Equal(l.TableBlocks*common.DENTRYBLK, l.NDentries())

	g, bit, ok := l.BlockGroup(l.DataStart + 130)
	assert.True(ok)
	assert.Equal(uint64(1), g)
	assert.Equal(uint64(2), bit)
	_, _, ok = l.BlockGroup(l.DataStart - 1)
	assert.False(ok)

	g, bit, ok = l.InodeGroup(33)
	assert.True(ok)
	assert.Equal(uint64(1), g)
	assert.Equal(uint64(1), bit)

	assert.Equal(common.KindMeta, l.Kind(l.InodeStart))
	assert.Equal(common.KindData, l.Kind(l.DataStart))
	assert.Equal(l.BitmapStart+3, l.InodeBitmap(1))
	assert.Equal(l.GDTStart+2, l.GroupDesc(2).Blkno)
	assert.Equal(l.InodeStart+1, l.Inode(common.Inum(common.INODEBLK)).Blkno)
}

func TestTooSmall(t *testing.T) {
	_, err := Compute(100, 90, 64)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestCheckLog(t *testing.T) {
	l, err := Compute(512, 64, 128)
	require.NoError(t, err)
	assert.NoError(t, l.CheckLog(wal.Geometry{Start: 0, NBlocks: 64}))
	assert.Error(t, l.CheckLog(wal.Geometry{Start: 0, NBlocks: 32}))
}
