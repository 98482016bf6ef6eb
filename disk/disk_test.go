package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkBlock(b byte) Block {
	blk := make(Block, BlockSize)
	for i := range blk {
		blk[i] = b
	}
	return blk
}

func testDiskBasics(t *testing.T, d Disk) {
	assert := assert.New(t)
	sz, err := d.Size()
	require.NoError(t, err)
	assert.Equal(uint64(16), sz)

	require.NoError(t, d.Write(3, mkBlock(7)))
	b, err := d.Read(3)
	require.NoError(t, err)
	assert.Equal(mkBlock(7), b)

	assert.Error(d.Write(16, mkBlock(1)), "out of bounds write")
	_, err = d.Read(99)
	assert.Error(err, "out of bounds read")
	assert.Error(d.Write(0, make(Block, 10)), "short block")
	assert.NoError(d.Barrier())
}

func TestMemDisk(t *testing.T) {
	testDiskBasics(t, NewMemDisk(16))
}

func TestFileDisk(t *testing.T) {
	d, err := NewFileDisk(filepath.Join(t.TempDir(), "disk.img"), 16)
	require.NoError(t, err)
	defer d.Close()
	testDiskBasics(t, d)

	var seen []byte
	err = ReadChunk(d, 2, 3, func(i uint64, b Block) error {
		seen = append(seen, b[0])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 7, 0}, seen)
}

func TestReadChunkFallback(t *testing.T) {
	d := NewMemDisk(8)
	for i := uint64(0); i < 8; i++ {
		require.NoError(t, d.Write(i, mkBlock(byte(i))))
	}
	var sum int
	require.NoError(t, ReadChunk(d, 4, 4, func(i uint64, b Block) error {
		sum += int(b[0])
		return nil
	}))
	assert.Equal(t, 4+5+6+7, sum)
}

func TestFaultDiskCrashDropsUnflushed(t *testing.T) {
	assert := assert.New(t)
	f := NewFaultDisk(NewMemDisk(8))
	require.NoError(t, f.Write(1, mkBlock(1)))
	require.NoError(t, f.Barrier())
	require.NoError(t, f.Write(2, mkBlock(2)))

	b, err := f.Read(2)
	require.NoError(t, err)
	assert.Equal(mkBlock(2), b, "unflushed write visible before crash")

	f.Crash()
	assert.Equal(ErrInjected, f.Write(3, mkBlock(3)))

	d := f.Durable()
	b, _ = d.Read(1)
	assert.Equal(mkBlock(1), b)
	b, _ = d.Read(2)
	assert.Equal(mkBlock(0), b, "unflushed write lost")
}

func TestFaultDiskFailAfter(t *testing.T) {
	f := NewFaultDisk(NewMemDisk(8))
	f.FailAfter(2)
	assert.NoError(t, f.Write(0, mkBlock(1)))
	assert.NoError(t, f.Write(1, mkBlock(1)))
	assert.Equal(t, ErrInjected, f.Write(2, mkBlock(1)))
	assert.Equal(t, ErrInjected, f.Barrier())
	assert.Equal(t, uint64(2), f.Writes())
}

func TestCorruptByte(t *testing.T) {
	d := NewMemDisk(4)
	require.NoError(t, d.Write(1, mkBlock(0x0f)))
	require.NoError(t, CorruptByte(d, 1, 10))
	b, _ := d.Read(1)
	assert.Equal(t, byte(0xf0), b[10])
	assert.Equal(t, byte(0x0f), b[11])
}
