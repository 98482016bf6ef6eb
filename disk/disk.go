package disk

import (
	gdisk "github.com/tchajed/goose/machine/disk"
)

// Block is a 4096-byte buffer
type Block = []byte

const BlockSize uint64 = gdisk.BlockSize

// Disk provides access to a logical block-based disk
type Disk interface {
	// Read reads a disk block by address
	//
	// Expects a < Size().
	Read(a uint64) (Block, error)

	// ReadTo reads the disk block at a and stores the result in b
	//
	// Expects a < Size().
	ReadTo(a uint64, b Block) error

	// Write updates a disk block by address
	//
	// Expects a < Size().
	Write(a uint64, v Block) error

	// Size reports how big the disk is, in blocks
	Size() (uint64, error)

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably on
	// disk
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}

// ChunkReader is implemented by disks that can expose a run of blocks
// without a read per block. fn must not retain b after it returns.
type ChunkReader interface {
	ReadChunk(start uint64, n uint64, fn func(i uint64, b Block) error) error
}

// ReadChunk visits blocks [start, start+n) of d, through ChunkReader when d
// supports it.
func ReadChunk(d Disk, start uint64, n uint64, fn func(i uint64, b Block) error) error {
	if cr, ok := d.(ChunkReader); ok {
		return cr.ReadChunk(start, n, fn)
	}
	b := make(Block, BlockSize)
	for i := uint64(0); i < n; i++ {
		if err := d.ReadTo(start+i, b); err != nil {
			return err
		}
		if err := fn(i, b); err != nil {
			return err
		}
	}
	return nil
}
