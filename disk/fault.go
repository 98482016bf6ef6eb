package disk

import (
	"sync"

	"github.com/grailbio/base/errors"
)

// ErrInjected is returned by FaultDisk once an injected failure fires.
var ErrInjected = errors.E(errors.Unavailable, "injected disk failure")

// FaultDisk models a disk with a volatile write cache for crash testing:
// writes become durable only at Barrier, and Crash throws away whatever has
// not reached the backing disk.
type FaultDisk struct {
	mu        sync.Mutex
	d         Disk
	pending   map[uint64]Block
	failAfter int // writes left before failing; negative disables
	crashed   bool
	writes    uint64
}

var _ Disk = (*FaultDisk)(nil)

func NewFaultDisk(d Disk) *FaultDisk {
	return &FaultDisk{d: d, pending: make(map[uint64]Block), failAfter: -1}
}

// FailAfter makes the (n+1)-th write from now fail and crash the disk.
func (f *FaultDisk) FailAfter(n int) {
	f.mu.Lock()
	f.failAfter = n
	f.mu.Unlock()
}

// Crash drops unflushed writes; every later operation fails.
func (f *FaultDisk) Crash() {
	f.mu.Lock()
	f.crashed = true
	f.pending = make(map[uint64]Block)
	f.mu.Unlock()
}

// Durable returns the backing disk, which holds exactly the flushed state.
func (f *FaultDisk) Durable() Disk {
	return f.d
}

func (f *FaultDisk) Writes() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// Corrupt flips one byte of block a on the backing disk.
func (f *FaultDisk) Corrupt(a uint64, off uint64) error {
	return CorruptByte(f.d, a, off)
}

// CorruptByte flips one byte of block a.
func CorruptByte(d Disk, a uint64, off uint64) error {
	b, err := d.Read(a)
	if err != nil {
		return err
	}
	b[off] ^= 0xff
	return d.Write(a, b)
}

func (f *FaultDisk) ReadTo(a uint64, b Block) error {
	f.mu.Lock()
	if f.crashed {
		f.mu.Unlock()
		return ErrInjected
	}
	if p, ok := f.pending[a]; ok {
		copy(b, p)
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	return f.d.ReadTo(a, b)
}

func (f *FaultDisk) Read(a uint64) (Block, error) {
	b := make(Block, BlockSize)
	err := f.ReadTo(a, b)
	return b, err
}

func (f *FaultDisk) Write(a uint64, v Block) error {
	if err := checkBlock(v); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.crashed {
		return ErrInjected
	}
	if f.failAfter == 0 {
		f.crashed = true
		f.pending = make(map[uint64]Block)
		return ErrInjected
	}
	if f.failAfter > 0 {
		f.failAfter--
	}
	size, _ := f.d.Size()
	if err := checkAddr(a, size, "write"); err != nil {
		return err
	}
	b := make(Block, BlockSize)
	copy(b, v)
	f.pending[a] = b
	f.writes++
	return nil
}

func (f *FaultDisk) Size() (uint64, error) {
	return f.d.Size()
}

func (f *FaultDisk) Barrier() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.crashed {
		return ErrInjected
	}
	for a, b := range f.pending {
		if err := f.d.Write(a, b); err != nil {
			return err
		}
	}
	f.pending = make(map[uint64]Block)
	return f.d.Barrier()
}

func (f *FaultDisk) Close() error {
	return f.d.Close()
}
