package disk

import (
	"fmt"

	"github.com/grailbio/base/errors"
	gdisk "github.com/tchajed/goose/machine/disk"
	"golang.org/x/sys/unix"
)

var _ Disk = (*fileDisk)(nil)
var _ ChunkReader = (*fileDisk)(nil)

type fileDisk struct {
	fd        int
	numBlocks uint64
}

func checkAddr(a uint64, size uint64, op string) error {
	if a >= size {
		return errors.E(errors.Invalid, fmt.Sprintf("out-of-bounds %s at %v (size %v)", op, a, size))
	}
	return nil
}

func checkBlock(b Block) error {
	if uint64(len(b)) != BlockSize {
		return errors.E(errors.Invalid, fmt.Sprintf("buffer is not block-sized (%d bytes)", len(b)))
	}
	return nil
}

// NewFileDisk opens (creating if needed) a disk image of numBlocks blocks.
func NewFileDisk(path string, numBlocks uint64) (Disk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, errors.E("open "+path, err)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, errors.E("stat "+path, err)
	}
	if (stat.Mode&unix.S_IFREG) != 0 && uint64(stat.Size) != numBlocks*BlockSize {
		if err := unix.Ftruncate(fd, int64(numBlocks*BlockSize)); err != nil {
			unix.Close(fd)
			return nil, errors.E("truncate "+path, err)
		}
	}
	return &fileDisk{fd, numBlocks}, nil
}

func (d *fileDisk) ReadTo(a uint64, buf Block) error {
	if err := checkBlock(buf); err != nil {
		return err
	}
	if err := checkAddr(a, d.numBlocks, "read"); err != nil {
		return err
	}
	_, err := unix.Pread(d.fd, buf, int64(a*BlockSize))
	if err != nil {
		return errors.E(errors.Unavailable, fmt.Sprintf("read %v", a), err)
	}
	return nil
}

func (d *fileDisk) Read(a uint64) (Block, error) {
	buf := make([]byte, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *fileDisk) Write(a uint64, v Block) error {
	if err := checkBlock(v); err != nil {
		return err
	}
	if err := checkAddr(a, d.numBlocks, "write"); err != nil {
		return err
	}
	_, err := unix.Pwrite(d.fd, v, int64(a*BlockSize))
	if err != nil {
		return errors.E(errors.Unavailable, fmt.Sprintf("write %v", a), err)
	}
	return nil
}

func (d *fileDisk) Size() (uint64, error) {
	return d.numBlocks, nil
}

func (d *fileDisk) Barrier() error {
	// NOTE: on macOS, this flushes to the drive but doesn't actually issue a
	// disk barrier; see https://golang.org/src/internal/poll/fd_fsync_darwin.go
	// for more details. The correct replacement is to issue a fcntl syscall with
	// cmd F_FULLFSYNC.
	if err := unix.Fsync(d.fd); err != nil {
		return errors.E(errors.Unavailable, "fsync", err)
	}
	return nil
}

func (d *fileDisk) Close() error {
	return unix.Close(d.fd)
}

// ReadChunk maps the run read-only instead of issuing one pread per block.
func (d *fileDisk) ReadChunk(start uint64, n uint64, fn func(i uint64, b Block) error) error {
	if n == 0 {
		return nil
	}
	if err := checkAddr(start+n-1, d.numBlocks, "map"); err != nil {
		return err
	}
	// the mapping offset must be page aligned
	off := start * BlockSize
	skew := off % uint64(unix.Getpagesize())
	m, err := unix.Mmap(d.fd, int64(off-skew), int(n*BlockSize+skew), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return errors.E(errors.Unavailable, fmt.Sprintf("mmap %v+%v", start, n), err)
	}
	defer unix.Munmap(m)
	for i := uint64(0); i < n; i++ {
		if err := fn(i, m[skew+i*BlockSize:skew+(i+1)*BlockSize]); err != nil {
			return err
		}
	}
	return nil
}

var _ Disk = (*memDisk)(nil)

// memDisk adds bounds checks and error returns to goose's in-memory disk.
type memDisk struct {
	d    gdisk.MemDisk
	size uint64
}

func NewMemDisk(numBlocks uint64) Disk {
	return &memDisk{d: gdisk.NewMemDisk(numBlocks), size: numBlocks}
}

func (d *memDisk) ReadTo(a uint64, buf Block) error {
	if err := checkBlock(buf); err != nil {
		return err
	}
	if err := checkAddr(a, d.size, "read"); err != nil {
		return err
	}
	d.d.ReadTo(a, buf)
	return nil
}

func (d *memDisk) Read(a uint64) (Block, error) {
	buf := make(Block, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *memDisk) Write(a uint64, v Block) error {
	if err := checkBlock(v); err != nil {
		return err
	}
	if err := checkAddr(a, d.size, "write"); err != nil {
		return err
	}
	d.d.Write(a, v)
	return nil
}

func (d *memDisk) Size() (uint64, error) {
	return d.size, nil
}

func (d *memDisk) Barrier() error { return nil }

func (d *memDisk) Close() error { return nil }
