// Package meta journals inode, directory-entry and bitmap changes.
//
// Records are fixed-size and carry their own checksum. Each Journal* call
// writes a record into its home slot through the caller's transaction, so
// the change commits or rolls back with everything else the transaction
// did. Directory entries live in a hash table with linear probing keyed by
// (parent, name); deleted slots become tombstones so collision chains stay
// intact.
package meta

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-fsjournal/addr"
	"github.com/mit-pdos/go-fsjournal/alloc"
	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/layout"
	"github.com/mit-pdos/go-fsjournal/util"
	"github.com/mit-pdos/go-fsjournal/wal"
)

var (
	ErrBadInum  = errors.E(errors.Invalid, "inode number out of range")
	ErrNotFound = errors.E(errors.NotExist, "no such entry")
	ErrExists   = errors.E(errors.Exists, "entry exists")
	ErrDirFull  = errors.E(errors.Unavailable, errors.Retriable, "directory table full")
)

// Txn is the transaction interface the journal writes through.
type Txn interface {
	alloc.Txn
	// ReadAccess applies the transaction's isolation level to a read of
	// bn without reading it.
	ReadAccess(bn common.Bnum) error
	// Read returns bn as this transaction sees it.
	Read(bn common.Bnum) (disk.Block, error)
	// Dirtied reports whether this transaction has written bn.
	Dirtied(bn common.Bnum) bool
}

type Journal struct {
	l     *layout.Layout
	alloc *alloc.Allocator
	cache *recordCache
}

func New(l *layout.Layout, a *alloc.Allocator, cacheEntries int) *Journal {
	return &Journal{l: l, alloc: a, cache: newRecordCache(cacheEntries)}
}

func (j *Journal) Alloc() *alloc.Allocator { return j.alloc }

func (j *Journal) CacheStats() CacheStats { return j.cache.stats() }

// Format zeroes the inode and dentry tables and writes the root directory.
func (j *Journal) Format(d disk.Disk) error {
	zero := make(disk.Block, disk.BlockSize)
	for i := uint64(0); i < j.l.TableBlocks; i++ {
		if err := d.Write(j.l.InodeStart+i, zero); err != nil {
			return err
		}
		if err := d.Write(j.l.DentryStart+i, zero); err != nil {
			return err
		}
	}
	root := &Inode{Inum: common.ROOTINUM, Type: TypeDir, Nlink: 2, Gen: 1, Parent: common.ROOTINUM}
	a := j.l.Inode(common.ROOTINUM)
	blk := make(disk.Block, disk.BlockSize)
	copy(blk[a.Off:], root.Encode())
	return d.Write(a.Blkno, blk)
}

func (j *Journal) readRecord(txn Txn, a addr.Addr, size uint64) ([]byte, error) {
	key := a.Flatid()
	dirty := txn.Dirtied(a.Blkno)
	if err := txn.ReadAccess(a.Blkno); err != nil {
		return nil, err
	}
	var gen uint64
	if !dirty {
		rec, g, ok := j.cache.get(key)
		if ok {
			return rec, nil
		}
		gen = g
	}
	blk, err := txn.Read(a.Blkno)
	if err != nil {
		return nil, err
	}
	rec := util.CloneByteSlice(blk[a.Off : a.Off+size])
	if !dirty {
		j.cache.put(key, rec, gen)
	}
	return rec, nil
}

func (j *Journal) writeRecord(txn Txn, a addr.Addr, rec []byte) error {
	if err := txn.GetWriteAccess(a.Blkno); err != nil {
		return err
	}
	key := a.Flatid()
	j.cache.invalidate(key)
	txn.Record(common.RestoreFunc(func() { j.cache.invalidate(key) }))
	return txn.Dirty(a.Blkno, a.Off, rec)
}

func (j *Journal) checkInum(inum common.Inum) error {
	if inum == common.NULLINUM || uint64(inum) >= j.l.NInodes() {
		return errors.E(ErrBadInum, fmt.Sprintf("inode %d", inum))
	}
	return nil
}

func (j *Journal) ReadInode(txn Txn, inum common.Inum) (*Inode, error) {
	if err := j.checkInum(inum); err != nil {
		return nil, err
	}
	rec, err := j.readRecord(txn, j.l.Inode(inum), common.INODESZ)
	if err != nil {
		return nil, err
	}
	return DecodeInode(inum, rec)
}

// JournalInodeCreate allocates an inode and writes a fresh record of type
// typ with one link (two for directories). Only directories record parent.
func (j *Journal) JournalInodeCreate(txn Txn, typ IType, parent common.Inum, mtime uint64) (*Inode, error) {
	inum, err := j.alloc.AllocInode(txn)
	if err != nil {
		return nil, err
	}
	old, err := j.ReadInode(txn, inum)
	if err != nil {
		return nil, err
	}
	ip := &Inode{Inum: inum, Type: typ, Nlink: 1, Gen: old.Gen + 1, Mtime: mtime}
	if typ == TypeDir {
		ip.Nlink = 2
		ip.Parent = parent
	}
	if err := j.writeRecord(txn, j.l.Inode(inum), ip.Encode()); err != nil {
		return nil, err
	}
	util.DPrintf(5, "meta: create %v\n", ip)
	return ip, nil
}

func (j *Journal) JournalInodeUpdate(txn Txn, ip *Inode) error {
	if err := j.checkInum(ip.Inum); err != nil {
		return err
	}
	return j.writeRecord(txn, j.l.Inode(ip.Inum), ip.Encode())
}

// JournalInodeDelete frees inum and its blocks and writes a free record
// that keeps the generation.
func (j *Journal) JournalInodeDelete(txn Txn, inum common.Inum) error {
	ip, err := j.ReadInode(txn, inum)
	if err != nil {
		return err
	}
	if bns := ip.Blocks(); len(bns) > 0 {
		if err := j.alloc.FreeBlocks(txn, bns); err != nil {
			return err
		}
	}
	if err := j.alloc.FreeInode(txn, inum); err != nil {
		return err
	}
	free := &Inode{Inum: inum, Type: TypeFree, Gen: ip.Gen}
	util.DPrintf(5, "meta: delete %v\n", ip)
	return j.writeRecord(txn, j.l.Inode(inum), free.Encode())
}

func (j *Journal) JournalBitmapAlloc(txn Txn, n uint64) ([]common.Bnum, error) {
	return j.alloc.AllocBlocks(txn, n)
}

func (j *Journal) JournalBitmapFree(txn Txn, bns []common.Bnum) error {
	return j.alloc.FreeBlocks(txn, bns)
}

func (j *Journal) dentryHash(parent common.Inum, name string) uint64 {
	enc := marshal.NewEnc(8)
	enc.PutInt(uint64(parent))
	return wal.Sum64(append(enc.Finish(), name...)) % j.l.NDentries()
}

func (j *Journal) readSlot(txn Txn, slot uint64) (*dentrySlot, error) {
	rec, err := j.readRecord(txn, j.l.Dentry(slot), common.DENTRYSZ)
	if err != nil {
		return nil, err
	}
	return decodeDentry(slot, rec)
}

// findSlot walks the chain for (parent, name). It returns the slot holding the
// entry, if any, and the first slot a new entry could take.
func (j *Journal) findSlot(txn Txn, parent common.Inum, name string) (found int64, free int64, err error) {
	found, free = -1, -1
	n := j.l.NDentries()
	h := j.dentryHash(parent, name)
	for i := uint64(0); i < n; i++ {
		slot := (h + i) % n
		s, err := j.readSlot(txn, slot)
		if err != nil {
			return -1, -1, err
		}
		switch s.state {
		case slotEmpty:
			if free < 0 {
				free = int64(slot)
			}
			return found, free, nil
		case slotDeleted:
			if free < 0 {
				free = int64(slot)
			}
		case slotUsed:
			if s.d.Parent == parent && s.d.Name == name {
				return int64(slot), free, nil
			}
		}
	}
	return found, free, nil
}

func (j *Journal) LookupDentry(txn Txn, parent common.Inum, name string) (*Dentry, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	found, _, err := j.findSlot(txn, parent, name)
	if err != nil {
		return nil, err
	}
	if found < 0 {
		return nil, errors.E(ErrNotFound, name)
	}
	s, err := j.readSlot(txn, uint64(found))
	if err != nil {
		return nil, err
	}
	return &s.d, nil
}

func (j *Journal) JournalDentryCreate(txn Txn, parent common.Inum, name string, inum common.Inum) error {
	if err := checkName(name); err != nil {
		return err
	}
	found, free, err := j.findSlot(txn, parent, name)
	if err != nil {
		return err
	}
	if found >= 0 {
		return errors.E(ErrExists, name)
	}
	if free < 0 {
		return ErrDirFull
	}
	d := &Dentry{Parent: parent, Name: name, Inum: inum}
	return j.writeRecord(txn, j.l.Dentry(uint64(free)), encodeDentry(slotUsed, d))
}

// JournalDentryDelete removes (parent, name) and returns the inode it named.
func (j *Journal) JournalDentryDelete(txn Txn, parent common.Inum, name string) (common.Inum, error) {
	if err := checkName(name); err != nil {
		return common.NULLINUM, err
	}
	found, _, err := j.findSlot(txn, parent, name)
	if err != nil {
		return common.NULLINUM, err
	}
	if found < 0 {
		return common.NULLINUM, errors.E(ErrNotFound, name)
	}
	s, err := j.readSlot(txn, uint64(found))
	if err != nil {
		return common.NULLINUM, err
	}
	if err := j.writeRecord(txn, j.l.Dentry(uint64(found)), encodeDentry(slotDeleted, &s.d)); err != nil {
		return common.NULLINUM, err
	}
	return s.d.Inum, nil
}

// JournalDentryRename moves (oldParent, oldName) to (newParent, newName).
// An existing target entry is replaced; its inode is returned so the caller
// can drop the link.
func (j *Journal) JournalDentryRename(txn Txn, oldParent common.Inum, oldName string,
	newParent common.Inum, newName string) (moved common.Inum, replaced common.Inum, err error) {
	if err := checkName(newName); err != nil {
		return common.NULLINUM, common.NULLINUM, err
	}
	moved, err = j.JournalDentryDelete(txn, oldParent, oldName)
	if err != nil {
		return common.NULLINUM, common.NULLINUM, err
	}
	found, free, err := j.findSlot(txn, newParent, newName)
	if err != nil {
		return common.NULLINUM, common.NULLINUM, err
	}
	slot := free
	if found >= 0 {
		s, err := j.readSlot(txn, uint64(found))
		if err != nil {
			return common.NULLINUM, common.NULLINUM, err
		}
		replaced = s.d.Inum
		slot = found
	}
	if slot < 0 {
		return common.NULLINUM, common.NULLINUM, ErrDirFull
	}
	d := &Dentry{Parent: newParent, Name: newName, Inum: moved}
	if err := j.writeRecord(txn, j.l.Dentry(uint64(slot)), encodeDentry(slotUsed, d)); err != nil {
		return common.NULLINUM, common.NULLINUM, err
	}
	return moved, replaced, nil
}
