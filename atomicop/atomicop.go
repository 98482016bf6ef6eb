// Package atomicop implements filesystem operations as transaction-scoped
// units.
//
// Every operation runs in a transaction nested inside the caller's, so an
// operation that fails halfway leaves no trace while the caller's earlier
// operations stand. Aborting the caller's transaction undoes every
// operation performed under it; committing it makes them durable together.
package atomicop

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/meta"
	"github.com/mit-pdos/go-fsjournal/txn"
	"github.com/mit-pdos/go-fsjournal/util"
)

// MaxFileSize is the largest file the direct blocks can address.
const MaxFileSize = common.NDIRECT * disk.BlockSize

var (
	ErrNotDir    = errors.E(errors.Invalid, "not a directory")
	ErrIsDir     = errors.E(errors.Invalid, "is a directory")
	ErrNotEmpty  = errors.E(errors.Precondition, "directory not empty")
	ErrFileSize  = errors.E(errors.Invalid, "file too large")
	ErrBadTarget = errors.E(errors.Invalid, "bad symlink target")
	ErrStale     = errors.E(errors.NotExist, "inode is not live")
)

// Result is what an operation hands back to the VFS layer: the inode it
// created or changed and, where one is involved, the directory entry.
type Result struct {
	Inode  *meta.Inode
	Dentry *meta.Dentry
}

type Ops struct {
	m   *txn.Manager
	j   *meta.Journal
	now func() uint64
}

func New(m *txn.Manager, j *meta.Journal) *Ops {
	return &Ops{m: m, j: j, now: func() uint64 { return uint64(time.Now().UnixNano()) }}
}

func (o *Ops) Journal() *meta.Journal { return o.j }

// run executes fn in a transaction nested in t.
func (o *Ops) run(t *txn.Txn, op common.OpType, fn func(c *txn.Txn) error) error {
	c, err := o.m.BeginNested(t, op)
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		if aerr := o.m.Abort(c); aerr != nil {
			util.DPrintf(1, "atomicop: abort %v: %v\n", c, aerr)
		}
		return err
	}
	return o.m.Commit(c)
}

// Do runs fn in a transaction of its own and commits it. Retryable
// failures (a full log, lock conflicts, too many transactions) abort the
// attempt and try again under policy; nil selects a short backoff.
func (o *Ops) Do(ctx context.Context, op common.OpType, policy retry.Policy, fn func(t *txn.Txn) error) error {
	if policy == nil {
		policy = retry.MaxTries(retry.Backoff(time.Millisecond, 100*time.Millisecond, 2), 5)
	}
	for try := 0; ; try++ {
		err := o.attempt(ctx, op, fn)
		if err == nil || !common.Retryable(err) {
			return err
		}
		util.DPrintf(2, "atomicop: %v attempt %d: %v\n", op, try, err)
		if werr := retry.Wait(ctx, policy, try+1); werr != nil {
			return errors.E(err, werr.Error())
		}
	}
}

func (o *Ops) attempt(ctx context.Context, op common.OpType, fn func(t *txn.Txn) error) error {
	t, err := o.m.Begin(ctx, 0, op, txn.FlagWait)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		if t.State() == txn.Running {
			o.m.Abort(t)
		}
		return err
	}
	return o.m.Commit(t)
}

func (o *Ops) dir(t *txn.Txn, inum common.Inum) (*meta.Inode, error) {
	ip, err := o.j.ReadInode(t, inum)
	if err != nil {
		return nil, err
	}
	if !ip.Live() {
		return nil, errors.E(ErrStale, fmt.Sprintf("inode %d", inum))
	}
	if ip.Type != meta.TypeDir {
		return nil, errors.E(ErrNotDir, fmt.Sprintf("inode %d", inum))
	}
	return ip, nil
}

func (o *Ops) file(t *txn.Txn, inum common.Inum) (*meta.Inode, error) {
	ip, err := o.j.ReadInode(t, inum)
	if err != nil {
		return nil, err
	}
	if !ip.Live() {
		return nil, errors.E(ErrStale, fmt.Sprintf("inode %d", inum))
	}
	if ip.Type == meta.TypeDir {
		return nil, errors.E(ErrIsDir, fmt.Sprintf("inode %d", inum))
	}
	return ip, nil
}

// link creates a typ inode named name in parent.
func (o *Ops) link(c *txn.Txn, parent common.Inum, name string, typ meta.IType) (*Result, error) {
	dp, err := o.dir(c, parent)
	if err != nil {
		return nil, err
	}
	if _, err := o.j.LookupDentry(c, parent, name); err == nil {
		return nil, errors.E(meta.ErrExists, name)
	} else if !errors.Is(errors.NotExist, err) {
		return nil, err
	}
	now := o.now()
	ip, err := o.j.JournalInodeCreate(c, typ, parent, now)
	if err != nil {
		return nil, err
	}
	if err := o.j.JournalDentryCreate(c, parent, name, ip.Inum); err != nil {
		return nil, err
	}
	dp.Size++
	if typ == meta.TypeDir {
		dp.Nlink++
	}
	dp.Mtime = now
	if err := o.j.JournalInodeUpdate(c, dp); err != nil {
		return nil, err
	}
	c.Touch(uint64(parent), uint64(ip.Inum))
	return &Result{Inode: ip, Dentry: &meta.Dentry{Parent: parent, Name: name, Inum: ip.Inum}}, nil
}

func (o *Ops) Create(t *txn.Txn, parent common.Inum, name string) (*Result, error) {
	var res *Result
	err := o.run(t, common.OpCreate, func(c *txn.Txn) error {
		var err error
		res, err = o.link(c, parent, name, meta.TypeFile)
		return err
	})
	return res, err
}

func (o *Ops) Mkdir(t *txn.Txn, parent common.Inum, name string) (*Result, error) {
	var res *Result
	err := o.run(t, common.OpMkdir, func(c *txn.Txn) error {
		var err error
		res, err = o.link(c, parent, name, meta.TypeDir)
		return err
	})
	return res, err
}

// Symlink creates name in parent pointing at target, which is kept in the
// link's single data block.
func (o *Ops) Symlink(t *txn.Txn, parent common.Inum, name string, target string) (*Result, error) {
	if len(target) == 0 || uint64(len(target)) > disk.BlockSize {
		return nil, errors.E(ErrBadTarget, fmt.Sprintf("%d bytes", len(target)))
	}
	var res *Result
	err := o.run(t, common.OpSymlink, func(c *txn.Txn) error {
		var err error
		res, err = o.link(c, parent, name, meta.TypeSymlink)
		if err != nil {
			return err
		}
		ip := res.Inode
		bns, err := o.j.JournalBitmapAlloc(c, 1)
		if err != nil {
			return err
		}
		blk := make(disk.Block, disk.BlockSize)
		copy(blk, target)
		if err := c.Write(bns[0], blk); err != nil {
			return err
		}
		ip.Direct[0] = bns[0]
		ip.Size = uint64(len(target))
		return o.j.JournalInodeUpdate(c, ip)
	})
	return res, err
}

func (o *Ops) Readlink(t *txn.Txn, inum common.Inum) (string, error) {
	ip, err := o.j.ReadInode(t, inum)
	if err != nil {
		return "", err
	}
	if ip.Type != meta.TypeSymlink || !ip.Live() {
		return "", errors.E(errors.Invalid, fmt.Sprintf("inode %d is not a symlink", inum))
	}
	blk, err := t.Read(ip.Direct[0])
	if err != nil {
		return "", err
	}
	return string(blk[:ip.Size]), nil
}

// dropLink removes one link to ip, deleting it when none remain. A
// directory loses both of its links at once.
func (o *Ops) dropLink(c *txn.Txn, ip *meta.Inode) error {
	if ip.Type == meta.TypeDir {
		if ip.Size > 0 {
			return errors.E(ErrNotEmpty, fmt.Sprintf("inode %d has %d entries", ip.Inum, ip.Size))
		}
		ip.Nlink = 0
	} else {
		ip.Nlink--
	}
	c.Touch(uint64(ip.Inum))
	if ip.Nlink == 0 {
		if err := o.j.JournalInodeDelete(c, ip.Inum); err != nil {
			return err
		}
		ip.Type = meta.TypeFree
		ip.Size = 0
		ip.Direct = [common.NDIRECT]common.Bnum{}
		return nil
	}
	ip.Mtime = o.now()
	return o.j.JournalInodeUpdate(c, ip)
}

// Unlink removes name from parent. The returned inode is its state after
// the link is dropped; a Type of free means it was deleted.
func (o *Ops) Unlink(t *txn.Txn, parent common.Inum, name string) (*Result, error) {
	var res *Result
	err := o.run(t, common.OpUnlink, func(c *txn.Txn) error {
		dp, err := o.dir(c, parent)
		if err != nil {
			return err
		}
		de, err := o.j.LookupDentry(c, parent, name)
		if err != nil {
			return err
		}
		ip, err := o.j.ReadInode(c, de.Inum)
		if err != nil {
			return err
		}
		if ip.Type == meta.TypeDir && ip.Size > 0 {
			return errors.E(ErrNotEmpty, name)
		}
		if _, err := o.j.JournalDentryDelete(c, parent, name); err != nil {
			return err
		}
		dp.Size--
		if ip.Type == meta.TypeDir {
			dp.Nlink--
		}
		dp.Mtime = o.now()
		if err := o.j.JournalInodeUpdate(c, dp); err != nil {
			return err
		}
		if err := o.dropLink(c, ip); err != nil {
			return err
		}
		c.Touch(uint64(parent))
		res = &Result{Inode: ip, Dentry: de}
		return nil
	})
	return res, err
}

// Rename moves (oldParent, oldName) to (newParent, newName), replacing an
// existing target of the same kind. Replacing a directory requires it to
// be empty.
func (o *Ops) Rename(t *txn.Txn, oldParent common.Inum, oldName string,
	newParent common.Inum, newName string) (*Result, error) {
	var res *Result
	err := o.run(t, common.OpRename, func(c *txn.Txn) error {
		dirs := make(map[common.Inum]*meta.Inode)
		getDir := func(inum common.Inum) (*meta.Inode, error) {
			if dp, ok := dirs[inum]; ok {
				return dp, nil
			}
			dp, err := o.dir(c, inum)
			if err != nil {
				return nil, err
			}
			dirs[inum] = dp
			return dp, nil
		}
		op, err := getDir(oldParent)
		if err != nil {
			return err
		}
		np, err := getDir(newParent)
		if err != nil {
			return err
		}
		src, err := o.j.LookupDentry(c, oldParent, oldName)
		if err != nil {
			return err
		}
		if oldParent == newParent && oldName == newName {
			ip, err := o.j.ReadInode(c, src.Inum)
			res = &Result{Inode: ip, Dentry: src}
			return err
		}
		ip, err := o.j.ReadInode(c, src.Inum)
		if err != nil {
			return err
		}
		if ip.Type == meta.TypeDir && oldParent != newParent {
			if err := o.checkNotAncestor(c, ip.Inum, newParent); err != nil {
				return err
			}
		}
		var victim *meta.Inode
		if dst, err := o.j.LookupDentry(c, newParent, newName); err == nil {
			if dst.Inum == src.Inum {
				return errors.E(errors.Invalid, "source and target are the same inode")
			}
			if victim, err = o.j.ReadInode(c, dst.Inum); err != nil {
				return err
			}
			if (victim.Type == meta.TypeDir) != (ip.Type == meta.TypeDir) {
				if victim.Type == meta.TypeDir {
					return errors.E(ErrIsDir, newName)
				}
				return errors.E(ErrNotDir, newName)
			}
			if victim.Type == meta.TypeDir && victim.Size > 0 {
				return errors.E(ErrNotEmpty, newName)
			}
		} else if !errors.Is(errors.NotExist, err) {
			return err
		}

		if _, _, err := o.j.JournalDentryRename(c, oldParent, oldName, newParent, newName); err != nil {
			return err
		}
		now := o.now()
		op.Size--
		if victim == nil {
			np.Size++
		}
		if ip.Type == meta.TypeDir {
			op.Nlink--
			np.Nlink++
		}
		if victim != nil && victim.Type == meta.TypeDir {
			np.Nlink--
		}
		for inum, dp := range dirs {
			dp.Mtime = now
			if err := o.j.JournalInodeUpdate(c, dp); err != nil {
				return err
			}
			c.Touch(uint64(inum))
		}
		if victim != nil {
			if err := o.dropLink(c, victim); err != nil {
				return err
			}
		}
		if ip.Type == meta.TypeDir && oldParent != newParent {
			ip.Parent = newParent
			if err := o.j.JournalInodeUpdate(c, ip); err != nil {
				return err
			}
		}
		c.Touch(uint64(ip.Inum))
		res = &Result{Inode: ip, Dentry: &meta.Dentry{Parent: newParent, Name: newName, Inum: ip.Inum}}
		return nil
	})
	return res, err
}

// checkNotAncestor fails if dir is dest or one of dest's ancestors.
func (o *Ops) checkNotAncestor(c *txn.Txn, dir common.Inum, dest common.Inum) error {
	seen := make(map[common.Inum]bool)
	for cur := dest; cur != common.ROOTINUM; {
		if cur == dir {
			return errors.E(errors.Invalid, fmt.Sprintf("cannot move directory %d under itself", dir))
		}
		if seen[cur] {
			return errors.E(errors.Integrity, fmt.Sprintf("directory %d: parent cycle", cur))
		}
		seen[cur] = true
		dp, err := o.j.ReadInode(c, cur)
		if err != nil {
			return err
		}
		if dp.Parent == common.NULLINUM {
			return errors.E(errors.Integrity, fmt.Sprintf("directory %d has no parent", cur))
		}
		cur = dp.Parent
	}
	return nil
}

// Write stores data at off in file inum, allocating blocks as needed.
func (o *Ops) Write(t *txn.Txn, inum common.Inum, off uint64, data []byte) (*Result, error) {
	end := off + uint64(len(data))
	if util.SumOverflows(off, uint64(len(data))) || end > MaxFileSize {
		return nil, errors.E(ErrFileSize, fmt.Sprintf("write to %d", end))
	}
	var res *Result
	err := o.run(t, common.OpWrite, func(c *txn.Txn) error {
		ip, err := o.file(c, inum)
		if err != nil {
			return err
		}
		if ip.Type != meta.TypeFile {
			return errors.E(errors.Invalid, fmt.Sprintf("inode %d is a %s", inum, ip.Type))
		}
		for len(data) > 0 {
			i := off / disk.BlockSize
			boff := off % disk.BlockSize
			n := util.Min(disk.BlockSize-boff, uint64(len(data)))
			if ip.Direct[i] == common.NULLBNUM {
				bns, err := o.j.JournalBitmapAlloc(c, 1)
				if err != nil {
					return err
				}
				ip.Direct[i] = bns[0]
				blk := make(disk.Block, disk.BlockSize)
				copy(blk[boff:], data[:n])
				if err := c.Write(bns[0], blk); err != nil {
					return err
				}
			} else if err := c.Dirty(ip.Direct[i], boff, data[:n]); err != nil {
				return err
			}
			off += n
			data = data[n:]
		}
		if end > ip.Size {
			ip.Size = end
		}
		ip.Mtime = o.now()
		if err := o.j.JournalInodeUpdate(c, ip); err != nil {
			return err
		}
		c.Touch(uint64(inum))
		res = &Result{Inode: ip}
		return nil
	})
	return res, err
}

// Read returns up to n bytes of file inum from off. Holes read as zeros.
func (o *Ops) Read(t *txn.Txn, inum common.Inum, off uint64, n uint64) ([]byte, error) {
	ip, err := o.file(t, inum)
	if err != nil {
		return nil, err
	}
	if off >= ip.Size {
		return nil, nil
	}
	n = util.Min(n, ip.Size-off)
	out := make([]byte, 0, n)
	for uint64(len(out)) < n {
		i := off / disk.BlockSize
		boff := off % disk.BlockSize
		k := util.Min(disk.BlockSize-boff, n-uint64(len(out)))
		if bn := ip.Direct[i]; bn != common.NULLBNUM {
			blk, err := t.Read(bn)
			if err != nil {
				return nil, err
			}
			out = append(out, blk[boff:boff+k]...)
		} else {
			out = append(out, make([]byte, k)...)
		}
		off += k
	}
	return out, nil
}

// Truncate sets the size of file inum, freeing blocks past the new end and
// zeroing the tail of the last one.
func (o *Ops) Truncate(t *txn.Txn, inum common.Inum, size uint64) (*Result, error) {
	if size > MaxFileSize {
		return nil, errors.E(ErrFileSize, fmt.Sprintf("truncate to %d", size))
	}
	var res *Result
	err := o.run(t, common.OpTruncate, func(c *txn.Txn) error {
		ip, err := o.file(c, inum)
		if err != nil {
			return err
		}
		if ip.Type != meta.TypeFile {
			return errors.E(errors.Invalid, fmt.Sprintf("inode %d is a %s", inum, ip.Type))
		}
		keep := util.RoundUp(size, disk.BlockSize)
		var freed []common.Bnum
		for i := keep; i < common.NDIRECT; i++ {
			if ip.Direct[i] != common.NULLBNUM {
				freed = append(freed, ip.Direct[i])
				ip.Direct[i] = common.NULLBNUM
			}
		}
		if len(freed) > 0 {
			if err := o.j.JournalBitmapFree(c, freed); err != nil {
				return err
			}
		}
		if size < ip.Size && size%disk.BlockSize != 0 {
			if bn := ip.Direct[size/disk.BlockSize]; bn != common.NULLBNUM {
				boff := size % disk.BlockSize
				if err := c.Dirty(bn, boff, make([]byte, disk.BlockSize-boff)); err != nil {
					return err
				}
			}
		}
		ip.Size = size
		ip.Mtime = o.now()
		if err := o.j.JournalInodeUpdate(c, ip); err != nil {
			return err
		}
		c.Touch(uint64(inum))
		res = &Result{Inode: ip}
		return nil
	})
	return res, err
}

func (o *Ops) Lookup(t *txn.Txn, parent common.Inum, name string) (*Result, error) {
	de, err := o.j.LookupDentry(t, parent, name)
	if err != nil {
		return nil, err
	}
	ip, err := o.j.ReadInode(t, de.Inum)
	if err != nil {
		return nil, err
	}
	return &Result{Inode: ip, Dentry: de}, nil
}
