package atomicop

import (
	"context"
	"sync"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/txn"
	"github.com/mit-pdos/go-fsjournal/util"
)

// Op is one queued operation; it runs against the batch's transaction.
type Op func(o *Ops, t *txn.Txn) error

// Batch queues operations and runs them in one transaction, so a full
// batch costs a single descriptor and commit. A batch never spans two
// commits: it runs when it reaches its size or on Flush, and one failed
// operation aborts the whole batch.
type Batch struct {
	o    *Ops
	size int

	mu  sync.Mutex
	ops []Op
}

func (o *Ops) NewBatch(size int) *Batch {
	if size <= 0 {
		size = 1
	}
	return &Batch{o: o, size: size}
}

// Add queues op, flushing the batch if it is now full.
func (b *Batch) Add(ctx context.Context, op Op) error {
	b.mu.Lock()
	b.ops = append(b.ops, op)
	full := len(b.ops) >= b.size
	b.mu.Unlock()
	if full {
		return b.Flush(ctx)
	}
	return nil
}

func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

// Flush runs and commits the queued operations. The queue is emptied
// whether or not they succeed.
func (b *Batch) Flush(ctx context.Context) error {
	b.mu.Lock()
	ops := b.ops
	b.ops = nil
	b.mu.Unlock()
	if len(ops) == 0 {
		return nil
	}
	m := b.o.m
	t, err := m.Begin(ctx, 0, common.OpBatch, txn.FlagWait)
	if err != nil {
		return err
	}
	for i, op := range ops {
		if err := op(b.o, t); err != nil {
			util.DPrintf(2, "atomicop: batch op %d/%d failed: %v\n", i+1, len(ops), err)
			if t.State() == txn.Running {
				m.Abort(t)
			}
			return err
		}
	}
	return m.Commit(t)
}

// Queued forms of the operations, for Batch.Add.

func CreateOp(parent common.Inum, name string) Op {
	return func(o *Ops, t *txn.Txn) error {
		_, err := o.Create(t, parent, name)
		return err
	}
}

func MkdirOp(parent common.Inum, name string) Op {
	return func(o *Ops, t *txn.Txn) error {
		_, err := o.Mkdir(t, parent, name)
		return err
	}
}

func UnlinkOp(parent common.Inum, name string) Op {
	return func(o *Ops, t *txn.Txn) error {
		_, err := o.Unlink(t, parent, name)
		return err
	}
}

func RenameOp(oldParent common.Inum, oldName string, newParent common.Inum, newName string) Op {
	return func(o *Ops, t *txn.Txn) error {
		_, err := o.Rename(t, oldParent, oldName, newParent, newName)
		return err
	}
}

func SymlinkOp(parent common.Inum, name string, target string) Op {
	return func(o *Ops, t *txn.Txn) error {
		_, err := o.Symlink(t, parent, name, target)
		return err
	}
}

// WriteOp writes to the file named name in parent.
func WriteOp(parent common.Inum, name string, off uint64, data []byte) Op {
	return func(o *Ops, t *txn.Txn) error {
		r, err := o.Lookup(t, parent, name)
		if err != nil {
			return err
		}
		_, err = o.Write(t, r.Inode.Inum, off, data)
		return err
	}
}

func TruncateOp(parent common.Inum, name string, size uint64) Op {
	return func(o *Ops, t *txn.Txn) error {
		r, err := o.Lookup(t, parent, name)
		if err != nil {
			return err
		}
		_, err = o.Truncate(t, r.Inode.Inum, size)
		return err
	}
}
