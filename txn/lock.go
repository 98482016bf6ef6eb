package txn

import (
	"fmt"

	"github.com/grailbio/base/errors"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/lockmap"
	"github.com/mit-pdos/go-fsjournal/util"
)

// Isolation decides what a transaction's reads wait for. Writes always
// take the block exclusively until the transaction finishes.
type Isolation int

const (
	// ReadUncommitted reads whatever the block's writer has dirtied.
	ReadUncommitted Isolation = iota
	// ReadCommitted waits for a block's writer to finish, then reads the
	// committed contents without holding a lock.
	ReadCommitted
	// RepeatableRead holds a shared lock on every block read until the
	// transaction finishes.
	RepeatableRead
	// Serializable is RepeatableRead; with block-granular strict
	// two-phase locking the two coincide.
	Serializable
)

var isolationNames = map[Isolation]string{
	ReadUncommitted: "read-uncommitted",
	ReadCommitted:   "read-committed",
	RepeatableRead:  "repeatable-read",
	Serializable:    "serializable",
}

func (iso Isolation) String() string {
	if s, ok := isolationNames[iso]; ok {
		return s
	}
	return "unknown"
}

func ParseIsolation(s string) (Isolation, error) {
	for iso, name := range isolationNames {
		if name == s {
			return iso, nil
		}
	}
	return ReadCommitted, errors.E(errors.Invalid, fmt.Sprintf("unknown isolation %q", s))
}

func (t *Txn) owner() uint64 {
	return uint64(t.root.id)
}

// GetWriteAccess adds bn to the transaction's dirty set, taking the block's
// lock exclusively. The first access loads the committed contents.
func (t *Txn) GetWriteAccess(bn common.Bnum) error {
	r := t.root
	if err := t.running(); err != nil {
		return err
	}
	r.mu.Lock()
	_, ok := r.bufs[bn]
	full := uint64(len(r.bufs)) >= r.budget
	r.mu.Unlock()
	if ok {
		return nil
	}
	if full {
		return errors.E(ErrTooManyBlocks, fmt.Sprintf("txn %d: %d blocks", r.id, r.budget))
	}
	if err := t.m.locks.Acquire(t.owner(), bn, lockmap.Exclusive); err != nil {
		return err
	}
	return t.load(bn)
}

// TryWriteAccess is GetWriteAccess when the block is free; it returns
// false instead of waiting.
func (t *Txn) TryWriteAccess(bn common.Bnum) (bool, error) {
	r := t.root
	if err := t.running(); err != nil {
		return false, err
	}
	r.mu.Lock()
	_, ok := r.bufs[bn]
	full := uint64(len(r.bufs)) >= r.budget
	r.mu.Unlock()
	if ok {
		return true, nil
	}
	if full {
		return false, errors.E(ErrTooManyBlocks, fmt.Sprintf("txn %d: %d blocks", r.id, r.budget))
	}
	if !t.m.locks.TryAcquire(t.owner(), bn, lockmap.Exclusive) {
		return false, nil
	}
	return true, t.load(bn)
}

func (t *Txn) load(bn common.Bnum) error {
	r := t.root
	blk, err := t.m.readCommitted(bn)
	if err != nil {
		t.m.locks.Release(t.owner(), bn)
		return err
	}
	r.mu.Lock()
	r.bufs[bn] = blk
	r.order = append(r.order, bn)
	r.locked[bn] = struct{}{}
	r.mu.Unlock()
	util.DPrintf(10, "txn %d: write access to %d\n", r.id, bn)
	return nil
}

// ReadAccess waits as the transaction's isolation level requires before bn
// can be read.
func (t *Txn) ReadAccess(bn common.Bnum) error {
	r := t.root
	if err := t.running(); err != nil {
		return err
	}
	if t.Dirtied(bn) {
		return nil
	}
	switch r.iso {
	case ReadUncommitted:
		return nil
	case ReadCommitted:
		if _, held := t.m.locks.Holds(t.owner(), bn); held {
			return nil
		}
		if err := t.m.locks.Acquire(t.owner(), bn, lockmap.Shared); err != nil {
			return err
		}
		t.m.locks.Release(t.owner(), bn)
		return nil
	default:
		if err := t.m.locks.Acquire(t.owner(), bn, lockmap.Shared); err != nil {
			return err
		}
		r.mu.Lock()
		r.locked[bn] = struct{}{}
		r.mu.Unlock()
		return nil
	}
}

// Read returns a copy of bn as this transaction sees it: its own dirty copy
// if it has one, otherwise what the isolation level allows.
func (t *Txn) Read(bn common.Bnum) (disk.Block, error) {
	r := t.root
	if err := t.ReadAccess(bn); err != nil {
		return nil, err
	}
	r.mu.Lock()
	blk, ok := r.bufs[bn]
	if ok {
		blk = util.CloneByteSlice(blk)
	}
	r.mu.Unlock()
	if ok {
		return blk, nil
	}
	if r.iso == ReadUncommitted {
		if b, ok := t.m.readDirty(bn); ok {
			return b, nil
		}
	}
	return t.m.readCommitted(bn)
}

func (t *Txn) Dirtied(bn common.Bnum) bool {
	r := t.root
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bufs[bn]
	return ok
}

func (t *Txn) releaseLocks() {
	r := t.root
	r.mu.Lock()
	locked := make([]uint64, 0, len(r.locked))
	for bn := range r.locked {
		locked = append(locked, bn)
	}
	r.locked = make(map[common.Bnum]struct{})
	r.mu.Unlock()
	for _, bn := range util.SortedUniq(locked) {
		t.m.locks.Release(t.owner(), bn)
	}
}
