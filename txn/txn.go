// Package txn runs transactions over the block device.
//
// A transaction buffers every block it writes. Writing a block takes the
// block's lock exclusively and keeps it until the transaction finishes, so
// a transaction's writes are invisible to readers that respect isolation
// until they are committed. Each change records the bytes it overwrote;
// abort puts them back in reverse order, along with any in-memory undo
// actions registered through Record.
//
// Commit hands the transaction to a single committer goroutine, which
// appends transactions to the log in the order Commit was called, batching
// whatever is queued into one append. Logged blocks are kept in memory
// until a checkpoint installs them at their home location.
//
// Nested transactions share the root transaction's buffers, locks and block
// budget but have their own rollback list: committing a nested transaction
// hands its rollback entries to the parent, aborting it undoes only its
// own changes.
package txn

import (
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/util"
	"github.com/mit-pdos/go-fsjournal/wal"
)

type State int

const (
	Running State = iota
	Committing
	Finished
	Aborted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Committing:
		return "committing"
	case Finished:
		return "finished"
	}
	return "aborted"
}

type Flags uint64

const (
	// FlagWait makes Begin wait for a free slot instead of failing.
	FlagWait Flags = 1 << iota
	// FlagSync makes Commit wait for durability even with async commits.
	FlagSync
	// FlagAsync makes Commit return once the transaction is queued.
	FlagAsync
)

var (
	ErrTooManyActive = errors.E(errors.Unavailable, errors.Retriable, "too many active transactions")
	ErrTooManyBlocks = errors.E(errors.Unavailable, errors.Retriable, "transaction block budget exhausted")
	ErrNestingDepth  = errors.E(errors.Invalid, "transactions nested too deeply")
	ErrNotRunning    = errors.E(errors.Precondition, "transaction is not running")
	ErrChildActive   = errors.E(errors.Precondition, "nested transaction still running")
	ErrShutdown      = errors.E(errors.Unavailable, errors.Fatal, "transaction manager shut down")
)

type rollbackEntry struct {
	bn       common.Bnum
	off      uint64
	orig     []byte
	mod      []byte
	restorer common.Restorer
}

type Txn struct {
	m      *Manager
	id     common.TxnID
	parent *Txn
	root   *Txn
	depth  int
	op     common.OpType
	flags  Flags
	begun  time.Time

	mu       sync.Mutex
	state    State
	rollback []rollbackEntry
	revoked  []common.Bnum
	objects  []uint64
	children int
	err      error
	done     chan struct{}
	refs     int

	// root only
	iso     Isolation
	budget  uint64
	bufs    map[common.Bnum]disk.Block
	order   []common.Bnum
	locked  map[common.Bnum]struct{}
	durable bool
	result  wal.AppendResult
}

func (t *Txn) ID() common.TxnID { return t.id }

func (t *Txn) Op() common.OpType { return t.op }

func (t *Txn) Depth() int { return t.depth }

func (t *Txn) Parent() common.TxnID {
	if t.parent == nil {
		return common.NULLTXN
	}
	return t.parent.id
}

func (t *Txn) String() string {
	return fmt.Sprintf("txn %d (%s, depth %d, %s)", t.id, t.op, t.depth, t.State())
}

func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the transaction is Finished or Aborted.
func (t *Txn) Done() <-chan struct{} { return t.done }

// Err is the reason the transaction aborted, once Done is closed.
func (t *Txn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the transaction finishes and returns Err.
func (t *Txn) Wait() error {
	<-t.done
	return t.Err()
}

// Hold takes a reference; the manager keeps a finished transaction until
// every reference is released.
func (t *Txn) Hold() {
	t.mu.Lock()
	t.refs++
	t.mu.Unlock()
}

func (t *Txn) Release() {
	t.mu.Lock()
	t.refs--
	t.mu.Unlock()
	t.m.maybeForget(t)
}

// SetIsolation changes how the transaction's reads wait. It applies to the
// whole transaction tree.
func (t *Txn) SetIsolation(iso Isolation) {
	t.root.mu.Lock()
	t.root.iso = iso
	t.root.mu.Unlock()
}

func (t *Txn) Isolation() Isolation {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	return t.root.iso
}

func (t *Txn) running() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Running {
		return errors.E(ErrNotRunning, fmt.Sprintf("txn %d is %s", t.id, t.state))
	}
	return nil
}

// Extend raises the block budget shared by the transaction tree by n.
func (t *Txn) Extend(n uint64) error {
	if err := t.running(); err != nil {
		return err
	}
	t.root.mu.Lock()
	t.root.budget += n
	t.root.mu.Unlock()
	return nil
}

func (t *Txn) Budget() uint64 {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	return t.root.budget
}

// NDirty reports how many blocks the transaction tree has written.
func (t *Txn) NDirty() int {
	t.root.mu.Lock()
	defer t.root.mu.Unlock()
	return len(t.root.bufs)
}

// Dirty writes data at bn[off:] and records the bytes it replaces. It takes
// write access to bn first if needed.
func (t *Txn) Dirty(bn common.Bnum, off uint64, data []byte) error {
	if off+uint64(len(data)) > disk.BlockSize {
		return errors.E(errors.Invalid, fmt.Sprintf("write of %d bytes at %d+%d", len(data), bn, off))
	}
	if err := t.GetWriteAccess(bn); err != nil {
		return err
	}
	r := t.root
	r.mu.Lock()
	blk := r.bufs[bn]
	e := rollbackEntry{
		bn:   bn,
		off:  off,
		orig: util.CloneByteSlice(blk[off : off+uint64(len(data))]),
		mod:  util.CloneByteSlice(data),
	}
	copy(blk[off:], data)
	r.mu.Unlock()

	t.mu.Lock()
	t.rollback = append(t.rollback, e)
	t.mu.Unlock()
	return nil
}

// Write replaces all of bn.
func (t *Txn) Write(bn common.Bnum, blk disk.Block) error {
	return t.Dirty(bn, 0, blk[:disk.BlockSize])
}

// Record registers an undo action run if this transaction aborts.
func (t *Txn) Record(r common.Restorer) {
	t.mu.Lock()
	t.rollback = append(t.rollback, rollbackEntry{restorer: r})
	t.mu.Unlock()
}

// Revoke marks bns freed: replay will not restore them from log records
// written before this transaction.
func (t *Txn) Revoke(bns ...common.Bnum) {
	t.mu.Lock()
	t.revoked = append(t.revoked, bns...)
	t.mu.Unlock()
}

// Touch notes object ids (inode numbers) for the commit notification.
func (t *Txn) Touch(objs ...uint64) {
	t.mu.Lock()
	t.objects = append(t.objects, objs...)
	t.mu.Unlock()
}

// undo applies t's rollback entries in reverse. Entries whose block is no
// longer buffered belong to a tree that has already dropped its buffers.
func (t *Txn) undo() {
	t.mu.Lock()
	entries := t.rollback
	t.rollback = nil
	t.revoked = nil
	t.objects = nil
	t.mu.Unlock()
	r := t.root
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.restorer != nil {
			e.restorer.Restore()
			continue
		}
		r.mu.Lock()
		if blk, ok := r.bufs[e.bn]; ok {
			copy(blk[e.off:], e.orig)
		}
		r.mu.Unlock()
	}
}

func (t *Txn) finish(st State, err error) {
	t.mu.Lock()
	t.state = st
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// mergeInto hands a committed nested transaction's effects to its parent.
func (t *Txn) mergeInto(p *Txn) {
	t.mu.Lock()
	entries, revoked, objects := t.rollback, t.revoked, t.objects
	t.rollback, t.revoked, t.objects = nil, nil, nil
	t.mu.Unlock()
	p.mu.Lock()
	p.rollback = append(p.rollback, entries...)
	p.revoked = append(p.revoked, revoked...)
	p.objects = append(p.objects, objects...)
	p.children--
	p.mu.Unlock()
}

// logWrite splits the tree's blocks into logged and in-place writes for
// mode.
func (t *Txn) logWrite(mode common.Mode, kind func(common.Bnum) common.BlockKind) wal.TxnWrite {
	tw := wal.TxnWrite{TxnID: t.id, Op: t.op}
	t.mu.Lock()
	tw.Revoked = util.SortedUniq(t.revoked)
	t.mu.Unlock()
	for _, bn := range util.SortedUniq(t.order) {
		u := wal.MkBlockData(bn, t.bufs[bn])
		if mode != common.ModeFull && kind(bn) == common.KindData {
			tw.InPlace = append(tw.InPlace, u)
		} else {
			tw.Logged = append(tw.Logged, u)
		}
	}
	// a block written again after being freed is not revoked
	if len(tw.Revoked) > 0 {
		var keep []common.Bnum
		for _, bn := range tw.Revoked {
			if _, ok := t.bufs[bn]; !ok {
				keep = append(keep, bn)
			}
		}
		tw.Revoked = keep
	}
	return tw
}
