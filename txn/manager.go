package txn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"golang.org/x/sync/semaphore"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/lockmap"
	"github.com/mit-pdos/go-fsjournal/logging"
	"github.com/mit-pdos/go-fsjournal/metrics"
	"github.com/mit-pdos/go-fsjournal/shardmap"
	"github.com/mit-pdos/go-fsjournal/util"
	"github.com/mit-pdos/go-fsjournal/wal"
)

type Options struct {
	MaxBlocks   uint64
	MaxActive   int
	MaxNesting  int
	Isolation   Isolation
	LockTimeout time.Duration
	Async       bool
	BatchSize   int
	// Kind classifies blocks for the journaling mode; nil treats every
	// block as metadata.
	Kind func(common.Bnum) common.BlockKind
	// GroupChecksums supplies allocation-group checksums for checkpoints.
	GroupChecksums func() []uint64
}

func DefaultOptions() Options {
	return Options{
		MaxBlocks:   common.DefaultMaxBlocksPerTxn,
		MaxActive:   common.DefaultMaxActiveTxns,
		MaxNesting:  common.MaxNestingDepth,
		Isolation:   ReadCommitted,
		LockTimeout: 2 * time.Second,
		BatchSize:   64,
	}
}

// CommitInfo describes a durable-ordered commit to subscribers.
type CommitInfo struct {
	TxnID     common.TxnID  `json:"txn_id"`
	Op        common.OpType `json:"op"`
	Objects   []uint64      `json:"objects,omitempty"`
	Blocks    []common.Bnum `json:"blocks,omitempty"`
	CommitSeq uint64        `json:"commit_seq"`
	Durable   bool          `json:"durable"`
}

type Manager struct {
	d     disk.Disk
	log   *wal.Log
	opts  Options
	locks *lockmap.LockMap
	// committed blocks not yet installed at home
	uninstalled *shardmap.BlockMap
	slots       *semaphore.Weighted

	mu        sync.Mutex
	txns      map[common.TxnID]*Txn
	nextID    common.TxnID
	active    int
	undurable []*Txn
	closed    bool
	onCommit  func(CommitInfo)

	reqs     chan request
	running  atomic.Bool // a Committer is serving reqs
	commitMu sync.Mutex  // serializes appends, in-place writes and checkpoints
	ckpts    uint64
}

func NewManager(d disk.Disk, log *wal.Log, opts Options) *Manager {
	def := DefaultOptions()
	if opts.MaxBlocks == 0 {
		opts.MaxBlocks = def.MaxBlocks
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = def.MaxActive
	}
	if opts.MaxNesting <= 0 || opts.MaxNesting > common.MaxNestingDepth {
		opts.MaxNesting = common.MaxNestingDepth
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Kind == nil {
		opts.Kind = func(common.Bnum) common.BlockKind { return common.KindMeta }
	}
	m := &Manager{
		d:           d,
		log:         log,
		opts:        opts,
		locks:       lockmap.MkLockMap(opts.LockTimeout),
		uninstalled: shardmap.MkBlockMap(),
		slots:       semaphore.NewWeighted(int64(opts.MaxActive)),
		txns:        make(map[common.TxnID]*Txn),
		nextID:      log.LastTxnID() + 1,
		reqs:        make(chan request, opts.MaxActive),
	}
	return m
}

func (m *Manager) Log() *wal.Log { return m.log }

func (m *Manager) Disk() disk.Disk { return m.d }

// OnCommit sets the function called, on the committer goroutine, after each
// transaction is appended to the log.
func (m *Manager) OnCommit(fn func(CommitInfo)) {
	m.mu.Lock()
	m.onCommit = fn
	m.mu.Unlock()
}

func (m *Manager) newTxn(parent *Txn, op common.OpType, flags Flags) *Txn {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	t := &Txn{
		m:      m,
		id:     id,
		parent: parent,
		op:     op,
		flags:  flags,
		begun:  time.Now(),
		state:  Running,
		done:   make(chan struct{}),
	}
	m.txns[id] = t
	m.mu.Unlock()
	return t
}

// Begin starts an outermost transaction that may dirty up to maxBlocks
// blocks (zero selects the configured default). Past the concurrency
// ceiling it fails with ErrTooManyActive, or waits for a slot if flags has
// FlagWait and ctx allows.
func (m *Manager) Begin(ctx context.Context, maxBlocks uint64, op common.OpType, flags Flags) (*Txn, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrShutdown
	}
	if flags&FlagWait != 0 {
		if err := m.slots.Acquire(ctx, 1); err != nil {
			return nil, common.Wrap(ErrTooManyActive, err)
		}
	} else if !m.slots.TryAcquire(1) {
		return nil, errors.E(ErrTooManyActive, fmt.Sprintf("%d running", m.opts.MaxActive))
	}
	if maxBlocks == 0 {
		maxBlocks = m.opts.MaxBlocks
	}
	t := m.newTxn(nil, op, flags)
	t.root = t
	t.iso = m.opts.Isolation
	t.budget = maxBlocks
	t.bufs = make(map[common.Bnum]disk.Block)
	t.locked = make(map[common.Bnum]struct{})
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
	metrics.TxnActive.Inc()
	util.DPrintf(3, "Begin: %v\n", t)
	return t, nil
}

// BeginNested starts a transaction inside parent. It shares the parent's
// buffers and block budget.
func (m *Manager) BeginNested(parent *Txn, op common.OpType) (*Txn, error) {
	if err := parent.running(); err != nil {
		return nil, err
	}
	if parent.depth+1 >= m.opts.MaxNesting {
		return nil, errors.E(ErrNestingDepth, fmt.Sprintf("depth %d", parent.depth+1))
	}
	t := m.newTxn(parent, op, parent.flags)
	t.root = parent.root
	t.depth = parent.depth + 1
	parent.mu.Lock()
	parent.children++
	parent.mu.Unlock()
	util.DPrintf(3, "BeginNested: %v in %d\n", t, parent.id)
	return t, nil
}

// Lookup returns a transaction the manager still tracks.
func (m *Manager) Lookup(id common.TxnID) (*Txn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	return t, ok
}

// maybeForget drops t from the arena once it is terminal and unreferenced;
// a committed outermost transaction must also be durable.
func (m *Manager) maybeForget(t *Txn) {
	t.mu.Lock()
	done := t.state == Aborted || (t.state == Finished && (t.parent != nil || t.durable))
	refs := t.refs
	t.mu.Unlock()
	if done && refs <= 0 {
		m.mu.Lock()
		delete(m.txns, t.id)
		m.mu.Unlock()
	}
}

func (m *Manager) endOutermost(t *Txn) {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
	metrics.TxnActive.Dec()
	m.slots.Release(1)
}

// Abort undoes t. A nested abort leaves the parent running.
func (m *Manager) Abort(t *Txn) error {
	if err := t.running(); err != nil {
		return err
	}
	t.mu.Lock()
	children := t.children
	t.mu.Unlock()
	if children > 0 {
		return errors.E(ErrChildActive, fmt.Sprintf("txn %d", t.id))
	}
	m.abort(t, nil, "explicit")
	return nil
}

func (m *Manager) abort(t *Txn, cause error, reason string) {
	t.undo()
	if t.parent != nil {
		t.parent.mu.Lock()
		t.parent.children--
		t.parent.mu.Unlock()
		t.finish(Aborted, cause)
		m.maybeForget(t)
		util.DPrintf(3, "Abort nested: %v\n", t)
		return
	}
	t.mu.Lock()
	t.bufs = nil
	t.order = nil
	t.mu.Unlock()
	t.releaseLocks()
	t.finish(Aborted, cause)
	m.log.NoteAbort()
	metrics.RecordAbort(reason)
	m.endOutermost(t)
	m.maybeForget(t)
	if cause != nil {
		logging.Warn().Err(cause).Uint64("txn", uint64(t.id)).Str("op", t.op.String()).Msg("transaction aborted")
	} else {
		util.DPrintf(3, "Abort: %v\n", t)
	}
}

// Commit commits t. A nested commit merges into the parent and does no
// I/O. An outermost commit queues t for the committer; with synchronous
// commits (the default, or FlagSync) it returns once t is durable, with
// asynchronous ones it returns at once and t.Done reports the outcome. On
// failure t is rolled back and ends Aborted.
func (m *Manager) Commit(t *Txn) error {
	if err := t.running(); err != nil {
		return err
	}
	t.mu.Lock()
	children := t.children
	t.mu.Unlock()
	if children > 0 {
		return errors.E(ErrChildActive, fmt.Sprintf("txn %d", t.id))
	}
	if t.parent != nil {
		t.mergeInto(t.parent)
		t.finish(Finished, nil)
		m.maybeForget(t)
		util.DPrintf(3, "Commit nested: %v\n", t)
		return nil
	}

	t.mu.Lock()
	t.state = Committing
	readOnly := len(t.bufs) == 0 && len(t.revoked) == 0
	t.mu.Unlock()
	if readOnly {
		t.releaseLocks()
		t.mu.Lock()
		t.durable = true
		t.mu.Unlock()
		t.finish(Finished, nil)
		m.endOutermost(t)
		m.maybeForget(t)
		return nil
	}

	sync := !m.opts.Async
	if t.flags&FlagAsync != 0 {
		sync = false
	}
	if t.flags&FlagSync != 0 {
		sync = true
	}
	if err := m.enqueue(request{t: t, sync: sync}); err != nil {
		m.failCommit([]*Txn{t}, err)
		return err
	}
	if !m.running.Load() {
		m.drain()
	}
	if !sync {
		return nil
	}
	return t.Wait()
}

// ForceCommit commits t synchronously regardless of the commit mode.
func (m *Manager) ForceCommit(t *Txn) error {
	t.flags |= FlagSync
	t.flags &^= FlagAsync
	return m.Commit(t)
}

// readCommitted returns the newest committed contents of bn.
func (m *Manager) readCommitted(bn common.Bnum) (disk.Block, error) {
	if blk, ok := m.uninstalled.Read(bn); ok {
		return blk, nil
	}
	return m.d.Read(bn)
}

// readDirty returns the copy of bn dirtied by whichever transaction holds
// it exclusively.
func (m *Manager) readDirty(bn common.Bnum) (disk.Block, bool) {
	owner, ok := m.locks.ExclusiveOwner(bn)
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	t, ok := m.txns[common.TxnID(owner)]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	blk, ok := t.bufs[bn]
	if !ok {
		return nil, false
	}
	return util.CloneByteSlice(blk), true
}

type Status struct {
	Active      int        `json:"active"`
	Tracked     int        `json:"tracked"`
	Undurable   int        `json:"undurable"`
	Uninstalled int        `json:"uninstalled"`
	Checkpoints uint64     `json:"checkpoints"`
	NextTxn     uint64     `json:"next_txn"`
	Log         wal.Status `json:"log"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		Active:      m.active,
		Tracked:     len(m.txns),
		Undurable:   len(m.undurable),
		Checkpoints: m.ckpts,
		NextTxn:     uint64(m.nextID),
	}
	m.mu.Unlock()
	st.Uninstalled = m.uninstalled.Len()
	st.Log = m.log.Status()
	return st
}
