package wal

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/logging"
	"github.com/mit-pdos/go-fsjournal/util"
)

const minLogBlocks uint64 = 4

// Geometry places the log region on the disk: a superblock at Start followed
// by NBlocks-1 ring blocks.
type Geometry struct {
	Start   common.Bnum
	NBlocks uint64
}

type Options struct {
	Checksum       ChecksumType
	Mode           common.Mode
	CommitInterval time.Duration
	Deps           Dependencies
}

// Log is the circular write-ahead log.
//
// appendMu serializes appenders and checkpoints for the whole duration of a
// write; mu only covers the head/tail/sequence state and is never held across
// disk I/O.
type Log struct {
	d    disk.Disk
	deps Dependencies

	start    common.Bnum
	ringSize uint64
	id       uuid.UUID
	jid      uint64
	csum     ChecksumType
	interval time.Duration

	appendMu sync.Mutex

	mu            sync.Mutex
	head          LogPosition
	tail          LogPosition
	tailSeq       uint64 // sequence of the record at tail
	seq           uint64 // last sequence handed out
	commitSeq     uint64 // highest durable commit or checkpoint sequence
	writtenSeq    uint64 // like commitSeq, but possibly not yet behind a barrier
	lastCommitSeq uint64 // sequence of the newest commit record
	lastCkptPos   LogPosition
	lastCkptSeq   uint64
	lastTxn       common.TxnID
	mode          common.Mode
	counters      Counters
	mounted       bool
	needsRecovery bool
	aborted       bool
}

func (l *Log) phys(pos LogPosition) common.Bnum {
	return l.start + 1 + uint64(pos)%l.ringSize
}

func newLog(d disk.Disk, deps Dependencies) *Log {
	if deps == nil {
		deps = ProdDependencies{}
	}
	return &Log{d: d, deps: deps}
}

// Create formats an empty log region and writes its superblock.
func Create(d disk.Disk, g Geometry, opts Options) (*Log, error) {
	sz, err := d.Size()
	if err != nil {
		return nil, err
	}
	if g.NBlocks < minLogBlocks || g.Start+g.NBlocks > sz {
		return nil, errors.E(ErrGeometry,
			fmt.Sprintf("log [%d, %d) on a %d-block disk", g.Start, g.Start+g.NBlocks, sz))
	}
	if opts.Checksum == 0 {
		opts.Checksum = ChecksumFast
	}
	if !opts.Checksum.valid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("checksum type %d", opts.Checksum))
	}
	l := newLog(d, opts.Deps)
	l.start = g.Start
	l.ringSize = g.NBlocks - 1
	l.id = uuid.New()
	l.jid = jidOf(l.id)
	l.csum = opts.Checksum
	l.interval = opts.CommitInterval
	l.mode = opts.Mode
	l.tailSeq = 1
	if err := l.writeSuper(); err != nil {
		return nil, err
	}
	if err := d.Barrier(); err != nil {
		return nil, err
	}
	util.DPrintf(1, "wal: created log at %d, %d ring blocks, %v checksums\n",
		l.start, l.ringSize, l.csum)
	return l, nil
}

// Load reads and validates the superblock at start. If the log was not
// closed cleanly NeedsRecovery reports true and appends are refused until
// Recovered is called.
func Load(d disk.Disk, start common.Bnum, deps Dependencies) (*Log, error) {
	b, err := d.Read(start)
	if err != nil {
		return nil, err
	}
	sb, err := decodeSuperblock(b)
	if err != nil {
		return nil, err
	}
	if sb.start != start {
		return nil, errors.E(ErrGeometry, fmt.Sprintf("superblock records start %d, loaded at %d", sb.start, start))
	}
	sz, err := d.Size()
	if err != nil {
		return nil, err
	}
	if sb.start+sb.nblocks > sz {
		return nil, ErrGeometry
	}
	l := newLog(d, deps)
	l.start = sb.start
	l.ringSize = sb.nblocks - 1
	l.id = sb.id
	l.jid = jidOf(sb.id)
	l.csum = sb.csum
	l.interval = sb.commitInterval
	l.mode = sb.mode
	l.counters = sb.counters
	l.head = sb.head
	l.tail = sb.tail
	l.tailSeq = sb.tailSeq
	l.seq = sb.commitSeq
	l.commitSeq = sb.commitSeq
	l.writtenSeq = sb.commitSeq
	l.lastCkptPos = sb.lastCkptPos
	l.lastCkptSeq = sb.lastCkptSeq
	l.lastCommitSeq = sb.lastCkptSeq
	l.lastTxn = sb.lastTxn
	l.needsRecovery = sb.sequence > sb.commitSeq
	util.DPrintf(1, "wal: loaded log %v head %d tail %d seq %d commit %d recovery %v\n",
		l.id, l.head, l.tail, sb.sequence, sb.commitSeq, l.needsRecovery)
	return l, nil
}

func (l *Log) NeedsRecovery() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.needsRecovery
}

// Recovered installs the state found by a recovery scan: the first position
// past the last valid record, its sequence, and the largest transaction id
// seen.
func (l *Log) Recovered(end LogPosition, lastSeq uint64, lastTxn common.TxnID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = end
	l.seq = lastSeq
	l.commitSeq = lastSeq
	l.writtenSeq = lastSeq
	l.lastCommitSeq = lastSeq
	if lastTxn > l.lastTxn {
		l.lastTxn = lastTxn
	}
	l.needsRecovery = false
	l.counters.Recoveries++
	util.DPrintf(1, "wal: recovered to head %d seq %d\n", end, lastSeq)
}

// sbSequence is the sequence to persist: one past commitSeq while mounted,
// which is the unclean marker.
func (l *Log) sbSequence() uint64 {
	if l.mounted {
		return l.commitSeq + 1
	}
	return l.commitSeq
}

func (l *Log) superblockLocked() *superblock {
	return &superblock{
		major:          VersionMajor,
		minor:          VersionMinor,
		id:             l.id,
		start:          l.start,
		nblocks:        l.ringSize + 1,
		blockSize:      disk.BlockSize,
		head:           l.head,
		tail:           l.tail,
		tailSeq:        l.tailSeq,
		sequence:       l.sbSequence(),
		commitSeq:      l.commitSeq,
		commitInterval: l.interval,
		csum:           l.csum,
		mode:           l.mode,
		counters:       l.counters,
		lastCkptPos:    l.lastCkptPos,
		lastCkptSeq:    l.lastCkptSeq,
		lastTxn:        l.lastTxn,
	}
}

// writeSuper encodes under mu and writes outside it.
func (l *Log) writeSuper() error {
	l.mu.Lock()
	b := l.superblockLocked().encode()
	l.mu.Unlock()
	if err := l.d.Write(l.start, b); err != nil {
		return l.abort(err)
	}
	return nil
}

// MarkDirty persists the unclean marker, so a crash from here on is
// detected by the next Load. Appends call it on first use.
func (l *Log) MarkDirty() error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	return l.markDirtyLocked()
}

// markDirtyLocked assumes appendMu is held.
func (l *Log) markDirtyLocked() error {
	l.mu.Lock()
	if err := l.appendableLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	if l.mounted {
		l.mu.Unlock()
		return nil
	}
	l.mounted = true
	l.mu.Unlock()
	if err := l.writeSuper(); err != nil {
		return err
	}
	if err := l.d.Barrier(); err != nil {
		return l.abort(err)
	}
	return nil
}

// Release moves the tail up to the checkpoint record at pos.
func (l *Log) Release(pos LogPosition, seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos < l.tail || pos > l.head || pos != l.lastCkptPos || seq != l.lastCkptSeq {
		return errors.E(errors.Precondition,
			fmt.Sprintf("release to %d/%d: not the latest checkpoint", pos, seq))
	}
	l.tail = pos
	l.tailSeq = seq
	return nil
}

// WriteCheckpoint appends a checkpoint record and releases everything
// before it. The caller must already have installed every committed block.
func (l *Log) WriteCheckpoint(c Checkpoint) (LogPosition, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.Lock()
	if err := l.appendableLocked(); err != nil {
		l.mu.Unlock()
		return 0, err
	}
	if uint64(l.head-l.tail) >= l.ringSize {
		// everything is installed, so the whole ring is free
		l.tail = l.head
		l.tailSeq = l.seq + 1
	}
	c.StartSeq = l.tailSeq
	c.EndSeq = l.seq
	if c.LastTxn < l.lastTxn {
		c.LastTxn = l.lastTxn
	}
	l.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	res, err := l.appendLocked([]Record{{Type: BlockCheckpoint, Payload: encodeCheckpoint(&c)}}, true)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.lastCkptPos = res.Start
	l.lastCkptSeq = res.FirstSeq
	l.mu.Unlock()
	if err := l.Release(res.Start, res.FirstSeq); err != nil {
		return 0, err
	}

	if l.deps.Disrupt(DisruptBeforeSuperblock) {
		return 0, l.crash()
	}
	if err := l.writeSuper(); err != nil {
		return 0, err
	}
	if err := l.d.Barrier(); err != nil {
		return 0, l.abort(err)
	}
	util.DPrintf(1, "wal: checkpoint %v at %d seq %d\n", c.ID, res.Start, res.FirstSeq)
	return res.Start, nil
}

// Close flushes the log. If the last checkpoint covers every commit it also
// appends a barrier record and clears the unclean marker.
func (l *Log) Close() error {
	if err := l.Flush(); err != nil {
		return err
	}
	l.mu.Lock()
	clean := l.lastCkptSeq >= l.lastCommitSeq && !l.aborted
	l.mu.Unlock()
	if clean {
		l.appendMu.Lock()
		_, err := l.appendLocked([]Record{{Type: BlockBarrier}}, true)
		l.appendMu.Unlock()
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.mounted = false
		l.mu.Unlock()
		if err := l.writeSuper(); err != nil {
			return err
		}
		if err := l.d.Barrier(); err != nil {
			return err
		}
	}
	util.DPrintf(1, "wal: closed (clean %v)\n", clean)
	return nil
}

func (l *Log) abort(err error) error {
	l.mu.Lock()
	l.aborted = true
	l.mu.Unlock()
	logging.Error().Err(err).Msg("wal: aborting journal")
	return common.Wrap(ErrJournalAborted, err)
}

func (l *Log) crash() error {
	l.mu.Lock()
	l.aborted = true
	l.mu.Unlock()
	return ErrCrashed
}

func (l *Log) appendableLocked() error {
	if l.aborted {
		return ErrJournalAborted
	}
	if l.needsRecovery {
		return errors.E(errors.Precondition, "log needs recovery")
	}
	return nil
}

func (l *Log) Aborted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aborted
}

func (l *Log) ID() uuid.UUID { return l.id }

func (l *Log) Checksum() ChecksumType { return l.csum }

func (l *Log) RingSize() uint64 { return l.ringSize }

func (l *Log) Geometry() Geometry {
	return Geometry{Start: l.start, NBlocks: l.ringSize + 1}
}

func (l *Log) Mode() common.Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// SetMode records the journaling mode; it is persisted with the next
// superblock write.
func (l *Log) SetMode(m common.Mode) {
	l.mu.Lock()
	l.mode = m
	l.mu.Unlock()
}

func (l *Log) CommitInterval() time.Duration { return l.interval }

func (l *Log) LastTxnID() common.TxnID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTxn
}

func (l *Log) NoteAbort() {
	l.mu.Lock()
	l.counters.Aborts++
	l.mu.Unlock()
}

func (l *Log) Counters() Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters
}

// CommitSeq is the sequence of the newest durable commit.
func (l *Log) CommitSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitSeq
}

func (l *Log) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	used := uint64(l.head - l.tail)
	return Status{
		Head:        l.head,
		Tail:        l.tail,
		HeadBlock:   l.phys(l.head),
		TailBlock:   l.phys(l.tail),
		Size:        l.ringSize,
		Used:        used,
		Utilization: float64(used) / float64(l.ringSize),
		Sequence:    l.seq,
		CommitSeq:   l.commitSeq,
		TailSeq:     l.tailSeq,
		LastCkptSeq: l.lastCkptSeq,
		Checksum:    l.csum,
		Aborted:     l.aborted,
	}
}
