package txn

import (
	"context"
	"time"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/logging"
	"github.com/mit-pdos/go-fsjournal/metrics"
	"github.com/mit-pdos/go-fsjournal/util"
	"github.com/mit-pdos/go-fsjournal/wal"
)

const defaultCommitInterval = 5 * time.Second

// request is a transaction to commit, or, with t nil, a flush barrier that
// completes once everything queued before it is durable.
type request struct {
	t     *Txn
	sync  bool
	flush chan error
}

func (m *Manager) enqueue(req request) error {
	m.mu.Lock()
	closed := m.closed && req.t != nil
	m.mu.Unlock()
	if closed {
		return ErrShutdown
	}
	m.reqs <- req
	return nil
}

// Committer is the service that appends queued transactions to the log.
type Committer struct {
	m        *Manager
	interval time.Duration
}

func (m *Manager) Committer() *Committer {
	iv := m.log.CommitInterval()
	if iv <= 0 {
		iv = defaultCommitInterval
	}
	return &Committer{m: m, interval: iv}
}

func (c *Committer) String() string { return "txn-committer" }

// Serve commits transactions in the order they were queued, one batch per
// log append, and makes asynchronous commits durable every interval. On
// cancellation it commits whatever is still queued before returning.
func (c *Committer) Serve(ctx context.Context) error {
	m := c.m
	m.running.Store(true)
	defer m.running.Store(false)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return ctx.Err()
		case req := <-m.reqs:
			m.process(m.gather(req))
		case <-ticker.C:
			if err := m.flushLog(); err != nil {
				logging.Error().Err(err).Msg("periodic log flush failed")
			}
		}
	}
}

// gather collects queued requests behind first, up to the batch size. A
// flush request ends the batch.
func (m *Manager) gather(first request) []request {
	batch := []request{first}
	if first.flush != nil {
		return batch
	}
	for len(batch) < m.opts.BatchSize {
		select {
		case req := <-m.reqs:
			batch = append(batch, req)
			if req.flush != nil {
				return batch
			}
		default:
			return batch
		}
	}
	return batch
}

// drain commits everything queued without waiting for more.
func (m *Manager) drain() {
	for {
		select {
		case req := <-m.reqs:
			m.process(m.gather(req))
		default:
			return
		}
	}
}

func (m *Manager) process(batch []request) {
	var txns []*Txn
	sync := false
	for _, req := range batch {
		if req.t != nil {
			txns = append(txns, req.t)
			sync = sync || req.sync
		}
	}
	if len(txns) > 0 {
		m.commitBatch(txns, sync)
	}
	for _, req := range batch {
		if req.flush != nil {
			req.flush <- m.flushLog()
		}
	}
}

// Flush waits until every transaction committed before the call is durable.
func (m *Manager) Flush(ctx context.Context) error {
	if !m.running.Load() {
		m.drain()
		return m.flushLog()
	}
	done := make(chan error, 1)
	if err := m.enqueue(request{flush: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) flushLog() error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if err := m.log.Flush(); err != nil {
		return err
	}
	m.markDurable()
	return nil
}

// markDurable assumes commitMu is held and the log was just flushed.
func (m *Manager) markDurable() {
	m.mu.Lock()
	txns := m.undurable
	m.undurable = nil
	m.mu.Unlock()
	for _, t := range txns {
		t.mu.Lock()
		t.durable = true
		t.mu.Unlock()
		m.maybeForget(t)
	}
}

// appendLocked appends writes, checkpointing once to make room if the log
// is full.
func (m *Manager) appendLocked(writes []wal.TxnWrite, sync bool) ([]wal.AppendResult, error) {
	res, err := m.log.AppendTxn(writes, sync)
	if !common.Has(err, wal.ErrOutOfLogSpace) {
		return res, err
	}
	util.DPrintf(1, "commit: log full, checkpointing\n")
	if err := m.checkpointLocked(); err != nil {
		return nil, err
	}
	return m.log.AppendTxn(writes, sync)
}

func (m *Manager) commitBatch(txns []*Txn, sync bool) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	mode := m.log.Mode()
	writes := make([]wal.TxnWrite, len(txns))
	var inPlace []wal.Update
	for i, t := range txns {
		writes[i] = t.logWrite(mode, m.opts.Kind)
		inPlace = append(inPlace, writes[i].InPlace...)
	}

	if mode == common.ModeOrdered && len(inPlace) > 0 {
		err := wal.InstallBlocks(m.d, inPlace)
		if err == nil {
			err = m.d.Barrier()
		}
		if err != nil {
			m.failCommit(txns, err)
			return
		}
	}

	res, err := m.appendLocked(writes, sync)
	if err == nil {
		for i, t := range txns {
			m.completeCommit(t, &writes[i], res[i], mode, sync)
		}
		metrics.RecordBatch(len(txns))
		return
	}
	if !common.Has(err, wal.ErrOutOfLogSpace) || len(txns) == 1 {
		m.failCommit(txns, err)
		return
	}

	// the batch as a whole does not fit; commit what does, one at a time
	for i, t := range txns {
		r, err := m.appendLocked(writes[i:i+1], sync)
		if err != nil {
			m.failCommit([]*Txn{t}, err)
			continue
		}
		m.completeCommit(t, &writes[i], r[0], mode, sync)
		metrics.RecordBatch(1)
	}
}

func (m *Manager) completeCommit(t *Txn, w *wal.TxnWrite, res wal.AppendResult, mode common.Mode, sync bool) {
	if mode == common.ModeWriteback && len(w.InPlace) > 0 {
		if err := wal.InstallBlocks(m.d, w.InPlace); err != nil {
			logging.Error().Err(err).Uint64("txn", uint64(t.id)).Msg("writeback of file data failed")
		}
	}
	m.uninstalled.MultiWrite(w.Logged)
	for _, u := range w.InPlace {
		m.uninstalled.Delete(u.Addr, nil)
	}

	t.mu.Lock()
	t.result = res
	t.durable = sync
	t.bufs = nil
	t.order = nil
	objects := t.objects
	t.mu.Unlock()
	if !sync {
		m.mu.Lock()
		m.undurable = append(m.undurable, t)
		m.mu.Unlock()
	}
	t.releaseLocks()
	t.finish(Finished, nil)
	m.endOutermost(t)
	metrics.RecordCommit(time.Since(t.begun))
	util.DPrintf(3, "Commit: %v seq %d-%d\n", t, res.FirstSeq, res.LastSeq)

	m.mu.Lock()
	hook := m.onCommit
	m.mu.Unlock()
	if hook != nil {
		blocks := make([]common.Bnum, 0, len(w.Logged)+len(w.InPlace))
		for _, u := range w.Logged {
			blocks = append(blocks, u.Addr)
		}
		for _, u := range w.InPlace {
			blocks = append(blocks, u.Addr)
		}
		hook(CommitInfo{
			TxnID:     t.id,
			Op:        t.op,
			Objects:   util.SortedUniq(objects),
			Blocks:    util.SortedUniq(blocks),
			CommitSeq: res.LastSeq,
			Durable:   sync,
		})
	}
	m.maybeForget(t)
}

func (m *Manager) failCommit(txns []*Txn, err error) {
	for _, t := range txns {
		m.abort(t, err, "commit")
	}
}

// Result locates a committed transaction's records in the log.
func (t *Txn) Result() wal.AppendResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Durable reports whether the transaction's commit record is behind a
// barrier.
func (t *Txn) Durable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.durable
}
