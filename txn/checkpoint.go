package txn

import (
	"context"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/mit-pdos/go-fsjournal/logging"
	"github.com/mit-pdos/go-fsjournal/metrics"
	"github.com/mit-pdos/go-fsjournal/wal"
)

// Checkpoint makes every committed transaction durable, installs all logged
// blocks at home and writes a checkpoint record, freeing the log space
// before it.
func (m *Manager) Checkpoint() (wal.LogPosition, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if err := m.checkpointLocked(); err != nil {
		return 0, err
	}
	return m.log.Status().Tail, nil
}

// StateHash digests the allocation-group checksums, the commit sequence and
// the installed blocks.
func StateHash(groups []uint64, seq uint64, installed []wal.Update) [32]byte {
	h, _ := blake2b.New256(nil)
	var w [8]byte
	for _, g := range groups {
		binary.LittleEndian.PutUint64(w[:], g)
		h.Write(w[:])
	}
	binary.LittleEndian.PutUint64(w[:], seq)
	h.Write(w[:])
	for _, u := range installed {
		binary.LittleEndian.PutUint64(w[:], u.Addr)
		h.Write(w[:])
		binary.LittleEndian.PutUint64(w[:], wal.Sum64(u.Block))
		h.Write(w[:])
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// checkpointLocked assumes commitMu is held.
func (m *Manager) checkpointLocked() error {
	start := time.Now()
	if err := m.log.Flush(); err != nil {
		return err
	}
	m.markDurable()

	snap := m.uninstalled.Snapshot()
	if err := m.log.Install(snap); err != nil {
		return err
	}
	var ck wal.Checkpoint
	if m.opts.GroupChecksums != nil {
		ck.Groups = m.opts.GroupChecksums()
	}
	ck.StateHash = StateHash(ck.Groups, m.log.CommitSeq(), snap)
	pos, err := m.log.WriteCheckpoint(ck)
	if err != nil {
		return err
	}
	for _, u := range snap {
		m.uninstalled.Delete(u.Addr, u.Block)
	}

	m.mu.Lock()
	m.ckpts++
	m.mu.Unlock()
	metrics.Checkpoints.Inc()
	logging.Debug().
		Uint64("pos", uint64(pos)).
		Int("installed", len(snap)).
		Dur("took", time.Since(start)).
		Msg("checkpoint written")
	return nil
}

// Checkpointer is the service that checkpoints on a fixed interval.
type Checkpointer struct {
	m        *Manager
	interval time.Duration
}

func (m *Manager) Checkpointer(interval time.Duration) *Checkpointer {
	return &Checkpointer{m: m, interval: interval}
}

func (c *Checkpointer) String() string { return "txn-checkpointer" }

func (c *Checkpointer) Serve(ctx context.Context) error {
	if c.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.m.Checkpoint(); err != nil {
				logging.Error().Err(err).Msg("periodic checkpoint failed")
				if c.m.log.Aborted() {
					return err
				}
			}
		}
	}
}

// Close refuses new commits, commits what is queued, checkpoints and
// closes the log. Transactions still running are left to fail on commit.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	active := m.active
	m.mu.Unlock()
	if active > 0 {
		logging.Warn().Int("active", active).Msg("closing with transactions still running")
	}
	if err := m.Flush(ctx); err != nil {
		return err
	}
	if !m.log.Aborted() {
		if _, err := m.Checkpoint(); err != nil {
			return err
		}
	}
	return m.log.Close()
}
