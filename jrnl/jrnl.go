// Package jrnl is the top-level journal API.
//
// Format lays out an empty filesystem on a disk: the log region, allocation
// groups, and inode and dentry tables with a root directory. Mount opens it,
// running recovery first if the log was not closed cleanly, and starts the
// committer and checkpointer under a supervisor.
//
// Callers mutate the filesystem through Ops, which wraps each operation in
// a transaction of the underlying txn.Manager, and learn about commits
// through Subscribe. Close commits everything queued, checkpoints, and
// marks the log clean.
package jrnl

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/mit-pdos/go-fsjournal/alloc"
	"github.com/mit-pdos/go-fsjournal/atomicop"
	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/layout"
	"github.com/mit-pdos/go-fsjournal/logging"
	"github.com/mit-pdos/go-fsjournal/meta"
	"github.com/mit-pdos/go-fsjournal/recovery"
	"github.com/mit-pdos/go-fsjournal/txn"
	"github.com/mit-pdos/go-fsjournal/util"
	"github.com/mit-pdos/go-fsjournal/wal"
)

var ErrClosed = errors.E(errors.Precondition, "journal closed")

// Journal is a mounted filesystem journal.
type Journal struct {
	d      disk.Disk
	opts   Options
	layout *layout.Layout
	log    *wal.Log
	alloc  *alloc.Allocator
	meta   *meta.Journal
	mgr    *txn.Manager
	ops    *atomicop.Ops
	notify *notifier

	recovery *recovery.Report
	orphans  []alloc.Orphan

	cancel context.CancelFunc
	errc   <-chan error

	mu     sync.Mutex
	closed bool
}

// Format writes an empty filesystem to d.
func Format(d disk.Disk, opts Options) (*layout.Layout, error) {
	sz, err := d.Size()
	if err != nil {
		return nil, err
	}
	l, err := layout.Compute(sz, opts.LogBlocks, opts.GroupBlocks)
	if err != nil {
		return nil, err
	}
	_, err = wal.Create(d, l.LogGeometry(), wal.Options{
		Checksum:       opts.Checksum,
		Mode:           opts.Mode,
		CommitInterval: opts.CommitInterval,
	})
	if err != nil {
		return nil, err
	}
	a := alloc.New(l, opts.Strategy, opts.VectorAlign)
	if err := a.Format(d); err != nil {
		return nil, err
	}
	if err := meta.New(l, a, opts.CacheEntries).Format(d); err != nil {
		return nil, err
	}
	if err := d.Barrier(); err != nil {
		return nil, err
	}
	logging.Info().
		Uint64("blocks", sz).
		Uint64("log_blocks", opts.LogBlocks).
		Uint64("groups", l.NGroups).
		Uint64("inodes", l.NInodes()).
		Msg("formatted journal")
	return l, nil
}

// Mount opens a formatted disk. If the log needs recovery it is recovered
// and the allocation bitmaps are reconciled with the inode table before
// Mount returns; Mount fails only if recovery fails.
func Mount(ctx context.Context, d disk.Disk, opts Options) (*Journal, error) {
	log, err := wal.Load(d, 0, opts.Deps)
	if err != nil {
		return nil, err
	}
	sz, err := d.Size()
	if err != nil {
		return nil, err
	}
	l, err := layout.Compute(sz, log.Geometry().NBlocks, opts.GroupBlocks)
	if err != nil {
		return nil, err
	}
	if err := l.CheckLog(log.Geometry()); err != nil {
		return nil, err
	}
	j := &Journal{d: d, opts: opts, layout: l, log: log}

	rec := recovery.New(d, log, opts.Recovery)
	rep, err := rec.Run(ctx)
	if err != nil {
		return nil, err
	}
	j.recovery = rep

	j.alloc = alloc.New(l, opts.Strategy, opts.VectorAlign)
	suspect, err := j.alloc.Load(d)
	if err != nil {
		return nil, err
	}
	j.meta = meta.New(l, j.alloc, opts.CacheEntries)

	topts := opts.Txn
	topts.Kind = l.Kind
	topts.GroupChecksums = j.alloc.Checksums
	j.mgr = txn.NewManager(d, log, topts)
	j.ops = atomicop.New(j.mgr, j.meta)

	if !rep.Clean || len(suspect) > 0 {
		if err := j.reconcile(ctx, suspect); err != nil {
			return nil, err
		}
	}

	j.notify = newNotifier()
	j.mgr.OnCommit(j.notify.publish)

	sup := suture.New("jrnl", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook(),
	})
	sup.Add(j.mgr.Committer())
	if opts.CheckpointInterval > 0 {
		sup.Add(j.mgr.Checkpointer(opts.CheckpointInterval))
	}
	sctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.errc = sup.ServeBackground(sctx)

	logging.Info().
		Str("log", log.ID().String()).
		Str("mode", log.Mode().String()).
		Bool("recovered", !rep.Clean).
		Int("orphans", len(j.orphans)).
		Msg("journal mounted")
	return j, nil
}

// reconcile repairs allocation state in one transaction and checkpoints
// so the repaired state becomes the new recovery starting point. Recovery
// runs before the allocator is loaded, so this checkpoint is the first to
// carry the group checksums after an unclean shutdown.
func (j *Journal) reconcile(ctx context.Context, suspect []uint64) error {
	own, err := j.meta.Ownership(j.d)
	if err != nil {
		return err
	}
	t, err := j.mgr.Begin(ctx, 0, common.OpReconcile, txn.FlagWait)
	if err != nil {
		return err
	}
	orphans, err := j.alloc.Reconcile(t, own)
	if err == nil {
		err = j.alloc.RewriteDescriptors(t, suspect)
	}
	if err != nil {
		j.mgr.Abort(t)
		return err
	}
	if err := j.mgr.Commit(t); err != nil {
		return err
	}
	if _, err := j.mgr.Checkpoint(); err != nil {
		return err
	}
	j.orphans = orphans
	util.DPrintf(1, "jrnl: reconciled %d suspect groups, %d orphans\n", len(suspect), len(orphans))
	return nil
}

func (j *Journal) Ops() *atomicop.Ops { return j.ops }

func (j *Journal) Manager() *txn.Manager { return j.mgr }

func (j *Journal) Layout() *layout.Layout { return j.layout }

func (j *Journal) Allocator() *alloc.Allocator { return j.alloc }

func (j *Journal) Log() *wal.Log { return j.log }

// Recovery reports what Mount's recovery run did.
func (j *Journal) Recovery() recovery.Report { return *j.recovery }

// Orphans lists what reconciliation repaired at mount.
func (j *Journal) Orphans() []alloc.Orphan { return j.orphans }

func (j *Journal) isClosed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closed
}

// Close commits queued transactions, checkpoints, marks the log clean and
// stops the background services.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	err := j.mgr.Close(ctx)
	j.cancel()
	<-j.errc
	if cerr := j.notify.close(); err == nil {
		err = cerr
	}
	if err != nil {
		logging.Error().Err(err).Msg("journal close failed")
		return err
	}
	logging.Info().Str("log", j.log.ID().String()).Msg("journal closed")
	return nil
}
