// Package recovery brings a journal back to a consistent state after an
// unclean shutdown. It scans the log from the tail and pairs descriptors
// with commit records. Committed transactions are replayed to their home
// locations and incomplete ones are discarded. A fresh checkpoint then
// releases the replayed log space.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/logging"
	"github.com/mit-pdos/go-fsjournal/metrics"
	"github.com/mit-pdos/go-fsjournal/txn"
	"github.com/mit-pdos/go-fsjournal/util"
	"github.com/mit-pdos/go-fsjournal/wal"
)

type State int

const (
	Idle State = iota
	Initializing
	Scanning
	Replaying
	Resolving
	Finalizing
	Complete
	Error
)

var stateNames = [...]string{
	Idle:         "idle",
	Initializing: "initializing",
	Scanning:     "scanning",
	Replaying:    "replaying",
	Resolving:    "resolving",
	Finalizing:   "finalizing",
	Complete:     "complete",
	Error:        "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MaxWorkers caps parallel replay.
const MaxWorkers = common.MaxRecoveryWorkers

var (
	ErrWorkerTimeout  = errors.E(errors.Timeout, "recovery worker timed out")
	ErrRecoveryFailed = errors.E(errors.Unavailable, errors.Fatal, "recovery failed")
	ErrAlreadyRun     = errors.E(errors.Precondition, "recovery already ran")
)

// Disruption points consulted through Options.Deps.
const (
	DisruptWorkerFail     = "recovery-worker-fail"
	DisruptWorkerStall    = "recovery-worker-stall"
	DisruptWorkerCorrupt  = "recovery-worker-corrupt"
	DisruptRetryFail      = "recovery-retry-fail"
	DisruptBeforeFinalize = "recovery-before-finalize"
)

type Options struct {
	// Parallel replays independent components on up to Workers
	// goroutines.
	Parallel bool
	Workers  int
	// WorkerTimeout bounds one component's replay; zero means no bound.
	WorkerTimeout time.Duration

	UseChunks   bool
	ChunkBlocks uint64

	Deps wal.Dependencies
	// GroupChecksums supplies the allocation-group checksums recorded in
	// the closing checkpoint. Allocation state is only loaded after
	// recovery, so it may be nil.
	GroupChecksums func() []uint64
	// Reporter receives replay progress; by default progress is logged.
	Reporter traverse.Reporter
}

func DefaultOptions() Options {
	return Options{
		Parallel:      true,
		Workers:       4,
		WorkerTimeout: 30 * time.Second,
		ChunkBlocks:   256,
	}
}

// Report summarizes one recovery run.
type Report struct {
	State      State         `json:"state"`
	Clean      bool          `json:"clean"`
	Scanned    uint64        `json:"scanned_blocks"`
	Committed  int           `json:"committed"`
	Replayed   int           `json:"replayed_txns"`
	Installed  int           `json:"installed_blocks"`
	Superseded int           `json:"superseded_blocks"`
	Discarded  int           `json:"discarded"`
	Dropped    int           `json:"dropped"`
	Ambiguous  int           `json:"ambiguous"`
	Mismatched int           `json:"mismatched"`
	Components int           `json:"components"`
	Retried    int           `json:"retried"`
	Stop       string        `json:"stop,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        string        `json:"error,omitempty"`
}

// Engine runs recovery once against a loaded log.
type Engine struct {
	d    disk.Disk
	log  *wal.Log
	opts Options

	mu     sync.Mutex
	state  State
	report Report
}

func New(d disk.Disk, log *wal.Log, opts Options) *Engine {
	if opts.Deps == nil {
		opts.Deps = wal.ProdDependencies{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Workers > MaxWorkers {
		opts.Workers = MaxWorkers
	}
	return &Engine{d: d, log: log, opts: opts}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.report.State = s
	e.mu.Unlock()
	util.DPrintf(1, "recovery: %v -> %v\n", prev, s)
}

// Report returns a copy of the current report.
func (e *Engine) Report() Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.report
}

func (e *Engine) update(fn func(r *Report)) {
	e.mu.Lock()
	fn(&e.report)
	e.mu.Unlock()
}

// Run recovers the log if it needs it. On success the log accepts appends
// again and its tail sits at a fresh checkpoint.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	e.mu.Unlock()

	start := time.Now()
	e.setState(Initializing)
	if !e.log.NeedsRecovery() {
		e.update(func(r *Report) { r.Clean = true })
		e.setState(Complete)
		metrics.RecordRecovery("clean", time.Since(start), 0, 0, 0)
		r := e.Report()
		return &r, nil
	}
	logging.Info().Str("log", e.log.ID().String()).Msg("recovery: log was not closed cleanly")

	err := e.run(ctx)
	dur := time.Since(start)
	e.update(func(r *Report) { r.Duration = dur })
	r := e.Report()
	if err != nil {
		e.update(func(r *Report) { r.Err = err.Error() })
		e.setState(Error)
		r = e.Report()
		metrics.RecordRecovery("error", dur, r.Replayed, r.Discarded, r.Superseded)
		logging.Error().Err(err).Msg("recovery failed")
		if !common.Has(err, ErrRecoveryFailed) {
			err = common.Wrap(ErrRecoveryFailed, err)
		}
		return &r, err
	}
	e.setState(Complete)
	r = e.Report()
	metrics.RecordRecovery("replayed", dur, r.Replayed, r.Discarded, r.Superseded)
	logging.Info().
		Int("committed", r.Committed).
		Int("replayed", r.Replayed).
		Int("installed", r.Installed).
		Int("superseded", r.Superseded).
		Int("discarded", r.Discarded).
		Int("dropped", r.Dropped).
		Int("components", r.Components).
		Dur("duration", dur).
		Msg("recovery complete")
	return &r, nil
}

func (e *Engine) run(ctx context.Context) error {
	e.setState(Scanning)
	res, err := e.log.Scan(wal.ScanOptions{UseChunks: e.opts.UseChunks, ChunkBlocks: e.opts.ChunkBlocks})
	if err != nil {
		return err
	}
	p, verr := pair(e.log, res.Entries)
	if verr != nil {
		logging.Warn().Err(verr).
			Uint64("txn", uint64(p.corrupt.ID)).
			Int("dropped", len(p.dropped)).
			Msg("recovery: commit checksum mismatch, ignoring the rest of the log")
	}
	e.update(func(r *Report) {
		r.Scanned = res.Blocks
		if res.Stop != nil {
			r.Stop = res.Stop.Error()
		}
		r.Committed = len(p.committed)
		r.Dropped = len(p.dropped)
		if p.corrupt != nil {
			r.Dropped++
		}
	})

	e.setState(Replaying)
	pl := newPlan(p.committed)
	comps := components(p.committed)
	e.update(func(r *Report) { r.Components = len(comps) })

	var amb []ambiguity
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.replay(gctx, pl, comps) })
	g.Go(func() error {
		var err error
		amb, err = e.detect(p, pl)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	e.setState(Resolving)
	e.resolve(amb)

	e.setState(Finalizing)
	if e.opts.Deps.Disrupt(DisruptBeforeFinalize) {
		return errors.E(errors.Unavailable, "recovery interrupted before finalize")
	}
	if err := e.d.Barrier(); err != nil {
		return err
	}
	e.log.Recovered(res.End, res.LastSeq, res.LastTxn)
	var groups []uint64
	if e.opts.GroupChecksums != nil {
		groups = e.opts.GroupChecksums()
	}
	ck := wal.Checkpoint{
		LastTxn:   res.LastTxn,
		Groups:    groups,
		StateHash: txn.StateHash(groups, res.LastSeq, nil),
	}
	if _, err := e.log.WriteCheckpoint(ck); err != nil {
		return err
	}
	return nil
}
