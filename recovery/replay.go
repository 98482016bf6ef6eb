package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/traverse"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/logging"
	"github.com/mit-pdos/go-fsjournal/wal"
)

// retryPolicy paces the serial second attempt at failed components.
var retryPolicy = retry.MaxTries(retry.Backoff(time.Millisecond, 50*time.Millisecond, 2), 2)

// replay installs every component. Components that fail for a
// non-integrity reason are retried once, serially and in sequence order.
// Integrity failures end recovery at once.
func (e *Engine) replay(ctx context.Context, pl *plan, comps []*Component) error {
	if len(comps) == 0 {
		return nil
	}
	var (
		mu     sync.Mutex
		failed []int
	)
	record := func(i int, err error) error {
		if common.IsIntegrity(err) || common.Has(err, ErrRecoveryFailed) {
			return err
		}
		logging.Warn().Err(err).Int("component", i).
			Uint64("first_seq", comps[i].FirstSeq()).
			Msg("recovery: replay worker failed, will retry")
		mu.Lock()
		failed = append(failed, i)
		mu.Unlock()
		return nil
	}

	if e.opts.Parallel && e.opts.Workers > 1 && len(comps) > 1 {
		rep := e.opts.Reporter
		if rep == nil {
			rep = &progress{}
		}
		err := traverse.T{Limit: e.opts.Workers, Reporter: rep}.Each(len(comps), func(i int) error {
			if err := e.runWorker(ctx, pl, comps[i]); err != nil {
				return record(i, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		for i, c := range comps {
			if err := e.runWorker(ctx, pl, c); err != nil {
				if err := record(i, err); err != nil {
					return err
				}
			}
		}
	}

	sort.Ints(failed)
	for _, i := range failed {
		if err := retry.Wait(ctx, retryPolicy, 1); err != nil {
			return err
		}
		e.update(func(r *Report) { r.Retried++ })
		if err := e.replayComponent(ctx, pl, comps[i], 1); err != nil {
			return common.Wrap(ErrRecoveryFailed, errors.E(fmt.Sprintf("component %d", i), err))
		}
	}
	return nil
}

// runWorker replays one component on its own goroutine, giving up after
// WorkerTimeout. A worker that is given up on is cancelled and joined
// before runWorker returns, so it never writes after its component is
// retried. A worker that does not stop within another WorkerTimeout fails
// recovery.
func (e *Engine) runWorker(ctx context.Context, pl *plan, c *Component) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.replayComponent(wctx, pl, c, 0) }()
	var timeout <-chan time.Time
	if e.opts.WorkerTimeout > 0 {
		t := time.NewTimer(e.opts.WorkerTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case err := <-done:
		return err
	case <-timeout:
		cancel()
		werr, err := e.join(done, c)
		if err != nil {
			return err
		}
		if werr == nil {
			// finished just as the timer fired
			return nil
		}
		return errors.E(ErrWorkerTimeout, fmt.Sprintf("component at seq %d", c.FirstSeq()))
	case <-ctx.Done():
		cancel()
		if _, err := e.join(done, c); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// join waits for a cancelled worker to return. It reports the worker's own
// result, or ErrRecoveryFailed if the worker is still running after the
// grace period.
func (e *Engine) join(done <-chan error, c *Component) (error, error) {
	grace := e.opts.WorkerTimeout
	if grace <= 0 {
		grace = joinGrace
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case werr := <-done:
		return werr, nil
	case <-t.C:
		return nil, common.Wrap(ErrRecoveryFailed,
			errors.E(ErrWorkerTimeout, fmt.Sprintf("component at seq %d did not stop", c.FirstSeq())))
	}
}

const joinGrace = 5 * time.Second

// replayComponent installs c's transactions in sequence order. It stops
// before the next install once ctx is done; counts reach the report only
// when every transaction was installed.
func (e *Engine) replayComponent(ctx context.Context, pl *plan, c *Component, attempt int) error {
	switch attempt {
	case 0:
		if e.opts.Deps.Disrupt(DisruptWorkerFail) {
			return errors.E(errors.Unavailable, "replay worker failed")
		}
		if e.opts.Deps.Disrupt(DisruptWorkerStall) {
			t := time.NewTimer(2 * e.opts.WorkerTimeout)
			select {
			case <-t.C:
			case <-ctx.Done():
			}
			t.Stop()
		}
	default:
		if e.opts.Deps.Disrupt(DisruptRetryFail) {
			return errors.E(errors.Unavailable, "replay retry failed")
		}
	}
	replayed, installed, skipped := 0, 0, 0
	for _, t := range c.Txns {
		ups, n := pl.updates(t)
		skipped += n
		if e.opts.Deps.Disrupt(DisruptWorkerCorrupt) && len(ups) > 0 {
			ups[0].Block = append([]byte(nil), ups[0].Block...)
			ups[0].Block[0] ^= 0xff
		}
		for _, u := range ups {
			if wal.Sum64(u.Block) != pl.sums[t][u.Addr] {
				return errors.E(wal.ErrChecksum,
					fmt.Sprintf("txn %d block %d", t.ID, u.Addr))
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := wal.InstallBlocks(e.d, ups); err != nil {
			return err
		}
		installed += len(ups)
		replayed++
	}
	e.update(func(r *Report) {
		r.Replayed += replayed
		r.Installed += installed
		r.Superseded += skipped
	})
	return nil
}

// progress logs replay progress.
type progress struct {
	mu                     sync.Mutex
	total, running, finish int
}

func (p *progress) Init(n int) {
	p.mu.Lock()
	p.total = n
	p.mu.Unlock()
	logging.Debug().Int("components", n).Msg("recovery: replay started")
}

func (p *progress) Complete() {
	logging.Debug().Int("components", p.total).Msg("recovery: replay finished")
}

func (p *progress) Begin(i int) {
	p.mu.Lock()
	p.running++
	p.mu.Unlock()
}

func (p *progress) End(i int) {
	p.mu.Lock()
	p.running--
	p.finish++
	done, total, running := p.finish, p.total, p.running
	p.mu.Unlock()
	logging.Trace().Int("done", done).Int("total", total).Int("running", running).
		Msg("recovery: component replayed")
}
