// lockmap is a sharded map of owner-aware block locks.
//
// The API is as if LockMap consisted of a shared/exclusive lock for every
// possible uint64 (which we think of as block addresses);
// LockMap.Acquire(owner, a, mode) acquires the lock associated with a on
// behalf of owner and LockMap.Release(owner, a) releases it.
//
// The implementation doesn't actually maintain all of these locks; it
// instead maintains a fixed collection of shards so that shard i is
// responsible for maintaining the lock state of all a such that a % NSHARD = i.
// Acquiring a lock requires synchronizing with any threads accessing the same
// shard.
//
// Waiters give up after the map's timeout with ErrWouldBlock. Before waiting,
// a waiter records whom it waits for; if that closes a cycle it fails with
// ErrDeadlock instead.
package lockmap

import (
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"

	"github.com/mit-pdos/go-fsjournal/metrics"
	"github.com/mit-pdos/go-fsjournal/util"
)

type Mode int

const (
	Shared Mode = iota + 1
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

var (
	ErrWouldBlock = errors.E(errors.Unavailable, errors.Temporary, "would block")
	ErrDeadlock   = errors.E(errors.Unavailable, errors.Temporary, "deadlock")
)

type lockState struct {
	excl    uint64 // exclusive owner, 0 if none
	shared  map[uint64]struct{}
	cond    *sync.Cond
	waiters uint64
}

func (st *lockState) free() bool {
	return st.excl == 0 && len(st.shared) == 0
}

// grantable reports whether owner can take the lock in mode m now.
func (st *lockState) grantable(owner uint64, m Mode) bool {
	if st.excl != 0 {
		return st.excl == owner
	}
	if m == Shared {
		return true
	}
	for o := range st.shared {
		if o != owner {
			return false
		}
	}
	return true
}

func (st *lockState) holders(owner uint64) []uint64 {
	var hs []uint64
	if st.excl != 0 && st.excl != owner {
		hs = append(hs, st.excl)
	}
	for o := range st.shared {
		if o != owner {
			hs = append(hs, o)
		}
	}
	return hs
}

type lockShard struct {
	mu    *sync.Mutex
	state map[uint64]*lockState
}

func mkLockShard() *lockShard {
	state := make(map[uint64]*lockState)
	mu := new(sync.Mutex)
	a := &lockShard{
		mu:    mu,
		state: state,
	}
	return a
}

// getState assumes mu is held.
func (lmap *lockShard) getState(addr uint64) *lockState {
	state, ok := lmap.state[addr]
	if !ok {
		state = &lockState{
			shared: make(map[uint64]struct{}),
			cond:   sync.NewCond(lmap.mu),
		}
		lmap.state[addr] = state
	}
	return state
}

// gc assumes mu is held.
func (lmap *lockShard) gc(addr uint64, state *lockState) {
	if state.free() && state.waiters == 0 {
		delete(lmap.state, addr)
	}
}

func grant(state *lockState, owner uint64, m Mode) {
	if m == Exclusive {
		delete(state.shared, owner)
		state.excl = owner
	} else if state.excl != owner {
		state.shared[owner] = struct{}{}
	}
}

func (lmap *lockShard) tryAcquire(owner uint64, addr uint64, m Mode) bool {
	lmap.mu.Lock()
	defer lmap.mu.Unlock()
	state := lmap.getState(addr)
	if !state.grantable(owner, m) {
		lmap.gc(addr, state)
		return false
	}
	grant(state, owner, m)
	return true
}

func (lmap *lockShard) acquire(g *waitGraph, owner uint64, addr uint64, m Mode, timeout time.Duration) error {
	lmap.mu.Lock()
	defer lmap.mu.Unlock()
	state := lmap.getState(addr)
	if state.grantable(owner, m) {
		grant(state, owner, m)
		return nil
	}
	if timeout <= 0 {
		lmap.gc(addr, state)
		metrics.RecordLockWait("timeout")
		return ErrWouldBlock
	}

	expired := false
	timer := time.AfterFunc(timeout, func() {
		lmap.mu.Lock()
		expired = true
		state.cond.Broadcast()
		lmap.mu.Unlock()
	})
	defer timer.Stop()
	defer g.clear(owner)

	state.waiters++
	defer func() {
		state.waiters--
		lmap.gc(addr, state)
	}()
	for !state.grantable(owner, m) {
		if g.wait(owner, state.holders(owner)) {
			util.DPrintf(2, "lockmap: %d waiting for %d closes a cycle\n", owner, addr)
			metrics.RecordLockWait("deadlock")
			return errors.E(ErrDeadlock, fmt.Sprintf("owner %d on block %d", owner, addr))
		}
		if expired {
			metrics.RecordLockWait("timeout")
			return errors.E(ErrWouldBlock, fmt.Sprintf("owner %d on block %d after %v", owner, addr, timeout))
		}
		state.cond.Wait()
	}
	grant(state, owner, m)
	metrics.RecordLockWait("acquired")
	return nil
}

func (lmap *lockShard) release(owner uint64, addr uint64) {
	lmap.mu.Lock()
	defer lmap.mu.Unlock()
	state, ok := lmap.state[addr]
	if !ok {
		return
	}
	if state.excl == owner {
		state.excl = 0
	}
	delete(state.shared, owner)
	if state.waiters > 0 {
		state.cond.Broadcast()
	}
	lmap.gc(addr, state)
}

func (lmap *lockShard) holds(owner uint64, addr uint64) (Mode, bool) {
	lmap.mu.Lock()
	defer lmap.mu.Unlock()
	state, ok := lmap.state[addr]
	if !ok {
		return 0, false
	}
	if state.excl == owner {
		return Exclusive, true
	}
	if _, ok := state.shared[owner]; ok {
		return Shared, true
	}
	return 0, false
}

func (lmap *lockShard) exclusiveOwner(addr uint64) (uint64, bool) {
	lmap.mu.Lock()
	defer lmap.mu.Unlock()
	state, ok := lmap.state[addr]
	if !ok || state.excl == 0 {
		return 0, false
	}
	return state.excl, true
}

// waitGraph is the wait-for graph across all shards. Its mutex is a leaf:
// it is taken under a shard mutex and nothing is acquired while holding it.
type waitGraph struct {
	mu    sync.Mutex
	edges map[uint64][]uint64
}

// wait records that owner waits for holders and reports whether that
// closes a cycle; in that case the edges are dropped again.
func (g *waitGraph) wait(owner uint64, holders []uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[owner] = holders
	seen := make(map[uint64]bool)
	var reaches func(o uint64) bool
	reaches = func(o uint64) bool {
		if o == owner {
			return true
		}
		if seen[o] {
			return false
		}
		seen[o] = true
		for _, next := range g.edges[o] {
			if reaches(next) {
				return true
			}
		}
		return false
	}
	for _, h := range holders {
		if reaches(h) {
			delete(g.edges, owner)
			return true
		}
	}
	return false
}

func (g *waitGraph) clear(owner uint64) {
	g.mu.Lock()
	delete(g.edges, owner)
	g.mu.Unlock()
}

const NSHARD uint64 = 43

type LockMap struct {
	shards  []*lockShard
	graph   *waitGraph
	timeout time.Duration
}

// MkLockMap makes a lock map whose waiters give up after timeout. Owners
// must be nonzero.
func MkLockMap(timeout time.Duration) *LockMap {
	var shards []*lockShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkLockShard())
	}
	a := &LockMap{
		shards:  shards,
		graph:   &waitGraph{edges: make(map[uint64][]uint64)},
		timeout: timeout,
	}
	return a
}

func (lmap *LockMap) shard(flataddr uint64) *lockShard {
	return lmap.shards[flataddr%NSHARD]
}

// Acquire takes the lock on flataddr in mode m for owner, waiting at most
// the map's timeout. Re-acquiring a held lock succeeds; asking for
// Exclusive while holding Shared upgrades.
func (lmap *LockMap) Acquire(owner uint64, flataddr uint64, m Mode) error {
	return lmap.shard(flataddr).acquire(lmap.graph, owner, flataddr, m, lmap.timeout)
}

// TryAcquire is Acquire without waiting.
func (lmap *LockMap) TryAcquire(owner uint64, flataddr uint64, m Mode) bool {
	return lmap.shard(flataddr).tryAcquire(owner, flataddr, m)
}

func (lmap *LockMap) Release(owner uint64, flataddr uint64) {
	lmap.shard(flataddr).release(owner, flataddr)
}

func (lmap *LockMap) Holds(owner uint64, flataddr uint64) (Mode, bool) {
	return lmap.shard(flataddr).holds(owner, flataddr)
}

// ExclusiveOwner returns the owner holding flataddr exclusively, if any.
func (lmap *LockMap) ExclusiveOwner(flataddr uint64) (uint64, bool) {
	return lmap.shard(flataddr).exclusiveOwner(flataddr)
}
