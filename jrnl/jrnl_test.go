package jrnl

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-fsjournal/alloc"
	"github.com/mit-pdos/go-fsjournal/atomicop"
	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/config"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/recovery"
	"github.com/mit-pdos/go-fsjournal/txn"
	"github.com/mit-pdos/go-fsjournal/wal"
)

const diskBlocks uint64 = 2048

// faults fires each named disruption a set number of times.
type faults struct {
	mu   sync.Mutex
	left map[string]int
}

func (f *faults) set(point string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.left == nil {
		f.left = make(map[string]int)
	}
	f.left[point] = n
}

func (f *faults) Disrupt(point string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.left[point] == 0 {
		return false
	}
	f.left[point]--
	return true
}

func testOptions() Options {
	o := DefaultOptions()
	o.LogBlocks = 128
	o.GroupBlocks = 512
	o.CommitInterval = time.Hour
	o.CheckpointInterval = 0
	o.CacheEntries = 64
	o.Txn.LockTimeout = 50 * time.Millisecond
	o.Recovery.WorkerTimeout = time.Second
	return o
}

type JrnlSuite struct {
	suite.Suite
	opts Options
	d    disk.Disk
	j    *Journal
}

func (suite *JrnlSuite) SetupTest() {
	suite.opts = testOptions()
	suite.d = disk.NewMemDisk(diskBlocks)
	_, err := Format(suite.d, suite.opts)
	suite.Require().NoError(err)
	suite.mount()
}

func (suite *JrnlSuite) TearDownTest() {
	if suite.j != nil {
		suite.NoError(suite.j.Close(context.Background()))
	}
}

func TestJrnl(t *testing.T) {
	suite.Run(t, new(JrnlSuite))
}

func (suite *JrnlSuite) mount() *Journal {
	j, err := Mount(context.Background(), suite.d, suite.opts)
	suite.Require().NoError(err)
	suite.j = j
	return j
}

// crash stops the journal's services without committing, checkpointing
// or marking the log clean, as if the machine stopped.
func (suite *JrnlSuite) crash() {
	suite.j.cancel()
	<-suite.j.errc
	suite.j.notify.close()
	suite.j = nil
}

func (suite *JrnlSuite) do(fn func(o *atomicop.Ops, t *txn.Txn) error) error {
	o := suite.j.Ops()
	return o.Do(context.Background(), common.OpMeta, nil, func(t *txn.Txn) error {
		return fn(o, t)
	})
}

func (suite *JrnlSuite) create(name string, data []byte) common.Inum {
	var inum common.Inum
	suite.Require().NoError(suite.do(func(o *atomicop.Ops, t *txn.Txn) error {
		r, err := o.Create(t, common.ROOTINUM, name)
		if err != nil {
			return err
		}
		inum = r.Inode.Inum
		_, err = o.Write(t, inum, 0, data)
		return err
	}))
	return inum
}

// contents reads the whole file name, or returns the lookup error.
func (suite *JrnlSuite) contents(name string) ([]byte, error) {
	var data []byte
	err := suite.do(func(o *atomicop.Ops, t *txn.Txn) error {
		r, err := o.Lookup(t, common.ROOTINUM, name)
		if err != nil {
			return err
		}
		data, err = o.Read(t, r.Inode.Inum, 0, r.Inode.Size)
		return err
	})
	return data, err
}

func (suite *JrnlSuite) TestFormatAndCleanMount() {
	suite.True(suite.j.Recovery().Clean)
	suite.Empty(suite.j.Orphans())
	suite.create("a", []byte("hello"))
	suite.Require().NoError(suite.j.Close(context.Background()))

	j := suite.mount()
	suite.True(j.Recovery().Clean, "close marks the log clean")
	data, err := suite.contents("a")
	suite.Require().NoError(err)
	suite.Equal([]byte("hello"), data)
}

func (suite *JrnlSuite) TestCrashBeforeCommitBlock() {
	suite.Require().NoError(suite.j.Close(context.Background()))
	f := &faults{}
	suite.opts.Deps = f
	j := suite.mount()
	bn := j.Layout().DataStart + 10
	m := j.Manager()

	before := j.Log().CommitSeq()
	ta, err := m.Begin(context.Background(), 0, common.OpWrite, 0)
	suite.Require().NoError(err)
	suite.Require().NoError(ta.Dirty(bn, 0, []byte("A-first")))
	suite.Require().NoError(ta.Dirty(bn+1, 0, []byte("A-second")))
	suite.Require().NoError(m.Commit(ta))
	suite.Equal(before+2, j.Log().CommitSeq())
	suite.Zero(j.Status().Txn.Undurable)

	f.set(wal.DisruptBeforeCommit, 1)
	tb, err := m.Begin(context.Background(), 0, common.OpWrite, 0)
	suite.Require().NoError(err)
	suite.Require().NoError(tb.Dirty(bn, 0, []byte("B-first")))
	suite.True(common.Has(m.Commit(tb), wal.ErrCrashed))
	suite.crash()

	suite.opts.Deps = nil
	j = suite.mount()
	rep := j.Recovery()
	suite.False(rep.Clean)
	suite.Equal(1, rep.Discarded)
	b, err := suite.d.Read(bn)
	suite.Require().NoError(err)
	suite.Equal([]byte("A-first"), b[:7])
	b, err = suite.d.Read(bn + 1)
	suite.Require().NoError(err)
	suite.Equal([]byte("A-second"), b[:8])
}

func (suite *JrnlSuite) TestCommittedOperationsSurviveCrash() {
	big := bytes.Repeat([]byte("z"), int(3*disk.BlockSize))
	suite.create("a", []byte("alpha"))
	suite.create("b", big)
	suite.Require().NoError(suite.do(func(o *atomicop.Ops, t *txn.Txn) error {
		_, err := o.Rename(t, common.ROOTINUM, "a", common.ROOTINUM, "c")
		return err
	}))
	freeBlocks := suite.j.Allocator().FreeBlockCount()
	suite.crash()

	j := suite.mount()
	suite.False(j.Recovery().Clean)
	suite.Empty(j.Orphans())

	// the mount checkpoint records the loaded allocation groups
	res, err := j.Log().Scan(wal.ScanOptions{})
	suite.Require().NoError(err)
	suite.Require().NotEmpty(res.Entries)
	ck := res.Entries[0].Checkpoint
	suite.Require().NotNil(ck)
	suite.Len(ck.Groups, int(j.Layout().NGroups))
	suite.Equal(j.Allocator().Checksums(), ck.Groups)

	_, err = suite.contents("a")
	suite.True(errors.Is(errors.NotExist, err))
	data, err := suite.contents("c")
	suite.Require().NoError(err)
	suite.Equal([]byte("alpha"), data)
	data, err = suite.contents("b")
	suite.Require().NoError(err)
	suite.Equal(big, data)
	suite.Equal(freeBlocks, j.Allocator().FreeBlockCount())
}

func (suite *JrnlSuite) TestUnflushedAsyncCommitIsLost() {
	suite.Require().NoError(suite.j.Close(context.Background()))
	fd := disk.NewFaultDisk(suite.d)
	suite.opts.Txn.Async = true
	j, err := Mount(context.Background(), fd, suite.opts)
	suite.Require().NoError(err)
	suite.j = j

	suite.create("a", []byte("kept"))
	suite.Require().NoError(j.ForceCommitAll(context.Background()))
	suite.create("b", []byte("lost"))
	fd.Crash()
	suite.crash()

	suite.opts.Txn.Async = false
	suite.mount()
	data, err := suite.contents("a")
	suite.Require().NoError(err)
	suite.Equal([]byte("kept"), data)
	_, err = suite.contents("b")
	suite.True(errors.Is(errors.NotExist, err))
}

func (suite *JrnlSuite) TestNestedRollbackSurvivesCrash() {
	m := suite.j.Manager()
	o := suite.j.Ops()
	outer, err := m.Begin(context.Background(), 0, common.OpMeta, 0)
	suite.Require().NoError(err)
	_, err = o.Create(outer, common.ROOTINUM, "keep")
	suite.Require().NoError(err)
	inner, err := m.BeginNested(outer, common.OpCreate)
	suite.Require().NoError(err)
	_, err = o.Create(inner, common.ROOTINUM, "drop")
	suite.Require().NoError(err)
	suite.Require().NoError(m.Abort(inner))
	suite.Require().NoError(m.Commit(outer))
	suite.crash()

	suite.mount()
	_, err = suite.contents("keep")
	suite.NoError(err)
	_, err = suite.contents("drop")
	suite.True(errors.Is(errors.NotExist, err))
}

func (suite *JrnlSuite) TestOrphansReclaimedAtMount() {
	var bns []common.Bnum
	var inum common.Inum
	suite.Require().NoError(suite.do(func(o *atomicop.Ops, t *txn.Txn) error {
		var err error
		bns, err = suite.j.Allocator().AllocBlocks(t, 2)
		if err != nil {
			return err
		}
		inum, err = suite.j.Allocator().AllocInode(t)
		return err
	}))
	owned := suite.create("owned", []byte("data"))
	suite.crash()

	j := suite.mount()
	var blocks, inodes int
	for _, o := range j.Orphans() {
		suite.Equal(alloc.Reclaim, o.Action)
		if o.Inode {
			suite.Equal(uint64(inum), o.Num)
			inodes++
		} else {
			suite.Contains(bns, o.Num)
			blocks++
		}
	}
	suite.Equal(2, blocks)
	suite.Equal(1, inodes)
	for _, bn := range bns {
		suite.False(j.Allocator().IsBlockAllocated(bn))
	}
	suite.False(j.Allocator().IsInodeAllocated(inum))
	suite.True(j.Allocator().IsInodeAllocated(owned))
}

func (suite *JrnlSuite) TestInterruptedRecoveryCanBeRepeated() {
	suite.create("a", []byte("again"))
	suite.crash()

	f := &faults{}
	f.set(recovery.DisruptBeforeFinalize, 1)
	suite.opts.Recovery.Deps = f
	_, err := Mount(context.Background(), suite.d, suite.opts)
	suite.True(common.Has(err, recovery.ErrRecoveryFailed))

	j := suite.mount()
	suite.False(j.Recovery().Clean)
	data, err := suite.contents("a")
	suite.Require().NoError(err)
	suite.Equal([]byte("again"), data)
}

func (suite *JrnlSuite) TestFailedReplayRefusesMount() {
	suite.create("b", []byte("twice"))
	suite.crash()

	f := &faults{}
	f.set(recovery.DisruptWorkerFail, 1)
	f.set(recovery.DisruptRetryFail, 1)
	suite.opts.Recovery.Deps = f
	j, err := Mount(context.Background(), suite.d, suite.opts)
	suite.Nil(j)
	suite.True(common.Has(err, recovery.ErrRecoveryFailed))

	j = suite.mount()
	suite.False(j.Recovery().Clean)
	suite.Equal(recovery.Complete, j.Recovery().State)
	data, err := suite.contents("b")
	suite.Require().NoError(err)
	suite.Equal([]byte("twice"), data)
}

func (suite *JrnlSuite) TestSubscribe() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := suite.j.Subscribe(ctx)
	suite.Require().NoError(err)

	var inum common.Inum
	suite.Require().NoError(suite.j.Ops().Do(ctx, common.OpCreate, nil, func(t *txn.Txn) error {
		r, err := suite.j.Ops().Create(t, common.ROOTINUM, "watched")
		if err == nil {
			inum = r.Inode.Inum
		}
		return err
	}))

	select {
	case msg := <-msgs:
		ci, err := DecodeCommit(msg)
		suite.Require().NoError(err)
		msg.Ack()
		suite.Equal(common.OpCreate, ci.Op)
		suite.Contains(ci.Objects, uint64(inum))
		suite.True(ci.Durable)
		suite.Equal(common.OpCreate.String(), msg.Metadata.Get("op"))
	case <-time.After(5 * time.Second):
		suite.Fail("no commit notification")
	}
}

func (suite *JrnlSuite) TestAdmin() {
	st := suite.j.Status()
	suite.Equal("full", st.Mode)
	suite.False(st.Aborted)

	suite.j.SetMode(common.ModeOrdered)
	suite.Equal(common.ModeOrdered, suite.j.Log().Mode())
	suite.create("a", bytes.Repeat([]byte("o"), 100))

	stats := suite.j.Stats()
	suite.Equal(suite.j.Allocator().FreeBlockCount(), stats.FreeBlocks)
	suite.Len(stats.Groups, int(suite.j.Layout().NGroups))
	suite.NotZero(stats.Counters.Commits)

	suite.NoError(suite.j.ForceCommitAll(context.Background()))
	_, err := suite.j.CreateCheckpoint()
	suite.NoError(err)
	suite.NotZero(suite.j.Status().Txn.Checkpoints)

	suite.Error(suite.j.SetLogLevel("loud"))
	suite.NoError(suite.j.SetLogLevel("debug"))
	suite.NoError(suite.j.SetLogLevel("info"))
	suite.j.SetTrace(0)

	suite.Require().NoError(suite.j.Close(context.Background()))
	suite.True(common.Has(suite.j.ForceCommitAll(context.Background()), ErrClosed))
	_, err = suite.j.CreateCheckpoint()
	suite.True(common.Has(err, ErrClosed))
	suite.j = nil
}

func TestFromConfig(t *testing.T) {
	c := config.Default()
	c.Journal.Mode = "writeback"
	c.Journal.Checksum = "strict"
	c.Alloc.Strategy = "best-fit"
	o, err := FromConfig(c)
	require.NoError(t, err)
	assert.Equal(t, common.ModeWriteback, o.Mode)
	assert.Equal(t, wal.ChecksumStrict, o.Checksum)
	assert.Equal(t, alloc.BestFit, o.Strategy)
	assert.Equal(t, c.Journal.MaxBlocksPerTxn, o.Txn.MaxBlocks)
	assert.Equal(t, c.Recovery.Workers, o.Recovery.Workers)

	c.Journal.Mode = "sometimes"
	_, err = FromConfig(c)
	assert.Error(t, err)
}
