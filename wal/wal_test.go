package wal

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
)

const (
	logStart  common.Bnum = 1
	logBlocks uint64      = 65
	diskSize  uint64      = 2000
	dataStart common.Bnum = 200
)

// crashAt fires the named disruption on its (after+1)-th visit.
type crashAt struct {
	point string
	after int
	n     int
}

func (c *crashAt) Disrupt(p string) bool {
	if p != c.point {
		return false
	}
	c.n++
	return c.n > c.after
}

type WalSuite struct {
	suite.Suite
	d disk.Disk
	l *Log
}

func (suite *WalSuite) SetupTest() {
	suite.d = disk.NewMemDisk(diskSize)
	l, err := Create(suite.d, Geometry{Start: logStart, NBlocks: logBlocks}, Options{})
	suite.Require().NoError(err)
	suite.l = l
}

// restart reloads the log from disk without closing it, as after a crash.
func (suite *WalSuite) restart() *Log {
	l, err := Load(suite.d, logStart, nil)
	suite.Require().NoError(err)
	suite.l = l
	return l
}

func TestWal(t *testing.T) {
	suite.Run(t, new(WalSuite))
}

func mkBlock(b byte) disk.Block {
	block := make(disk.Block, disk.BlockSize)
	for i := range block {
		block[i] = b
	}
	return block
}

var block1 = mkBlock(1)
var block2 = mkBlock(2)

// contiguousTxn gives a transaction that writes b to numWrites data blocks
// starting at start.
func contiguousTxn(id common.TxnID, start uint64, numWrites int, b disk.Block) TxnWrite {
	tw := TxnWrite{TxnID: id, Op: common.OpWrite}
	for i := 0; i < numWrites; i++ {
		tw.Logged = append(tw.Logged, MkBlockData(dataStart+start+uint64(i), b))
	}
	return tw
}

func (suite *WalSuite) appendTxn(tw TxnWrite) AppendResult {
	res, err := suite.l.AppendTxn([]TxnWrite{tw}, true)
	suite.Require().NoError(err)
	return res[0]
}

func (suite *WalSuite) TestCreateLoad() {
	suite.False(suite.l.NeedsRecovery())
	l := suite.restart()
	suite.False(l.NeedsRecovery(), "fresh log is clean")
	suite.Equal(logBlocks-1, l.RingSize())
	suite.Equal(ChecksumFast, l.Checksum())
	st := l.Status()
	suite.Equal(LogPosition(0), st.Head)
	suite.Equal(uint64(1), st.TailSeq)
	suite.Equal(logStart+1, st.HeadBlock)
}

func (suite *WalSuite) TestCommitAdvancesSequenceByTwo() {
	before := suite.l.CommitSeq()
	res := suite.appendTxn(contiguousTxn(1, 10, 2, block1))
	suite.Equal(before+2, suite.l.CommitSeq(),
		"descriptor and commit are the only header records")
	suite.Equal(LogPosition(4), res.End-res.Start)
	suite.Equal(res.FirstSeq+1, res.LastSeq)
}

func (suite *WalSuite) TestScanFindsTxn() {
	suite.appendTxn(contiguousTxn(7, 10, 2, block1))
	res, err := suite.l.Scan(ScanOptions{})
	suite.Require().NoError(err)
	suite.Require().Len(res.Entries, 4)
	suite.Equal(BlockDescriptor, res.Entries[0].Type)
	suite.Equal(BlockData, res.Entries[1].Type)
	suite.Equal(dataStart+10, res.Entries[1].Tag.Home)
	suite.Equal(block1, res.Entries[2].Data)
	suite.Equal(BlockCommit, res.Entries[3].Type)
	suite.Equal(common.TxnID(7), res.Entries[3].TxnID)
	suite.Equal(uint64(2), res.Entries[3].Commit.NBlocks)
	suite.Equal(LogPosition(4), res.End)
	suite.Equal(common.TxnID(7), res.LastTxn)
	suite.NotNil(res.Stop, "zeroed block after the txn ends the scan")
}

func (suite *WalSuite) TestChunkedScanMatches() {
	suite.appendTxn(contiguousTxn(1, 0, 3, block1))
	suite.appendTxn(contiguousTxn(2, 5, 1, block2))
	plain, err := suite.l.Scan(ScanOptions{})
	suite.Require().NoError(err)
	chunked, err := suite.l.Scan(ScanOptions{UseChunks: true, ChunkBlocks: 3})
	suite.Require().NoError(err)
	suite.Equal(plain.End, chunked.End)
	suite.Equal(plain.Entries, chunked.Entries)
}

func (suite *WalSuite) TestOutOfLogSpace() {
	suite.appendTxn(contiguousTxn(1, 0, 40, block1))
	before := suite.l.Status()
	_, err := suite.l.AppendTxn([]TxnWrite{contiguousTxn(2, 100, 30, block2)}, true)
	suite.Require().Error(err)
	suite.True(common.Has(err, ErrOutOfLogSpace))
	suite.True(common.Retryable(err))
	suite.Equal(before, suite.l.Status(), "failed reservation has no side effects")
}

func (suite *WalSuite) TestCheckpointReleasesAndWraps() {
	for i := 0; i < 3; i++ {
		suite.appendTxn(contiguousTxn(common.TxnID(i+1), uint64(i*10), 10, block1))
	}
	// 3 txns of 12 blocks; the caller has installed them
	pos, err := suite.l.WriteCheckpoint(Checkpoint{Groups: []uint64{42}})
	suite.Require().NoError(err)
	suite.Equal(LogPosition(36), pos)
	st := suite.l.Status()
	suite.Equal(pos, st.Tail)
	suite.Equal(uint64(1), st.Used)

	// these wrap around the 64-block ring
	for i := 0; i < 3; i++ {
		suite.appendTxn(contiguousTxn(common.TxnID(10+i), uint64(i*10), 10, block2))
	}
	suite.Greater(uint64(suite.l.Status().Head), suite.l.RingSize())

	res, err := suite.l.Scan(ScanOptions{})
	suite.Require().NoError(err)
	suite.Require().Len(res.Entries, 1+3*12)
	suite.Equal(BlockCheckpoint, res.Entries[0].Type)
	suite.Equal([]uint64{42}, res.Entries[0].Checkpoint.Groups)
	suite.Equal(common.TxnID(12), res.LastTxn)
	suite.Equal(suite.l.Status().Head, res.End)
}

func (suite *WalSuite) TestCheckpointOnFullRing() {
	for i := 0; i < 4; i++ {
		suite.appendTxn(contiguousTxn(common.TxnID(i+1), 0, 14, block1))
	}
	suite.Equal(suite.l.RingSize(), suite.l.Status().Used)
	_, err := suite.l.WriteCheckpoint(Checkpoint{})
	suite.Require().NoError(err)
	suite.Equal(uint64(1), suite.l.Status().Used)
}

func (suite *WalSuite) TestUncleanMarker() {
	suite.appendTxn(contiguousTxn(1, 0, 1, block1))
	l := suite.restart()
	suite.True(l.NeedsRecovery(), "crash after an append must be detected")
	_, err := l.AppendTxn([]TxnWrite{contiguousTxn(2, 0, 1, block1)}, true)
	suite.True(errors.Is(errors.Precondition, err), "appends wait for recovery")

	res, err := l.Scan(ScanOptions{})
	suite.Require().NoError(err)
	l.Recovered(res.End, res.LastSeq, res.LastTxn)
	suite.Equal(common.TxnID(1), l.LastTxnID())
	_, err = l.WriteCheckpoint(Checkpoint{})
	suite.Require().NoError(err)
	suite.Require().NoError(l.Close())

	l = suite.restart()
	suite.False(l.NeedsRecovery())
	suite.Equal(uint64(1), l.Counters().Recoveries)
}

func (suite *WalSuite) TestCloseWithoutCheckpointStaysUnclean() {
	suite.appendTxn(contiguousTxn(1, 0, 1, block1))
	suite.Require().NoError(suite.l.Close())
	suite.True(suite.restart().NeedsRecovery(),
		"uninstalled commits need replay on the next mount")
}

func (suite *WalSuite) TestCorruptSuperblock() {
	suite.Require().NoError(disk.CorruptByte(suite.d, logStart, 60))
	_, err := Load(suite.d, logStart, nil)
	suite.Require().Error(err)
	suite.True(errors.Is(errors.Integrity, err))
}

func (suite *WalSuite) TestStaleJournalIgnored() {
	suite.appendTxn(contiguousTxn(1, 0, 2, block1))
	l, err := Create(suite.d, Geometry{Start: logStart, NBlocks: logBlocks}, Options{})
	suite.Require().NoError(err)
	res, err := l.Scan(ScanOptions{})
	suite.Require().NoError(err)
	suite.Empty(res.Entries, "blocks of the previous journal carry another id")
}

func (suite *WalSuite) TestCrashBeforeCommit() {
	deps := &crashAt{point: DisruptBeforeCommit}
	l, err := Create(suite.d, Geometry{Start: logStart, NBlocks: logBlocks}, Options{Deps: deps})
	suite.Require().NoError(err)
	_, err = l.AppendTxn([]TxnWrite{contiguousTxn(3, 0, 2, block2)}, true)
	suite.True(common.Has(err, ErrCrashed))
	suite.True(l.Aborted())

	l = suite.restart()
	suite.True(l.NeedsRecovery())
	res, err := l.Scan(ScanOptions{})
	suite.Require().NoError(err)
	suite.Require().Len(res.Entries, 3, "descriptor and data, no commit")
	suite.Equal(BlockDescriptor, res.Entries[0].Type)
	suite.NotNil(res.Stop)
}

func (suite *WalSuite) TestCorruptDataEndsScan() {
	suite.appendTxn(contiguousTxn(1, 0, 2, block1))
	suite.appendTxn(contiguousTxn(2, 5, 2, block2))
	// second data block of the first txn
	suite.Require().NoError(disk.CorruptByte(suite.d, logStart+1+2, 100))
	res, err := suite.l.Scan(ScanOptions{})
	suite.Require().NoError(err)
	suite.Len(res.Entries, 2)
	suite.Equal(LogPosition(2), res.End)
	suite.True(errors.Is(errors.Integrity, res.Stop))
}

func (suite *WalSuite) TestManyBlocksSplitDescriptors() {
	d := disk.NewMemDisk(diskSize)
	l, err := Create(d, Geometry{Start: logStart, NBlocks: 400}, Options{Checksum: ChecksumStrict})
	suite.Require().NoError(err)
	tw := TxnWrite{TxnID: 9, Op: common.OpWrite}
	for i := uint64(0); i < MAXTAGS+5; i++ {
		tw.Logged = append(tw.Logged, MkBlockData(500+i, mkBlock(byte(i))))
	}
	tw.Revoked = []common.Bnum{1000, 1001}
	res, err := l.AppendTxn([]TxnWrite{tw}, true)
	suite.Require().NoError(err)
	suite.Equal(uint64(4), res[0].LastSeq-res[0].FirstSeq+1,
		"two descriptors, a revocation and a commit")

	sr, err := l.Scan(ScanOptions{})
	suite.Require().NoError(err)
	var descs, data int
	var commit *Commit
	for _, e := range sr.Entries {
		switch e.Type {
		case BlockDescriptor:
			descs++
		case BlockData:
			suite.Equal(mkBlock(byte(e.Tag.Home-500)), e.Data)
			data++
		case BlockCommit:
			commit = e.Commit
		}
	}
	suite.Equal(2, descs)
	suite.Equal(int(MAXTAGS+5), data)
	suite.Require().NotNil(commit)
	suite.Equal(uint64(2), commit.NDesc)
	suite.Len(commit.Sum, 32)
}

func (suite *WalSuite) TestReadAt() {
	res := suite.appendTxn(contiguousTxn(4, 0, 1, block1))
	e, err := suite.l.ReadAt(res.Start)
	suite.Require().NoError(err)
	suite.Equal(BlockDescriptor, e.Type)
	e, err = suite.l.ReadAt(res.End - 1)
	suite.Require().NoError(err)
	suite.Equal(BlockCommit, e.Type)
	_, err = suite.l.ReadAt(res.Start + 1)
	suite.Error(err, "raw data is not a header")
}

func TestDescriptorChunks(t *testing.T) {
	assert := assert.New(t)
	ds := descriptorChunks(nil)
	assert.Len(ds, 1)
	assert.False(ds[0].More)

	tags := make([]Tag, MAXTAGS*2+1)
	ds = descriptorChunks(tags)
	assert.Len(ds, 3)
	assert.True(ds[0].More)
	assert.True(ds[1].More)
	assert.False(ds[2].More)
	assert.Len(ds[2].Tags, 1)
}

func TestRecordCodecs(t *testing.T) {
	require := require.New(t)
	c := &Commit{Op: common.OpRename, NBlocks: 3, NDesc: 1, FirstSeq: 17, Sum: []byte{1, 2, 3}}
	c2, err := decodeCommit(encodeCommit(c))
	require.NoError(err)
	require.Equal(c, c2)

	_, err = decodeDescriptor([]byte{1, 2})
	require.True(errors.Is(errors.Integrity, err))

	h := hdr{jid: 5, typ: BlockBarrier, seq: 3, csum: ChecksumFast}
	b := encodeHeader(h, nil)
	_, _, err = decodeHeader(b, 6)
	require.Error(err, "foreign journal id")
	b[HDRSZ+1] ^= 1
	_, _, err = decodeHeader(b, 5)
	require.True(errors.Is(errors.Integrity, err))
}
