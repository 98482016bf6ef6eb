package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-fsjournal/common"
	"github.com/mit-pdos/go-fsjournal/disk"
	"github.com/mit-pdos/go-fsjournal/wal"
)

func logged(id common.TxnID, seq uint64, bns ...common.Bnum) *Txn {
	t := &Txn{ID: id, FirstSeq: seq - 1, Seq: seq}
	for _, bn := range bns {
		b := make(disk.Block, disk.BlockSize)
		b[0] = byte(id)
		t.Tags = append(t.Tags, wal.Tag{Home: bn, Sum: wal.Sum64(b), Flags: wal.TagLogged})
		t.Logged = append(t.Logged, wal.MkBlockData(bn, b))
	}
	return t
}

func TestPlanSupersedes(t *testing.T) {
	t1 := logged(1, 3, 5, 6)
	t2 := &Txn{ID: 2, FirstSeq: 5, Seq: 6, Tags: []wal.Tag{{Home: 5, Sum: 77}}}
	t3 := logged(3, 9, 7)
	t4 := &Txn{ID: 4, FirstSeq: 11, Seq: 12, Revoked: []common.Bnum{7}}
	t5 := logged(5, 15, 5)
	pl := newPlan([]*Txn{t1, t2, t3, t4, t5})

	ups, skipped := pl.updates(t1)
	assert.Equal(t, 1, skipped, "block 5 was rewritten in place")
	require.Len(t, ups, 1)
	assert.Equal(t, common.Bnum(6), ups[0].Addr)

	ups, skipped = pl.updates(t3)
	assert.Empty(t, ups)
	assert.Equal(t, 1, skipped, "block 7 was revoked")

	ups, skipped = pl.updates(t5)
	assert.Len(t, ups, 1, "a logged write after the in-place one is replayed")
	assert.Zero(t, skipped)

	assert.Empty(t, pl.inPlaceFinal(), "block 5's newest write is logged")
	pl = newPlan([]*Txn{t1, t2})
	final := pl.inPlaceFinal()
	require.Len(t, final, 1)
	assert.Equal(t, uint64(77), final[0].Sum)
}

func TestComponents(t *testing.T) {
	txns := []*Txn{
		logged(1, 2, 10, 11),
		logged(2, 4, 20),
		logged(3, 6, 11, 12),
		logged(4, 8, 30),
		{ID: 5, FirstSeq: 9, Seq: 10, Revoked: []common.Bnum{20}},
	}
	comps := components(txns)
	require.Len(t, comps, 3)
	assert.Equal(t, []*Txn{txns[0], txns[2]}, comps[0].Txns)
	assert.Equal(t, []*Txn{txns[1], txns[4]}, comps[1].Txns)
	assert.Equal(t, []*Txn{txns[3]}, comps[2].Txns)
	assert.Equal(t, uint64(8), comps[2].FirstSeq())

	assert.Empty(t, components(nil))
}

func TestUnionFind(t *testing.T) {
	u := newUnionFind(6)
	u.union(0, 1)
	u.union(2, 3)
	u.union(1, 3)
	assert.Equal(t, u.find(0), u.find(2))
	assert.NotEqual(t, u.find(0), u.find(4))
	u.union(4, 5)
	assert.Equal(t, u.find(4), u.find(5))
}
