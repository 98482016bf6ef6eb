package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCommit(t *testing.T) {
	before := testutil.ToFloat64(TxnCommits)
	RecordCommit(3 * time.Millisecond)
	RecordCommit(time.Millisecond)
	assert.Equal(t, before+2, testutil.ToFloat64(TxnCommits))
}

func TestRecordAbort(t *testing.T) {
	c := TxnAborts.WithLabelValues("explicit")
	before := testutil.ToFloat64(c)
	RecordAbort("explicit")
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

func TestRecordRecovery(t *testing.T) {
	replayed := RecoveryTxns.WithLabelValues("replayed")
	discarded := RecoveryTxns.WithLabelValues("discarded")
	r0, d0 := testutil.ToFloat64(replayed), testutil.ToFloat64(discarded)
	RecordRecovery("complete", time.Second, 4, 1, 0)
	assert.Equal(t, r0+4, testutil.ToFloat64(replayed))
	assert.Equal(t, d0+1, testutil.ToFloat64(discarded))
}

func TestRecordOrphanAndCache(t *testing.T) {
	o := Orphans.WithLabelValues("block", "reclaim")
	o0 := testutil.ToFloat64(o)
	RecordOrphan("block", "reclaim")
	assert.Equal(t, o0+1, testutil.ToFloat64(o))

	hit := MetaCache.WithLabelValues("hit")
	h0 := testutil.ToFloat64(hit)
	RecordCacheLookup(true)
	RecordCacheLookup(false)
	assert.Equal(t, h0+1, testutil.ToFloat64(hit))
}
