// Package metrics exports the journal's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TxnCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jrnl_txn_commits_total",
		Help: "Transactions durably committed",
	})

	TxnAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jrnl_txn_aborts_total",
		Help: "Transactions rolled back",
	}, []string{"reason"}) // explicit, commit_failed

	TxnActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jrnl_txn_active",
		Help: "Outermost transactions currently running or committing",
	})

	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jrnl_commit_duration_seconds",
		Help:    "Time from commit() to durable commit block",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
	})

	CommitBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jrnl_commit_batch_size",
		Help:    "Transactions written per group commit",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	LogBlocksWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jrnl_log_blocks_written_total",
		Help: "Blocks appended to the log ring",
	}, []string{"type"})

	LogUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jrnl_log_utilization_ratio",
		Help: "Fraction of the log ring between tail and head",
	})

	Checkpoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jrnl_checkpoints_total",
		Help: "Checkpoints written",
	})

	LockWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jrnl_lock_waits_total",
		Help: "Block lock acquisitions that had to wait",
	}, []string{"result"}) // acquired, timeout, deadlock

	Recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jrnl_recoveries_total",
		Help: "Recovery runs by outcome",
	}, []string{"outcome"})

	RecoveryTxns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jrnl_recovery_transactions_total",
		Help: "Transactions seen by recovery",
	}, []string{"result"}) // replayed, discarded, superseded

	RecoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jrnl_recovery_duration_seconds",
		Help:    "Wall time of recovery runs",
		Buckets: prometheus.DefBuckets,
	})

	Orphans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jrnl_orphans_total",
		Help: "Orphaned blocks and inodes found by reconciliation",
	}, []string{"kind", "action"})

	MetaCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jrnl_meta_cache_total",
		Help: "Metadata record cache lookups",
	}, []string{"result"}) // hit, miss, evict
)

func RecordCommit(d time.Duration) {
	TxnCommits.Inc()
	CommitDuration.Observe(d.Seconds())
}

func RecordAbort(reason string) {
	TxnAborts.WithLabelValues(reason).Inc()
}

func RecordBatch(n int) {
	CommitBatchSize.Observe(float64(n))
}

func RecordLogBlocks(kind string, n int) {
	LogBlocksWritten.WithLabelValues(kind).Add(float64(n))
}

func RecordLockWait(result string) {
	LockWaits.WithLabelValues(result).Inc()
}

func RecordRecovery(outcome string, d time.Duration, replayed, discarded, superseded int) {
	Recoveries.WithLabelValues(outcome).Inc()
	RecoveryDuration.Observe(d.Seconds())
	RecoveryTxns.WithLabelValues("replayed").Add(float64(replayed))
	RecoveryTxns.WithLabelValues("discarded").Add(float64(discarded))
	RecoveryTxns.WithLabelValues("superseded").Add(float64(superseded))
}

func RecordOrphan(kind, action string) {
	Orphans.WithLabelValues(kind, action).Inc()
}

func RecordCacheLookup(hit bool) {
	if hit {
		MetaCache.WithLabelValues("hit").Inc()
	} else {
		MetaCache.WithLabelValues("miss").Inc()
	}
}
