package repomgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var commitsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "repomgr_commits_applied",
	Help: "Number of commits applied to storage, by kind",
}, []string{"kind"})

var recordOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "repomgr_record_ops",
	Help: "Number of record operations committed, by action",
}, []string{"action"})

var repoOpsImported = promauto.NewCounter(prometheus.CounterOpts{
	Name: "repomgr_repo_ops_imported",
	Help: "Number of records imported from CAR files",
})

var commitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "repomgr_commit_duration_seconds",
	Help:    "Time to format and apply a commit, by kind",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
}, []string{"kind"})

var lockWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "repomgr_lock_wait_seconds",
	Help:    "Time spent waiting for a per-repository write lock",
	Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
})
