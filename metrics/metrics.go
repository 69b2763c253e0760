package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for trackstore metrics.
const (
	Fail = "fail"
	Ok   = "ok"

	RecoveryReplay   = "replay"
	RecoveryRollback = "rollback"
)

// Collectors for trackstore.RowCache metrics. Each is labeled by cache name.
var (
	RowCacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackstore_row_cache_hits_total",
		Help: "Cumulative number of row lookups served from the cache map.",
	}, []string{"cache"})
	RowCacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackstore_row_cache_misses_total",
		Help: "Cumulative number of row lookups which read the backing store.",
	}, []string{"cache"})
	RowCacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackstore_row_cache_evictions_total",
		Help: "Cumulative number of rows evicted from the cache ring.",
	}, []string{"cache"})
	RowCacheFlushedRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackstore_row_cache_flushed_rows_total",
		Help: "Cumulative number of dirty rows written through to the backing store.",
	}, []string{"cache"})
)

// Collectors for timmy.Database metrics.
var (
	TimmyCommitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackstore_timmy_commits_total",
		Help: "Cumulative number of database transactions ended, by status.",
	}, []string{"status"})
	TimmyRecoveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackstore_timmy_recoveries_total",
		Help: "Cumulative number of database opens, by recovery path taken.",
	}, []string{"path"})
	TimmyJournalBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackstore_timmy_journal_bytes_total",
		Help: "Cumulative number of rollforward journal bytes written.",
	})
	TimmyReplayedRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackstore_timmy_replayed_records_total",
		Help: "Cumulative number of journal records applied to table files.",
	})
)

// Collectors returns all trackstore collectors, for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RowCacheHitsTotal,
		RowCacheMissesTotal,
		RowCacheEvictionsTotal,
		RowCacheFlushedRowsTotal,
		TimmyCommitsTotal,
		TimmyRecoveriesTotal,
		TimmyJournalBytesTotal,
		TimmyReplayedRecordsTotal,
	}
}
