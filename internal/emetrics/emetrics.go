// Package emetrics provides Prometheus metrics for the ekv storage engine.
package emetrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one Database instance. Each
// instance gets its own registry so opening more than one Database (as
// tests routinely do) never collides on a shared default registerer.
type Metrics struct {
	Registry *prometheus.Registry

	PagesErasedTotal     prometheus.Counter
	PagesWrittenTotal    prometheus.Counter
	PagesAllocatedTotal  prometheus.Counter
	OrphanPagesReclaimed prometheus.Counter
	FlashFullTotal       prometheus.Counter
	CorruptedPagesTotal  prometheus.Counter

	CompactionsTotal    *prometheus.CounterVec
	CompactionDuration  *prometheus.HistogramVec
	WriteTxDuration     prometheus.Histogram
	ReadTxDuration      prometheus.Histogram
	WriteTxCommitsTotal prometheus.Counter
	WriteTxAbortsTotal  prometheus.Counter

	FreePagesGauge prometheus.Gauge
	LevelFilesGauge *prometheus.GaugeVec
}

// New creates and registers all metrics against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		PagesErasedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ekv_pages_erased_total",
			Help: "Total number of page erases issued by format and meta publication (lazy erases before a page's first write and orphan erases at mount are not counted).",
		}),
		PagesWrittenTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ekv_pages_written_total",
			Help: "Total number of meta pages written.",
		}),
		PagesAllocatedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ekv_pages_allocated_total",
			Help: "Total number of pages allocated to extend a write transaction's file beyond its head page.",
		}),
		OrphanPagesReclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "ekv_orphan_pages_reclaimed_total",
			Help: "Total number of orphan pages returned to the free set.",
		}),
		FlashFullTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ekv_flash_full_total",
			Help: "Total number of times a write transaction found no free page to extend its file.",
		}),
		CorruptedPagesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ekv_corrupted_pages_total",
			Help: "Total number of pages that failed header or chunk validation.",
		}),
		CompactionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ekv_compactions_total",
			Help: "Total number of compaction passes, by level.",
		}, []string{"level"}),
		CompactionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ekv_compaction_duration_seconds",
			Help:    "Duration of compaction passes, by level.",
			Buckets: prometheus.DefBuckets,
		}, []string{"level"}),
		WriteTxDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ekv_write_tx_duration_seconds",
			Help:    "Duration of write transaction Commit calls.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		ReadTxDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ekv_read_tx_duration_seconds",
			Help:    "Duration of read transactions.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
		WriteTxCommitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ekv_write_tx_commits_total",
			Help: "Total number of committed write transactions.",
		}),
		WriteTxAbortsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "ekv_write_tx_aborts_total",
			Help: "Total number of discarded (uncommitted) write transactions.",
		}),
		FreePagesGauge: f.NewGauge(prometheus.GaugeOpts{
			Name: "ekv_free_pages",
			Help: "Current count of free (erasable or erased) pages.",
		}),
		LevelFilesGauge: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ekv_level_files",
			Help: "Current number of files resident at each level.",
		}, []string{"level"}),
	}
}

// ObserveCompaction records one compaction pass at the given level.
func (m *Metrics) ObserveCompaction(level int, d time.Duration) {
	lvl := fmt.Sprintf("%d", level)
	m.CompactionsTotal.WithLabelValues(lvl).Inc()
	m.CompactionDuration.WithLabelValues(lvl).Observe(d.Seconds())
}
