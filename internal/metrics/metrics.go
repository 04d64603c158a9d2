// Package metrics exposes the node's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stakerd"

var (
	blocksConnected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "blocks_connected_total",
		Help:      "Blocks validated and stored.",
	})
	blocksInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "blocks_invalid_total",
		Help:      "Blocks rejected by validation, by error kind.",
	}, []string{"kind"})
	tipHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "tip_height",
		Help:      "Height of the active header tip.",
	})
	watermarkHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "indexed_height",
		Help:      "Height up to which block bodies are stored contiguously.",
	})

	orphans = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "orphans",
		Help:      "Blocks waiting for their parent.",
	})
	orphansEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "orphans_evicted_total",
		Help:      "Orphans dropped because the buffer was full.",
	})
	initialDownload = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "initial_download",
		Help:      "1 while the node is in initial block download.",
	})

	fetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Block requests sent to peers.",
	}, []string{"status"})
	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Duration of block requests.",
		Buckets:   prometheus.DefBuckets,
	})
	fetchWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "workers",
		Help:      "Live per-peer fetch workers.",
	})

	stakeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "staking",
		Name:      "attempts_total",
		Help:      "Kernel searches, by outcome.",
	}, []string{"result"})
	stakeWeight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "staking",
		Name:      "weight",
		Help:      "Value of coins eligible for staking in the last attempt.",
	})
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// BlockConnected counts a stored block.
func BlockConnected() { blocksConnected.Inc() }

// BlockInvalid counts a rejected block under its error kind.
func BlockInvalid(kind string) { blocksInvalid.WithLabelValues(kind).Inc() }

// SetHeights records the header tip and indexed heights.
func SetHeights(tip, indexed uint64) {
	tipHeight.Set(float64(tip))
	watermarkHeight.Set(float64(indexed))
}

// SetOrphans records the orphan buffer size.
func SetOrphans(n int) { orphans.Set(float64(n)) }

// OrphanEvicted counts an orphan dropped for space.
func OrphanEvicted() { orphansEvicted.Inc() }

// SetInitialDownload records the download mode.
func SetInitialDownload(on bool) {
	if on {
		initialDownload.Set(1)
		return
	}
	initialDownload.Set(0)
}

// ObserveFetch records a block request outcome and duration.
func ObserveFetch(err error, started time.Time) {
	fetchRequests.WithLabelValues(status(err)).Inc()
	fetchDuration.Observe(time.Since(started).Seconds())
}

// SetFetchWorkers records the number of live workers.
func SetFetchWorkers(n int) { fetchWorkers.Set(float64(n)) }

// StakeAttempt counts a kernel search with result "found", "none" or
// "error".
func StakeAttempt(result string) { stakeAttempts.WithLabelValues(result).Inc() }

// SetStakeWeight records the stakeable value.
func SetStakeWeight(v uint64) { stakeWeight.Set(float64(v)) }
