package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	writesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialogue_store_writes_total",
			Help: "Total transcript store writes, partitioned by strategy.",
		},
		[]string{"strategy"}, // full_rewrite, delta_append, touch
	)
	writeConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dialogue_store_write_conflicts_total",
			Help: "Total optimistic-concurrency conflicts on transcript writes.",
		},
	)
	chunkDecodeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dialogue_store_chunk_decode_failures_total",
			Help: "Total chunks skipped during reads because they failed to decompress or decode.",
		},
	)
)
