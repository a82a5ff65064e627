package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetpipe"

var (
	SamplesDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "generator", Name: "samples_dispatched_total",
		Help: "Samples accepted by the key-ordered dispatcher.",
	})
	SamplesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "generator", Name: "samples_published_total",
		Help: "Samples acknowledged by the stream.",
	})
	PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "generator", Name: "publish_failures_total",
		Help: "Samples the stream rejected or timed out on. They are not retried.",
	})
	SamplesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "generator", Name: "samples_dropped_total",
		Help: "Queued samples abandoned because the dispatcher was cancelled.",
	})
	Lanes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "generator", Name: "lanes",
		Help: "Live per-vehicle dispatch lanes.",
	})

	RecordsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "consumer", Name: "records_consumed_total",
		Help: "Records taken from the stream.",
	})
	RecordsMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "consumer", Name: "records_malformed_total",
		Help: "Records skipped because they could not be decoded.",
	})
	RecordsPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "consumer", Name: "records_persisted_total",
		Help: "Records written to storage.",
	})
	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "consumer", Name: "persist_failures_total",
		Help: "Failed storage writes, counted per attempt.",
	})
	OffsetCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "consumer", Name: "offset_commits_total",
		Help: "Successful group offset commits.",
	})
	CommitFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "consumer", Name: "commit_failures_total",
		Help: "Failed group offset commits, counted per attempt.",
	})
	PollFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "consumer", Name: "poll_failures_total",
		Help: "Failed polls, counted per attempt.",
	})
)

var registerOnce sync.Once

// Register adds every collector to reg. Only the first call has an effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			SamplesDispatched, SamplesPublished, PublishFailures, SamplesDropped, Lanes,
			RecordsConsumed, RecordsMalformed, RecordsPersisted, PersistFailures,
			OffsetCommits, CommitFailures, PollFailures,
		)
	})
}
