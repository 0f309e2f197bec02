// Copyright 2026 Digital Platformer
//
// Prometheus Metrics
// Collectors for operations, steps, the poller and the lock population

// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the orchestrator components update.
type Metrics struct {
	registry *prometheus.Registry

	OperationsStarted   *prometheus.CounterVec
	OperationsFinished  *prometheus.CounterVec
	StepsSubmitted      prometheus.Counter
	StepsFinalized      *prometheus.CounterVec
	InlineTimeouts      prometheus.Counter
	PollerSweeps        prometheus.Counter
	PollerPromotions    *prometheus.CounterVec
	IdempotentReplays   prometheus.Counter
	SignerLocksHeld     prometheus.GaugeFunc
	ValidationWaitSecs  prometheus.Histogram
}

// LockCounter reports how many signer locks are currently held.
type LockCounter interface {
	LockedCount() int
}

// New registers the orchestrator collectors on a fresh registry.
func New(locks LockCounter) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		OperationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpl_operations_started_total",
			Help: "Operations accepted by the intent front-door, by kind.",
		}, []string{"kind"}),
		OperationsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpl_operations_finished_total",
			Help: "Operations reaching a terminal status, by status.",
		}, []string{"status"}),
		StepsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpl_steps_submitted_total",
			Help: "Ledger transactions submitted by the step executor.",
		}),
		StepsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpl_steps_finalized_total",
			Help: "Steps reaching a terminal status, by status and finalizer.",
		}, []string{"status", "by"}),
		InlineTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpl_inline_validation_timeouts_total",
			Help: "Inline validation waits that expired and handed off to the poller.",
		}),
		PollerSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpl_poller_sweeps_total",
			Help: "Validation poller passes.",
		}),
		PollerPromotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpl_poller_promotions_total",
			Help: "Steps the poller promoted to a terminal status, by status.",
		}, []string{"status"}),
		IdempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpl_idempotent_replays_total",
			Help: "Intents answered from the idempotency index.",
		}),
		ValidationWaitSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpl_validation_wait_seconds",
			Help:    "Time steps spend between submit and terminal validation.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}

	m.SignerLocksHeld = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gpl_signer_locks_held",
		Help: "Signer identity locks currently held.",
	}, func() float64 {
		if locks == nil {
			return 0
		}
		return float64(locks.LockedCount())
	})

	reg.MustRegister(
		m.OperationsStarted,
		m.OperationsFinished,
		m.StepsSubmitted,
		m.StepsFinalized,
		m.InlineTimeouts,
		m.PollerSweeps,
		m.PollerPromotions,
		m.IdempotentReplays,
		m.SignerLocksHeld,
		m.ValidationWaitSecs,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
