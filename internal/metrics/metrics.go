// Package metrics holds the prometheus collectors of the delivery core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksTotal counts finished tasks by name and outcome.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanrelay_tasks_total",
			Help: "Finished protocol tasks by task name and outcome.",
		},
		[]string{"task", "outcome"},
	)

	// TaskDuration observes task run time.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanrelay_task_duration_seconds",
			Help:    "Protocol task duration in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"task"},
	)

	// MaildropEnvelopes counts inbound transit envelopes by answer.
	MaildropEnvelopes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanrelay_maildrop_envelopes_total",
			Help: "Inbound transit envelopes by result (ack, bad, error).",
		},
		[]string{"result"},
	)

	// FanoutSends counts per-recipient fanout sends.
	FanoutSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanrelay_fanout_sends_total",
			Help: "Per-recipient fanout sends by result.",
		},
		[]string{"result"},
	)

	// Signups counts signup attempts by challenge result.
	Signups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanrelay_signups_total",
			Help: "Signup attempts by result.",
		},
		[]string{"result"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
