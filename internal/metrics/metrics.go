// Package metrics records message lifecycle metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records message lifecycle events.
type Recorder interface {
	Enqueued()
	Delivered()
	DeadLettered()
	Expired(count int)
	Attempt(d time.Duration, ok bool)
}

type dummy struct{}

// NewDummy constructs a new dummy metrics recorder.
func NewDummy() Recorder {
	return &dummy{}
}

func (m *dummy) Enqueued() {}

func (m *dummy) Delivered() {}

func (m *dummy) DeadLettered() {}

func (m *dummy) Expired(count int) {}

func (m *dummy) Attempt(d time.Duration, ok bool) {}

type prom struct {
	enqueued     prometheus.Counter
	delivered    prometheus.Counter
	deadLettered prometheus.Counter
	expired      prometheus.Counter
	attempts     prometheus.Counter
	attemptErrs  prometheus.Counter
	attemptTime  prometheus.Summary
}

// NewPrometheus constructs a new Prometheus metrics recorder.
func NewPrometheus(service string) Recorder {
	return &prom{
		enqueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_enqueued_total",
			Help: "The total number of messages accepted into the store",
		}),
		delivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_delivered_total",
			Help: "The total number of messages delivered or handed off",
		}),
		deadLettered: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_dead_lettered_total",
			Help: "The total number of messages that exhausted all delivery paths",
		}),
		expired: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_expired_total",
			Help: "The total number of messages swept after TTL expiry",
		}),
		attempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_attempts_total",
			Help: "The total number of delivery attempts",
		}),
		attemptErrs: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_attempt_errors_total",
			Help: "The total number of failed delivery attempts",
		}),
		attemptTime: promauto.NewSummary(prometheus.SummaryOpts{
			Name: service + "_attempt_time",
			Help: "Delivery attempt durations",
		}),
	}
}

func (m *prom) Enqueued() { m.enqueued.Inc() }

func (m *prom) Delivered() { m.delivered.Inc() }

func (m *prom) DeadLettered() { m.deadLettered.Inc() }

func (m *prom) Expired(count int) {
	m.expired.Add(float64(count))
}

func (m *prom) Attempt(d time.Duration, ok bool) {
	m.attempts.Inc()
	if !ok {
		m.attemptErrs.Inc()
	}
	m.attemptTime.Observe(d.Seconds())
}
