// Package metrics turns pipeline events into Prometheus series.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"herald/internal/eventbus"
	logx "herald/pkg/logx"
)

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	sendOutcomes    *prometheus.CounterVec
	sendLatency     *prometheus.HistogramVec
	duplicateSends  prometheus.Counter
	throttleExtends prometheus.Counter
	throttleWindow  prometheus.Gauge
	statusChanges   *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	stepFailures    *prometheus.CounterVec
	stepReplays     prometheus.Counter
	aggConflicts    prometheus.Counter
	deadLetters     *prometheus.CounterVec
	taskFailures    *prometheus.CounterVec
	taskDrops       *prometheus.CounterVec
}

func New(log logx.Logger) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log.With(logx.Component("metrics")),
		sendOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_send_outcomes_total",
			Help: "Send attempts by delivery status and platform status code.",
		}, []string{"delivery_status", "code"}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "herald_send_duration_seconds",
			Help:    "Platform send call duration.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"delivery_status"}),
		duplicateSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_possible_duplicate_sends_total",
			Help: "Successful sends to a recipient that had an earlier attempt.",
		}),
		throttleExtends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_throttle_extensions_total",
			Help: "Times the global retry-not-before moved forward.",
		}),
		throttleWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herald_throttle_until_seconds",
			Help: "Unix time until which sends are globally paused.",
		}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_notification_status_changes_total",
			Help: "Notification status changes by new status.",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "herald_orchestration_step_duration_seconds",
			Help:    "Duration of executed (not replayed) orchestration steps.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"step"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_orchestration_step_failures_total",
			Help: "Orchestration steps that exhausted their retries.",
		}, []string{"step"}),
		stepReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_orchestration_step_replays_total",
			Help: "Orchestration steps served from a checkpoint.",
		}),
		aggConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_aggregator_conflicts_total",
			Help: "Optimistic concurrency conflicts seen by the aggregator.",
		}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_dead_letters_total",
			Help: "Deliveries that exhausted transport redelivery.",
		}, []string{"queue"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_task_failures_total",
			Help: "Engine tasks that failed after retries.",
		}, []string{"task"}),
		taskDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_task_drops_total",
			Help: "Engine tasks dropped before running.",
		}, []string{"task", "reason"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sendOutcomes, m.sendLatency, m.duplicateSends,
		m.throttleExtends, m.throttleWindow, m.statusChanges,
		m.stepDuration, m.stepFailures, m.stepReplays,
		m.aggConflicts, m.deadLetters, m.taskFailures, m.taskDrops,
	)
	return m
}

// Registry exposes the registry for extra collectors and tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	m.log.Debug("metrics subscriber started")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// Observe records one event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.RecipientOutcome:
		switch e.Type {
		case eventbus.TypeDuplicateSend:
			m.duplicateSends.Inc()
		case eventbus.TypeRecipientOutcome:
			status := d.DeliveryStatus
			if status == "" {
				status = "unknown"
			}
			m.sendOutcomes.WithLabelValues(status, strconv.Itoa(d.StatusCode)).Inc()
			if d.Latency > 0 {
				m.sendLatency.WithLabelValues(status).Observe(d.Latency.Seconds())
			}
		}
	case eventbus.ThrottleExtended:
		m.throttleExtends.Inc()
		m.throttleWindow.Set(float64(d.Until.Unix()))
	case eventbus.NotificationStatus:
		m.statusChanges.WithLabelValues(d.Status).Inc()
	case eventbus.OrchestrationStep:
		name := stepName(d.Step)
		switch {
		case d.Replayed:
			m.stepReplays.Inc()
		case d.Err != "":
			m.stepFailures.WithLabelValues(name).Inc()
		default:
			m.stepDuration.WithLabelValues(name).Observe(d.Duration.Seconds())
		}
	case eventbus.DeadLetter:
		m.deadLetters.WithLabelValues(d.Queue).Inc()
	case eventbus.TaskEvent:
		switch e.Type {
		case eventbus.TypeTaskFailed:
			m.taskFailures.WithLabelValues(d.Name).Inc()
		case eventbus.TypeTaskDropped:
			m.taskDrops.WithLabelValues(d.Name, d.Error).Inc()
		}
	default:
		if e.Type == eventbus.TypeAggregatorConflict {
			m.aggConflicts.Inc()
		}
	}
}

// stepName drops the batch suffix so label cardinality stays bounded.
func stepName(key string) string {
	name, _, _ := strings.Cut(key, ":")
	return name
}
