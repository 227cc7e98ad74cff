// Package metrics provides Prometheus metrics for the desktop runtime.
package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keldris_desktop"

// Task outcomes as routed by the error handler.
const (
	OutcomeOK       = "ok"
	OutcomeShown    = "shown"
	OutcomeCanceled = "suppressed"
	OutcomePanicked = "panicked"
)

// Metrics holds the collectors of the desktop runtime. A nil *Metrics
// records nothing.
type Metrics struct {
	CommandCounter     *prometheus.CounterVec
	CommandSendFailure *prometheus.CounterVec
	TaskCounter        *prometheus.CounterVec
	BackupCounter      *prometheus.CounterVec
	BackupDuration     *prometheus.HistogramVec
	Guards             prometheus.Gauge
	BridgeWorkers      prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		CommandCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands dispatched, by command.",
		}, []string{"command"}),
		CommandSendFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_send_failures_total",
			Help:      "Commands that could not be queued, by command.",
		}, []string{"command"}),
		TaskCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Spawned tasks, by routed outcome.",
		}, []string{"outcome"}),
		BackupCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Finished backups, by status.",
		}, []string{"status"}),
		BackupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_duration_seconds",
			Help:      "Backup duration in seconds, by configuration.",
			Buckets:   []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
		}, []string{"config_id"}),
		Guards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shutdown_guards",
			Help:      "Outstanding shutdown guards.",
		}),
		BridgeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_workers",
			Help:      "Blocking-work threads that have not finished.",
		}),
		gatherer: reg,
	}

	collectors := []prometheus.Collector{
		m.CommandCounter,
		m.CommandSendFailure,
		m.TaskCounter,
		m.BackupCounter,
		m.BackupDuration,
		m.Guards,
		m.BridgeWorkers,
	}
	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return m, nil
}

// Handler returns the exposition handler for the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordCommand counts a dispatched command.
func (m *Metrics) RecordCommand(command string) {
	if m == nil {
		return
	}
	m.CommandCounter.WithLabelValues(command).Inc()
}

// RecordSendFailure counts a command that could not be queued.
func (m *Metrics) RecordSendFailure(command string) {
	if m == nil {
		return
	}
	m.CommandSendFailure.WithLabelValues(command).Inc()
}

// RecordTask counts a routed task outcome.
func (m *Metrics) RecordTask(outcome string) {
	if m == nil {
		return
	}
	m.TaskCounter.WithLabelValues(outcome).Inc()
}

// RecordBackup counts a finished backup.
func (m *Metrics) RecordBackup(status string) {
	if m == nil {
		return
	}
	m.BackupCounter.WithLabelValues(status).Inc()
}

// RecordBackupDuration observes how long a backup of configID took.
func (m *Metrics) RecordBackupDuration(configID string, seconds float64) {
	if m == nil {
		return
	}
	m.BackupDuration.WithLabelValues(configID).Observe(seconds)
}

// SetGuards sets the outstanding guard gauge.
func (m *Metrics) SetGuards(n int64) {
	if m == nil {
		return
	}
	m.Guards.Set(float64(n))
}

// SetBridgeWorkers sets the running bridge worker gauge.
func (m *Metrics) SetBridgeWorkers(n int64) {
	if m == nil {
		return
	}
	m.BridgeWorkers.Set(float64(n))
}
