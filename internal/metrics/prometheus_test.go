package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheus_BackupCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	t.Run("increments completed counter", func(t *testing.T) {
		m.RecordBackup("completed")
		m.RecordBackup("completed")
		m.RecordBackup("completed")

		val := getCounterValue(t, m.BackupCounter, "completed")
		if val != 3 {
			t.Errorf("expected 3, got %f", val)
		}
	})

	t.Run("increments failed counter independently", func(t *testing.T) {
		m.RecordBackup("failed")

		val := getCounterValue(t, m.BackupCounter, "failed")
		if val != 1 {
			t.Errorf("expected 1, got %f", val)
		}
	})
}

func TestPrometheus_BackupDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordBackupDuration("home", 120.5)
	m.RecordBackupDuration("home", 60.0)
	m.RecordBackupDuration("work", 300.0)

	count, sum := getHistogramValues(t, m.BackupDuration, "home")
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}
	if sum != 180.5 {
		t.Errorf("expected sum 180.5, got %f", sum)
	}

	count, _ = getHistogramValues(t, m.BackupDuration, "work")
	if count != 1 {
		t.Errorf("expected count 1 for work, got %d", count)
	}
}

func TestPrometheus_Tasks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordTask(OutcomeCanceled)
	m.RecordTask(OutcomeShown)
	m.RecordTask(OutcomeCanceled)
	m.RecordCommand("StartBackup")
	m.RecordSendFailure("ShowOverview")

	if val := getCounterValue(t, m.TaskCounter, OutcomeCanceled); val != 2 {
		t.Errorf("expected 2 suppressed, got %f", val)
	}
	if val := getCounterValue(t, m.CommandCounter, "StartBackup"); val != 1 {
		t.Errorf("expected 1 StartBackup, got %f", val)
	}
	if val := getCounterValue(t, m.CommandSendFailure, "ShowOverview"); val != 1 {
		t.Errorf("expected 1 send failure, got %f", val)
	}
}

func TestPrometheus_Gauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.SetGuards(3)
	m.SetBridgeWorkers(2)

	var out dto.Metric
	if err := m.Guards.Write(&out); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if out.GetGauge().GetValue() != 3 {
		t.Errorf("expected 3 guards, got %f", out.GetGauge().GetValue())
	}
}

func TestPrometheus_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusMetrics(reg); err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	if _, err := NewPrometheusMetrics(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestPrometheus_NilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordBackup("completed")
	m.RecordTask(OutcomeOK)
	m.SetGuards(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestPrometheus_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	m.RecordBackup("completed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `keldris_desktop_backups_total{status="completed"} 1`) {
		t.Errorf("exposition missing backup counter:\n%s", body)
	}
}

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	if err := counter.WithLabelValues(label).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getHistogramValues(t *testing.T, hist *prometheus.HistogramVec, label string) (uint64, float64) {
	t.Helper()
	observer := hist.WithLabelValues(label)
	var m dto.Metric
	if err := observer.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}
