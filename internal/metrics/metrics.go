// Package metrics counts wallet operations and backup throughput on a
// private Prometheus registry. A CLI run exports the registry through the
// node_exporter textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace is the Prometheus namespace for all wallet metrics
	Namespace = "walletctl"

	// Label names
	LabelOperation = "op"
	LabelResult    = "result"
	LabelDirection = "direction"

	// Result values
	ResultSuccess = "success"
	ResultError   = "error"

	// Backup directions
	DirectionExport  = "export"
	DirectionRestore = "restore"
)

// Metrics holds the wallet counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry      *prometheus.Registry
	operations    *prometheus.CounterVec
	backupRecords *prometheus.CounterVec
}

// New registers the wallet counters on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "operations_total",
				Help:      "Total number of wallet operations by type and result",
			},
			[]string{LabelOperation, LabelResult},
		),
		backupRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "backup_records_total",
				Help:      "Records written to or read from backup files",
			},
			[]string{LabelDirection},
		),
	}
	m.registry.MustRegister(m.operations, m.backupRecords)
	return m
}

// Registry returns the registry the counters live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordOperation counts one operation, classifying it by err
func (m *Metrics) RecordOperation(op string, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.operations.WithLabelValues(op, result).Inc()
}

// AddBackupRecords counts n records moved in direction
func (m *Metrics) AddBackupRecords(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backupRecords.WithLabelValues(direction).Add(float64(n))
}

// WriteTextfile writes the registry in the text exposition format to path
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
