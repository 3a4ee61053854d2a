package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exposition renders the registry in the textfile format
func exposition(t *testing.T, m *Metrics) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "walletctl.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRecordOperation(t *testing.T) {
	m := New()
	m.RecordOperation("add_record", nil)
	m.RecordOperation("add_record", nil)
	m.RecordOperation("add_record", errors.New("boom"))

	out := exposition(t, m)
	assert.Contains(t, out, `walletctl_operations_total{op="add_record",result="success"} 2`)
	assert.Contains(t, out, `walletctl_operations_total{op="add_record",result="error"} 1`)
}

func TestAddBackupRecords(t *testing.T) {
	m := New()
	m.AddBackupRecords(DirectionExport, 10)
	m.AddBackupRecords(DirectionExport, 0)
	m.AddBackupRecords(DirectionRestore, 3)

	out := exposition(t, m)
	assert.Contains(t, out, `walletctl_backup_records_total{direction="export"} 10`)
	assert.Contains(t, out, `walletctl_backup_records_total{direction="restore"} 3`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordOperation("open", nil)
	m.AddBackupRecords(DirectionExport, 1)
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.RecordOperation("open", nil)

	path := filepath.Join(t.TempDir(), "textfile", "walletctl.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `walletctl_operations_total{op="open",result="success"} 1`)
}
