package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics("a")
	b := NewMetrics("b")

	a.RecordCommit(time.Millisecond, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.TxnCommittedTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.TxnCommittedTotal))
}

func TestMetrics_Conflicts(t *testing.T) {
	m := NewMetrics("n1")
	m.RecordConflicts([]model.Conflict{
		model.ReadWriteConflict{Key: "a"},
		model.ReadWriteConflict{Key: "b"},
		model.CASConflict{Key: "c"},
	})
	m.RecordAbort(model.AbortReasonConflict)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("read_write")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("cas")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TxnAbortedTotal.WithLabelValues("conflict")))
}

func TestMetrics_WALAndCheckpoint(t *testing.T) {
	m := NewMetrics("n1")
	m.RecordWALAppend(128, time.Millisecond, nil)
	m.RecordWALAppend(0, 0, errors.New("disk gone"))
	m.RecordCheckpoint(time.Second, nil)
	m.UpdateWALStats(3, 4096)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.WALAppendsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WALAppendFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointsTotal.WithLabelValues("success")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.WALSizeBytes))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
