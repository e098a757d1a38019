package txn

import (
	"context"
	"testing"

	"github.com/devrev/pairdb/txnstore/internal/errors"
	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestTxn_ReadRecordsFirstObservedVersion(t *testing.T) {
	coord, store, _ := newTestCoordinator(t, StrategyCopy)
	store.Put("a", []byte("1"))

	tx := coord.Begin()
	value, version, err := tx.Read("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)
	assert.Equal(t, uint64(1), version)

	_, version, err = tx.Read("missing")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), version)

	assert.Equal(t, ReadSet{"a": 1, "missing": 0}, tx.ReadSet())
}

func TestTxn_ReadYourOwnWrites(t *testing.T) {
	coord, store, _ := newTestCoordinator(t, StrategyCOW)
	store.Put("a", []byte("old"))

	tx := coord.Begin()
	require.NoError(t, tx.Write("a", []byte("new")))
	require.NoError(t, tx.Write("b", []byte("fresh")))

	value, version, err := tx.Read("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), value)
	assert.Equal(t, uint64(1), version)

	value, version, err = tx.Read("b")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), value)
	assert.Equal(t, uint64(0), version)

	assert.Empty(t, tx.ReadSet())
}

func TestTxn_WriteCopiesValue(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, StrategyCopy)

	buf := []byte("abc")
	tx := coord.Begin()
	require.NoError(t, tx.Write("k", buf))
	buf[0] = 'x'

	assert.Equal(t, WriteSet{"k": []byte("abc")}, tx.WriteSet())
}

func TestTxn_WriteValidatesKeyAndValue(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, StrategyCopy)
	tx := coord.Begin()

	err := tx.Write("", []byte("v"))
	assert.Equal(t, errors.ErrCodeInvalidKey, errors.GetCode(err))

	err = tx.CompareAndSet("bad\x00key", 0, []byte("v"))
	assert.Equal(t, errors.ErrCodeInvalidKey, errors.GetCode(err))

	assert.Empty(t, tx.WriteSet())
	assert.Empty(t, tx.CASSet())
}

func TestTxn_CompareAndSetLatestCallWins(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, StrategyCopy)
	tx := coord.Begin()

	require.NoError(t, tx.CompareAndSet("k", 0, []byte("a")))
	require.NoError(t, tx.CompareAndSet("k", 3, []byte("b")))

	assert.Equal(t, CASSet{"k": 3}, tx.CASSet())
	assert.Equal(t, WriteSet{"k": []byte("b")}, tx.WriteSet())
	assert.Empty(t, tx.ReadSet())
}

func TestTxn_OperationsAfterCommitFail(t *testing.T) {
	coord, _, log := newTestCoordinator(t, StrategyCopy)
	log.On("Append", mock.Anything, mock.Anything).Return(nil)

	tx := coord.Begin()
	require.NoError(t, tx.Write("k", []byte("v")))
	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, model.TxnStateCommitted, tx.State())

	_, _, err := tx.Read("k")
	assert.Equal(t, errors.ErrCodeTxnNotActive, errors.GetCode(err))
	assert.Equal(t, errors.ErrCodeTxnNotActive, errors.GetCode(tx.Write("k", nil)))
	assert.Equal(t, errors.ErrCodeTxnNotActive, errors.GetCode(tx.CompareAndSet("k", 1, nil)))
	assert.Equal(t, errors.ErrCodeTxnNotActive, errors.GetCode(tx.Commit(context.Background())))

	tx.Abort()
	assert.Equal(t, model.TxnStateCommitted, tx.State())
	log.AssertNumberOfCalls(t, "Append", 1)
}

func TestTxn_AbortIsIdempotent(t *testing.T) {
	coord, _, log := newTestCoordinator(t, StrategyCopy)

	tx := coord.Begin()
	require.NoError(t, tx.Write("k", []byte("v")))
	tx.Abort()
	tx.Abort()

	assert.Equal(t, model.TxnStateAborted, tx.State())
	assert.Empty(t, tx.WriteSet())
	assert.Equal(t, errors.ErrCodeTxnNotActive, errors.GetCode(tx.Commit(context.Background())))
	log.AssertNotCalled(t, "Append", mock.Anything, mock.Anything)
}

func TestTxn_StartVersionSurvivesCommit(t *testing.T) {
	coord, store, log := newTestCoordinator(t, StrategyCopy)
	log.On("Append", mock.Anything, mock.Anything).Return(nil)
	store.Put("x", []byte("1"))
	store.Put("y", []byte("1"))

	tx := coord.Begin()
	assert.Equal(t, uint64(2), tx.StartVersion())
	require.NoError(t, tx.Write("x", []byte("2")))
	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, uint64(2), tx.StartVersion())
}
