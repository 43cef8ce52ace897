package runstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydronn/training"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordRun(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordRun(ctx, Run{Name: "gru-1", Model: "gru", HiddenSize: 8, Parameters: 113, Created: created}))
	require.NoError(t, s.RecordRun(ctx, Run{Name: "lstm-1", Model: "cudalstm", HiddenSize: 16, Parameters: 1200}))

	r, err := s.Run(ctx, "gru-1")
	require.NoError(t, err)
	assert.Equal(t, "gru", r.Model)
	assert.Equal(t, 8, r.HiddenSize)
	assert.Equal(t, 113, r.Parameters)
	assert.True(t, created.Equal(r.Created.UTC()))

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "gru-1", runs[0].Name)

	_, err = s.Run(ctx, "missing")
	require.ErrorIs(t, err, ErrUnknownRun)

	require.Error(t, s.RecordRun(ctx, Run{}))
}

func TestEpochs(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.RecordRun(ctx, Run{Name: "r", Model: "gru", HiddenSize: 4}))

	for i, loss := range []float64{0.9, 0.5, 0.7, 0.5} {
		require.NoError(t, s.RecordEpoch(ctx, "r", i+1, loss))
	}
	// Replacing an epoch keeps one row.
	require.NoError(t, s.RecordEpoch(ctx, "r", 3, 0.6))

	epochs, err := s.Epochs(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, []Epoch{{1, 0.9}, {2, 0.5}, {3, 0.6}, {4, 0.5}}, epochs)

	best, err := s.BestEpoch(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, Epoch{2, 0.5}, best)

	require.ErrorIs(t, s.RecordEpoch(ctx, "other", 1, 1), ErrUnknownRun)
}

func TestBestEpochEmpty(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.RecordRun(ctx, Run{Name: "r", Model: "gru"}))

	_, err := s.BestEpoch(ctx, "r")
	require.ErrorIs(t, err, ErrNoEpochs)

	_, _, err = s.StopEpoch(ctx, "r", training.NewEarlyStopper(3, 0))
	require.ErrorIs(t, err, ErrNoEpochs)
}

func TestStopEpoch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.RecordRun(ctx, Run{Name: "r", Model: "gru"}))
	for i, loss := range []float64{1.0, 1.1, 1.2, 1.3, 1.4} {
		require.NoError(t, s.RecordEpoch(ctx, "r", i+1, loss))
	}

	epoch, stopped, err := s.StopEpoch(ctx, "r", training.NewEarlyStopper(3, 0))
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, 4, epoch)

	epoch, stopped, err = s.StopEpoch(ctx, "r", training.NewEarlyStopper(10, 0))
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Equal(t, 5, epoch)
}

func TestPersistsToFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.duckdb")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.RecordRun(ctx, Run{Name: "r", Model: "ealstm", HiddenSize: 2}))
	require.NoError(t, s.RecordEpoch(ctx, "r", 1, 0.25))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	best, err := s.BestEpoch(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 0.25, best.ValidationLoss)
}
