package training

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydronn/config"
	"hydronn/ctxlog"
)

func TestStopsAfterPatience(t *testing.T) {
	ctx := context.Background()
	e := NewEarlyStopper(3, 0)

	var stops []bool
	for _, loss := range []float64{1.0, 1.1, 1.2, 1.3} {
		stops = append(stops, e.Step(ctx, loss))
	}
	assert.Equal(t, []bool{false, false, false, true}, stops)
	assert.Equal(t, 3, e.Counter())
	assert.Equal(t, 1.0, e.MinLoss())
}

func TestImprovingStreak(t *testing.T) {
	ctx := context.Background()
	e := NewEarlyStopper(3, 0)

	require.False(t, e.Step(ctx, 1.0))
	require.False(t, e.Step(ctx, 2.0))
	assert.Equal(t, 1, e.Counter())

	// One improvement resets the counter without moving the minimum.
	require.False(t, e.Step(ctx, 1.5))
	assert.Equal(t, 0, e.Counter())
	assert.Equal(t, 1.0, e.MinLoss())

	// Two improvements in a row accept the current loss as the minimum.
	require.False(t, e.Step(ctx, 1.2))
	assert.Equal(t, 0, e.Counter())
	assert.Equal(t, 1.2, e.MinLoss())

	require.False(t, e.Step(ctx, 1.1))
	assert.Equal(t, 1.1, e.MinLoss())
}

func TestMinDelta(t *testing.T) {
	ctx := context.Background()
	e := NewEarlyStopper(2, 0.1)

	require.False(t, e.Step(ctx, 1.0))
	require.False(t, e.Step(ctx, 0.95))
	assert.Equal(t, 1, e.Counter())
	assert.Equal(t, 1.0, e.MinLoss())
	require.True(t, e.Step(ctx, 0.92))
}

func TestNewStopperHasNoHistory(t *testing.T) {
	e := NewEarlyStopper(5, 0)
	assert.True(t, math.IsInf(e.MinLoss(), 1))
	assert.Zero(t, e.Counter())
}

func TestFromConfig(t *testing.T) {
	e := FromConfig(&config.Config{Patience: 7, MinDelta: 0.5})
	assert.Equal(t, 7, e.Patience)
	assert.Equal(t, 0.5, e.MinDelta)
}

func TestRoundHalf(t *testing.T) {
	tests := []struct {
		n, d, want int
	}{
		{5, 3, 2},
		{5, 2, 2},
		{7, 2, 4},
		{3, 2, 2},
		{1, 2, 0},
		{10, 3, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, roundHalf(tt.n, tt.d), "%d/%d", tt.n, tt.d)
	}
}

func TestStepLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := ctxlog.WithLogger(context.Background(), logger)

	e := NewEarlyStopper(2, 0)
	require.False(t, e.Step(ctx, 1.0))
	require.False(t, e.Step(ctx, 1.0))
	require.True(t, e.Step(ctx, 1.0))

	out := buf.String()
	assert.Contains(t, out, "New minimum validation loss.")
	assert.Contains(t, out, "Early stopping triggered.")
}
