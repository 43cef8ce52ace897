// Package training holds the pieces of a training run that do not need
// gradients.
package training

import (
	"context"
	"math"

	"hydronn/config"
	"hydronn/ctxlog"
)

// EarlyStopper stops training when the validation loss has not reached a
// new minimum for Patience epochs. A streak of consecutive improvements
// holds the counter back: a short streak resets it and a long streak also
// accepts the current loss as the new minimum.
type EarlyStopper struct {
	Patience int
	MinDelta float64

	counter      int
	consecutive  int
	minLoss      float64
	previousLoss float64
}

// NewEarlyStopper returns a stopper with no history.
func NewEarlyStopper(patience int, minDelta float64) *EarlyStopper {
	return &EarlyStopper{
		Patience:     patience,
		MinDelta:     minDelta,
		minLoss:      math.Inf(1),
		previousLoss: math.Inf(1),
	}
}

// FromConfig builds a stopper from the patience and min_delta keys.
func FromConfig(cfg *config.Config) *EarlyStopper {
	return NewEarlyStopper(cfg.Patience, cfg.MinDelta)
}

// Step records the validation loss of one epoch and reports whether
// training should stop.
func (e *EarlyStopper) Step(ctx context.Context, loss float64) bool {
	logger := ctxlog.FromContext(ctx)

	if loss < e.previousLoss-e.MinDelta {
		e.consecutive++
		logger.Debug("Loss improved.", "consecutive", e.consecutive)
	} else {
		e.consecutive = 0
	}

	if loss < e.minLoss-e.MinDelta {
		e.minLoss = loss
		e.counter = 0
		logger.Debug("New minimum validation loss.", "loss", loss)
	} else {
		switch {
		case e.consecutive < roundHalf(e.Patience, 3):
			e.counter++
			logger.Debug("No new minimum.", "counter", e.counter)
		case e.consecutive < roundHalf(e.Patience, 2):
			e.counter = 0
			logger.Debug("Improving streak, counter reset.", "consecutive", e.consecutive)
		default:
			e.counter = 0
			e.minLoss = loss
			logger.Debug("Long improving streak, minimum moved to current loss.", "loss", loss)
		}
	}

	e.previousLoss = loss
	if e.counter >= e.Patience {
		logger.Info("Early stopping triggered.", "patience", e.Patience, "min_loss", e.minLoss)
		return true
	}
	return false
}

// Counter is the number of epochs counted against the patience.
func (e *EarlyStopper) Counter() int { return e.counter }

// MinLoss is the current reference minimum.
func (e *EarlyStopper) MinLoss() float64 { return e.minLoss }

// roundHalf rounds n/d half to even.
func roundHalf(n, d int) int {
	return int(math.RoundToEven(float64(n) / float64(d)))
}
