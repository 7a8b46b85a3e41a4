package transfer

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"filerelay/models"
)

// LiveSet reports whether a transfer currently has a running attempt.
type LiveSet interface {
	LiveTransfer(id string) bool
}

// RetryStore is the part of the store the coordinator writes.
type RetryStore interface {
	IncrementRetry(id string) (int, error)
	SetStatus(id string, status models.Status, code models.ErrorCode) error
}

// Coordinator decides how an interrupted or failed transfer may be restarted.
type Coordinator struct {
	live     LiveSet
	store    RetryStore
	maxRetry int
}

// NewCoordinator returns a coordinator allowing at most maxRetry restarts per transfer.
func NewCoordinator(live LiveSet, store RetryStore, maxRetry int) *Coordinator {
	return &Coordinator{live: live, store: store, maxRetry: maxRetry}
}

// EvaluateRestart applies the restart rules in order. Only a decision that
// launches a new attempt has side effects: the retry count is incremented and
// the rank is left untouched.
func (c *Coordinator) EvaluateRestart(rec models.TransferRecord) (models.Decision, error) {
	logger := log.WithFields(log.Fields{
		"transfer_id": rec.ID,
		"rank":        rec.Rank,
		"step":        rec.GlobalStep,
		"status":      rec.Status,
	})

	if c.live.LiveTransfer(rec.ID) {
		return refuse(models.CodeQueryStillRunning), nil
	}
	if rec.Finished() {
		return models.Decision{Kind: models.RunPostTaskOnly, Rank: rec.Rank}, nil
	}
	if rec.Status == models.StatusInError && !rec.ErrorCode.Retryable() {
		logger.WithField("code", rec.ErrorCode).Info("restart refused")
		return refuse(rec.ErrorCode), nil
	}
	if rec.RetryCount >= c.maxRetry {
		if err := c.store.SetStatus(rec.ID, models.StatusInError, models.CodeInternal); err != nil {
			return models.Decision{}, fmt.Errorf("record exhausted retries for %q: %w", rec.ID, err)
		}
		logger.WithField("retries", rec.RetryCount).Warn("retry budget exhausted")
		return refuse(models.CodeInternal), nil
	}

	var kind models.DecisionKind
	switch rec.GlobalStep {
	case models.StepInit, models.StepPreTask:
		kind = models.RerunFromStart
	case models.StepPostTask:
		kind = models.RunPostTaskOnly
	default:
		kind = models.ResumeAtRank
	}

	count, err := c.store.IncrementRetry(rec.ID)
	if err != nil {
		return models.Decision{}, fmt.Errorf("increment retry for %q: %w", rec.ID, err)
	}
	logger.WithFields(log.Fields{"decision": kind, "retries": count}).Info("restart accepted")
	return models.Decision{Kind: kind, Rank: rec.Rank}, nil
}

func refuse(code models.ErrorCode) models.Decision {
	return models.Decision{Kind: models.RefuseTerminal, Code: code}
}
