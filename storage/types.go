package storage

import (
	"errors"
	"fmt"
	"time"

	"filerelay/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrAlreadyExists indicates an insert collided with an existing id.
	ErrAlreadyExists = errors.New("storage: record already exists")
	// ErrRankConflict indicates the stored rank is not the one the update expected.
	ErrRankConflict = errors.New("storage: rank conflict")
	// ErrInvalidTransition indicates a status change the record cannot take.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	Status models.Status
	Peer   string
	RuleID string
	Limit  int
	Offset int
}

func validateRecord(rec models.TransferRecord) error {
	if rec.ID == "" {
		return errors.New("transfer id is required")
	}
	if rec.Requester == "" || rec.Requested == "" {
		return errors.New("requester and requested are required")
	}
	if rec.RuleID == "" {
		return errors.New("rule_id is required")
	}
	if rec.Filename == "" {
		return errors.New("filename is required")
	}
	if rec.BlockSize <= 0 {
		return fmt.Errorf("invalid block size %d", rec.BlockSize)
	}
	if rec.Rank < 0 {
		return fmt.Errorf("invalid rank %d", rec.Rank)
	}
	if err := validateStatus(rec.Status); err != nil {
		return err
	}
	if err := validateStep(rec.GlobalStep); err != nil {
		return err
	}
	if rec.Status == models.StatusDone && rec.GlobalStep != models.StepComplete {
		return fmt.Errorf("%w: DONE requires COMPLETE, got %s", ErrInvalidTransition, rec.GlobalStep)
	}
	return nil
}

func validateStatus(status models.Status) error {
	if !models.ValidStatus(status) {
		return fmt.Errorf("invalid transfer status %q", status)
	}
	return nil
}

func validateStep(step models.GlobalStep) error {
	if !models.ValidStep(step) {
		return fmt.Errorf("invalid global step %q", step)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
