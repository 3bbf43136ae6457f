package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateActiveRisk = errors.New("active risk with the same type and description already exists")
	ErrIllegalTransition   = errors.New("illegal risk status transition")
	ErrStaleTransition     = errors.New("risk status changed concurrently")
	ErrSimulationClosed    = errors.New("simulation already completed or failed")
)

// TransitionError reports a rejected lifecycle move.
type TransitionError struct {
	RiskID string
	From   RiskStatus
	To     RiskStatus
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("risk %s: %s -> %s: %v", e.RiskID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }
