package services

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrCapacityExceeded = errors.New("ledger is full")
	ErrInvalidRange     = errors.New("position out of range")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrAlreadyUndone    = errors.New("action was already undone")
	ErrMissingSnapshot  = errors.New("action has no previous snapshot to restore")
)
