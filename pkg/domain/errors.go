package domain

import "errors"

var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNoStreams       = errors.New("thread has no streams")
	ErrForbidden       = errors.New("forbidden")
	// ErrInvalidTarget is returned when a retry/edit target is not a user message.
	ErrInvalidTarget = errors.New("invalid target message")
)
