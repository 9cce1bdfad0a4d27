package app

import (
	"errors"

	"threadstream/pkg/domain"
	"threadstream/pkg/registry"
)

var (
	// ErrInvalidRequest covers malformed chat requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrResumeDisabled is returned by Resume when no broker is configured.
	ErrResumeDisabled = errors.New("stream resumption disabled")

	ErrThreadNotFound   = domain.ErrThreadNotFound
	ErrForbidden        = domain.ErrForbidden
	ErrNoStreams        = domain.ErrNoStreams
	ErrMessageNotFound  = domain.ErrMessageNotFound
	ErrInvalidTarget    = domain.ErrInvalidTarget
	ErrUnsupportedModel = registry.ErrUnsupportedModel
	ErrNoUsableModel    = registry.ErrNoUsableModel
)
