package domain

import "errors"

// Sentinel errors shared across repositories, tools and the HTTP layer.
// Callers match them with errors.Is and map them onto transport codes.
var (
	ErrLayerNotFound         = errors.New("layer not found")
	ErrLayerTypeMismatch     = errors.New("layer type mismatch")
	ErrColumnNotFound        = errors.New("column not found")
	ErrColumnTypeMismatch    = errors.New("column type mismatch")
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")
	ErrOutOfServiceArea      = errors.New("starting points outside service area")
	ErrValidation            = errors.New("invalid request")
)
