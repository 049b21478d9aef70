package models

import "errors"

// Sentinel errors surfaced by the dispatch pipeline. Non-fatal outcomes
// (duplicate, expired, partial) are expressed through DispatchStatus
// instead; only validation, persistence, and total delivery failure are
// raised as errors.
var (
	// ErrValidation indicates a malformed alert rejected before persistence.
	ErrValidation = errors.New("alert validation failed")
	// ErrPersistence indicates the audit store rejected a write while durable.
	ErrPersistence = errors.New("alert persistence failed")
	// ErrDeliveryFailed indicates every requested channel failed.
	ErrDeliveryFailed = errors.New("alert delivery failed on all channels")
)
