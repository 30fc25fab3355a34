package models

import "errors"

// Terminal business errors. Never retried.
var (
	ErrPolicyNotEligible = errors.New("policy not eligible for billing period")
	ErrNoCoverageFound   = errors.New("policy has no coverages")
	ErrInvalidEvent      = errors.New("invalid billing event")
	// ErrContentMismatch means a document key was rewritten with different bytes.
	ErrContentMismatch = errors.New("document content mismatch")
)

// Storage outcomes.
var (
	// ErrAlreadyExists is the expected race outcome of the idempotency gate.
	ErrAlreadyExists     = errors.New("invoice already exists")
	ErrNotFound          = errors.New("invoice not found")
	ErrInvalidTransition = errors.New("invalid invoice status transition")
)

// Transient errors. Adapters wrap infrastructure failures with these so the
// retry policy can classify them.
var (
	ErrTransientStore   = errors.New("transient document store error")
	ErrTransientPublish = errors.New("transient publish error")
	ErrTransientDB      = errors.New("transient database error")
)

// ErrorKind names an error for dead-letter records.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPolicyNotEligible):
		return "PolicyNotEligible"
	case errors.Is(err, ErrNoCoverageFound):
		return "NoCoverageFound"
	case errors.Is(err, ErrInvalidEvent):
		return "InvalidEvent"
	case errors.Is(err, ErrContentMismatch):
		return "ContentMismatch"
	case errors.Is(err, ErrTransientStore):
		return "TransientStoreError"
	case errors.Is(err, ErrTransientPublish):
		return "TransientPublishError"
	case errors.Is(err, ErrTransientDB):
		return "TransientDbError"
	default:
		return "Unknown"
	}
}
