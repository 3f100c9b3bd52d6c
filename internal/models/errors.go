package models

import "errors"

// Error taxonomy shared by every component. Call sites wrap these with
// fmt.Errorf("%w: ...") and callers test with errors.Is.
var (
	// ErrBackendUnavailable covers transport failures to the AI backend or to storage.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrInvalidInput covers missing or malformed fields from a collaborator.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound covers retrieve/delete on an unknown document or thread.
	ErrNotFound = errors.New("not found")
	// ErrTimeout marks a soft polling deadline. It is informational, never a failure.
	ErrTimeout = errors.New("run polling deadline reached")
)
