// Package orcherr defines the sentinel error taxonomy shared by the
// orchestrator, session, retry driver, webhook manager, and vault, the same
// way internal/auth exposes ErrInvalidToken/ErrMissingToken for callers to
// match with errors.Is.
package orcherr

import "errors"

var (
	// ErrInvalidState means the operation is illegal for the current status
	// or phase (starting a game that isn't PENDING, submitting orders for
	// the wrong phase, resuming a game that isn't PAUSED, and so on).
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrInvalidInput means malformed orders (per the rules engine) or an
	// unknown webhook event type.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransient wraps an LLM or HTTP failure classified as retryable.
	ErrTransient = errors.New("transient failure")

	// ErrAuthenticationFailure means vault decryption failed: wrong password
	// or tampered ciphertext/tag.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrEngineFailure means the rules engine returned an unexpected error
	// during resolution. The engine is deterministic on valid state, so this
	// indicates state corruption or a spec drift; operators must intervene.
	ErrEngineFailure = errors.New("rules engine failure")

	// ErrInvalidEventType means a webhook registration named an event type
	// outside the closed set.
	ErrInvalidEventType = errors.New("invalid webhook event type")
)

// State wraps err with ErrInvalidState so callers can still inspect the
// underlying detail while matching on the class with errors.Is.
func State(detail string) error {
	return &classified{class: ErrInvalidState, detail: detail}
}

// Input wraps an ErrInvalidInput with detail.
func Input(detail string) error {
	return &classified{class: ErrInvalidInput, detail: detail}
}

// Engine wraps an ErrEngineFailure with detail.
func Engine(detail string) error {
	return &classified{class: ErrEngineFailure, detail: detail}
}

// Auth wraps an ErrAuthenticationFailure with detail.
func Auth(detail string) error {
	return &classified{class: ErrAuthenticationFailure, detail: detail}
}

type classified struct {
	class  error
	detail string
}

func (c *classified) Error() string {
	if c.detail == "" {
		return c.class.Error()
	}
	return c.class.Error() + ": " + c.detail
}

func (c *classified) Unwrap() error {
	return c.class
}
