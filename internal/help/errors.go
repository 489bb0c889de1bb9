package help

import (
	"errors"
	"fmt"
)

var (
	// ErrNoUserPrompt means no user-authored message survived sanitizing.
	ErrNoUserPrompt = errors.New("no user prompt")
	// ErrFlagged means moderation rejected the request. Quota stays consumed.
	ErrFlagged = errors.New("flagged by moderation")
	// ErrTokenLimit means the prompt cannot fit the model's context window
	// even after maximal conversation trimming.
	ErrTokenLimit = errors.New("token limit exceeded")
	// ErrQuotaExceeded means the user's question window is full. Rejected
	// before any downstream work.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// UpstreamError wraps a failure of an external capability (completion,
// moderation, retrieval). Op names the capability.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// shouldRollback reports whether an admitted question's quota slot is given
// back. System-attributable failures are; a moderation flag never is.
func shouldRollback(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFlagged) {
		return false
	}
	var ue *UpstreamError
	return errors.Is(err, ErrNoUserPrompt) ||
		errors.Is(err, ErrTokenLimit) ||
		errors.As(err, &ue)
}
