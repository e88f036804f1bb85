package schema

import (
	"errors"
	"fmt"
	"regexp"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeProvider            = "PROVIDER_ERROR"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeTimeout             = "TIMEOUT_ERROR"
	ErrCodeStepFailed          = "STEP_FAILED"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeCircuitOpen         = "CIRCUIT_OPEN"
	ErrCodeRateLimited         = "RATE_LIMITED"
)

// FlowError is the structured error type for all opflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step label to the error.
func (e *FlowError) WithStep(step string) *FlowError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsRetryable reports whether a step failing with this error may be retried
// under the step's retry policy.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeProviderUnavailable, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}

// CodeOf returns the code of the first FlowError in err's chain, or "".
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given FlowError code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// NotFound builds the NOT_FOUND error used by stores and engines.
func NotFound(resource, id string) *FlowError {
	return NewErrorf(ErrCodeNotFound, "%s %q not found", resource, id)
}

var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)(bearer|basic)\s+[A-Za-z0-9._~+/=-]+`), "$1 [REDACTED]"},
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|token|secret|password|auth[_-]?token|access[_-]?token)["']?\s*[:=]\s*["']?)[^\s"'&,;]+`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(?i)(https?://)[^/\s:@]+:[^/\s@]+@`), "${1}[REDACTED]@"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`), "[REDACTED]"},
}

// Redact masks credentials that may appear in provider error text so the
// message is safe to persist in a user-visible error field.
func Redact(msg string) string {
	for _, r := range redactions {
		msg = r.re.ReplaceAllString(msg, r.repl)
	}
	return msg
}

// PublicMessage returns the user-visible, redacted message for err.
// FlowErrors contribute only their message; the code prefix stays internal.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		if fe.Step != "" {
			return Redact(fmt.Sprintf("step %s: %s", fe.Step, fe.Message))
		}
		return Redact(fe.Message)
	}
	return Redact(err.Error())
}
