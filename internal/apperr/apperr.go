package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. The orchestrator decides per kind
// whether the failure is surfaced to the caller or replaced by fallback copy.
type Kind string

const (
	KindRedaction           Kind = "redaction_failure"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindTool                Kind = "tool_failure"
	KindValidationProvider  Kind = "validation_provider_failure"
	KindAlertDelivery       Kind = "alert_delivery_failure"
	KindEmergencyCheck      Kind = "emergency_check_failure"
	KindInvalidInput        Kind = "invalid_input"
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so callers can write
// errors.Is(err, apperr.Redaction) without caring about Op or Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Sentinels for errors.Is.
var (
	Redaction           = &Error{Kind: KindRedaction}
	ProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	Tool                = &Error{Kind: KindTool}
	ValidationProvider  = &Error{Kind: KindValidationProvider}
	AlertDelivery       = &Error{Kind: KindAlertDelivery}
	EmergencyCheck      = &Error{Kind: KindEmergencyCheck}
	InvalidInput        = &Error{Kind: KindInvalidInput}
)

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Fatal reports whether a failure of this kind must be surfaced to the
// caller instead of being absorbed into fallback copy.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindRedaction, KindEmergencyCheck, KindInvalidInput:
		return true
	default:
		return false
	}
}
