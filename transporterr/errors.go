// Package transporterr defines the error kinds surfaced across the
// transport core, per spec.md §7.
package transporterr

import "errors"

// Kind enumerates the error kinds named in spec.md §7.
type Kind int

const (
	NotInitialized Kind = iota
	InvalidHandle
	InvalidParameter
	NotEnoughMemory
	AllocationFailed
	CreateThreadFailed
	CreateLogFailed
	QueueFull
	WrongDirection
	GetPortFailed
	RxPayloadError
	RxPayloadBackPressure
	RxPayloadMissing
	RxWrongProtocolType
	BufferOverflow
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotInitialized:
		return "NotInitialized"
	case InvalidHandle:
		return "InvalidHandle"
	case InvalidParameter:
		return "InvalidParameter"
	case NotEnoughMemory:
		return "NotEnoughMemory"
	case AllocationFailed:
		return "AllocationFailed"
	case CreateThreadFailed:
		return "CreateThreadFailed"
	case CreateLogFailed:
		return "CreateLogFailed"
	case QueueFull:
		return "QueueFull"
	case WrongDirection:
		return "WrongDirection"
	case GetPortFailed:
		return "GetPortFailed"
	case RxPayloadError:
		return "RxPayloadError"
	case RxPayloadBackPressure:
		return "RxPayloadBackPressure"
	case RxPayloadMissing:
		return "RxPayloadMissing"
	case RxWrongProtocolType:
		return "RxWrongProtocolType"
	case BufferOverflow:
		return "BufferOverflow"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type used across the module. It carries a
// Kind for programmatic matching (via Is) plus an optional Cause for
// chaining (Unwrap returns Cause).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, transporterr.New(Kind, "")) to match by Kind
// alone, regardless of Message/Cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Of reports the Kind of err, if err is (or wraps) an *Error, and ok=true.
func Of(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
