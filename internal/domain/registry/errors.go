package registry

import "errors"

// ErrorKind classifies a rejected registry operation.
type ErrorKind int

const (
	KindUnauthorized ErrorKind = iota + 1
	KindNotFound
	KindAlreadyProcessed
	KindInvalidInput
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not found"
	case KindAlreadyProcessed:
		return "already processed"
	case KindInvalidInput:
		return "invalid input"
	default:
		return "unknown"
	}
}

// Error is returned for every rejected operation. A rejected operation never
// changes state.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Message
}

// Is matches a sentinel of the same kind, so errors.Is(err, ErrNotFound)
// works for any not-found message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

var (
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrAlreadyProcessed = &Error{Kind: KindAlreadyProcessed}
	ErrInvalidInput     = &Error{Kind: KindInvalidInput}
)

const (
	msgNotAdmin         = "not the administrator"
	msgNotHospital      = "not a verified hospital"
	msgNotOwner         = "not the data owner"
	msgNotInsurer       = "not the insurance party"
	msgAlreadyProcessed = "claim already processed"
	msgRecordNotFound   = "record not found"
	msgClaimNotFound    = "claim not found"
)

func unauthorized(msg string) error { return &Error{Kind: KindUnauthorized, Message: msg} }
func notFound(msg string) error     { return &Error{Kind: KindNotFound, Message: msg} }
func invalid(msg string) error      { return &Error{Kind: KindInvalidInput, Message: msg} }

// KindOf returns the kind of a registry error, or 0 for any other error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
