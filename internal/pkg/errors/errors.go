package errors

import "errors"

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalid           = errors.New("invalid")
	ErrConflict          = errors.New("conflict")
	ErrUpstream          = errors.New("upstream failure")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrDecode            = errors.New("decode failure")
	ErrCacheWrite        = errors.New("cache write failure")
	ErrUnsupportedFormat = errors.New("unsupported encoding format")
)

// Error pairs an error kind with the text returned to the client.
type Error struct {
	Kind  error
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func New(kind error, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind error, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Message returns the client-facing text of err, falling back to the
// kind's text when err carries none.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}

func BadRequest(msg string) error {
	return New(ErrInvalid, msg)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
