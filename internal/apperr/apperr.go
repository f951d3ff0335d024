package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed query so callers can map it to a status code
// without inspecting messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindSynthesis
	KindDeployment
	KindActivationTimeout
	KindInvocationExhausted
	KindResultExtraction
	KindEngineUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindSynthesis:
		return "synthesis_error"
	case KindDeployment:
		return "deployment_error"
	case KindActivationTimeout:
		return "activation_timeout"
	case KindInvocationExhausted:
		return "invocation_exhausted"
	case KindResultExtraction:
		return "result_extraction_error"
	case KindEngineUnreachable:
		return "engine_unreachable"
	default:
		return "unknown"
	}
}

// Error is the typed failure surfaced by every pipeline stage.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	default:
		return msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error without a cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap attaches a kind and operation to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the status returned by the query endpoints.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindSynthesis:
		return http.StatusBadRequest
	case KindEngineUnreachable, KindDeployment:
		return http.StatusBadGateway
	case KindActivationTimeout, KindInvocationExhausted:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
