package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrServerClosed is returned by Serve and Start after Close.
	ErrServerClosed = errors.New("server: closed")

	// ErrNoResponder is returned by New when Config.Responder is nil.
	ErrNoResponder = errors.New("server: a responder is required")
)

// ErrorKind is a failure a handler (or the parser) can raise to have the
// connection answer with the matching status instead of a generic 500.
// A kind carries nothing but itself.
type ErrorKind uint8

// Client-origin kinds.
const (
	ErrBadRequest ErrorKind = iota + 1
	ErrUnauthorized
	ErrPaymentRequired
	ErrForbidden
	ErrNotFound
	ErrMethodNotAllowed
	ErrNotAcceptable
	ErrProxyAuthRequired
	ErrRequestTimeout
	ErrConflict
	ErrGone
	ErrLengthRequired
	ErrPreconditionFailed
	ErrRequestEntityTooLarge
	ErrRequestURITooLong
	ErrUnsupportedMediaType
	ErrRequestedRangeNotSatisfiable
	ErrExpectationFailed
	ErrTeapot
	ErrMisdirectedRequest
	ErrUnprocessableEntity
	ErrLocked
	ErrFailedDependency
	ErrTooEarly
	ErrUpgradeRequired
	ErrPreconditionRequired
	ErrTooManyRequests
	ErrRequestHeaderFieldsTooLarge
	ErrUnavailableForLegalReasons
)

// Server-origin kinds.
const (
	ErrInternalServerError ErrorKind = iota + ErrUnavailableForLegalReasons + 1
	ErrNotImplemented
	ErrBadGateway
	ErrServiceUnavailable
	ErrGatewayTimeout
	ErrHTTPVersionNotSupported
	ErrVariantAlsoNegotiates
	ErrInsufficientStorage
	ErrLoopDetected
	ErrNotExtended
	ErrNetworkAuthenticationRequired

	lastKind = ErrNetworkAuthenticationRequired
)

var kindStatus = [...]int{
	ErrBadRequest:                   http.StatusBadRequest,
	ErrUnauthorized:                 http.StatusUnauthorized,
	ErrPaymentRequired:              http.StatusPaymentRequired,
	ErrForbidden:                    http.StatusForbidden,
	ErrNotFound:                     http.StatusNotFound,
	ErrMethodNotAllowed:             http.StatusMethodNotAllowed,
	ErrNotAcceptable:                http.StatusNotAcceptable,
	ErrProxyAuthRequired:            http.StatusProxyAuthRequired,
	ErrRequestTimeout:               http.StatusRequestTimeout,
	ErrConflict:                     http.StatusConflict,
	ErrGone:                         http.StatusGone,
	ErrLengthRequired:               http.StatusLengthRequired,
	ErrPreconditionFailed:           http.StatusPreconditionFailed,
	ErrRequestEntityTooLarge:        http.StatusRequestEntityTooLarge,
	ErrRequestURITooLong:            http.StatusRequestURITooLong,
	ErrUnsupportedMediaType:         http.StatusUnsupportedMediaType,
	ErrRequestedRangeNotSatisfiable: http.StatusRequestedRangeNotSatisfiable,
	ErrExpectationFailed:            http.StatusExpectationFailed,
	ErrTeapot:                       http.StatusTeapot,
	ErrMisdirectedRequest:           http.StatusMisdirectedRequest,
	ErrUnprocessableEntity:          http.StatusUnprocessableEntity,
	ErrLocked:                       http.StatusLocked,
	ErrFailedDependency:             http.StatusFailedDependency,
	ErrTooEarly:                     http.StatusTooEarly,
	ErrUpgradeRequired:              http.StatusUpgradeRequired,
	ErrPreconditionRequired:         http.StatusPreconditionRequired,
	ErrTooManyRequests:              http.StatusTooManyRequests,
	ErrRequestHeaderFieldsTooLarge:  http.StatusRequestHeaderFieldsTooLarge,
	ErrUnavailableForLegalReasons:   http.StatusUnavailableForLegalReasons,

	ErrInternalServerError:           http.StatusInternalServerError,
	ErrNotImplemented:                http.StatusNotImplemented,
	ErrBadGateway:                    http.StatusBadGateway,
	ErrServiceUnavailable:            http.StatusServiceUnavailable,
	ErrGatewayTimeout:                http.StatusGatewayTimeout,
	ErrHTTPVersionNotSupported:       http.StatusHTTPVersionNotSupported,
	ErrVariantAlsoNegotiates:         http.StatusVariantAlsoNegotiates,
	ErrInsufficientStorage:           http.StatusInsufficientStorage,
	ErrLoopDetected:                  http.StatusLoopDetected,
	ErrNotExtended:                   http.StatusNotExtended,
	ErrNetworkAuthenticationRequired: http.StatusNetworkAuthenticationRequired,
}

// Kinds lists every ErrorKind in declaration order.
func Kinds() []ErrorKind {
	kinds := make([]ErrorKind, 0, lastKind)
	for k := ErrBadRequest; k <= lastKind; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Status returns the HTTP status code for k, or 0 for a value outside the
// taxonomy.
func (k ErrorKind) Status() int {
	if k == 0 || int(k) >= len(kindStatus) {
		return 0
	}
	return kindStatus[k]
}

// Client reports whether k is a 4xx condition.
func (k ErrorKind) Client() bool {
	s := k.Status()
	return s >= 400 && s < 500
}

func (k ErrorKind) Error() string {
	s := k.Status()
	if s == 0 {
		return fmt.Sprintf("http: unknown error kind %d", uint8(k))
	}
	return "http: " + strings.ToLower(http.StatusText(s))
}

// Recover turns a failure raised from the pipeline into the status
// response for its kind. Kinds wrapped with %w are found too. It returns
// nil when err is not part of the taxonomy.
func Recover(err error) *Response {
	var kind ErrorKind
	if !errors.As(err, &kind) || kind.Status() == 0 {
		return nil
	}
	return NewResponse(kind.Status())
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("server: panic serving request: %v", e.Value)
}
