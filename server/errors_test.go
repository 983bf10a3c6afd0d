package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestRecoverEveryKind(t *testing.T) {
	seen := make(map[int]ErrorKind)
	for _, kind := range Kinds() {
		resp := Recover(kind)
		if resp == nil {
			t.Fatalf("Recover(%v) returned nil", kind)
		}
		if resp.Status != kind.Status() {
			t.Fatalf("Recover(%v) status = %d, want %d", kind, resp.Status, kind.Status())
		}
		if http.StatusText(resp.Status) == "" {
			t.Fatalf("%v maps to non-standard status %d", kind, resp.Status)
		}
		if len(resp.Body) != 0 || resp.BodyStream != nil || resp.Upgrade != nil {
			t.Fatalf("Recover(%v) must produce a bare status response", kind)
		}
		if prev, dup := seen[resp.Status]; dup {
			t.Fatalf("%v and %v both map to %d", prev, kind, resp.Status)
		}
		seen[resp.Status] = kind
	}
	if len(seen) != 40 {
		t.Fatalf("expected 40 kinds, got %d", len(seen))
	}
}

func TestKnownStatuses(t *testing.T) {
	tests := map[ErrorKind]int{
		ErrBadRequest:                    400,
		ErrUnauthorized:                  401,
		ErrForbidden:                     403,
		ErrNotFound:                      404,
		ErrMethodNotAllowed:              405,
		ErrConflict:                      409,
		ErrRequestEntityTooLarge:         413,
		ErrUnsupportedMediaType:          415,
		ErrTeapot:                        418,
		ErrTooManyRequests:               429,
		ErrRequestHeaderFieldsTooLarge:   431,
		ErrUnavailableForLegalReasons:    451,
		ErrInternalServerError:           500,
		ErrNotImplemented:                501,
		ErrBadGateway:                    502,
		ErrServiceUnavailable:            503,
		ErrGatewayTimeout:                504,
		ErrHTTPVersionNotSupported:       505,
		ErrNetworkAuthenticationRequired: 511,
	}
	for kind, want := range tests {
		if got := kind.Status(); got != want {
			t.Errorf("%v.Status() = %d, want %d", kind, got, want)
		}
	}
}

func TestKindClassification(t *testing.T) {
	for _, kind := range Kinds() {
		s := kind.Status()
		if kind.Client() != (s < 500) {
			t.Errorf("%v: Client() = %v for status %d", kind, kind.Client(), s)
		}
	}
}

func TestRecoverUnknown(t *testing.T) {
	if resp := Recover(errors.New("disk full")); resp != nil {
		t.Fatalf("expected nil for an unknown error, got %d", resp.Status)
	}
	if resp := Recover(ErrorKind(200)); resp != nil {
		t.Fatalf("expected nil for an out-of-range kind, got %d", resp.Status)
	}
	if resp := Recover(nil); resp != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestRecoverWrapped(t *testing.T) {
	err := fmt.Errorf("loading user 42: %w", ErrNotFound)
	resp := Recover(err)
	if resp == nil || resp.Status != http.StatusNotFound {
		t.Fatalf("expected 404 from wrapped error, got %+v", resp)
	}
}

func TestErrorKindMessage(t *testing.T) {
	if got := ErrNotFound.Error(); got != "http: not found" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := ErrorKind(0).Error(); got != "http: unknown error kind 0" {
		t.Fatalf("unexpected message %q", got)
	}
}
