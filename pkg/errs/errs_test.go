package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed error", New(KindNotFound, "missing"), KindNotFound},
		{"wrapped typed error", fmt.Errorf("outer: %w", New(KindConflict, "dup")), KindConflict},
		{"plain error", errors.New("boom"), KindInternal},
		{"double wrapped", Wrap(KindTimeout, "slow", errors.New("deadline")), KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageOf(t *testing.T) {
	if got := MessageOf(New(KindBadRequest, "bad input")); got != "bad input" {
		t.Errorf("MessageOf() = %q, want %q", got, "bad input")
	}
	// Untyped errors must not leak internals through the API.
	if got := MessageOf(errors.New("pq: connection refused on 10.0.0.3")); got != "internal error" {
		t.Errorf("MessageOf() leaked internals: %q", got)
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("ctx: %w", New(KindAuthFailed, "nope"))
	if !IsKind(err, KindAuthFailed) {
		t.Error("IsKind() = false, want true")
	}
	if IsKind(err, KindForbidden) {
		t.Error("IsKind() matched wrong kind")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(KindUnavailable, "node down", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindBadRequest, http.StatusBadRequest},
		{KindAuthFailed, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindUnprocessable, http.StatusUnprocessableEntity},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindPartial, http.StatusOK},
		{KindInternal, http.StatusInternalServerError},
		{Kind("made_up"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.kind); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
