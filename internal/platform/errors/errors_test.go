package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors_StatusMapping(t *testing.T) {
	cause := errors.New("dial tcp: refused")

	tests := []struct {
		name   string
		err    *Error
		typ    ErrorType
		status int
	}{
		{"validation", ValidationError("bad target"), TypeValidation, http.StatusBadRequest},
		{"not found", &Error{Type: TypeNotFound}, TypeNotFound, http.StatusNotFound},
		{"conflict", &Error{Type: TypeConflict}, TypeConflict, http.StatusConflict},
		{"rate limited", RateLimitedError("slow down"), TypeRateLimited, http.StatusTooManyRequests},
		{"internal", InternalError("boom", cause), TypeInternal, http.StatusInternalServerError},
		{"external", ExternalError("redis", cause), TypeExternal, http.StatusBadGateway},
		{"unavailable", UnavailableError("at capacity", nil), TypeUnavailable, http.StatusServiceUnavailable},
		{"unknown type", &Error{Type: "weird"}, "weird", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.typ, tt.err.Type)
			assert.Equal(t, tt.status, tt.err.HTTPStatus())
			assert.Contains(t, tt.err.Error(), string(tt.typ))
		})
	}
}

func TestError_CauseIsUnwrapped(t *testing.T) {
	cause := errors.New("connection refused")
	err := ExternalError("redis publish failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "external: redis publish failed: connection refused", err.Error())
}

func TestWithContext(t *testing.T) {
	err := ValidationError("invalid target").
		WithContext("kind", "bogus").
		WithContext("field", "target.kind")

	resp := err.ToResponse()
	assert.Equal(t, "invalid target", resp.Error)
	assert.Equal(t, TypeValidation, resp.Type)
	assert.Equal(t, map[string]any{"kind": "bogus", "field": "target.kind"}, resp.Context)

	bare := &Error{Type: TypeInternal}
	bare.WithContext("k", 1)
	assert.Equal(t, 1, bare.Context["k"])
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	original := ValidationError("missing target")
	wrapped := fmt.Errorf("handler: %w", original)
	got := AsStructuredError(wrapped)
	require.NotNil(t, got)
	assert.Same(t, original, got)

	plain := errors.New("plain")
	got = AsStructuredError(plain)
	assert.Equal(t, TypeInternal, got.Type)
	assert.ErrorIs(t, got, plain)
}
