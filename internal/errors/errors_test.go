package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	plain := &Error{Kind: KindNotFound, Message: "job not found"}
	assert.Equal(t, "job not found", plain.Error())

	wrapped := &Error{
		Kind:    KindInternal,
		Message: "reserve failed",
		Cause:   errors.New("connection reset"),
	}
	assert.Equal(t, "reserve failed: connection reset", wrapped.Error())
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := &Error{Kind: KindInternal, Message: "wrapped", Cause: cause}
	assert.ErrorIs(t, err, cause)
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		wantKind Kind
		wantMsg  string
	}{
		{"NotFound", NotFound("job %s not found", "abc"), KindNotFound, "job abc not found"},
		{"InvalidState", InvalidState("job is %s", "completed"), KindInvalidState, "job is completed"},
		{"Conflict", Conflict("already queued"), KindConflict, "already queued"},
		{"Validation", Validation("bad input"), KindValidation, "bad input"},
		{"Internal", Internal("boom"), KindInternal, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantKind, tt.err.Kind)
			assert.Equal(t, tt.wantMsg, tt.err.Message)
		})
	}
}

func TestValidationField(t *testing.T) {
	err := ValidationField("lease_seconds", "must be positive")
	assert.Equal(t, KindValidation, err.Kind)
	assert.Equal(t, "lease_seconds", err.Field)
	assert.Equal(t, "must be positive", err.Message)
}

func TestWrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(cause, KindInternal, "wrapped")

	require.NotNil(t, err)
	assert.Equal(t, KindInternal, err.Kind)
	assert.Equal(t, "wrapped", err.Message)
	assert.ErrorIs(t, err, cause)

	assert.Nil(t, Wrap(nil, KindInternal, "ignored"))

	formatted := Wrapf(cause, KindConflict, "job %s busy", "abc")
	require.NotNil(t, formatted)
	assert.Equal(t, "job abc busy", formatted.Message)
	assert.Nil(t, Wrapf(nil, KindConflict, "ignored"))
}

func TestKindPredicates(t *testing.T) {
	tests := []struct {
		name string
		pred func(error) bool
		hit  error
	}{
		{"IsNotFound", IsNotFound, NotFound("x")},
		{"IsInvalidState", IsInvalidState, InvalidState("x")},
		{"IsConflict", IsConflict, Conflict("x")},
		{"IsValidation", IsValidation, Validation("x")},
		{"IsInternal", IsInternal, Internal("x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.pred(tt.hit))
			// wrapping must not hide the kind
			assert.True(t, tt.pred(fmt.Errorf("outer: %w", tt.hit)))
			assert.False(t, tt.pred(errors.New("plain")))
			assert.False(t, tt.pred(nil))
		})
	}
	assert.False(t, IsNotFound(Conflict("x")))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(NotFound("x")))
	assert.Equal(t, KindConflict, KindOf(fmt.Errorf("outer: %w", Conflict("x"))))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("x"), http.StatusBadRequest},
		{NotFound("x"), http.StatusNotFound},
		{InvalidState("x"), http.StatusConflict},
		{Conflict("x"), http.StatusConflict},
		{&Error{Kind: KindTimeout}, http.StatusGatewayTimeout},
		{Internal("x"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "err %v", tt.err)
	}
}
