package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestImportExportErrorKind_Retryable(t *testing.T) {
	cases := []struct {
		kind ImportExportErrorKind
		want bool
	}{
		{ErrServerError, true},
		{ErrRateLimit, true},
		{ErrAuth, false},
		{ErrNotFound, false},
		{ErrMapping, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.kind.Retryable(), "kind=%s", tc.kind)
	}
}

func TestImportExportError_UnwrapAndError(t *testing.T) {
	inner := errors.New("http 503")
	err := &ImportExportError{Kind: ErrServerError, Err: inner}

	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "ServerError")
	require.Contains(t, err.Error(), "http 503")
}

func TestProgrammerError_UnwrapAndError(t *testing.T) {
	inner := errors.New("missing request field")
	err := &ProgrammerError{Stage: "Validation", Err: inner}

	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "Validation")
}

func TestClassifiedErr_NilSafeError(t *testing.T) {
	var e *ClassifiedErr
	require.Equal(t, "", e.Error())
}
