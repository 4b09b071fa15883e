package importexport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shapesinc/orchestration-core/internal/domain"
)

func TestClassify_RetryableKinds(t *testing.T) {
	cases := []domain.ImportExportErrorKind{domain.ErrServerError, domain.ErrRateLimit}
	for _, kind := range cases {
		err := &domain.ImportExportError{Kind: kind, Err: errors.New("boom")}
		gotKind, retryable := classify(err)
		require.Equal(t, kind, gotKind)
		require.True(t, retryable)
	}
}

func TestClassify_NonRetryableKinds(t *testing.T) {
	cases := []domain.ImportExportErrorKind{domain.ErrAuth, domain.ErrNotFound, domain.ErrMapping}
	for _, kind := range cases {
		err := &domain.ImportExportError{Kind: kind, Err: errors.New("boom")}
		gotKind, retryable := classify(err)
		require.Equal(t, kind, gotKind)
		require.False(t, retryable)
	}
}

func TestClassify_UnclassifiedErrorIsTreatedAsMappingNonRetryable(t *testing.T) {
	kind, retryable := classify(errors.New("some local decode failure"))
	require.Equal(t, domain.ErrMapping, kind)
	require.False(t, retryable)
}

func TestClassify_UnwrapsWrappedImportExportError(t *testing.T) {
	inner := &domain.ImportExportError{Kind: domain.ErrServerError, Err: errors.New("http 503")}
	wrapped := errors.Join(errors.New("context"), inner)

	kind, retryable := classify(wrapped)
	require.Equal(t, domain.ErrServerError, kind)
	require.True(t, retryable)
}
