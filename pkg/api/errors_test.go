package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspy-io/agentspy/pkg/services"
	"github.com/agentspy-io/agentspy/pkg/storage"
)

func TestMapServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		expectCode int
		expectMsg  string
	}{
		{
			name:       "validation error maps to 400 with field detail",
			err:        services.NewValidationError("run_id", "must be a valid UUID"),
			expectCode: http.StatusBadRequest,
			expectMsg:  "run_id",
		},
		{
			name:       "invalid input maps to 400 with the wrapped detail",
			err:        fmt.Errorf("%w: request body is empty", services.ErrInvalidInput),
			expectCode: http.StatusBadRequest,
			expectMsg:  "request body is empty",
		},
		{
			name:       "not found maps to 404",
			err:        services.ErrNotFound,
			expectCode: http.StatusNotFound,
			expectMsg:  "resource not found",
		},
		{
			name:       "wrapped not found still maps to 404",
			err:        fmt.Errorf("fetching run: %w", services.ErrNotFound),
			expectCode: http.StatusNotFound,
			expectMsg:  "resource not found",
		},
		{
			name:       "already exists maps to 409",
			err:        services.ErrAlreadyExists,
			expectCode: http.StatusConflict,
			expectMsg:  "resource already exists",
		},
		{
			name:       "storage unavailable maps to 503",
			err:        fmt.Errorf("upserting runs: %w", storage.ErrStorageUnavailable),
			expectCode: http.StatusServiceUnavailable,
			expectMsg:  "trace storage unavailable",
		},
		{
			name:       "unknown error maps to opaque 500",
			err:        errors.New("pq: deadlock detected"),
			expectCode: http.StatusInternalServerError,
			expectMsg:  "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := mapServiceError(tt.err)
			require.IsType(t, &echo.HTTPError{}, he)
			assert.Equal(t, tt.expectCode, he.Code)
			assert.Contains(t, he.Error(), tt.expectMsg)
		})
	}
}

func TestMapServiceErrorNeverLeaksInternals(t *testing.T) {
	he := mapServiceError(errors.New("dial tcp 10.0.0.5:5432: connect: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, he.Code)
	assert.NotContains(t, he.Error(), "10.0.0.5", "raw infrastructure errors must not reach clients")
}
