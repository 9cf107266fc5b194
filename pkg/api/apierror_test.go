package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	return p
}

func TestWriteRegistryError(t *testing.T) {
	now := time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unauthorized", fmt.Errorf("%w: nope", registry.ErrUnauthorized), http.StatusForbidden},
		{"not found", fmt.Errorf("%w: 3", registry.ErrTokenNotFound), http.StatusNotFound},
		{"invalid", fmt.Errorf("%w: empty", registry.ErrInvalidArgument), http.StatusBadRequest},
		{"internal", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteRegistryError(w, tt.err, now)

			assert.Equal(t, tt.status, w.Code)
			p := decodeProblem(t, w)
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, fmt.Sprintf("%s%d", ProblemTypeBase, tt.status), p.Type)
		})
	}
}

func TestWriteRegistryError_InternalHidesDetail(t *testing.T) {
	w := httptest.NewRecorder()
	WriteRegistryError(w, errors.New("password=hunter2"), time.Now())
	assert.NotContains(t, w.Body.String(), "hunter2")
}

func TestWriteRegistryError_Locked(t *testing.T) {
	now := time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)
	unlocks := now.Add(90*time.Second + 500*time.Millisecond)

	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-1")
	WriteRegistryError(w, &registry.LockedError{TokenID: 2, UnlocksAt: unlocks}, now)

	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, "91", w.Header().Get("Retry-After"))

	p := decodeProblem(t, w)
	require.NotNil(t, p.UnlocksAt)
	assert.True(t, p.UnlocksAt.Equal(unlocks))
	assert.Equal(t, "req-1", p.TraceID)
}
