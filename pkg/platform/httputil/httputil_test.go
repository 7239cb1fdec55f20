package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrar/pkg/platform/sentinel"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		status      int
		code        string
		description string
	}{
		{"unclassified error hides its message", errors.New("db failed"), http.StatusInternalServerError, "internal_error", ""},
		{"bad request", fmt.Errorf("%w: invalid input", ErrBadRequest), http.StatusBadRequest, "bad_request", "bad request: invalid input"},
		{"not found", fmt.Errorf("identity: %w", sentinel.ErrNotFound), http.StatusNotFound, "not_found", "identity: not found"},
		{"conflict", fmt.Errorf("register: %w", sentinel.ErrConflict), http.StatusConflict, "conflict", "register: conflict"},
		{"invalid state", fmt.Errorf("claim: %w", sentinel.ErrInvalidState), http.StatusUnprocessableEntity, "invalid_state", "claim: invalid state"},
		{"unavailable hides its message", fmt.Errorf("store: %w", sentinel.ErrUnavailable), http.StatusServiceUnavailable, "unavailable", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.code, body["error"])
			desc, ok := body["error_description"]
			if tt.description == "" {
				assert.False(t, ok, "description must be omitted")
			} else {
				assert.Equal(t, tt.description, desc)
			}
		})
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, map[string]int{"queued": 2})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"queued":2}`, w.Body.String())
}
