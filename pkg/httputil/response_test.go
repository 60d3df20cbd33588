package httputil

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/veloce/authz/pkg/observability"
)

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()

	err := WriteJSON(rr, http.StatusCreated, map[string]int{"rank": 7})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"rank":7}`, rr.Body.String())
}

func TestWriteHelpers(t *testing.T) {
	tests := []struct {
		name     string
		write    func(w http.ResponseWriter)
		wantCode int
		wantBody string
	}{
		{"success", func(w http.ResponseWriter) { WriteSuccess(w, []string{"VIEW_ROLES"}) }, http.StatusOK, `["VIEW_ROLES"]`},
		{"created", func(w http.ResponseWriter) { WriteCreated(w, map[string]int{"id": 1}) }, http.StatusCreated, `{"id":1}`},
		{"success message", func(w http.ResponseWriter) { WriteSuccessMessage(w, "role assigned", nil) }, http.StatusOK, `{"status":"success","message":"role assigned"}`},
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "invalid rank") }, http.StatusBadRequest, `{"error":"invalid rank"}`},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "missing bearer token") }, http.StatusUnauthorized, `{"error":"missing bearer token"}`},
		{"forbidden", func(w http.ResponseWriter) { WriteForbidden(w, "insufficient permissions") }, http.StatusForbidden, `{"error":"insufficient permissions"}`},
		{"too many requests", func(w http.ResponseWriter) { WriteTooManyRequests(w, "rate limit exceeded") }, http.StatusTooManyRequests, `{"error":"rate limit exceeded"}`},
		{
			"validation details",
			func(w http.ResponseWriter) { WriteValidationDetails(w, map[string]string{"name": "required"}) },
			http.StatusBadRequest,
			`{"error":"validation failed","details":{"name":"required"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.write(rr)
			assert.Equal(t, tt.wantCode, rr.Code)
			assert.JSONEq(t, tt.wantBody, rr.Body.String())
		})
	}
}

func TestWriteNoContent(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteNoContent(rr)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, rr.Body.String())
}

type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string   { return e.msg }
func (e *statusError) StatusCode() int { return e.status }

func TestWriteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
		logged   bool
	}{
		{"not found", &statusError{http.StatusNotFound, "role 9 does not exist"}, http.StatusNotFound, `{"error":"role 9 does not exist"}`, false},
		{"wrapped conflict", fmt.Errorf("assign: %w", &statusError{http.StatusConflict, "already assigned"}), http.StatusConflict, `{"error":"already assigned"}`, false},
		{"server status is not exposed", &statusError{http.StatusBadGateway, "upstream secret"}, http.StatusInternalServerError, `{"error":"internal server error"}`, true},
		{"plain error", errors.New("pq: connection refused"), http.StatusInternalServerError, `{"error":"internal server error"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := observability.NewLogger(observability.InfoLevel, &logs)

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/roles/assign", nil)
			WriteError(rr, req, logger, tt.err)

			assert.Equal(t, tt.wantCode, rr.Code)
			assert.JSONEq(t, tt.wantBody, rr.Body.String())
			if tt.logged {
				assert.Contains(t, logs.String(), "request failed")
				assert.Contains(t, logs.String(), "/roles/assign")
			} else {
				assert.Empty(t, logs.String())
			}
		})
	}
}
