package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veloce/authz/pkg/observability"
)

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// SuccessResponse acknowledges a command that has no resource to return
type SuccessResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// StatusCoder is implemented by errors that carry their own HTTP status.
// Their message is shown to the caller.
type StatusCoder interface {
	error
	StatusCode() int
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes 200 with data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes 201 with data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccessMessage writes 200 with a status envelope
func WriteSuccessMessage(w http.ResponseWriter, message string, data interface{}) error {
	return WriteJSON(w, http.StatusOK, SuccessResponse{
		Status:  "success",
		Message: message,
		Data:    data,
	})
}

// WriteNoContent writes 204
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteErrorMessage writes {"error": message} with status
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteBadRequest writes 400
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteValidationDetails writes 400 with per-field failures
func WriteValidationDetails(w http.ResponseWriter, details map[string]string) {
	WriteJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Details: details})
}

// WriteUnauthorized writes 401
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteForbidden writes 403
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusForbidden, message)
}

// WriteTooManyRequests writes 429
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusTooManyRequests, message)
}

// WriteError answers a failed request. Errors implementing StatusCoder
// with a 4xx status are returned as is; anything else is logged with
// the request id and answered with an opaque 500.
func WriteError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	var sc StatusCoder
	if errors.As(err, &sc) {
		if status := sc.StatusCode(); status >= 400 && status < 500 {
			WriteErrorMessage(w, status, sc.Error())
			return
		}
	}

	if logger == nil {
		logger = observability.FromContext(r.Context())
	}
	logger.WithError(err).WithFields(map[string]interface{}{
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": observability.GetRequestID(r.Context()),
	}).Error("request failed")
	WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
}
