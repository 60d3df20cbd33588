package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// ErrEmptyBody is returned by ParseJSON for a request without a body
var ErrEmptyBody = errors.New("request body is empty")

// ParseJSON decodes a single JSON document from the request body
func ParseJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes: %w", tooLarge.Limit, err)
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes the body and writes 400, or 413 when the body
// limit was hit, on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	err := ParseJSON(r, dest)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteErrorMessage(w, http.StatusRequestEntityTooLarge, err.Error())
		return false
	}
	WriteBadRequest(w, err.Error())
	return false
}

// ParsePathInt64OrError reads an int64 route variable, writing 400 when
// it is missing or malformed
func ParsePathInt64OrError(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	str := mux.Vars(r)[key]
	if str == "" {
		WriteBadRequest(w, "missing path parameter: "+key)
		return 0, false
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		WriteBadRequest(w, fmt.Sprintf("invalid integer for %s: %s", key, str))
		return 0, false
	}
	return val, true
}

// ParsePathIntOrError is ParsePathInt64OrError for int variables such as ranks
func ParsePathIntOrError(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	val, ok := ParsePathInt64OrError(w, r, key)
	if !ok {
		return 0, false
	}
	if int64(int(val)) != val {
		WriteBadRequest(w, fmt.Sprintf("%s out of range", key))
		return 0, false
	}
	return int(val), true
}

// ParsePage reads the page and per_page query parameters. Missing values
// default to 1 and defaultPerPage; clamping is left to the caller.
func ParsePage(r *http.Request, defaultPerPage int) (page, perPage int, err error) {
	q := r.URL.Query()
	page, perPage = 1, defaultPerPage

	if s := q.Get("page"); s != "" {
		if page, err = strconv.Atoi(s); err != nil {
			return 0, 0, fmt.Errorf("invalid page: %s", s)
		}
	}
	if s := q.Get("per_page"); s != "" {
		if perPage, err = strconv.Atoi(s); err != nil {
			return 0, 0, fmt.Errorf("invalid per_page: %s", s)
		}
	}
	return page, perPage, nil
}
