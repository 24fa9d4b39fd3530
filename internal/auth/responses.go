// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Bodies are JSON-encoded, so provider
// messages and user-controlled strings never break the envelope.
package auth

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// errorBody is the shape of every error response: {"error": "..."}.
type errorBody struct {
	Error string `json:"error"`
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeFailure maps err to its status and public message and writes it.
// 5xx failures log at error level, everything else at warn.
func writeFailure(w http.ResponseWriter, r *http.Request, msg string, err error) {
	f := classify(err)
	if f.status >= http.StatusInternalServerError {
		logError(r, msg, "error", err, "status", f.status)
	} else {
		logWarn(r, msg, "error", err, "status", f.status)
	}
	writeJSON(w, f.status, errorBody{f.message})
}

// redirectFailure sends the browser to base with error and error_description set.
func redirectFailure(w http.ResponseWriter, r *http.Request, base, msg string, err error) {
	f := classify(err)
	logWarn(r, msg, "error", err, "status", f.status)
	target, uerr := withQuery(base, url.Values{
		"error":             {f.code},
		"error_description": {f.message},
	})
	if uerr != nil {
		InternalServerError(w, r, uerr)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// withQuery merges params into base's existing query string.
func withQuery(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Set(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{"Internal server error"})
}

// BadRequest returns a 400 JSON response with the given message.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{message})
}

// Unauthorized returns a 401 JSON response. Keep message generic.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusUnauthorized, errorBody{message})
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusNotFound, errorBody{message})
}

// TooManyRequests returns a 429 with Retry-After set to retryAfter, rounded up to whole seconds.
func TooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, http.StatusTooManyRequests, errorBody{"Too many requests"})
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, struct {
		Message string `json:"message"`
	}{message})
}
