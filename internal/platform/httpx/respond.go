// Package httpx provides JSON responses, RFC7807 problem details and request
// body decoding shared by every handler.
package httpx

import (
	"encoding/json"
	"io"
	"net/http"
)

const maxBodyBytes = 1 << 20

// ProblemDetail represents RFC7807 problem details.
type ProblemDetail struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Problem sends an RFC7807 problem details response with its media type.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// DecodeJSON decodes the JSON request body into target. Bodies past 1 MiB are
// cut off; uploads go through multipart, not JSON.
func DecodeJSON(r *http.Request, target any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(target)
}
