// Package api contains the JSON error envelope and shared HTTP middleware
// for the gateway surface.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ErrorBody is the wire shape of every error response:
// {"error":{"kind":"…","message":"…","detail":…}}.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable error kind plus a human message.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// FieldError describes one invalid request field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// WriteError writes the JSON error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, kind, message string) {
	WriteErrorDetail(w, status, kind, message, nil)
}

// WriteErrorDetail writes the envelope with an optional detail payload.
func WriteErrorDetail(w http.ResponseWriter, status int, kind, message string, detail any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: ErrorDetail{Kind: kind, Message: message, Detail: detail}})
}

// WriteUnauthorized writes a 401 with the RFC 6750 WWW-Authenticate header.
// description is placed in error_description; "token expired" for expiry.
func WriteUnauthorized(w http.ResponseWriter, description string) {
	if description == "" {
		description = "authentication required"
	}
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf("Bearer error=%q, error_description=%q", "invalid_token", description))
	WriteError(w, http.StatusUnauthorized, "authn", description)
}

// WriteForbidden writes a 403.
func WriteForbidden(w http.ResponseWriter, message string) {
	if message == "" {
		message = "not allowed"
	}
	WriteError(w, http.StatusForbidden, "authz", message)
}

// WriteValidation writes a 400 with the per-field reason list.
func WriteValidation(w http.ResponseWriter, fields []FieldError) {
	WriteErrorDetail(w, http.StatusBadRequest, "validation", "request validation failed", fields)
}

// WriteNotFound writes a 404.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

// WriteConflict writes a 409 after command retries are exhausted.
func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, "conflict", message)
}

// WriteCircuitOpen writes a 503 with Retry-After.
func WriteCircuitOpen(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusServiceUnavailable, "circuit_open", "dependency circuit is open")
}

// WriteTransient writes a 503 with Retry-After for backend unavailability.
func WriteTransient(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusServiceUnavailable, "transient", "backend temporarily unavailable")
}

// WriteUpstream writes a 502 for upstream 5xx/network/timeout failures.
func WriteUpstream(w http.ResponseWriter, message string) {
	if message == "" {
		message = "upstream call failed"
	}
	WriteError(w, http.StatusBadGateway, "upstream", message)
}

// WriteSpec writes a 422 for an invalid OpenAPI document.
func WriteSpec(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnprocessableEntity, "spec", message)
}

// WriteInternal writes a 500. The error is logged, never exposed.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "internal", "an unexpected error occurred")
}

// WriteJSON writes a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes a request body, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
