// Package api implements RFC 7807 Problem Detail responses and the wire types of the Hall of Fame API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

// ProblemTypeBase prefixes the Type URI of every problem.
const ProblemTypeBase = "https://hof.shapeshift.com/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`

	// UnlocksAt is set on 423 responses.
	UnlocksAt *time.Time `json:"unlocks_at,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return ProblemTypeBase + strconv.Itoa(status)
}

func write(w http.ResponseWriter, p *ProblemDetail) {
	if p.TraceID == "" {
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	write(w, &ProblemDetail{
		Type:   problemType(status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteLocked writes a 423 error response with Retry-After derived from
// the unlock time.
func WriteLocked(w http.ResponseWriter, detail string, unlocksAt, now time.Time) {
	secs := int64(math.Ceil(unlocksAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	at := unlocksAt.UTC()
	write(w, &ProblemDetail{
		Type:      problemType(http.StatusLocked),
		Title:     "Locked",
		Status:    http.StatusLocked,
		Detail:    detail,
		UnlocksAt: &at,
	})
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteRegistryError maps a registry error onto its problem response.
func WriteRegistryError(w http.ResponseWriter, err error, now time.Time) {
	var locked *registry.LockedError
	switch {
	case errors.As(err, &locked):
		WriteLocked(w, err.Error(), locked.UnlocksAt, now)
	case errors.Is(err, registry.ErrTokenLocked):
		WriteLocked(w, err.Error(), now, now)
	case errors.Is(err, registry.ErrUnauthorized):
		WriteForbidden(w, err.Error())
	case errors.Is(err, registry.ErrTokenNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, registry.ErrInvalidArgument):
		WriteBadRequest(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}
