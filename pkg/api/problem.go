// Package api is the HTTP surface for the payment core. All error
// responses are RFC 7807 Problem Details; a payment outcome
// (requires_action, failed with reason) is a 2xx body, never a problem
// document.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/keelpay/core/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links the response to server logs via X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(slug string) string {
	return "https://keelpay.dev/errors/" + slug
}

// WriteProblem writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from the request URI).
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, slug, title, detail string) {
	problem := &ProblemDetail{
		Type:   problemType(slug),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	if r != nil {
		problem.Instance = r.URL.Path
		problem.TraceID = w.Header().Get("X-Request-ID")
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 for requests broken at the envelope level
// (unreadable JSON, missing required header).
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusBadRequest, "bad_request", "Bad Request", detail)
}

// WriteUnprocessable writes a 422 for well-formed requests with invalid
// field values.
func WriteUnprocessable(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusUnprocessableEntity, "invalid_field", "Unprocessable Entity", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteProblem(w, r, http.StatusUnauthorized, "unauthorized", "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusNotFound, "not_found", "Not Found", detail)
}

// WriteConflict writes a 409 error response (version races, idempotency
// key reuse, transitions the lifecycle forbids).
func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusConflict, "conflict", "Conflict", detail)
}

// WriteRiskBlocked writes a 402 with the risk_blocked problem type.
func WriteRiskBlocked(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusPaymentRequired, "risk_blocked", "Payment Blocked", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	if retryAfterSecs < 1 {
		retryAfterSecs = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, r, http.StatusTooManyRequests, "rate_limited", "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err, "path", r.URL.Path)
	WriteProblem(w, r, http.StatusInternalServerError, "internal", "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps an error from the engine layers onto exactly one
// problem response. Handlers call this instead of branching per sentinel.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid *contracts.ValidationError
		limited *contracts.RateLimitError
	)
	switch {
	case errors.As(err, &invalid):
		WriteUnprocessable(w, r, invalid.Error())
	case errors.Is(err, contracts.ErrValidation):
		WriteUnprocessable(w, r, err.Error())
	case errors.Is(err, contracts.ErrNotFound),
		errors.Is(err, contracts.ErrChallengeUnknown):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, contracts.ErrVersionConflict),
		errors.Is(err, contracts.ErrIllegalTransition),
		errors.Is(err, contracts.ErrIdempotencyConflict),
		errors.Is(err, contracts.ErrIdempotencyInProgress),
		errors.Is(err, contracts.ErrChallengeConsumed):
		WriteConflict(w, r, err.Error())
	case errors.Is(err, contracts.ErrChallengeExpired):
		WriteProblem(w, r, http.StatusConflict, "challenge_expired", "Conflict", err.Error())
	case errors.Is(err, contracts.ErrRiskBlocked):
		WriteRiskBlocked(w, r, err.Error())
	case errors.As(err, &limited):
		WriteTooManyRequests(w, r, int(limited.RetryAfter.Seconds()+0.999))
	case errors.Is(err, contracts.ErrRateLimited):
		WriteTooManyRequests(w, r, 1)
	case errors.Is(err, contracts.ErrDownstreamTimeout):
		WriteProblem(w, r, http.StatusGatewayTimeout, "downstream_timeout", "Gateway Timeout",
			"The settlement network did not answer in time. The payment state is authoritative on re-read.")
	case errors.Is(err, contracts.ErrDownstreamUnavailable):
		WriteProblem(w, r, http.StatusBadGateway, "downstream_unavailable", "Bad Gateway",
			"The settlement network is unavailable.")
	default:
		WriteInternal(w, r, err)
	}
}
