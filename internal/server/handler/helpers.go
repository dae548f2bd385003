package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/alanyoungcy/binarysim/internal/domain"
	"github.com/alanyoungcy/binarysim/internal/server/middleware"
)

// maxBodyBytes caps request bodies; the largest legitimate payload is a bulk
// outcome list of a few hundred sessions.
const maxBodyBytes = 1 << 20

var validate = validator.New()

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error","code":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// errorMapping pairs a domain sentinel with its HTTP status and stable code.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrInsufficientFunds, http.StatusBadRequest, "insufficient_funds"},
	{domain.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{domain.ErrAlreadyExists, http.StatusConflict, "already_exists"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{domain.ErrTransient, http.StatusServiceUnavailable, "unavailable"},
	{domain.ErrIntegrity, http.StatusInternalServerError, "integrity"},
}

// statusFor classifies err. Unknown errors are internal.
func statusFor(err error) (int, string, error) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.code, m.err
		}
	}
	return http.StatusInternalServerError, "internal", nil
}

// writeError maps a service error onto a JSON error response. Client errors
// carry the message from the sentinel onward, without the package prefixes;
// server errors are logged and replaced with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code, sentinel := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		msg := "internal server error"
		if status == http.StatusServiceUnavailable {
			msg = "service temporarily unavailable"
		}
		writeJSON(w, status, errorResponse{Error: msg, Code: code})
		return
	}
	writeJSON(w, status, errorResponse{Error: publicMessage(err, sentinel), Code: code})
}

func publicMessage(err, sentinel error) string {
	msg := err.Error()
	if sentinel == nil {
		return msg
	}
	if i := strings.Index(msg, sentinel.Error()); i >= 0 {
		return msg[i:]
	}
	return msg
}

// badRequest writes a 400 for malformed input caught in the handler itself.
func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: "invalid_argument"})
}

// decode reads a JSON body into dst and runs its validate tags.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", domain.ErrInvalidArgument, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// parsePage extracts page and limit from the query string. Missing or
// malformed values become zero and the service applies its defaults.
func parsePage(r *http.Request) (page, limit int) {
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return page, limit
}

// actor returns the authenticated caller. Routes are wrapped in
// middleware.RequireUser, so a missing actor is a wiring bug.
func actor(r *http.Request) domain.Actor {
	a, _ := middleware.ActorFrom(r.Context())
	return a
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
