package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"basecamp/internal/domain"
)

type errorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps err to a status and writes it with its error code.
func writeDomainError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicate), errors.Is(err, domain.ErrImmutableAgent):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests
	case domain.IsConfigurationFault(err),
		errors.Is(err, domain.ErrEmbeddingFailed),
		errors.Is(err, domain.ErrVectorStore),
		errors.Is(err, domain.ErrProviderError),
		errors.Is(err, domain.ErrUpstream),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads the request body into v. Errors come back as
// ErrInvalidInput unless the body exceeded the size cap.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return domain.NewDomainError("decode", domain.ErrInvalidInput, "invalid JSON: "+err.Error())
	}
	return nil
}
