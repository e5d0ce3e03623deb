package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/groundline-ai/groundline/internal/schemas"
)

// errorBody is the JSON failure envelope for both plain and streaming
// responses.
type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Code       int    `json:"code"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// classify maps a pipeline error onto the wire contract.
func classify(err error) errorBody {
	var se *schemas.SchemaError
	if errors.As(err, &se) {
		return errorBody{Error: "SchemaInvalid", Message: se.Error(), Code: http.StatusBadRequest}
	}
	var rle *schemas.RateLimitedError
	if errors.As(err, &rle) {
		return errorBody{Error: "RateLimited", Message: rle.Error(), Code: http.StatusTooManyRequests, RetryAfter: rle.RetryAfter}
	}
	var ice *schemas.InvalidCitationsError
	if errors.As(err, &ice) {
		return errorBody{Error: "InvalidCitations", Message: ice.Error(), Code: http.StatusInternalServerError}
	}
	var pe *schemas.ProviderError
	if errors.As(err, &pe) {
		return errorBody{Error: "UpstreamUnavailable", Message: pe.Error(), Code: http.StatusServiceUnavailable}
	}
	var dme *schemas.DimensionMismatchError
	if errors.As(err, &dme) {
		return errorBody{Error: "UpstreamUnavailable", Message: dme.Error(), Code: http.StatusServiceUnavailable}
	}
	switch {
	case errors.Is(err, schemas.ErrUnauthorized):
		return errorBody{Error: "Unauthorized", Message: err.Error(), Code: http.StatusUnauthorized}
	case errors.Is(err, schemas.ErrPayloadTooLarge):
		return errorBody{Error: "PayloadTooLarge", Message: err.Error(), Code: http.StatusRequestEntityTooLarge}
	case errors.Is(err, schemas.ErrNoDocuments), errors.Is(err, schemas.ErrInvalidUserContext):
		return errorBody{Error: "SchemaInvalid", Message: err.Error(), Code: http.StatusBadRequest}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, schemas.ErrUpstreamTimeout):
		return errorBody{Error: "Timeout", Message: err.Error(), Code: http.StatusGatewayTimeout}
	default:
		return errorBody{Error: "Internal", Message: err.Error(), Code: http.StatusInternalServerError}
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := classify(err)
	w.Header().Set("Content-Type", "application/json")
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	w.WriteHeader(body.Code)
	json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
