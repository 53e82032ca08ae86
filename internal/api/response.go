package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/race-engine/internal/apperrors"
	"github.com/atmx/race-engine/internal/logger"
)

type errorBody struct {
	Code       apperrors.ErrorType `json:"code"`
	Message    string              `json:"message"`
	Suggestion string              `json:"suggestion,omitempty"`
	Details    map[string]any      `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders any error as the standard envelope. Internal causes are
// logged, never returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperrors.Wrap(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		logger.LogError(r.Context(), err, "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"code", appErr.Type,
		)
	}
	writeJSON(w, appErr.HTTPStatus, errorBody{
		Code:       appErr.Type,
		Message:    appErr.Message,
		Suggestion: appErr.Suggestion,
		Details:    appErr.Details,
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Validation("invalid request body").With("reason", err.Error())
	}
	return nil
}
