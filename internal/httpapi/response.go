package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	zlog "github.com/rs/zerolog/log"

	"profiler_api/profiler"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zlog.Warn().Err(err).Msg("write json")
	}
}

func respondRaw(w http.ResponseWriter, status int, doc json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(doc); err != nil {
		zlog.Warn().Err(err).Msg("write json")
	}
}

func respondDetail(w http.ResponseWriter, status int, detail any) {
	respondJSON(w, status, map[string]any{"detail": detail})
}

// respondError maps a tier error onto the client-facing envelope.
func respondError(w http.ResponseWriter, tier profiler.Tier, err error) {
	var pe *profiler.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case profiler.CodeNotFound:
			respondDetail(w, http.StatusNotFound, pe.Message)
			return
		case profiler.CodeValidation:
			respondDetail(w, http.StatusUnprocessableEntity, pe.Message)
			return
		}
	}

	errorType := "internal_error"
	message := err.Error()
	if pe != nil {
		if pe.ErrorType != "" {
			errorType = pe.ErrorType
		}
		message = pe.Message
	}
	respondDetail(w, http.StatusInternalServerError, map[string]any{
		"message": fmt.Sprintf("Error occurred during %s profiler analysis", tier),
		"error_details": map[string]string{
			"error_type":    errorType,
			"error_message": message,
		},
	})
}
