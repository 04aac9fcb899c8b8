package api

import (
	"encoding/json"
	"net/http"
	"regexp"

	"go.uber.org/zap"
)

const maxErrorMessageLength = 256

var (
	connStringPattern = regexp.MustCompile(`(?:sqlite|redis|nats|file)://[^\s"']+`)
	secretPattern     = regexp.MustCompile(`(?i)(password|secret|token|api_key|apikey)[:=]\s*["']?[^"'\s]+["']?`)
)

// errorResponse is the body of every non-2xx JSON response
type errorResponse struct {
	Error string `json:"error"`
}

// sanitizeErrorMessage removes connection strings and secrets before a message reaches a client
func sanitizeErrorMessage(message string) string {
	message = connStringPattern.ReplaceAllString(message, "[CONNECTION]")
	message = secretPattern.ReplaceAllString(message, "$1=[REDACTED]")
	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength-3] + "..."
	}
	return message
}

// writeJSON writes v with the given status code
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Warnw("Failed to encode response", "error", err)
	}
}

// writeError logs the full error and sends a sanitized message to the client
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		if statusCode >= http.StatusInternalServerError {
			logger.Errorw(message, "error", err, "status_code", statusCode)
		} else {
			logger.Debugw(message, "error", err, "status_code", statusCode)
		}
	}
	writeJSON(w, statusCode, errorResponse{Error: sanitizeErrorMessage(message)}, nil)
}
