package proxy

import (
	"encoding/json"
	"net/http"
)

// Error types on the wire.
const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeServer         = "server_error"
	errTypeValidation     = "validation_error"
	errTypeDetection      = "detection_error"
)

// writeFormatError emits an error in the endpoint's provider shape.
func writeFormatError(w http.ResponseWriter, format string, status int, errType, code, message string) {
	if format == "anthropic" {
		writeAnthropicError(w, status, errType, message)
		return
	}
	writeOpenAIError(w, status, errType, code, message)
}

func writeOpenAIError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var codeField any
	if code != "" {
		codeField = code
	}
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"param":   nil,
			"code":    codeField,
		},
	})
}

func writeAnthropicError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
}

// writeAPIError is the shape of the management endpoints (/api/*).
func writeAPIError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
}

// providerShaped reports whether an upstream error body already matches the
// endpoint's error contract and can be forwarded as-is.
func providerShaped(body []byte, format string) bool {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false
	}
	if format == "anthropic" {
		return parsed["type"] == "error"
	}
	_, ok := parsed["error"].(map[string]any)
	return ok
}
