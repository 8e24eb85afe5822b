package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/R3E-Network/confidential_layer/internal/logging"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

// WriteJSON writes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// WriteErrorResponse writes an ErrorResponse, echoing the request trace id.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	resp := ErrorResponse{Code: code, Message: message, Details: details}
	if r != nil {
		resp.TraceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, status, resp)
}

// Unauthorized writes a bare 401.
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "unauthorized"
	}
	WriteErrorResponse(w, nil, http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}
