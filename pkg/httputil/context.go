package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/zitadel/oidc/v3/pkg/oidc"
)

type ContextKey string

const (
	RequestIDCtxKey ContextKey = "RequestID"
	LogEntryCtxKey  ContextKey = "LogEntry"
	OIDCUserCtxKey  ContextKey = "OIDCUser"
	BasicAuthCtxKey ContextKey = "BasicAuth"
)

// OIDCUser extracts the OIDC user from the request context.
func OIDCUser(r *http.Request) (*oidc.IntrospectionResponse, bool) {
	user, ok := r.Context().Value(OIDCUserCtxKey).(*oidc.IntrospectionResponse)
	if !ok || user == nil {
		return nil, false
	}
	return user, true
}

// BasicAuthUser retrieves the authenticated username from the context.
func BasicAuthUser(r *http.Request) (string, bool) {
	user, ok := r.Context().Value(BasicAuthCtxKey).(string)
	return user, ok
}

// Principal returns the authenticated caller, if any.
func Principal(r *http.Request) string {
	if user, ok := OIDCUser(r); ok {
		return user.Subject
	}
	if user, ok := BasicAuthUser(r); ok {
		return user
	}
	return ""
}

// JSON writes a JSON response with the given status code and data.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ErrorResponse represents a structured error response.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Error sends a JSON response with an error code and message.
func Error(w http.ResponseWriter, statusCode int, message string) {
	JSON(w, statusCode, ErrorResponse{Code: statusCode, Message: message})
}
