package util

import (
	"encoding/json"
	"net/http"
	"strings"
)

// StatusCapturingResponseWriter wraps http.ResponseWriter to track the
// status code and body size written by inner handlers.
type StatusCapturingResponseWriter struct {
	http.ResponseWriter
	StatusCode    int
	Size          int
	HeaderWritten bool
}

// NewStatusCapturingResponseWriter wraps w with a default status of 200 OK.
func NewStatusCapturingResponseWriter(w http.ResponseWriter) *StatusCapturingResponseWriter {
	return &StatusCapturingResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code and writes it once.
func (w *StatusCapturingResponseWriter) WriteHeader(code int) {
	if w.HeaderWritten {
		return
	}
	w.StatusCode = code
	w.HeaderWritten = true
	w.ResponseWriter.WriteHeader(code)
}

// Write writes data to the underlying ResponseWriter.
func (w *StatusCapturingResponseWriter) Write(b []byte) (int, error) {
	if !w.HeaderWritten {
		w.HeaderWritten = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.Size += n
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (w *StatusCapturingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (w *StatusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

var _ http.Flusher = (*StatusCapturingResponseWriter)(nil)

// ErrorResponse is the JSON body of every error produced by the gateway.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse whose error field is the status text.
func WriteError(w http.ResponseWriter, status int, message, requestID string) {
	WriteJSON(w, status, ErrorResponse{
		Error:     strings.ToLower(http.StatusText(status)),
		Message:   message,
		RequestID: requestID,
	})
}

// BaseURL turns an instance address into an absolute base URL. Bare
// host:port addresses are treated as plain HTTP.
func BaseURL(address string) string {
	for _, scheme := range []string{"http://", "https://"} {
		if host, ok := strings.CutPrefix(address, scheme); ok {
			return scheme + strings.TrimRight(host, "/")
		}
	}
	return "http://" + strings.TrimRight(address, "/")
}

// HostPort strips any scheme and trailing slash from an instance address.
func HostPort(address string) string {
	address = strings.TrimPrefix(address, "http://")
	address = strings.TrimPrefix(address, "https://")
	return strings.TrimRight(address, "/")
}
