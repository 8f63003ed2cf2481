package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response wraps every API reply.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, `{"status":"error","error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

func okResponse(r *http.Request, data any) Response {
	return Response{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		RequestID: RequestIDFrom(r.Context()),
		Data:      data,
	}
}

func errorResponse(r *http.Request, msg string) Response {
	return Response{
		Status:    "error",
		Timestamp: time.Now().UTC(),
		RequestID: RequestIDFrom(r.Context()),
		Error:     msg,
	}
}
