package metrics

import "time"

// ServerMetrics observes the HTTP API.
//
// Pass nil to disable collection:
//
//	srv := server.New(cfg, deps, nil)
type ServerMetrics interface {
	// RecordRequest records a completed request.
	//
	// Parameters:
	//   - route: chi route pattern (e.g., "/api/v1/packages/{name}")
	//   - method: HTTP method
	//   - status: response status code
	//   - duration: time spent in the handler chain
	RecordRequest(route, method string, status int, duration time.Duration)

	// RecordRequestStart increments the in-flight gauge.
	RecordRequestStart()

	// RecordRequestEnd decrements the in-flight gauge.
	RecordRequestEnd()
}

// RecordRequest is a nil-safe helper for ServerMetrics.RecordRequest.
func RecordRequest(m ServerMetrics, route, method string, status int, duration time.Duration) {
	if m != nil {
		m.RecordRequest(route, method, status, duration)
	}
}
