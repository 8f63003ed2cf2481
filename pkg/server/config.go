package server

import "time"

// Config configures the debug/API HTTP server.
type Config struct {
	// Port is the HTTP port. Zero picks 8080.
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// LoadTimeout bounds one POST /api/v1/load request.
	LoadTimeout time.Duration

	// CORSOrigins lists the browser origins allowed to call the API.
	// Empty disables CORS handling.
	CORSOrigins []string

	// WatchDir is mounted and then watched for new containers. Optional.
	WatchDir string
}

// applyDefaults fills in zero values with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.LoadTimeout == 0 {
		c.LoadTimeout = 30 * time.Second
	}
}
