package config

import (
	"strings"
	"time"

	"github.com/marmos91/pkgload/internal/bytesize"
	"github.com/marmos91/pkgload/pkg/iodispatcher"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	applyServerDefaults(&cfg.Server)
	applyDispatcherDefaults(&cfg.Dispatcher)
	applyCacheDefaults(&cfg.Cache)
	applyLoaderDefaults(&cfg.Loader)
	applyMountDefaults(cfg.Mounts)
	applyCatalogDefaults(&cfg.Catalog)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	// Default endpoint is localhost:4317 (standard OTLP gRPC port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	// Default sample rate is 1.0 (sample all traces)
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	// Default endpoint is localhost:4040 (standard Pyroscope port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}

	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyServerDefaults sets API server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.LoadTimeout == 0 {
		cfg.LoadTimeout = 30 * time.Second
	}
}

func applyDispatcherDefaults(cfg *DispatcherConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = iodispatcher.DefaultWorkers
	}
	if cfg.SlabChunk == 0 {
		cfg.SlabChunk = 256
	}
}

// applyCacheDefaults sets block cache defaults.
func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 64 * bytesize.KiB
	}
	// Size zero is a valid "disabled" setting only when set explicitly in
	// a file; an untouched config gets a 64MiB cache.
	if cfg.Size == 0 {
		cfg.Size = 64 * bytesize.MiB
	}
	if cfg.BypassBlocks == 0 {
		cfg.BypassBlocks = 16
	}
}

// applyLoaderDefaults sets loader defaults.
func applyLoaderDefaults(cfg *LoaderConfig) {
	if cfg.Threaded == nil {
		threaded := true
		cfg.Threaded = &threaded
	}
	if cfg.TimeSlice == 0 {
		cfg.TimeSlice = 5 * time.Millisecond
	}
}

// applyMountDefaults names unnamed mounts after their type and path.
func applyMountDefaults(mounts []MountConfig) {
	for i := range mounts {
		m := &mounts[i]
		if m.Name != "" {
			continue
		}
		switch {
		case m.Path != "":
			m.Name = string(m.Type) + ":" + m.Path
		case m.Type == MountS3 && m.S3.Bucket != "":
			m.Name = "s3:" + m.S3.Bucket
		default:
			m.Name = string(m.Type)
		}
	}
}

// applyCatalogDefaults sets catalog database defaults.
func applyCatalogDefaults(cfg *CatalogConfig) {
	cfg.Database.ApplyDefaults()
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Mounts: []MountConfig{
			{Type: MountDirectory, Path: "./containers"},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
