package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/pkgload/internal/bytesize"
	"github.com/marmos91/pkgload/pkg/pkgstore/catalog"
)

// Config represents the pkgload configuration.
//
// It covers every long-lived component of a loading process:
//   - Logging, tracing and profiling
//   - Metrics and the debug/API server
//   - The I/O dispatcher, block cache and loader
//   - The chunk stores to mount, in precedence order
//   - The optional package catalog database
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (PKGLOAD_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics enables Prometheus collection
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Server configures the debug/API HTTP server started by "serve"
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Dispatcher configures the I/O dispatcher and its store backends
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" yaml:"dispatcher"`

	// Cache configures the block cache shared by container mounts
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Loader configures the async loading scheduler
	Loader LoaderConfig `mapstructure:"loader" yaml:"loader"`

	// Mounts lists the chunk stores, earlier mounts take precedence
	Mounts []MountConfig `mapstructure:"mounts" validate:"dive" yaml:"mounts"`

	// Catalog configures the package catalog database
	Catalog CatalogConfig `mapstructure:"catalog" yaml:"catalog"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector
// (e.g., Jaeger, Tempo, or any OTLP receiver).
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	// Default: true (for local development)
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	// Default: false (opt-in for profiling)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL)
	// Default: "http://localhost:4040" (standard Pyroscope port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	// Valid values: cpu, alloc_objects, alloc_space, inuse_objects, inuse_space,
	//               goroutines, mutex_count, mutex_duration, block_count, block_duration
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig enables Prometheus collection. Metrics are served on the API
// server under /metrics.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ServerConfig configures the debug/API HTTP server.
type ServerConfig struct {
	// Port is the HTTP listen port
	// Default: 8080
	Port int `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// LoadTimeout bounds a synchronous POST /api/v1/load
	// Default: 30s
	LoadTimeout time.Duration `mapstructure:"load_timeout" yaml:"load_timeout"`

	// CORSOrigins lists allowed browser origins. Empty disables CORS headers.
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins,omitempty"`

	// WatchDir, when set, is watched for new container files which are
	// mounted as they appear.
	WatchDir string `mapstructure:"watch_dir" yaml:"watch_dir,omitempty"`
}

// DispatcherConfig configures the I/O dispatcher.
type DispatcherConfig struct {
	// Workers is the number of concurrent physical reads per mounted store
	// Default: 4
	Workers int `mapstructure:"workers" validate:"min=1" yaml:"workers"`

	// SlabChunk is the number of request slots allocated at a time
	// Default: 256
	SlabChunk int `mapstructure:"slab_chunk" validate:"min=1" yaml:"slab_chunk"`
}

// CacheConfig configures the block cache used by container mounts.
type CacheConfig struct {
	// BlockSize is the size of one cache slot. It should match the block
	// size containers are cooked with.
	// Default: 64KiB
	BlockSize bytesize.ByteSize `mapstructure:"block_size" validate:"required" yaml:"block_size"`

	// Size is the total cache size, zero disables caching
	// Supports human-readable formats: "64MiB", "1GB"
	// Default: 64MiB
	Size bytesize.ByteSize `mapstructure:"size" yaml:"size"`

	// BypassBlocks is the largest read, in blocks, that still goes through
	// the cache
	// Default: 16
	BypassBlocks int `mapstructure:"bypass_blocks" yaml:"bypass_blocks"`
}

// Capacity returns the number of cache slots.
func (c CacheConfig) Capacity() int {
	if c.BlockSize == 0 {
		return 0
	}
	return int(c.Size / c.BlockSize)
}

// LoaderConfig configures the async loading scheduler.
type LoaderConfig struct {
	// Threaded runs the loading-thread tasks on a dedicated goroutine.
	// When false every node runs from Tick.
	// Default: true
	Threaded *bool `mapstructure:"threaded" yaml:"threaded"`

	// TimeSlice bounds how long one loading-thread task may run
	// Default: 5ms
	TimeSlice time.Duration `mapstructure:"time_slice" yaml:"time_slice"`

	// Exclude lists export filters skipped at load time
	// Valid values: editor_only, not_for_client, not_for_server
	Exclude []string `mapstructure:"exclude" validate:"dive,oneof=editor_only not_for_client not_for_server" yaml:"exclude,omitempty"`

	// VerifyReferences checks export references against live objects
	// Default: false
	VerifyReferences bool `mapstructure:"verify_references" yaml:"verify_references"`
}

// IsThreaded reports the effective Threaded setting.
func (c LoaderConfig) IsThreaded() bool {
	return c.Threaded == nil || *c.Threaded
}

// MountType selects a chunk store implementation.
type MountType string

const (
	MountContainer MountType = "container" // one .ptoc file
	MountDirectory MountType = "directory" // every container in a directory
	MountS3        MountType = "s3"
	MountBadger    MountType = "badger"
	MountMemory    MountType = "memory"
)

// MountConfig describes one chunk store.
type MountConfig struct {
	// Name identifies the mount in logs and the API. Defaults to the type.
	Name string `mapstructure:"name" yaml:"name,omitempty"`

	Type MountType `mapstructure:"type" validate:"required,oneof=container directory s3 badger memory" yaml:"type"`

	// Path is the TOC file (container), directory (directory) or database
	// directory (badger).
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// Containers lists the containers whose header chunks live in an s3,
	// badger or memory store.
	Containers []string `mapstructure:"containers" yaml:"containers,omitempty"`

	S3     S3MountConfig     `mapstructure:"s3" yaml:"s3,omitempty"`
	Badger BadgerMountConfig `mapstructure:"badger" yaml:"badger,omitempty"`
}

// S3MountConfig configures an s3 mount.
type S3MountConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	KeyPrefix       string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
}

// BadgerMountConfig configures a badger mount.
type BadgerMountConfig struct {
	InMemory   bool `mapstructure:"in_memory" yaml:"in_memory,omitempty"`
	SyncWrites bool `mapstructure:"sync_writes" yaml:"sync_writes,omitempty"`
}

// CatalogConfig configures the package catalog. When enabled, the catalog
// is consulted after mounted container headers and cook records into it.
type CatalogConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	Database catalog.Config `mapstructure:"database" yaml:"database"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PKGLOAD_*)
//  2. Configuration file
//  3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, use defaults
	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  pkgload config init\n\n"+
				"Or specify a custom config file:\n"+
				"  pkgload <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  pkgload config init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads configPath when given or when the default file exists,
// and returns the defaults otherwise. Commands that work without a
// configuration file use it.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath == "" && !DefaultConfigExists() {
		return GetDefaultConfig(), nil
	}
	return MustLoad(configPath)
}

// SaveConfig saves the configuration to the specified file path.
// The configuration is saved in YAML format using proper yaml tags.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: mounts may carry S3 credentials and the catalog a database password.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: PKGLOAD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("PKGLOAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/pkgload/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		// Explicit config file that does not exist
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize, so
// config files can use sizes like "64MiB", "1GB" or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s", "5ms" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pkgload")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "pkgload")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
