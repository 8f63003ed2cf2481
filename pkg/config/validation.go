package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg for invalid or inconsistent values. It runs the
// struct tag rules first, then the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	if cfg.Telemetry.Profiling.Enabled && cfg.Telemetry.Profiling.Endpoint == "" {
		return fmt.Errorf("telemetry.profiling.endpoint is required when profiling is enabled")
	}

	if cfg.Cache.Size > 0 && cfg.Cache.Size < cfg.Cache.BlockSize {
		return fmt.Errorf("cache.size (%s) must be at least one block (%s)", cfg.Cache.Size, cfg.Cache.BlockSize)
	}

	names := make(map[string]struct{}, len(cfg.Mounts))
	for i, m := range cfg.Mounts {
		if err := validateMount(m); err != nil {
			return fmt.Errorf("mounts[%d]: %w", i, err)
		}
		if m.Name != "" {
			if _, dup := names[m.Name]; dup {
				return fmt.Errorf("mounts[%d]: duplicate mount name %q", i, m.Name)
			}
			names[m.Name] = struct{}{}
		}
	}

	if cfg.Catalog.Enabled {
		if err := cfg.Catalog.Database.Validate(); err != nil {
			return fmt.Errorf("catalog.database: %w", err)
		}
	}

	return nil
}

func validateMount(m MountConfig) error {
	switch m.Type {
	case MountContainer, MountDirectory:
		if m.Path == "" {
			return fmt.Errorf("%s mount requires a path", m.Type)
		}
	case MountS3:
		if m.S3.Bucket == "" {
			return fmt.Errorf("s3 mount requires s3.bucket")
		}
		if (m.S3.AccessKeyID == "") != (m.S3.SecretAccessKey == "") {
			return fmt.Errorf("s3 access_key_id and secret_access_key must be set together")
		}
	case MountBadger:
		if m.Path == "" && !m.Badger.InMemory {
			return fmt.Errorf("badger mount requires a path unless badger.in_memory is set")
		}
	case MountMemory:
	default:
		return fmt.Errorf("unknown mount type %q", m.Type)
	}
	return nil
}

// formatValidationError turns validator errors into config-path messages,
// e.g. "logging.level: failed oneof=DEBUG INFO WARN ERROR validation".
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s validation", fieldPath(fe.Namespace()), rule))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// fieldPath converts a validator namespace like "Config.Logging.Level" to
// snake case without the root, "logging.level".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnake(p)
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '[' && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
