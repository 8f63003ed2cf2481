package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// useConfigHome points the default config location into a temp dir. HOME is
// not enough on Windows, where os.UserHomeDir reads USERPROFILE.
func useConfigHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return dir
}

func TestInitConfigWritesDefaultLocation(t *testing.T) {
	home := useConfigHome(t)

	path, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig: %v", err)
	}
	if !strings.HasPrefix(path, home) {
		t.Errorf("config written to %s, want it under %s", path, home)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	for _, want := range []string{
		"# pkgload Configuration File",
		"logging:",
		"dispatcher:",
		"cache:",
		"loader:",
		"mounts:",
		"catalog:",
	} {
		if !strings.Contains(string(content), want) {
			t.Errorf("generated config lacks %q", want)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		t.Fatalf("generated config is not YAML: %v", err)
	}
}

func TestInitOverwrite(t *testing.T) {
	tests := []struct {
		name  string
		init  func(path string, force bool) (string, error)
		force bool
		fails bool
	}{
		{"default location refuses", initDefault, false, true},
		{"default location forced", initDefault, true, false},
		{"explicit path refuses", initAtPath, false, true},
		{"explicit path forced", initAtPath, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useConfigHome(t)
			target := filepath.Join(t.TempDir(), "nested", "config.yaml")

			path, err := tt.init(target, false)
			if err != nil {
				t.Fatalf("first init: %v", err)
			}
			if err := os.WriteFile(path, []byte("# edited\n"), 0600); err != nil {
				t.Fatal(err)
			}

			_, err = tt.init(target, tt.force)
			if tt.fails {
				if err == nil || !strings.Contains(err.Error(), "already exists") {
					t.Fatalf("second init: got %v, want an 'already exists' error", err)
				}
				content, _ := os.ReadFile(path)
				if string(content) != "# edited\n" {
					t.Errorf("existing config was overwritten without force")
				}
				return
			}
			if err != nil {
				t.Fatalf("forced init: %v", err)
			}
			content, _ := os.ReadFile(path)
			if !strings.Contains(string(content), "mounts:") {
				t.Errorf("forced init did not rewrite the config:\n%s", content)
			}
		})
	}
}

func initDefault(_ string, force bool) (string, error) {
	return InitConfig(force)
}

func initAtPath(path string, force bool) (string, error) {
	return path, InitConfigToPath(path, force)
}

func TestGeneratedConfigIsLoadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := InitConfigToPath(path, false); err != nil {
		t.Fatalf("InitConfigToPath: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load generated config: %v", err)
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("log level = %q, want INFO", cfg.Logging.Level)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Cache.Size != GetDefaultConfig().Cache.Size {
		t.Errorf("cache size = %v, want the default", cfg.Cache.Size)
	}
	if len(cfg.Mounts) != 1 || cfg.Mounts[0].Type != MountDirectory {
		t.Errorf("mounts = %+v, want the default directory mount", cfg.Mounts)
	}
}

func TestGeneratedConfigIsPrivate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := InitConfigToPath(path, false); err != nil {
		t.Fatalf("InitConfigToPath: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Mode().Perm(); got != 0600 {
		t.Errorf("mode = %v, want 0600", got)
	}
}
