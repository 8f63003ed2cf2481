package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pkgload/pkg/config"
)

const gameManifest = `
container: game
packages:
  - name: /Game/Hero
    exports:
      - name: Hero
        public: true
        refs: [Hero/Mesh]
      - name: Mesh
        outer: Hero
        public: true
        data: mesh
  - name: /Game/Arena
    exports:
      - name: Arena
        public: true
        refs: [/Game/Hero.Hero]
`

// resetFlags restores every flag to its default so runs do not leak state.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := GetRootCmd()
	resetFlags(root)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

type workspace struct {
	dir        string
	containers string
	manifest   string
	config     string
}

func newWorkspace(t *testing.T, mounts ...config.MountConfig) workspace {
	t.Helper()
	dir := t.TempDir()
	ws := workspace{
		dir:        dir,
		containers: filepath.Join(dir, "containers"),
		manifest:   filepath.Join(dir, "game.yaml"),
		config:     filepath.Join(dir, "config.yaml"),
	}
	require.NoError(t, os.MkdirAll(ws.containers, 0755))
	require.NoError(t, os.WriteFile(ws.manifest, []byte(gameManifest), 0644))

	cfg := config.GetDefaultConfig()
	cfg.Logging.Level = "ERROR"
	cfg.Logging.Output = "stderr"
	cfg.Mounts = []config.MountConfig{{Name: "local", Type: config.MountDirectory, Path: ws.containers}}
	if len(mounts) > 0 {
		cfg.Mounts = mounts
	}
	require.NoError(t, config.SaveConfig(cfg, ws.config))
	return ws
}

func (ws workspace) cook(t *testing.T) CookResult {
	t.Helper()
	out, err := run(t, "cook", ws.manifest, "-d", ws.containers, "-o", "json", "--config", ws.config)
	require.NoError(t, err, out)

	var result CookResult
	require.NoError(t, json.Unmarshal([]byte(out), &result), out)
	return result
}

func TestCookAndInspect(t *testing.T) {
	ws := newWorkspace(t)
	cooked := ws.cook(t)
	assert.Equal(t, "game", cooked.Container)
	require.Len(t, cooked.Packages, 2)
	assert.FileExists(t, cooked.TOC)

	out, err := run(t, "inspect", cooked.TOC, "--chunks", "-o", "json", "--config", ws.config)
	require.NoError(t, err, out)

	var info ContainerInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info), out)
	assert.Equal(t, "game", info.Name)
	assert.Equal(t, cooked.ContainerID, info.ContainerID)
	require.Len(t, info.Packages, 2)
	assert.NotEmpty(t, info.Chunks)
	assert.Positive(t, info.Size)

	out, err = run(t, "inspect", cooked.TOC, "--config", ws.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "/Game/Hero")
	assert.Contains(t, out, "Container ID")
}

func TestCookTablePrintsSummary(t *testing.T) {
	ws := newWorkspace(t)
	out, err := run(t, "cook", ws.manifest, "-d", ws.containers, "--compression", "none", "--config", ws.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "PACKAGE")
	assert.Contains(t, out, "/Game/Arena")
	assert.Contains(t, out, "2 packages")
}

func TestCookRejectsUnknownExclude(t *testing.T) {
	ws := newWorkspace(t)
	_, err := run(t, "cook", ws.manifest, "--exclude", "cosmetic", "--config", ws.config)
	assert.Error(t, err)
}

func TestLoadFromConfiguredMounts(t *testing.T) {
	ws := newWorkspace(t)
	ws.cook(t)

	out, err := run(t, "load", "/Game/Arena", "/Game/Hero", "-o", "json", "--collect", "--config", ws.config)
	require.NoError(t, err, out)

	var report LoadReport
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	require.Len(t, report.Results, 2)
	for _, r := range report.Results {
		assert.Equal(t, "succeeded", r.Result, r.Error)
	}
	assert.Equal(t, "/Game/Arena", report.Results[0].Package)
}

func TestLoadExtraDirAndMissingPackage(t *testing.T) {
	ws := newWorkspace(t, config.MountConfig{Name: "scratch", Type: config.MountMemory})
	ws.cook(t)

	out, err := run(t, "load", "/Game/Hero", "/Game/Nope", "--dir", ws.containers, "--config", ws.config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 packages failed")
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "failed")
}

func TestPushToBadgerThenLoad(t *testing.T) {
	dir := t.TempDir()
	badgerMount := config.MountConfig{
		Name:       "archive",
		Type:       config.MountBadger,
		Path:       filepath.Join(dir, "badger"),
		Containers: []string{"game"},
	}
	ws := newWorkspace(t, badgerMount)
	cooked := ws.cook(t)

	out, err := run(t, "push", cooked.TOC, "--mount", "archive", "--config", ws.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pushed")
	assert.NotContains(t, out, "Add \"game\"")

	out, err = run(t, "push", cooked.TOC, "--mount", "archive", "--skip-existing", "--config", ws.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Pushed 0 chunks")

	_, err = run(t, "push", cooked.TOC, "--mount", "nope", "--config", ws.config)
	assert.ErrorContains(t, err, "no mount named")

	out, err = run(t, "load", "/Game/Arena", "-o", "json", "--config", ws.config)
	require.NoError(t, err, out)
	var report LoadReport
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	assert.Equal(t, "succeeded", report.Results[0].Result, report.Results[0].Error)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, Version, strings.TrimSpace(out))

	out, err = run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Go version")
}

func TestConfigCommands(t *testing.T) {
	ws := newWorkspace(t)

	out, err := run(t, "config", "validate", "--config", ws.config)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Validation: OK")

	out, err = run(t, "config", "show", "-o", "json", "--config", ws.config)
	require.NoError(t, err, out)
	var shown map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &shown), out)

	out, err = run(t, "config", "schema")
	require.NoError(t, err)
	assert.Contains(t, out, `"mounts"`)
	assert.Contains(t, out, "pkgload Configuration")

	out, err = run(t, "config", "schema", "--compact")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))

	fresh := filepath.Join(t.TempDir(), "fresh.yaml")
	out, err = run(t, "config", "init", "--config", fresh)
	require.NoError(t, err, out)
	assert.FileExists(t, fresh)

	out, err = run(t, "config", "init", "--force", "--config", fresh)
	require.NoError(t, err, out)
	assert.Contains(t, out, "created")
}
