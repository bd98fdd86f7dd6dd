package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoadDefaultsWithoutFiles(t *testing.T) {
	cfg, err := Load(t.TempDir(), "")
	require.NoError(t, err)

	assert.Equal(t, "DRAMA", cfg.Task.Name)
	assert.Equal(t, 5*time.Second, cfg.Path.Timeout)
	assert.Equal(t, 5.0, cfg.Path.TimeoutSeconds())
	assert.Equal(t, uint32(3), cfg.Path.Breaker.MaxFailures)
	assert.Equal(t, 10*time.Second, cfg.Path.Breaker.OpenTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Empty(t, cfg.HTTP.Addr)
	assert.Empty(t, cfg.Schedules)
	assert.False(t, cfg.Sequencer.Enabled)
	assert.Equal(t, "RTS", cfg.Sequencer.Task)
}

func TestLoadLayersProfileOverBase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
task:
  name: PYEX
log:
  level: debug
schedules:
  - action: PUB
    expression: "@every 1s"
    args: [1, "two"]
`)
	writeFile(t, dir, "prod.yaml", `
log:
  format: json
telemetry:
  enabled: true
  exporter: otlp
  endpoint: http://collector:4318
`)

	cfg, err := Load(dir, "prod")
	require.NoError(t, err)

	assert.Equal(t, "PYEX", cfg.Task.Name)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "otlp", cfg.Telemetry.Exporter)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "PUB", cfg.Schedules[0].Action)
	assert.Equal(t, "@every 1s", cfg.Schedules[0].Expression)
	assert.Len(t, cfg.Schedules[0].Args, 2)
}

func TestMissingProfileFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "task:\n  name: BASE\n")

	cfg, err := Load(dir, "staging")
	require.NoError(t, err)
	assert.Equal(t, "BASE", cfg.Task.Name)
}

func TestEnvOverridesNestedKeys(t *testing.T) {
	t.Setenv("DRAMA_TASK_NAME", "FROM_ENV")
	t.Setenv("DRAMA_PATH_BREAKER_MAX_FAILURES", "7")
	t.Setenv("DRAMA_HTTP_ADDR", ":9000")

	cfg, err := Load(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, "FROM_ENV", cfg.Task.Name)
	assert.Equal(t, uint32(7), cfg.Path.Breaker.MaxFailures)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
}

func TestOverridesSitBelowEnv(t *testing.T) {
	t.Setenv("DRAMA_LOG_LEVEL", "warn")

	cfg, err := Load(t.TempDir(), "", WithOverrides(map[string]any{
		"task.name": "FLAG",
		"log.level": "trace",
	}))
	require.NoError(t, err)
	assert.Equal(t, "FLAG", cfg.Task.Name)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestCustomEnvPrefix(t *testing.T) {
	t.Setenv("PYEX_TASK_NAME", "CUSTOM")

	cfg, err := Load(t.TempDir(), "", WithEnvPrefix("PYEX_"))
	require.NoError(t, err)
	assert.Equal(t, "CUSTOM", cfg.Task.Name)
}

func TestProfileMustNotEscapeDir(t *testing.T) {
	_, err := Load(t.TempDir(), "../etc")
	assert.ErrorContains(t, err, "profile")

	_, err = Load(t.TempDir(), `a\b`)
	assert.Error(t, err)
}

func TestBadYAMLFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "task: [unclosed\n")

	_, err := Load(dir, "")
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Config{
		Task:      TaskConfig{Name: "a.b", MaxPending: -1},
		Path:      PathConfig{Timeout: -time.Second, Breaker: BreakerConfig{MaxFailures: 2}},
		Log:       LogConfig{Level: "loud", Format: "xml"},
		Telemetry: TelemetryConfig{Enabled: true, Exporter: "otlp"},
		HTTP:      HTTPConfig{Addr: ":8080"},
		Sequencer: SequencerConfig{Enabled: true, Task: " "},
		Schedules: []ScheduleConfig{{}},
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"task.name must not contain dots",
		"task.max_pending",
		"path.timeout",
		"path.breaker.open_timeout",
		"log.level",
		"log.format",
		"telemetry.endpoint",
		"telemetry.service_name",
		"http.read_timeout",
		"sequencer.task",
		"schedules[0].action",
		"schedules[0].expression",
	} {
		assert.ErrorContains(t, err, want)
	}
}
