// Package config loads task configuration in layers: defaults, base.yaml,
// {profile}.yaml, overrides and DRAMA_ environment variables.
package config

import "time"

// Config holds all configuration for a task process.
type Config struct {
	Task      TaskConfig       `koanf:"task"`
	Path      PathConfig       `koanf:"path"`
	Log       LogConfig        `koanf:"log"`
	Telemetry TelemetryConfig  `koanf:"telemetry"`
	HTTP      HTTPConfig       `koanf:"http"`
	Params    ParamsConfig     `koanf:"params"`
	Sequencer SequencerConfig  `koanf:"sequencer"`
	Schedules []ScheduleConfig `koanf:"schedules"`
}

type TaskConfig struct {
	Name string `koanf:"name"`
	// MaxPending caps injected messages waiting in the task mailbox. Zero
	// means unbounded.
	MaxPending int `koanf:"max_pending"`
}

// PathConfig controls path establishment to other tasks.
type PathConfig struct {
	Timeout time.Duration `koanf:"timeout"`
	Breaker BreakerConfig `koanf:"breaker"`
}

// TimeoutSeconds is Timeout in the seconds used by action waits.
func (p PathConfig) TimeoutSeconds() float64 {
	return p.Timeout.Seconds()
}

type BreakerConfig struct {
	MaxFailures uint32        `koanf:"max_failures"`
	OpenTimeout time.Duration `koanf:"open_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Exporter    string `koanf:"exporter"`
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`
}

// HTTPConfig configures the introspection server. An empty Addr disables it.
type HTTPConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type ParamsConfig struct {
	File  string `koanf:"file"`
	Watch bool   `koanf:"watch"`
}

// SequencerConfig registers the INITIALISE, CONFIGURE, SETUP_SEQUENCE and
// SEQUENCE actions when enabled. SEQUENCE follows STATE on Task.
type SequencerConfig struct {
	Enabled bool   `koanf:"enabled"`
	Task    string `koanf:"task"`
}

// ScheduleConfig is one scheduled blind obey or kick.
type ScheduleConfig struct {
	Action     string         `koanf:"action"`
	Expression string         `koanf:"expression"`
	Kick       bool           `koanf:"kick"`
	Args       []any          `koanf:"args"`
	Kwargs     map[string]any `koanf:"kwargs"`
	MaxRetries int            `koanf:"max_retries"`
	MaxRuns    int            `koanf:"max_runs"`
}
