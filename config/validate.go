package config

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-errors"
)

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	err := stderrors.Join(
		c.Task.validate(),
		c.Path.validate(),
		c.Log.validate(),
		c.Telemetry.validate(),
		c.HTTP.validate(),
		c.Sequencer.validate(),
		validateSchedules(c.Schedules),
	)
	if err == nil {
		return nil
	}
	return errors.New(err.Error(), errors.CategoryValidation).
		WithTextCode("CONFIG_INVALID")
}

func (t *TaskConfig) validate() error {
	var errs []error
	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, stderrors.New("task.name must not be empty"))
	}
	if strings.Contains(t.Name, ".") {
		errs = append(errs, fmt.Errorf("task.name must not contain dots, got %q", t.Name))
	}
	if t.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("task.max_pending must be >= 0, got %d", t.MaxPending))
	}
	return stderrors.Join(errs...)
}

func (p *PathConfig) validate() error {
	var errs []error
	if p.Timeout < 0 {
		errs = append(errs, fmt.Errorf("path.timeout must be >= 0, got %s", p.Timeout))
	}
	if p.Breaker.MaxFailures > 0 && p.Breaker.OpenTimeout <= 0 {
		errs = append(errs, stderrors.New("path.breaker.open_timeout must be positive when the breaker is enabled"))
	}
	return stderrors.Join(errs...)
}

func (l *LogConfig) validate() error {
	var errs []error
	switch l.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of: trace, debug, info, warn, error; got %q", l.Level))
	}
	switch l.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be one of: json, console; got %q", l.Format))
	}
	return stderrors.Join(errs...)
}

func (t *TelemetryConfig) validate() error {
	if !t.Enabled {
		return nil
	}
	var errs []error
	switch t.Exporter {
	case "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter must be one of: stdout, otlp; got %q", t.Exporter))
	}
	if t.Exporter == "otlp" && t.Endpoint == "" {
		errs = append(errs, stderrors.New("telemetry.endpoint must not be empty when exporter is otlp"))
	}
	if t.ServiceName == "" {
		errs = append(errs, stderrors.New("telemetry.service_name must not be empty"))
	}
	return stderrors.Join(errs...)
}

func (h *HTTPConfig) validate() error {
	if h.Addr == "" {
		return nil
	}
	var errs []error
	if h.ReadTimeout <= 0 {
		errs = append(errs, stderrors.New("http.read_timeout must be positive"))
	}
	if h.WriteTimeout <= 0 {
		errs = append(errs, stderrors.New("http.write_timeout must be positive"))
	}
	return stderrors.Join(errs...)
}

func (s *SequencerConfig) validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Task) == "" {
		return stderrors.New("sequencer.task must not be empty when the sequencer is enabled")
	}
	return nil
}

func validateSchedules(schedules []ScheduleConfig) error {
	var errs []error
	for i, s := range schedules {
		if s.Action == "" {
			errs = append(errs, fmt.Errorf("schedules[%d].action must not be empty", i))
		}
		if s.Expression == "" {
			errs = append(errs, fmt.Errorf("schedules[%d].expression must not be empty", i))
		}
		if s.MaxRetries < 0 || s.MaxRuns < 0 {
			errs = append(errs, fmt.Errorf("schedules[%d] retry and run limits must be >= 0", i))
		}
	}
	return stderrors.Join(errs...)
}
