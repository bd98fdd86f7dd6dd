package config

const (
	defaultTaskName           = "DRAMA"
	defaultBreakerMaxFailures = 3
)

// defaults returns the values loaded before any file.
func defaults() map[string]any {
	return map[string]any{
		"task.name":        defaultTaskName,
		"task.max_pending": 0,

		"path.timeout":              "5s",
		"path.breaker.max_failures": defaultBreakerMaxFailures,
		"path.breaker.open_timeout": "10s",

		"log.level":  "info",
		"log.format": "console",

		"telemetry.enabled":      false,
		"telemetry.exporter":     "stdout",
		"telemetry.endpoint":     "",
		"telemetry.service_name": "go-drama",

		"http.addr":          "",
		"http.read_timeout":  "5s",
		"http.write_timeout": "10s",

		"params.file":  "",
		"params.watch": false,

		"sequencer.enabled": false,
		"sequencer.task":    "RTS",
	}
}
