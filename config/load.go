package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/goliatone/go-errors"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const DefaultEnvPrefix = "DRAMA_"

var ErrBadProfile = errors.New("invalid config profile", errors.CategoryBadInput).
	WithTextCode("CONFIG_BAD_PROFILE")

type Option func(*loadOptions)

type loadOptions struct {
	envPrefix string
	overrides map[string]any
}

// WithEnvPrefix replaces the DRAMA_ environment prefix.
func WithEnvPrefix(prefix string) Option {
	return func(o *loadOptions) {
		o.envPrefix = prefix
	}
}

// WithOverrides applies dotted keys after the files and before the
// environment, typically from command line flags.
func WithOverrides(values map[string]any) Option {
	return func(o *loadOptions) {
		o.overrides = values
	}
}

// Load reads configuration from dir, highest precedence last:
//
//  1. Built-in defaults
//  2. {dir}/base.yaml, when present
//  3. {dir}/{profile}.yaml, when profile is set and the file exists
//  4. Overrides
//  5. Environment variables (DRAMA_ prefix)
//
// Environment keys are matched against known keys so that
// DRAMA_PATH_BREAKER_MAX_FAILURES resolves to path.breaker.max_failures.
func Load(dir, profile string, opts ...Option) (*Config, error) {
	if err := validateProfile(profile); err != nil {
		return nil, err
	}
	o := &loadOptions{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "loading config defaults")
	}

	layers := []string{filepath.Join(dir, "base.yaml")}
	if profile != "" {
		layers = append(layers, filepath.Join(dir, profile+".yaml"))
	}
	for _, path := range layers {
		if dir == "" || !exists(path) {
			continue
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrap(err, errors.CategoryBadInput, "loading config file").
				WithMetadata(map[string]any{"path": path})
		}
	}

	if len(o.overrides) > 0 {
		if err := k.Load(confmap.Provider(o.overrides, "."), nil); err != nil {
			return nil, errors.Wrap(err, errors.CategoryBadInput, "applying config overrides")
		}
	}

	lookup := buildEnvLookup(k.Keys())
	prefix := o.envPrefix
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: prefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, prefix))
			if known, ok := lookup[key]; ok {
				return known, value
			}
			return strings.ReplaceAll(key, "_", "."), value
		},
	}), nil); err != nil {
		return nil, errors.Wrap(err, errors.CategoryExternal, "loading config environment")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func validateProfile(profile string) error {
	switch {
	case strings.ContainsAny(profile, `/\`):
		return ErrBadProfile.Clone().WithMetadata(map[string]any{"profile": profile, "reason": "path separator"})
	case strings.Contains(profile, ".."):
		return ErrBadProfile.Clone().WithMetadata(map[string]any{"profile": profile, "reason": "path traversal"})
	}
	return nil
}

// buildEnvLookup maps env style keys (underscores) back to dotted keys.
func buildEnvLookup(keys []string) map[string]string {
	lookup := make(map[string]string, len(keys))
	for _, key := range keys {
		lookup[strings.ReplaceAll(key, ".", "_")] = key
	}
	return lookup
}
