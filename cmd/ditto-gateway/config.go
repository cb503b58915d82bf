package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dittosh/gateway/config"
)

// loadConfig reads a YAML configuration file, resolves "${ENV}" /
// "${ENV:-default}" placeholders against the process environment, fills
// documented defaults, and validates the result before the caller wires
// any collaborator against it.
func loadConfig(path string) (*config.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := os.Expand(string(raw), envOrDefault)

	var cfg config.Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return &cfg, nil
}

// envOrDefault resolves a "${NAME}" or "${NAME:-default}" placeholder
// against the environment, leaving the default literal when NAME is unset.
func envOrDefault(token string) string {
	name, def, hasDefault := token, "", false
	for i := 0; i+2 < len(token); i++ {
		if token[i:i+2] == ":-" {
			name, def, hasDefault = token[:i], token[i+2:], true
			break
		}
	}
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	if hasDefault {
		return def
	}
	return ""
}
