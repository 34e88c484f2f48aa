// Package config assembles the run configuration from defaults, an optional
// YAML settings file, and the environment supplied by the CI dispatcher.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings are the file-configurable knobs; zero values fall back to defaults.
type Settings struct {
	SchemaPath      string `yaml:"schema_path"`
	Marker          string `yaml:"marker"`
	IndexFile       string `yaml:"index_file"`
	APIBaseURL      string `yaml:"api_base_url"`
	RetryScheduleS  []int  `yaml:"retry_schedule_s"`
	RequestTimeoutS int    `yaml:"request_timeout_s"`
}

// Config is the fully resolved configuration for one run. The repository,
// pull number, commit and token come from the environment; the token is not
// checked locally, a missing credential surfaces as a 401 from the API.
type Config struct {
	Settings

	Repository string
	PullNumber int
	CommitID   string
	Token      string
}

// Schedule returns the retry schedule as durations.
func (c Config) Schedule() []time.Duration {
	out := make([]time.Duration, 0, len(c.RetryScheduleS))
	for _, s := range c.RetryScheduleS {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}

// Timeout returns the per-request timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.RequestTimeoutS) * time.Second
}

func defaults() Settings {
	return Settings{
		SchemaPath:      "schema/clone-list-schema.json",
		Marker:          "clonelists",
		IndexFile:       "hash.json",
		APIBaseURL:      "https://api.github.com",
		RetryScheduleS:  []int{0, 60, 300},
		RequestTimeoutS: 10,
	}
}

// Load resolves configuration using the process environment. path may be
// empty, in which case only defaults and environment apply.
func Load(path string) (Config, error) {
	return LoadWithLookup(path, os.LookupEnv)
}

// LoadWithLookup is Load with an injectable environment lookup.
func LoadWithLookup(path string, lookup func(string) (string, bool)) (Config, error) {
	settings := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read settings file: %w", err)
		}
		if err := applyYAML(&settings, data); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{Settings: settings}
	cfg.Repository = envString(lookup, "GITHUB_REPOSITORY")
	cfg.CommitID = envString(lookup, "COMMIT_ID")
	cfg.Token = envString(lookup, "GITHUB_TOKEN")
	if base := envString(lookup, "GITHUB_API_URL"); base != "" {
		cfg.APIBaseURL = strings.TrimRight(base, "/")
	}
	if raw := envString(lookup, "PR_NUMBER"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse PR_NUMBER %q: %w", raw, err)
		}
		cfg.PullNumber = n
	}
	return cfg, nil
}

// applyYAML overlays a strict-decoded settings document; unknown fields and
// trailing documents are rejected.
func applyYAML(settings *Settings, data []byte) error {
	var overlay Settings
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&overlay); err != nil && err != io.EOF {
		return fmt.Errorf("parse settings file: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("parse settings file: multiple YAML documents are not supported")
		}
		return fmt.Errorf("parse settings file: %w", err)
	}

	if overlay.SchemaPath != "" {
		settings.SchemaPath = overlay.SchemaPath
	}
	if overlay.Marker != "" {
		settings.Marker = overlay.Marker
	}
	if overlay.IndexFile != "" {
		settings.IndexFile = overlay.IndexFile
	}
	if overlay.APIBaseURL != "" {
		settings.APIBaseURL = strings.TrimRight(overlay.APIBaseURL, "/")
	}
	if len(overlay.RetryScheduleS) > 0 {
		settings.RetryScheduleS = overlay.RetryScheduleS
	}
	if overlay.RequestTimeoutS > 0 {
		settings.RequestTimeoutS = overlay.RequestTimeoutS
	}
	return nil
}

func envString(lookup func(string) (string, bool), name string) string {
	value, ok := lookup(name)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
