package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Upstreams.STT.URL == "" {
		errs = append(errs, errors.New("upstreams.stt.url is required"))
	}
	if !cfg.Upstreams.STT.Protocol.IsValid() {
		errs = append(errs, fmt.Errorf("upstreams.stt.protocol %q is invalid; valid values: json, msgpack", cfg.Upstreams.STT.Protocol))
	}
	if cfg.Upstreams.STT.DelaySeconds <= 0 {
		errs = append(errs, fmt.Errorf("upstreams.stt.delay_s %v must be positive", cfg.Upstreams.STT.DelaySeconds))
	}
	if cfg.Upstreams.LLM.Model == "" {
		errs = append(errs, errors.New("upstreams.llm.model is required"))
	}

	if cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if !cfg.Auth.AllowPassword && cfg.Auth.GoogleClientID == "" {
		errs = append(errs, errors.New("auth: password login is disabled and no google_client_id is set; nobody could sign in"))
	}

	switch {
	case !cfg.Storage.Backend.IsValid():
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: file, postgres", cfg.Storage.Backend))
	case cfg.Storage.Backend == StorageFile && cfg.Storage.DataDir == "":
		errs = append(errs, errors.New("storage.data_dir is required for the file backend"))
	case cfg.Storage.Backend == StoragePostgres && cfg.Storage.PostgresDSN == "":
		errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
	}

	return errors.Join(errs...)
}
