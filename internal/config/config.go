// Package config provides the configuration schema, loader, and file watcher
// for the Voxaid backend.
package config

import "github.com/MrWong99/voxaid/internal/stt"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StorageBackend selects where user records live.
type StorageBackend string

const (
	// StorageFile keeps one JSON file per user on local disk.
	StorageFile StorageBackend = "file"

	// StoragePostgres keeps records in a PostgreSQL database.
	StoragePostgres StorageBackend = "postgres"
)

// IsValid reports whether b is a recognised storage backend.
func (b StorageBackend) IsValid() bool {
	return b == StorageFile || b == StoragePostgres
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstreams UpstreamsConfig `yaml:"upstreams"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8000".
	Addr string `yaml:"addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// CORSAllowedOrigins lists the browser origins allowed to call the API.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// UpstreamsConfig points at the media and model services.
type UpstreamsConfig struct {
	STT STTConfig `yaml:"stt"`
	LLM LLMConfig `yaml:"llm"`
	TTS TTSConfig `yaml:"tts"`
}

// STTConfig describes the speech-to-text upstream.
type STTConfig struct {
	// URL is the websocket endpoint, e.g. "ws://stt:8080/api/asr-streaming".
	URL string `yaml:"url"`

	// Internal marks a service reached by in-cluster DNS, where every
	// resolved address is a separate instance to pick from.
	Internal bool `yaml:"internal"`

	// Protocol selects the upstream dialect, "json" or "msgpack".
	Protocol stt.Protocol `yaml:"protocol"`

	APIKey string `yaml:"api_key"`

	// DelaySeconds is the upstream's transcription delay.
	DelaySeconds float64 `yaml:"delay_s"`
}

// LLMConfig describes the chat-completion upstream.
type LLMConfig struct {
	// URL overrides the API base URL; empty means the provider default.
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// TTSConfig describes the speech-synthesis upstream.
type TTSConfig struct {
	URL          string `yaml:"url"`
	APIKey       string `yaml:"api_key"`
	DefaultVoice string `yaml:"default_voice"`
}

// AuthConfig holds the account and token settings.
type AuthConfig struct {
	// JWTSecret signs access tokens. Required.
	JWTSecret string `yaml:"jwt_secret"`

	// GoogleClientID enables Google sign-in when set.
	GoogleClientID string `yaml:"google_client_id"`

	// AllowPassword enables password login and registration.
	AllowPassword bool `yaml:"allow_password"`
}

// StorageConfig selects and configures the user record store.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`

	// DataDir is the root directory of the file backend.
	DataDir string `yaml:"data_dir"`

	// PostgresDSN is the connection string of the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RedisConfig points at the Redis used for cross-instance session locks.
// An empty Addr falls back to in-process locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// applyDefaults fills the blanks a minimal config leaves open.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Upstreams.STT.Protocol == "" {
		c.Upstreams.STT.Protocol = stt.ProtocolMsgpack
	}
	if c.Upstreams.STT.DelaySeconds == 0 {
		c.Upstreams.STT.DelaySeconds = stt.DefaultDelay
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageFile
	}
	if c.Storage.Backend == StorageFile && c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
}
