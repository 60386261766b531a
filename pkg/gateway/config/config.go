package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	// ElevenLabs credentials and endpoints.
	APIKey          string `env:"ELEVENLABS_API_KEY"`
	AgentID         string `env:"AGENT_ID"`
	BaseURL         string `env:"ELEVENLABS_BASE_URL" envDefault:"https://api.elevenlabs.io/v1"`
	ConversationURL string `env:"ELEVENLABS_CONVAI_WS_URL" envDefault:"wss://api.elevenlabs.io/v1/convai/conversation"`

	// Story uploads.
	MaxFileSize int64 `env:"MAX_FILE_SIZE" envDefault:"10485760"`

	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8000"`

	Debug     bool      `env:"DEBUG" envDefault:"false"`
	LogLevel  string    `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat LogFormat `env:"LOG_FORMAT" envDefault:"text"`

	StaticDir   string   `env:"STATIC_DIR" envDefault:"static"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	// Optional YAML file with conversation defaults.
	ConversationProfile string `env:"CONVERSATION_PROFILE"`
	// Empty => in-memory story store.
	DatabaseURL string `env:"DATABASE_URL"`

	// Operational defaults
	ReadHeaderTimeout   time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"10s"`
	ReadTimeout         time.Duration `env:"READ_TIMEOUT" envDefault:"90s"`
	ShutdownGracePeriod time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"30s"`

	// ElevenLabs REST
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
	UploadTimeout   time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"60s"`

	// Conversation WebSocket (bridge -> ElevenLabs).
	RemoteHandshakeTimeout time.Duration `env:"REMOTE_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	RemotePingInterval     time.Duration `env:"REMOTE_PING_INTERVAL" envDefault:"30s"`
	RemotePongTimeout      time.Duration `env:"REMOTE_PONG_TIMEOUT" envDefault:"10s"`

	// Browser WebSocket (browser -> bridge).
	WSWriteTimeout       time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`
	LocalPingInterval    time.Duration `env:"LOCAL_PING_INTERVAL" envDefault:"20s"`
	LocalMaxMessageBytes int64         `env:"LOCAL_MAX_MESSAGE_BYTES" envDefault:"1048576"`
	ConversationCacheTTL time.Duration `env:"CONVERSATION_CACHE_TTL" envDefault:"30s"`

	// Derived after parsing.
	Addr               string
	CORSAllowedOrigins map[string]struct{} // empty => disabled
}

// LoadFromEnv reads the process environment. Credentials are not required
// here; see Validate.
func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.AgentID = strings.TrimSpace(cfg.AgentID)
	cfg.LogFormat = LogFormat(strings.ToLower(strings.TrimSpace(string(cfg.LogFormat))))
	cfg.Addr = net.JoinHostPort(strings.TrimSpace(cfg.Host), strconv.Itoa(cfg.Port))
	cfg.CORSAllowedOrigins = make(map[string]struct{})
	for _, origin := range cfg.CORSOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be one of text|json")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("PORT must be between 1 and 65535")
	}
	if cfg.MaxFileSize <= 0 {
		return Config{}, fmt.Errorf("MAX_FILE_SIZE must be > 0")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return Config{}, fmt.Errorf("ELEVENLABS_BASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.ConversationURL) == "" {
		return Config{}, fmt.Errorf("ELEVENLABS_CONVAI_WS_URL must not be empty")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.UpstreamTimeout <= 0 {
		return Config{}, fmt.Errorf("UPSTREAM_TIMEOUT must be > 0")
	}
	if cfg.UploadTimeout <= 0 {
		return Config{}, fmt.Errorf("UPLOAD_TIMEOUT must be > 0")
	}
	if cfg.RemoteHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("REMOTE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.RemotePingInterval <= 0 {
		return Config{}, fmt.Errorf("REMOTE_PING_INTERVAL must be > 0")
	}
	if cfg.RemotePongTimeout <= 0 {
		return Config{}, fmt.Errorf("REMOTE_PONG_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LocalPingInterval <= 0 {
		return Config{}, fmt.Errorf("LOCAL_PING_INTERVAL must be > 0")
	}
	if cfg.LocalMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("LOCAL_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.ConversationCacheTTL < 0 {
		return Config{}, fmt.Errorf("CONVERSATION_CACHE_TTL must be >= 0")
	}

	return cfg, nil
}

// Validate reports configuration the service cannot run without.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY must be set")
	}
	if c.AgentID == "" {
		return fmt.Errorf("AGENT_ID must be set")
	}
	return nil
}

// ConfigIssues lists every missing required setting, for readiness checks
// and `config check`.
func (c Config) ConfigIssues() []string {
	var issues []string
	if c.APIKey == "" {
		issues = append(issues, "ELEVENLABS_API_KEY is not set")
	}
	if c.AgentID == "" {
		issues = append(issues, "AGENT_ID is not set")
	}
	return issues
}
