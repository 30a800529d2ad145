package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	defaultGatewayURL       = "ws://localhost:18789"
	defaultResponsesHTTP    = "http://localhost:18789"
	defaultBackendURL       = "http://localhost:3001"
	defaultRPCTimeout       = 60 * time.Second
	defaultAgentRPCTimeout  = 300 * time.Second
	defaultResponsesTimeout = 180 * time.Second
)

// Config represents the application configuration
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Responses ResponsesConfig `mapstructure:"responses"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Handshake HandshakeConfig `mapstructure:"handshake"`
	Session   SessionConfig   `mapstructure:"session"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	LogFile  string `mapstructure:"log_file"`
	Preserve bool   `mapstructure:"preserve"`
	Level    string `mapstructure:"level"`
}

// ServerConfig holds the proxy listener settings
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// GatewayConfig holds the agent gateway WebSocket settings
type GatewayConfig struct {
	URL             string        `mapstructure:"url"`
	Token           string        `mapstructure:"token"`
	ClientID        string        `mapstructure:"client_id"`
	DisplayName     string        `mapstructure:"display_name"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	RPCTimeout      time.Duration `mapstructure:"rpc_timeout"`
	AgentRPCTimeout time.Duration `mapstructure:"agent_rpc_timeout"`

	// Millisecond overrides, as exported by existing deployment envs
	RPCTimeoutMS      string `mapstructure:"rpc_timeout_ms"`
	AgentRPCTimeoutMS string `mapstructure:"agent_rpc_timeout_ms"`
}

// ResponsesConfig holds the upstream streaming completion endpoint settings
type ResponsesConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Path      string        `mapstructure:"path"`
	Model     string        `mapstructure:"model"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	TimeoutMS string        `mapstructure:"timeout_ms"`
}

// BackendConfig holds the trading REST API settings
type BackendConfig struct {
	URL               string  `mapstructure:"url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// StreamConfig holds client-side stream orchestrator settings
type StreamConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	SessionKey   string        `mapstructure:"session_key"`
	HistoryLimit int           `mapstructure:"history_limit"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxPoll      time.Duration `mapstructure:"max_poll"`
	MaxEvents    int           `mapstructure:"max_events"`
}

// HandshakeConfig holds trade-cycle handshake timings
type HandshakeConfig struct {
	WaitTimeout    time.Duration `mapstructure:"wait_timeout"`
	SettleWindow   time.Duration `mapstructure:"settle_window"`
	KillSwitchPoll time.Duration `mapstructure:"kill_switch_poll"`
}

// SessionConfig holds the persisted trading session location
type SessionConfig struct {
	Path string `mapstructure:"path"`
}

var (
	// Global config instance
	cfg *Config
)

// Get returns the global config instance
func Get() *Config {
	if cfg == nil {
		panic("config not initialized")
	}
	return cfg
}

// Load loads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome == "" {
			xdgConfigHome = filepath.Join(home, ".config")
		}

		viper.AddConfigPath("./.s24")
		viper.AddConfigPath(filepath.Join(xdgConfigHome, ".s24"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("settings")
	}

	viper.AutomaticEnv()
	bindEnvironmentVariables()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}

	loaded := &Config{}
	if err := viper.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := processDurations(loaded); err != nil {
		return nil, fmt.Errorf("failed to process durations: %w", err)
	}

	cfg = loaded
	return cfg, nil
}

// setDefaults sets all default configuration values
func setDefaults() {
	viper.SetDefault("server.addr", ":8080")

	viper.SetDefault("gateway.url", defaultGatewayURL)
	viper.SetDefault("gateway.token", "")
	viper.SetDefault("gateway.client_id", "cli")
	viper.SetDefault("gateway.display_name", "s24 Dashboard")
	viper.SetDefault("gateway.connect_timeout", "10s")
	viper.SetDefault("gateway.rpc_timeout", "60s")
	viper.SetDefault("gateway.agent_rpc_timeout", "300s")

	viper.SetDefault("responses.base_url", "")
	viper.SetDefault("responses.path", "/v1/responses")
	viper.SetDefault("responses.model", "")
	viper.SetDefault("responses.token", "")
	viper.SetDefault("responses.timeout", "180s")

	viper.SetDefault("backend.url", defaultBackendURL)
	viper.SetDefault("backend.requests_per_second", 10)

	viper.SetDefault("stream.base_url", "http://localhost:8080/api/openclaw")
	viper.SetDefault("stream.session_key", "agent:main:main")
	viper.SetDefault("stream.history_limit", 60)
	viper.SetDefault("stream.poll_interval", "1500ms")
	viper.SetDefault("stream.max_poll", "90s")
	viper.SetDefault("stream.max_events", 1000)

	viper.SetDefault("handshake.wait_timeout", "90s")
	viper.SetDefault("handshake.settle_window", "1s")
	viper.SetDefault("handshake.kill_switch_poll", "5s")

	viper.SetDefault("session.path", "./.s24/trading-session.json")

	viper.SetDefault("logging.log_file", "./.s24/system.log")
	viper.SetDefault("logging.preserve", false)
	viper.SetDefault("logging.level", "info")
}

// bindEnvironmentVariables binds specific environment variables to Viper keys
func bindEnvironmentVariables() {
	// Names used by the dashboard deployment
	viper.BindEnv("gateway.url", "OPENCLAW_GATEWAY_BASE_URL")
	viper.BindEnv("gateway.token", "OPENCLAW_GATEWAY_TOKEN")
	viper.BindEnv("gateway.rpc_timeout_ms", "OPENCLAW_RPC_TIMEOUT_MS")
	viper.BindEnv("gateway.agent_rpc_timeout_ms", "OPENCLAW_AGENT_RPC_TIMEOUT_MS")
	viper.BindEnv("responses.base_url", "OPENCLAW_HTTP_BASE_URL")
	viper.BindEnv("responses.token", "OPENCLAW_HTTP_AUTH_TOKEN")
	viper.BindEnv("responses.path", "OPENCLAW_RESPONSES_PATH")
	viper.BindEnv("responses.model", "OPENCLAW_RESPONSES_MODEL")
	viper.BindEnv("responses.timeout_ms", "OPENCLAW_RESPONSES_TIMEOUT_MS")
	viper.BindEnv("backend.url", "BACKEND_API_BASE_URL")

	viper.BindEnv("server.addr", "S24_ADDR")
	viper.BindEnv("stream.base_url", "S24_STREAM_BASE_URL")
	viper.BindEnv("session.path", "S24_SESSION_PATH")
	viper.BindEnv("logging.level", "S24_LOG_LEVEL")
	viper.BindEnv("logging.log_file", "S24_LOG_FILE")
}

// processDurations applies millisecond env overrides and fills zero durations
func processDurations(c *Config) error {
	if c.Gateway.ConnectTimeout <= 0 {
		c.Gateway.ConnectTimeout = 10 * time.Second
	}
	if c.Gateway.RPCTimeout <= 0 {
		c.Gateway.RPCTimeout = defaultRPCTimeout
	}
	if c.Gateway.AgentRPCTimeout <= 0 {
		c.Gateway.AgentRPCTimeout = defaultAgentRPCTimeout
	}
	if c.Responses.Timeout <= 0 {
		c.Responses.Timeout = defaultResponsesTimeout
	}

	if d, ok := parseMillis(c.Gateway.RPCTimeoutMS); ok {
		c.Gateway.RPCTimeout = d
		// agent calls inherit the generic override unless given their own
		c.Gateway.AgentRPCTimeout = d
	}
	if d, ok := parseMillis(c.Gateway.AgentRPCTimeoutMS); ok {
		c.Gateway.AgentRPCTimeout = d
	}
	if d, ok := parseMillis(c.Responses.TimeoutMS); ok {
		c.Responses.Timeout = d
	}

	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("invalid stream.poll_interval: %s", c.Stream.PollInterval)
	}
	if c.Stream.MaxEvents <= 0 {
		c.Stream.MaxEvents = 1000
	}
	if c.Handshake.WaitTimeout <= 0 || c.Handshake.SettleWindow <= 0 {
		return fmt.Errorf("invalid handshake timings: wait=%s settle=%s",
			c.Handshake.WaitTimeout, c.Handshake.SettleWindow)
	}
	return nil
}

// parseMillis accepts positive integer milliseconds only
func parseMillis(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

// GatewayWSURL returns the gateway URL with an http(s) scheme rewritten to ws(s)
func (c *Config) GatewayWSURL() string {
	raw := c.Gateway.URL
	if raw == "" {
		raw = defaultGatewayURL
	}
	switch {
	case strings.HasPrefix(raw, "http://"):
		raw = "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		raw = "wss://" + strings.TrimPrefix(raw, "https://")
	}
	return strings.TrimRight(raw, "/")
}

// ResponsesBaseURL resolves the HTTP base for the streaming completion endpoint.
// An explicit base wins, then the gateway URL with ws(s) mapped to http(s).
func (c *Config) ResponsesBaseURL() string {
	raw := c.Responses.BaseURL
	if raw == "" && c.Gateway.URL != "" {
		raw = c.Gateway.URL
		switch {
		case strings.HasPrefix(raw, "ws://"):
			raw = "http://" + strings.TrimPrefix(raw, "ws://")
		case strings.HasPrefix(raw, "wss://"):
			raw = "https://" + strings.TrimPrefix(raw, "wss://")
		}
	}
	if raw == "" {
		raw = defaultResponsesHTTP
	}
	return strings.TrimRight(raw, "/")
}

// ResponsesURL joins the responses base URL and path
func (c *Config) ResponsesURL() string {
	path := c.Responses.Path
	if path == "" {
		path = "/v1/responses"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.ResponsesBaseURL() + path
}

// ResponsesToken returns the bearer token for the responses endpoint
func (c *Config) ResponsesToken() string {
	if c.Responses.Token != "" {
		return c.Responses.Token
	}
	return c.Gateway.Token
}

// BackendURL returns the trading API base without trailing slashes
func (c *Config) BackendURL() string {
	raw := c.Backend.URL
	if raw == "" {
		raw = defaultBackendURL
	}
	return strings.TrimRight(raw, "/")
}

// GetConfigFileUsed returns the path to the config file being used
func GetConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// Dump renders the effective configuration as YAML with secrets redacted
func Dump(c *Config) ([]byte, error) {
	view := map[string]any{
		"server": map[string]any{"addr": c.Server.Addr},
		"gateway": map[string]any{
			"url":               c.GatewayWSURL(),
			"token":             redact(c.Gateway.Token),
			"client_id":         c.Gateway.ClientID,
			"display_name":      c.Gateway.DisplayName,
			"connect_timeout":   c.Gateway.ConnectTimeout.String(),
			"rpc_timeout":       c.Gateway.RPCTimeout.String(),
			"agent_rpc_timeout": c.Gateway.AgentRPCTimeout.String(),
		},
		"responses": map[string]any{
			"url":     c.ResponsesURL(),
			"model":   c.Responses.Model,
			"token":   redact(c.ResponsesToken()),
			"timeout": c.Responses.Timeout.String(),
		},
		"backend": map[string]any{
			"url":                 c.BackendURL(),
			"requests_per_second": c.Backend.RequestsPerSecond,
		},
		"stream": map[string]any{
			"base_url":      c.Stream.BaseURL,
			"session_key":   c.Stream.SessionKey,
			"history_limit": c.Stream.HistoryLimit,
			"poll_interval": c.Stream.PollInterval.String(),
			"max_poll":      c.Stream.MaxPoll.String(),
			"max_events":    c.Stream.MaxEvents,
		},
		"handshake": map[string]any{
			"wait_timeout":     c.Handshake.WaitTimeout.String(),
			"settle_window":    c.Handshake.SettleWindow.String(),
			"kill_switch_poll": c.Handshake.KillSwitchPoll.String(),
		},
		"session": map[string]any{"path": c.Session.Path},
		"logging": map[string]any{
			"log_file": c.Logging.LogFile,
			"preserve": c.Logging.Preserve,
			"level":    c.Logging.Level,
		},
	}
	return yaml.Marshal(view)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
