package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel             = "gpt-4o-mini"
	DefaultMaxTokens         = 4096
	DefaultTemperature       = 0.3
	DefaultMaxToolIterations = 10
	DefaultActorID           = "devops_001"
	DefaultDomain            = "devops"

	DefaultTokenRefreshMarginSec = 300
	DefaultAuthTimeoutSec        = 10
	DefaultAuthScope             = "openid"

	DefaultMemoryTopK            = 3
	DefaultMemoryTimeoutSec      = 10
	DefaultMemoryEventExpiryDays = 90
	DefaultMemoryName            = "OpsAgentMemory"

	DefaultGatewayTimeoutSec = 30
	MaxGatewayTimeoutSec     = 60
	DefaultGatewayMaxRetries = 2
	DefaultGatewayBackoffMs  = 250

	DefaultServeHost       = "0.0.0.0"
	DefaultServePort       = 18800
	DefaultSessionIdleMins = 30
)

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Auth     AuthConfig     `json:"auth"`
	Memory   MemoryConfig   `json:"memory"`
	Gateway  GatewayConfig  `json:"gateway"`
	Serve    ServeConfig    `json:"serve"`
	Journal  JournalConfig  `json:"journal"`
}

// AgentConfig controls the conversation loop itself.
type AgentConfig struct {
	ActorID           string  `json:"actorId"`
	Domain            string  `json:"domain"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"maxTokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"maxToolIterations"`
	SystemPrompt      string  `json:"systemPrompt,omitempty"`
}

// ProviderConfig points at the model endpoint (OpenAI-compatible).
type ProviderConfig struct {
	APIKey     string `json:"apiKey"`
	BaseURL    string `json:"baseUrl,omitempty"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`
}

// AuthConfig drives the client-credentials exchange for the tool gateway.
// ClientSecret may be left empty when the identity provider's describe
// endpoint is configured; the secret is then looked up at token time.
type AuthConfig struct {
	TokenURL         string `json:"tokenUrl"`
	ClientID         string `json:"clientId"`
	ClientSecret     string `json:"clientSecret,omitempty"`
	Scope            string `json:"scope,omitempty"`
	IdentityURL      string `json:"identityUrl,omitempty"`
	UserPoolID       string `json:"userPoolId,omitempty"`
	RefreshMarginSec int    `json:"refreshMarginSec,omitempty"`
	TimeoutSec       int    `json:"timeoutSec,omitempty"`
}

type MemoryConfig struct {
	Enabled         bool   `json:"enabled"`
	BaseURL         string `json:"baseUrl,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	MemoryName      string `json:"memoryName,omitempty"`
	TopK            int    `json:"topK,omitempty"`
	TimeoutSec      int    `json:"timeoutSec,omitempty"`
	EventExpiryDays int    `json:"eventExpiryDays,omitempty"`
}

type GatewayConfig struct {
	Enabled       bool           `json:"enabled"`
	URL           string         `json:"url,omitempty"`
	TimeoutSec    int            `json:"timeoutSec,omitempty"`
	ToolTimeouts  map[string]int `json:"toolTimeouts,omitempty"` // per-tool override, seconds
	MaxRetries    int            `json:"maxRetries,omitempty"`
	BackoffBaseMs int            `json:"backoffBaseMs,omitempty"`
}

type ServeConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	SessionIdleMins int    `json:"sessionIdleMins,omitempty"`
}

type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			ActorID:           DefaultActorID,
			Domain:            DefaultDomain,
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			Temperature:       DefaultTemperature,
			MaxToolIterations: DefaultMaxToolIterations,
		},
		Provider: ProviderConfig{},
		Auth: AuthConfig{
			Scope:            DefaultAuthScope,
			RefreshMarginSec: DefaultTokenRefreshMarginSec,
			TimeoutSec:       DefaultAuthTimeoutSec,
		},
		Memory: MemoryConfig{
			Enabled:         false,
			MemoryName:      DefaultMemoryName,
			TopK:            DefaultMemoryTopK,
			TimeoutSec:      DefaultMemoryTimeoutSec,
			EventExpiryDays: DefaultMemoryEventExpiryDays,
		},
		Gateway: GatewayConfig{
			Enabled:       false,
			TimeoutSec:    DefaultGatewayTimeoutSec,
			MaxRetries:    DefaultGatewayMaxRetries,
			BackoffBaseMs: DefaultGatewayBackoffMs,
		},
		Serve: ServeConfig{
			Host:            DefaultServeHost,
			Port:            DefaultServePort,
			SessionIdleMins: DefaultSessionIdleMins,
		},
		Journal: JournalConfig{Enabled: true},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".opsagent")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("OPSAGENT_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("OPSAGENT_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if actor := os.Getenv("OPSAGENT_ACTOR_ID"); actor != "" {
		cfg.Agent.ActorID = actor
	}
	if url := os.Getenv("OPSAGENT_TOKEN_URL"); url != "" {
		cfg.Auth.TokenURL = url
	}
	if id := os.Getenv("OPSAGENT_CLIENT_ID"); id != "" {
		cfg.Auth.ClientID = id
	}
	if secret := os.Getenv("OPSAGENT_CLIENT_SECRET"); secret != "" {
		cfg.Auth.ClientSecret = secret
	}
	if scope := os.Getenv("OPSAGENT_AUTH_SCOPE"); scope != "" {
		cfg.Auth.Scope = scope
	}
	if url := os.Getenv("OPSAGENT_GATEWAY_URL"); url != "" {
		cfg.Gateway.URL = url
		cfg.Gateway.Enabled = true
	}
	if url := os.Getenv("OPSAGENT_MEMORY_URL"); url != "" {
		cfg.Memory.BaseURL = url
		cfg.Memory.Enabled = true
	}
	if key := os.Getenv("OPSAGENT_MEMORY_API_KEY"); key != "" {
		cfg.Memory.APIKey = key
	}
	if topK := os.Getenv("OPSAGENT_MEMORY_TOP_K"); topK != "" {
		if parsed, err := strconv.Atoi(topK); err == nil && parsed > 0 {
			cfg.Memory.TopK = parsed
		}
	}
	if dbPath := os.Getenv("OPSAGENT_JOURNAL_DB_PATH"); dbPath != "" {
		cfg.Journal.DBPath = dbPath
	}

	applyFloors(cfg)
	return cfg, nil
}

// applyFloors backfills zero values that would otherwise disable a
// component or produce degenerate timeouts.
func applyFloors(cfg *Config) {
	if cfg.Agent.ActorID == "" {
		cfg.Agent.ActorID = DefaultActorID
	}
	if cfg.Agent.Domain == "" {
		cfg.Agent.Domain = DefaultDomain
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Agent.MaxTokens <= 0 {
		cfg.Agent.MaxTokens = DefaultMaxTokens
	}
	if cfg.Agent.MaxToolIterations <= 0 {
		cfg.Agent.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.Auth.Scope == "" {
		cfg.Auth.Scope = DefaultAuthScope
	}
	if cfg.Auth.RefreshMarginSec <= 0 {
		cfg.Auth.RefreshMarginSec = DefaultTokenRefreshMarginSec
	}
	if cfg.Auth.TimeoutSec <= 0 {
		cfg.Auth.TimeoutSec = DefaultAuthTimeoutSec
	}
	if cfg.Memory.MemoryName == "" {
		cfg.Memory.MemoryName = DefaultMemoryName
	}
	if cfg.Memory.TopK <= 0 {
		cfg.Memory.TopK = DefaultMemoryTopK
	}
	if cfg.Memory.TimeoutSec <= 0 {
		cfg.Memory.TimeoutSec = DefaultMemoryTimeoutSec
	}
	if cfg.Memory.EventExpiryDays <= 0 {
		cfg.Memory.EventExpiryDays = DefaultMemoryEventExpiryDays
	}
	if cfg.Gateway.TimeoutSec <= 0 {
		cfg.Gateway.TimeoutSec = DefaultGatewayTimeoutSec
	}
	if cfg.Gateway.TimeoutSec > MaxGatewayTimeoutSec {
		cfg.Gateway.TimeoutSec = MaxGatewayTimeoutSec
	}
	if cfg.Gateway.MaxRetries < 0 {
		cfg.Gateway.MaxRetries = DefaultGatewayMaxRetries
	}
	if cfg.Gateway.BackoffBaseMs <= 0 {
		cfg.Gateway.BackoffBaseMs = DefaultGatewayBackoffMs
	}
	if cfg.Serve.Host == "" {
		cfg.Serve.Host = DefaultServeHost
	}
	if cfg.Serve.Port <= 0 {
		cfg.Serve.Port = DefaultServePort
	}
	if cfg.Serve.SessionIdleMins <= 0 {
		cfg.Serve.SessionIdleMins = DefaultSessionIdleMins
	}
	if cfg.Journal.DBPath == "" {
		cfg.Journal.DBPath = filepath.Join(ConfigDir(), "data", "journal.db")
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
