// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultModel is the model passed to the assistant CLI when none is configured.
const DefaultModel = "sonnet"

// Config holds all application configuration.
type Config struct {
	Port         string
	ProjectRoot  string
	ClaudeBin    string
	Model        string
	SystemPrompt string // empty = built-in default prompt
	EnvFile      string

	Auth       AuthConfig
	Transcript string
	DBPath     string

	// ResumeOnRestart restores the last continuity token from the state store at startup.
	ResumeOnRestart bool
	BuildLogPath    string
	AccessToken     string // VIAGEN_AUTH_TOKEN, empty disables token auth
	CookieSecure    bool   // Secure attribute on the auth cookie
	CORSOrigins     []string

	RateLimit         RateLimitConfig
	TerminateGrace    time.Duration
	ExchangeRetention time.Duration
	GRPCHealthAddr    string
	LogLevel          string

	// Informational values surfaced by the health endpoint.
	GitToken       string
	Branch         string
	SessionStart   int64
	SessionTimeout int64
}

// AuthConfig holds the assistant credentials. Exactly one form is used:
// APIKey, or the OAuth triple.
type AuthConfig struct {
	APIKey        string
	AccessToken   string
	RefreshToken  string
	TokenExpires  int64 // epoch seconds
	TokenURL      string
	OAuthClientID string
}

// RateLimitConfig controls per-client throttling of chat requests.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// HasAPIKey reports whether the API-key credential form is configured.
func (a AuthConfig) HasAPIKey() bool { return a.APIKey != "" }

// HasOAuth reports whether the OAuth credential form is configured.
func (a AuthConfig) HasOAuth() bool { return a.AccessToken != "" }

// Load reads configuration from an optional YAML file and environment variables.
// Environment variables take precedence over file values.
func Load() (*Config, error) {
	root := getEnv("PROJECT_ROOT", "")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		root = wd
	}

	fc, err := loadFile(configFilePath(root))
	if err != nil {
		return nil, err
	}

	viagenDir := filepath.Join(root, ".viagen")
	cfg := &Config{
		Port:         getEnv("PORT", fc.strOr(fc.Port, "5173")),
		ProjectRoot:  root,
		ClaudeBin:    getEnv("CLAUDE_BIN", fc.strOr(fc.ClaudeBin, "claude")),
		Model:        getEnv("CLAUDE_MODEL", fc.strOr(fc.Model, DefaultModel)),
		SystemPrompt: getEnv("SYSTEM_PROMPT", fc.SystemPrompt),
		EnvFile:      getEnv("ENV_FILE", filepath.Join(root, ".env")),
		Auth: AuthConfig{
			APIKey:        getEnv("ANTHROPIC_API_KEY", ""),
			AccessToken:   getEnv("CLAUDE_ACCESS_TOKEN", ""),
			RefreshToken:  getEnv("CLAUDE_REFRESH_TOKEN", ""),
			TokenExpires:  getEnvInt64("CLAUDE_TOKEN_EXPIRES", 0),
			TokenURL:      getEnv("CLAUDE_OAUTH_TOKEN_URL", "https://console.anthropic.com/v1/oauth/token"),
			OAuthClientID: getEnv("CLAUDE_OAUTH_CLIENT_ID", "9d1c250a-e61b-44d9-88ed-5944d1962f5e"),
		},
		Transcript:      getEnv("TRANSCRIPT_PATH", fc.strOr(fc.TranscriptPath, filepath.Join(viagenDir, "chat-log.jsonl"))),
		DBPath:          getEnv("DB_PATH", fc.strOr(fc.DBPath, filepath.Join(viagenDir, "state.db"))),
		ResumeOnRestart: getEnvBool("RESUME_ON_RESTART", fc.boolOr(fc.ResumeOnRestart, false)),
		BuildLogPath:    getEnv("BUILD_LOG_PATH", fc.BuildLogPath),
		AccessToken:     getEnv("VIAGEN_AUTH_TOKEN", ""),
		CookieSecure:    getEnvBool("VIAGEN_COOKIE_SECURE", fc.boolOr(fc.CookieSecure, true)),
		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", strings.Join(fc.CORSOrigins, ","))),
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("CHAT_RATE_LIMIT", fc.intOr(fc.RateLimit, 30)),
			WindowDuration:    getEnvDuration("CHAT_RATE_WINDOW", time.Minute),
		},
		TerminateGrace:    getEnvDuration("TERMINATE_GRACE", 3*time.Second),
		ExchangeRetention: getEnvDuration("EXCHANGE_RETENTION", 7*24*time.Hour),
		GRPCHealthAddr:    getEnv("GRPC_HEALTH_ADDR", fc.GRPCHealthAddr),
		LogLevel:          getEnv("LOG_LEVEL", fc.strOr(fc.LogLevel, "info")),
		GitToken:          getEnv("GITHUB_TOKEN", ""),
		Branch:            getEnv("VIAGEN_BRANCH", ""),
		SessionStart:      getEnvInt64("VIAGEN_SESSION_START", 0),
		SessionTimeout:    getEnvInt64("VIAGEN_SESSION_TIMEOUT", 0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.ClaudeBin == "" {
		return fmt.Errorf("CLAUDE_BIN cannot be empty")
	}
	if c.Model == "" {
		return fmt.Errorf("CLAUDE_MODEL cannot be empty")
	}
	if c.Transcript == "" {
		return fmt.Errorf("TRANSCRIPT_PATH cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.RateLimit.RequestsPerWindow < 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT must be >= 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("CHAT_RATE_WINDOW must be > 0")
	}
	if c.TerminateGrace <= 0 {
		return fmt.Errorf("TERMINATE_GRACE must be > 0")
	}
	if c.Auth.HasOAuth() && c.Auth.TokenURL == "" {
		return fmt.Errorf("CLAUDE_OAUTH_TOKEN_URL cannot be empty when CLAUDE_ACCESS_TOKEN is set")
	}
	return nil
}

// HasCredentials reports whether any credential form is configured.
func (c *Config) HasCredentials() bool {
	return c.Auth.HasAPIKey() || c.Auth.HasOAuth()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
