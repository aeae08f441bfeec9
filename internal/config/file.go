package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the optional viagen.yaml file. Every field is optional.
type fileConfig struct {
	Port            string   `yaml:"port"`
	ClaudeBin       string   `yaml:"claude_bin"`
	Model           string   `yaml:"model"`
	SystemPrompt    string   `yaml:"system_prompt"`
	TranscriptPath  string   `yaml:"transcript_path"`
	DBPath          string   `yaml:"db_path"`
	ResumeOnRestart *bool    `yaml:"resume_on_restart"`
	BuildLogPath    string   `yaml:"build_log_path"`
	CookieSecure    *bool    `yaml:"cookie_secure"`
	CORSOrigins     []string `yaml:"cors_origins"`
	RateLimit       *int     `yaml:"rate_limit"`
	GRPCHealthAddr  string   `yaml:"grpc_health_addr"`
	LogLevel        string   `yaml:"log_level"`
}

func configFilePath(root string) string {
	if p := os.Getenv("VIAGEN_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(root, "viagen.yaml")
}

// loadFile parses the YAML config file. A missing file yields an empty config.
func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fc, nil
	}
	if err != nil {
		return fc, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

func (fileConfig) strOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func (fileConfig) boolOr(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}

func (fileConfig) intOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}
