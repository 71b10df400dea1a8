// Package config handles DAA configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/daa/config.yaml, /etc/daa/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "daa", "config.yaml"))
	}

	paths = append(paths, "/etc/daa/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all DAA configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	Models        ModelsConfig        `yaml:"models"`
	Persona       PersonaConfig       `yaml:"persona"`
	Weather       WeatherConfig       `yaml:"weather"`
	Health        HealthConfig        `yaml:"health"`
	Training      TrainingConfig      `yaml:"training"`
	Memory        MemoryConfig        `yaml:"memory"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Workflows     WorkflowsConfig     `yaml:"workflows"`
	Audit         AuditConfig         `yaml:"audit"`
	DataDir       string              `yaml:"data_dir"`
	HistoryLimit  int                 `yaml:"history_limit"`
	LogLevel      string              `yaml:"log_level"`
}

// ListenConfig defines the gateway server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string `yaml:"default"`      // Model used when the client sends none
	Fallback  string `yaml:"fallback"`     // Retried once when the primary fails mid-turn
	OllamaURL string `yaml:"ollama_url"`   // Local backend (default http://127.0.0.1:11434)
	Anthropic APIKey `yaml:"anthropic"`    // Anthropic Messages API
	OpenAI    APIKey `yaml:"openai"`       // api.openai.com
	Groq      APIKey `yaml:"groq"`         // OpenAI-compatible
	DeepSeek  APIKey `yaml:"deepseek"`     // OpenAI-compatible
	Gemini    APIKey `yaml:"gemini"`       // Google Generative Language API
}

// APIKey holds a single vendor credential.
type APIKey struct {
	APIKey string `yaml:"api_key"`
}

// PersonaConfig defines the assistant's base instruction text.
type PersonaConfig struct {
	// Name is how the assistant refers to itself.
	Name string `yaml:"name"`
	// User is how the assistant addresses the user.
	User string `yaml:"user"`
	// File points to a text file with the full persona prompt.
	// When set it overrides the built-in default.
	File string `yaml:"file"`
	// Locale selects weekday rendering in the realtime block ("sv", "en").
	Locale string `yaml:"locale"`
}

// WeatherConfig defines Open-Meteo lookup coordinates.
type WeatherConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// HealthConfig enables the Withings health report domain. Credentials
// (client id/secret, rotating refresh token) live in the settings
// store, not in the config file.
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TrainingConfig enables the Strava recent-activities domain.
type TrainingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Activities is how many recent activities to report (default 3).
	Activities int `yaml:"activities"`
}

// MemoryConfig defines the long-term memory gateway connection.
// Disabled (empty URL) means all memory operations are no-ops.
type MemoryConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	SubjectID string `yaml:"subject_id"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// WorkflowsConfig defines the n8n webhook trigger settings.
type WorkflowsConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// AuditConfig defines the source-code audit tool settings.
type AuditConfig struct {
	// Root is the project directory to audit. Empty disables the tool.
	Root string `yaml:"root"`
	// ReportFile is where the full report is written
	// (default <data_dir>/CODE_REVIEW.md).
	ReportFile string `yaml:"report_file"`
	// Models are tried in order until one produces a report.
	Models []string `yaml:"models"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8000},
		Models: ModelsConfig{
			Default:   "gemini-2.0-flash-exp",
			Fallback:  "gemini-2.0-flash-exp",
			OllamaURL: "http://127.0.0.1:11434",
		},
		Persona: PersonaConfig{
			Name:   "DAA",
			User:   "Anders",
			Locale: "sv",
		},
		DataDir:      "data",
		HistoryLimit: 10,
		LogLevel:     "info",
	}
}
