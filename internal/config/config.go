// Package config handles loading, validating, and writing the
// airsentryd proxy configuration from config.yaml.
//
// The config defines:
//   - Server bind address (host:port, loopback only)
//   - Ollama backend base URL
//   - Inspector connection and security behavior (base URL, API key,
//     AI profile, degraded-open policy, inspection timeout, pending
//     chunk cap)
//   - Policy rules file path
//   - Audit ledger directory
//   - Dashboard toggle and bind address
//
// See design doc Section 6.4 for the full YAML schema.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level airsentryd configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Security  SecurityConfig  `yaml:"security"`
	Policy    PolicyConfig    `yaml:"policy"`
	Audit     AuditConfig     `yaml:"audit"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// ServerConfig defines where the proxy listens. Default:
// 127.0.0.1:11535 — loopback only, never bind to 0.0.0.0.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// OllamaConfig points at the real Ollama-compatible backend.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
}

// SecurityConfig configures the inspector connection and the
// streaming gating policy around it.
type SecurityConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	ProfileName string `yaml:"profile_name"`
	AppName     string `yaml:"app_name"`
	AppUser     string `yaml:"app_user"`

	// ContextualGrounding, when non-empty, is sent as the `context`
	// field on every envelope submitted to the inspector, letting the
	// ungrounded-response detector judge output against this reference
	// text (design doc Section 6.4).
	ContextualGrounding string `yaml:"contextual_grounding"`

	// DegradedOpen controls what happens when the inspector errors or
	// the pending-chunk cap is exceeded mid-stream: true releases
	// buffered content and continues, false terminates the stream with
	// an error chunk (design doc Section 7).
	DegradedOpen bool `yaml:"degraded_open"`

	InspectionTimeoutMs int `yaml:"inspection_timeout_ms"`
	MaxPendingChunks    int `yaml:"max_pending_chunks"`
}

// PolicyConfig points at the local rule overlay file.
type PolicyConfig struct {
	RulesPath string `yaml:"rules_path"`
}

// AuditConfig points at the hash-chained ledger directory.
type AuditConfig struct {
	Dir string `yaml:"dir"`
}

// DashboardConfig controls the loopback-only operator dashboard.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Load reads and parses config.yaml from the given path, then applies
// AIRSENTRY_<SECTION>_<KEY> environment variable overrides on top
// (design doc Section 6.4). A missing file is not an error — it
// returns defaults, which is normal before `airsentryd config init`
// has been run.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a commented header. Used by `airsentryd config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# airsentryd configuration
# See design doc Section 6.4 for details.
#
# server:
#   host/port: bind address (loopback only)
#
# ollama:
#   base_url: the real Ollama-compatible backend to forward to
#
# security:
#   base_url/api_key/profile_name: inspector connection
#   degraded_open: true releases content on inspector error; false fails closed
#   inspection_timeout_ms: per-call inspector timeout
#   max_pending_chunks: backpressure cap while an inspection is in flight
#
# policy.rules_path: local rule overlay file
# audit.dir: hash-chained verdict ledger directory
# dashboard: loopback-only operator UI

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 11535,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://127.0.0.1:11434",
		},
		Security: SecurityConfig{
			BaseURL:             "https://service.api.aisecurity.paloaltonetworks.com",
			ProfileName:         "default",
			AppName:             "airsentryd",
			AppUser:             "default",
			ContextualGrounding: "",
			DegradedOpen:        true,
			InspectionTimeoutMs: 5000,
			MaxPendingChunks:    256,
		},
		Policy: PolicyConfig{
			RulesPath: "",
		},
		Audit: AuditConfig{
			Dir: "",
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    11536,
		},
	}
}

// envOverrides lists the AIRSENTRY_<SECTION>_<KEY> variables this
// config recognizes, mapped to a setter. A hand-rolled table rather
// than reflection: the override surface is small and fixed, and an
// explicit table is easier to audit for what can be set from the
// environment (credentials in particular).
func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		name string
		set  func(string)
	}{
		{"AIRSENTRY_SERVER_HOST", func(v string) { cfg.Server.Host = v }},
		{"AIRSENTRY_SERVER_PORT", intSetter(&cfg.Server.Port)},
		{"AIRSENTRY_OLLAMA_BASE_URL", func(v string) { cfg.Ollama.BaseURL = v }},
		{"AIRSENTRY_SECURITY_BASE_URL", func(v string) { cfg.Security.BaseURL = v }},
		{"AIRSENTRY_SECURITY_API_KEY", func(v string) { cfg.Security.APIKey = v }},
		{"AIRSENTRY_SECURITY_PROFILE_NAME", func(v string) { cfg.Security.ProfileName = v }},
		{"AIRSENTRY_SECURITY_APP_NAME", func(v string) { cfg.Security.AppName = v }},
		{"AIRSENTRY_SECURITY_APP_USER", func(v string) { cfg.Security.AppUser = v }},
		{"AIRSENTRY_SECURITY_CONTEXTUAL_GROUNDING", func(v string) { cfg.Security.ContextualGrounding = v }},
		{"AIRSENTRY_SECURITY_DEGRADED_OPEN", boolSetter(&cfg.Security.DegradedOpen)},
		{"AIRSENTRY_SECURITY_INSPECTION_TIMEOUT_MS", intSetter(&cfg.Security.InspectionTimeoutMs)},
		{"AIRSENTRY_SECURITY_MAX_PENDING_CHUNKS", intSetter(&cfg.Security.MaxPendingChunks)},
		{"AIRSENTRY_POLICY_RULES_PATH", func(v string) { cfg.Policy.RulesPath = v }},
		{"AIRSENTRY_AUDIT_DIR", func(v string) { cfg.Audit.Dir = v }},
		{"AIRSENTRY_DASHBOARD_ENABLED", boolSetter(&cfg.Dashboard.Enabled)},
		{"AIRSENTRY_DASHBOARD_HOST", func(v string) { cfg.Dashboard.Host = v }},
		{"AIRSENTRY_DASHBOARD_PORT", intSetter(&cfg.Dashboard.Port)},
	}

	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.name); ok {
			o.set(v)
		}
	}
}

func intSetter(dst *int) func(string) {
	return func(v string) {
		n, err := strconv.Atoi(v)
		if err != nil {
			return
		}
		*dst = n
	}
}

func boolSetter(dst *bool) func(string) {
	return func(v string) {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return
		}
		*dst = b
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if !strings.HasPrefix(cfg.Server.Host, "127.") && cfg.Server.Host != "localhost" {
		return fmt.Errorf("server.host %q must be loopback", cfg.Server.Host)
	}

	if cfg.Ollama.BaseURL == "" {
		return fmt.Errorf("ollama.base_url is required")
	}
	if !strings.HasPrefix(cfg.Ollama.BaseURL, "http://") && !strings.HasPrefix(cfg.Ollama.BaseURL, "https://") {
		return fmt.Errorf("ollama.base_url must start with http:// or https://")
	}

	if cfg.Security.BaseURL == "" || cfg.Security.APIKey == "" {
		return fmt.Errorf("security credentials missing (base_url or api_key)")
	}
	if !strings.HasPrefix(cfg.Security.BaseURL, "http://") && !strings.HasPrefix(cfg.Security.BaseURL, "https://") {
		return fmt.Errorf("security.base_url must start with http:// or https://")
	}
	if cfg.Security.ProfileName == "" {
		return fmt.Errorf("security.profile_name is required")
	}
	if cfg.Security.AppName == "" {
		return fmt.Errorf("security.app_name is required")
	}
	if cfg.Security.AppUser == "" {
		return fmt.Errorf("security.app_user is required")
	}
	if cfg.Security.InspectionTimeoutMs < 0 {
		return fmt.Errorf("security.inspection_timeout_ms must be non-negative")
	}
	if cfg.Security.MaxPendingChunks < 1 {
		return fmt.Errorf("security.max_pending_chunks must be at least 1")
	}

	if cfg.Dashboard.Enabled {
		if cfg.Dashboard.Port < 1 || cfg.Dashboard.Port > 65535 {
			return fmt.Errorf("dashboard.port %d out of range (1-65535)", cfg.Dashboard.Port)
		}
		if !strings.HasPrefix(cfg.Dashboard.Host, "127.") && cfg.Dashboard.Host != "localhost" {
			return fmt.Errorf("dashboard.host %q must be loopback", cfg.Dashboard.Host)
		}
	}

	return nil
}
