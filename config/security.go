package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backends for rate-limit windows and the security event buffer
const (
	StateBackendMemory   = "memory"
	StateBackendRedis    = "redis"
	StateBackendPostgres = "postgres"
)

// RateLimitPreset is a named sliding-window limit
type RateLimitPreset struct {
	MaxAttempts int
	Window      time.Duration
}

// MonitorConfig tunes the security monitor heuristic
type MonitorConfig struct {
	BufferCapacity    int
	SuspicionWindow   int
	CriticalThreshold int
	HighThreshold     int
}

// SecurityConfig is the security policy: redaction fields, rate limit
// presets and monitor thresholds. Loaded from an optional YAML/JSON/TOML
// file with SECURITY_* environment overrides.
type SecurityConfig struct {
	SensitiveFields   []string
	SensitiveSuffixes []string
	RateLimits        map[string]RateLimitPreset
	Monitor           MonitorConfig
	StateBackend      string
}

var defaultRateLimits = map[string]RateLimitPreset{
	"auth":                {MaxAttempts: 5, Window: 15 * time.Minute},
	"api":                 {MaxAttempts: 100, Window: time.Minute},
	"document_generation": {MaxAttempts: 10, Window: time.Hour},
	"file_upload":         {MaxAttempts: 20, Window: time.Hour},
	"password_reset":      {MaxAttempts: 3, Window: time.Hour},
}

var defaultSensitiveFields = []string{
	"cedula", "identity_number", "national_id", "dni", "passport",
	"email", "phone", "telefono", "address", "direccion", "postal_address",
	"password", "password_hash",
}

// DefaultSecurityConfig returns the built-in security policy
func DefaultSecurityConfig() *SecurityConfig {
	presets := make(map[string]RateLimitPreset, len(defaultRateLimits))
	for k, v := range defaultRateLimits {
		presets[k] = v
	}
	return &SecurityConfig{
		SensitiveFields:   append([]string(nil), defaultSensitiveFields...),
		SensitiveSuffixes: []string{"_encrypted", "_enc"},
		RateLimits:        presets,
		Monitor: MonitorConfig{
			BufferCapacity:    100,
			SuspicionWindow:   20,
			CriticalThreshold: 3,
			HighThreshold:     5,
		},
		StateBackend: StateBackendMemory,
	}
}

// LoadSecurityConfig reads the security policy. An empty path uses the
// defaults plus environment overrides; a named file must exist.
func LoadSecurityConfig(path string) (*SecurityConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("SECURITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultSecurityConfig()
	v.SetDefault("sensitive_fields", def.SensitiveFields)
	v.SetDefault("sensitive_suffixes", def.SensitiveSuffixes)
	v.SetDefault("state_backend", def.StateBackend)
	v.SetDefault("monitor.buffer_capacity", def.Monitor.BufferCapacity)
	v.SetDefault("monitor.suspicion_window", def.Monitor.SuspicionWindow)
	v.SetDefault("monitor.critical_threshold", def.Monitor.CriticalThreshold)
	v.SetDefault("monitor.high_threshold", def.Monitor.HighThreshold)
	for name, preset := range def.RateLimits {
		v.SetDefault("rate_limits."+name+".max_attempts", preset.MaxAttempts)
		v.SetDefault("rate_limits."+name+".window", preset.Window)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg := &SecurityConfig{
		SensitiveFields:   stringList(v, "sensitive_fields"),
		SensitiveSuffixes: stringList(v, "sensitive_suffixes"),
		StateBackend:      strings.ToLower(v.GetString("state_backend")),
		Monitor: MonitorConfig{
			BufferCapacity:    v.GetInt("monitor.buffer_capacity"),
			SuspicionWindow:   v.GetInt("monitor.suspicion_window"),
			CriticalThreshold: v.GetInt("monitor.critical_threshold"),
			HighThreshold:     v.GetInt("monitor.high_threshold"),
		},
		RateLimits: make(map[string]RateLimitPreset),
	}

	for _, name := range presetNames(v, def.RateLimits) {
		cfg.RateLimits[name] = RateLimitPreset{
			MaxAttempts: v.GetInt("rate_limits." + name + ".max_attempts"),
			Window:      v.GetDuration("rate_limits." + name + ".window"),
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the policy for unusable values
func (c *SecurityConfig) Validate() error {
	switch c.StateBackend {
	case StateBackendMemory, StateBackendRedis, StateBackendPostgres:
	default:
		return fmt.Errorf("unknown security state backend %q", c.StateBackend)
	}
	for name, p := range c.RateLimits {
		if p.MaxAttempts <= 0 || p.Window <= 0 {
			return fmt.Errorf("rate limit preset %q needs positive max_attempts and window", name)
		}
	}
	m := c.Monitor
	if m.BufferCapacity <= 0 || m.SuspicionWindow <= 0 || m.SuspicionWindow > m.BufferCapacity {
		return fmt.Errorf("monitor suspicion window must be within the buffer capacity")
	}
	if m.CriticalThreshold < 0 || m.HighThreshold < 0 {
		return fmt.Errorf("monitor thresholds must not be negative")
	}
	return nil
}

// stringList accepts both real lists (file) and comma separated strings (env).
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// presetNames unions the built-in classes with any declared in the file;
// a file section replaces rather than merges the defaults map.
func presetNames(v *viper.Viper, defaults map[string]RateLimitPreset) []string {
	seen := map[string]struct{}{}
	for name := range defaults {
		seen[name] = struct{}{}
	}
	for name := range v.GetStringMap("rate_limits") {
		seen[strings.ToLower(name)] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
