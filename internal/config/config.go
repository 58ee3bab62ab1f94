package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MessageTimeout == 0 {
		cfg.MessageTimeout = DefaultMessageTimeout
	}
	if cfg.CloseGrace == 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cfg.ReconnectMaxAttempts == 0 {
		cfg.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	if cfg.RefreshDebounce == 0 {
		cfg.RefreshDebounce = DefaultRefreshDebounce
	}
	if cfg.RefreshThrottle == 0 {
		cfg.RefreshThrottle = DefaultRefreshThrottle
	}
	if cfg.RefreshRetryDelay == 0 {
		cfg.RefreshRetryDelay = DefaultRefreshRetryDelay
	}
	if cfg.RefreshMaxRetries == 0 {
		cfg.RefreshMaxRetries = DefaultRefreshMaxRetries
	}
	if cfg.WatchDebounce == 0 {
		cfg.WatchDebounce = DefaultWatchDebounce
	}
	if cfg.StatusCooldown == 0 {
		cfg.StatusCooldown = DefaultStatusCooldown
	}
	if cfg.NetworkSettleDelay == 0 {
		cfg.NetworkSettleDelay = DefaultNetworkSettleDelay
	}
	if cfg.NetworkProbeInterval == 0 {
		cfg.NetworkProbeInterval = DefaultNetworkProbeInterval
	}
	if cfg.DedupCacheSize == 0 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}
	if cfg.SnapshotCacheSize == 0 {
		cfg.SnapshotCacheSize = DefaultSnapshotCacheSize
	}
	// SnapshotTTL default is 0, which is valid
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.StreamURL == "" {
		return errors.New("streamUrl is required")
	}
	u, err := url.Parse(cfg.StreamURL)
	if err != nil {
		return fmt.Errorf("streamUrl: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("streamUrl must use ws or wss, got '%s'", u.Scheme)
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	nonNegative := []struct {
		name  string
		value int
	}{
		{"pingInterval", cfg.PingInterval},
		{"messageTimeout", cfg.MessageTimeout},
		{"reconnectBaseDelay", cfg.ReconnectBaseDelay},
		{"reconnectMaxAttempts", cfg.ReconnectMaxAttempts},
		{"refreshDebounce", cfg.RefreshDebounce},
		{"refreshRetryDelay", cfg.RefreshRetryDelay},
		{"refreshMaxRetries", cfg.RefreshMaxRetries},
		{"watchDebounce", cfg.WatchDebounce},
		{"networkSettleDelay", cfg.NetworkSettleDelay},
		{"networkProbeInterval", cfg.NetworkProbeInterval},
		{"dedupCacheSize", cfg.DedupCacheSize},
		{"snapshotCacheSize", cfg.SnapshotCacheSize},
		{"fetchTimeout", cfg.FetchTimeout},
	}
	for _, p := range nonNegative {
		if p.value < 0 {
			return fmt.Errorf("%s must be non-negative", p.name)
		}
	}

	// -1 disables these
	if cfg.CloseGrace < -1 {
		return fmt.Errorf("closeGrace must be -1 or greater")
	}
	if cfg.RefreshThrottle < -1 {
		return fmt.Errorf("refreshThrottle must be -1 or greater")
	}
	if cfg.StatusCooldown < -1 {
		return fmt.Errorf("statusCooldown must be -1 or greater")
	}
	if cfg.SnapshotTTL < 0 {
		return fmt.Errorf("snapshotTTL must be non-negative")
	}

	viewNames := make(map[string]bool)
	for i, view := range cfg.Views {
		if view.Name == "" {
			return fmt.Errorf("views[%d]: name is required", i)
		}
		if viewNames[view.Name] {
			return fmt.Errorf("views[%d]: duplicate view name '%s'", i, view.Name)
		}
		viewNames[view.Name] = true

		if view.Resource == "" {
			return fmt.Errorf("view '%s': resource is required", view.Name)
		}
		if view.URL == "" {
			return fmt.Errorf("view '%s': url is required", view.Name)
		}
		switch view.Event {
		case "", "*", "INSERT", "UPDATE", "DELETE":
		default:
			return fmt.Errorf("view '%s': event must be one of *, INSERT, UPDATE, DELETE", view.Name)
		}
	}

	return nil
}

// configWithProbeDefault is used for proper default handling of networkProbeEnabled
type configWithProbeDefault struct {
	Config
	NetworkProbeEnabledPtr *bool `json:"networkProbeEnabled"`
}

// LoadWithDefaults reads and parses the configuration file with proper bool default handling
func LoadWithDefaults(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a configuration document
func Parse(data []byte) (*Config, error) {
	// First unmarshal to check if networkProbeEnabled was explicitly set
	var rawCfg configWithProbeDefault
	if err := json.Unmarshal(data, &rawCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &rawCfg.Config

	if rawCfg.NetworkProbeEnabledPtr != nil {
		cfg.NetworkProbeEnabled = *rawCfg.NetworkProbeEnabledPtr
	} else {
		cfg.NetworkProbeEnabled = DefaultNetworkProbeEnabled
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
