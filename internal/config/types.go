package config

import (
	"net"
	"strconv"
	"time"
)

// Config represents the main configuration structure
type Config struct {
	Host                 string            `json:"host"`
	Port                 int               `json:"port"`
	LogLevel             string            `json:"logLevel"`
	StreamURL            string            `json:"streamUrl"`
	StreamHeaders        map[string]string `json:"streamHeaders,omitempty"`
	PingInterval         int               `json:"pingInterval"`       // ms
	MessageTimeout       int               `json:"messageTimeout"`     // ms - read deadline on the change stream
	CloseGrace           int               `json:"closeGrace"`         // ms - pause between closing a stream and opening the next, -1 disables
	ReconnectBaseDelay   int               `json:"reconnectBaseDelay"` // ms - doubled per attempt
	ReconnectMaxAttempts int               `json:"reconnectMaxAttempts"`
	RefreshDebounce      int               `json:"refreshDebounce"`   // ms
	RefreshThrottle      int               `json:"refreshThrottle"`   // ms - -1 disables
	RefreshRetryDelay    int               `json:"refreshRetryDelay"` // ms - doubled per retry
	RefreshMaxRetries    int               `json:"refreshMaxRetries"`
	WatchDebounce        int               `json:"watchDebounce"`  // ms
	StatusCooldown       int               `json:"statusCooldown"` // ms - -1 disables
	NetworkProbeEnabled  bool              `json:"networkProbeEnabled"`
	NetworkSettleDelay   int               `json:"networkSettleDelay"`   // ms
	NetworkProbeInterval int               `json:"networkProbeInterval"` // ms
	DedupCacheSize       int               `json:"dedupCacheSize"`
	SnapshotCacheSize    int               `json:"snapshotCacheSize"`
	SnapshotTTL          int               `json:"snapshotTTL"`  // ms - 0 keeps snapshots until evicted
	FetchTimeout         int               `json:"fetchTimeout"` // ms
	Views                []ViewConfig      `json:"views"`
}

// ViewConfig represents one dashboard view
type ViewConfig struct {
	Name     string            `json:"name"`
	Resource string            `json:"resource"`
	Event    string            `json:"event,omitempty"`
	Filter   string            `json:"filter,omitempty"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Default values
const (
	DefaultHost                 = "localhost"
	DefaultPort                 = 8080
	DefaultLogLevel             = "info"
	DefaultPingInterval         = 30000 // ms
	DefaultMessageTimeout       = 60000 // ms
	DefaultCloseGrace           = 100   // ms
	DefaultReconnectBaseDelay   = 1000  // ms
	DefaultReconnectMaxAttempts = 5
	DefaultRefreshDebounce      = 750  // ms
	DefaultRefreshThrottle      = 1500 // ms
	DefaultRefreshRetryDelay    = 1000 // ms
	DefaultRefreshMaxRetries    = 3
	DefaultWatchDebounce        = 2000 // ms - absorbs mount/unmount bursts
	DefaultStatusCooldown       = 5000 // ms
	DefaultNetworkProbeEnabled  = true
	DefaultNetworkSettleDelay   = 500  // ms
	DefaultNetworkProbeInterval = 5000 // ms
	DefaultDedupCacheSize       = 10000
	DefaultSnapshotCacheSize    = 256
	DefaultFetchTimeout         = 10000 // ms
)

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// GetPingIntervalDuration returns ping interval as time.Duration
func (c *Config) GetPingIntervalDuration() time.Duration {
	return ms(c.PingInterval)
}

// GetMessageTimeoutDuration returns message timeout as time.Duration
func (c *Config) GetMessageTimeoutDuration() time.Duration {
	return ms(c.MessageTimeout)
}

// GetCloseGraceDuration returns close grace as time.Duration; negative disables
func (c *Config) GetCloseGraceDuration() time.Duration {
	return ms(c.CloseGrace)
}

// GetReconnectBaseDelayDuration returns reconnect base delay as time.Duration
func (c *Config) GetReconnectBaseDelayDuration() time.Duration {
	return ms(c.ReconnectBaseDelay)
}

// GetRefreshDebounceDuration returns refresh debounce as time.Duration
func (c *Config) GetRefreshDebounceDuration() time.Duration {
	return ms(c.RefreshDebounce)
}

// GetRefreshThrottleDuration returns refresh throttle as time.Duration; negative disables
func (c *Config) GetRefreshThrottleDuration() time.Duration {
	return ms(c.RefreshThrottle)
}

// GetRefreshRetryDelayDuration returns refresh retry delay as time.Duration
func (c *Config) GetRefreshRetryDelayDuration() time.Duration {
	return ms(c.RefreshRetryDelay)
}

// GetWatchDebounceDuration returns watch debounce as time.Duration
func (c *Config) GetWatchDebounceDuration() time.Duration {
	return ms(c.WatchDebounce)
}

// GetStatusCooldownDuration returns status cooldown as time.Duration; negative disables
func (c *Config) GetStatusCooldownDuration() time.Duration {
	return ms(c.StatusCooldown)
}

// GetNetworkSettleDelayDuration returns network settle delay as time.Duration
func (c *Config) GetNetworkSettleDelayDuration() time.Duration {
	return ms(c.NetworkSettleDelay)
}

// GetNetworkProbeIntervalDuration returns network probe interval as time.Duration
func (c *Config) GetNetworkProbeIntervalDuration() time.Duration {
	return ms(c.NetworkProbeInterval)
}

// GetSnapshotTTLDuration returns snapshot TTL as time.Duration
func (c *Config) GetSnapshotTTLDuration() time.Duration {
	return ms(c.SnapshotTTL)
}

// GetFetchTimeoutDuration returns fetch timeout as time.Duration
func (c *Config) GetFetchTimeoutDuration() time.Duration {
	return ms(c.FetchTimeout)
}

// Addr returns the listen address of the operator server
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
