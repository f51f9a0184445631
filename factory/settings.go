package factory

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercore/transport"
)

// Validation bounds for settings.
const (
	// MinIdleSeconds disables the idle timeout.
	MinIdleSeconds = 0
	// MaxIdleSeconds is one hour.
	MaxIdleSeconds = 3600
	// MinConnectTimeout is the minimum connect timeout in milliseconds.
	MinConnectTimeout = 100
	// MaxConnectTimeout is the maximum connect timeout in milliseconds (10 minutes).
	MaxConnectTimeout = 600000
	MinIncoming       = 1
	MaxIncoming       = 100000
	// MinHeartbeat is the minimum heartbeat interval in milliseconds.
	MinHeartbeat = 100
	// MaxHeartbeat is the maximum heartbeat interval in milliseconds (10 minutes).
	MaxHeartbeat = 600000
)

// Settings are the tunable values of a node.
type Settings struct {
	IdleTCPSeconds       int
	IdleUDPSeconds       int
	ConnectTimeoutMillis int
	MaxTCPIncoming       int
	MaxUDPIncoming       int
	HeartbeatMillis      int
	DisableBind          bool
}

// DefaultSettings returns the built-in defaults.
//
// Default Value Rationale:
//   - IdleTCPSeconds/IdleUDPSeconds: 5 - a peer that stays silent that long is treated as gone
//   - ConnectTimeoutMillis: 3000 - leaves room for a slow handshake without stalling relay races
//   - MaxTCPIncoming/MaxUDPIncoming: 1000 - bounds memory under connection floods
//   - HeartbeatMillis: 2000 - well below the idle timeout on either side
func DefaultSettings() *Settings {
	return &Settings{
		IdleTCPSeconds:       transport.DefaultIdleTCPSeconds,
		IdleUDPSeconds:       transport.DefaultIdleUDPSeconds,
		ConnectTimeoutMillis: 3000,
		MaxTCPIncoming:       transport.DefaultMaxIncoming,
		MaxUDPIncoming:       transport.DefaultMaxIncoming,
		HeartbeatMillis:      2000,
	}
}

// Validate checks every value against its bounds.
func (s *Settings) Validate() error {
	checks := []struct {
		name     string
		value    int
		min, max int
	}{
		{"IdleTCPSeconds", s.IdleTCPSeconds, MinIdleSeconds, MaxIdleSeconds},
		{"IdleUDPSeconds", s.IdleUDPSeconds, MinIdleSeconds, MaxIdleSeconds},
		{"ConnectTimeoutMillis", s.ConnectTimeoutMillis, MinConnectTimeout, MaxConnectTimeout},
		{"MaxTCPIncoming", s.MaxTCPIncoming, MinIncoming, MaxIncoming},
		{"MaxUDPIncoming", s.MaxUDPIncoming, MinIncoming, MaxIncoming},
		{"HeartbeatMillis", s.HeartbeatMillis, MinHeartbeat, MaxHeartbeat},
	}
	for _, c := range checks {
		if c.value < c.min || c.value > c.max {
			return fmt.Errorf("%s %d out of bounds [%d, %d]", c.name, c.value, c.min, c.max)
		}
	}
	return nil
}

// SettingsFactory hands out configurations built from one set of
// settings. It is safe for concurrent use.
type SettingsFactory struct {
	mu       sync.RWMutex
	defaults *Settings
}

// NewSettingsFactory creates a factory with the defaults, overridden by
// the environment.
func NewSettingsFactory() *SettingsFactory {
	s := DefaultSettings()
	applyEnvironmentOverrides(s)
	logConfigurationInfo(s)
	return &SettingsFactory{defaults: s}
}

func applyEnvironmentOverrides(s *Settings) {
	parseIntSetting("PEERCORE_IDLE_TCP_SECONDS", &s.IdleTCPSeconds, MinIdleSeconds, MaxIdleSeconds)
	parseIntSetting("PEERCORE_IDLE_UDP_SECONDS", &s.IdleUDPSeconds, MinIdleSeconds, MaxIdleSeconds)
	parseIntSetting("PEERCORE_CONNECT_TIMEOUT_MILLIS", &s.ConnectTimeoutMillis, MinConnectTimeout, MaxConnectTimeout)
	parseIntSetting("PEERCORE_MAX_TCP_INCOMING", &s.MaxTCPIncoming, MinIncoming, MaxIncoming)
	parseIntSetting("PEERCORE_MAX_UDP_INCOMING", &s.MaxUDPIncoming, MinIncoming, MaxIncoming)
	parseIntSetting("PEERCORE_HEARTBEAT_MILLIS", &s.HeartbeatMillis, MinHeartbeat, MaxHeartbeat)
	parseBoolSetting("PEERCORE_DISABLE_BIND", &s.DisableBind)
}

// parseIntSetting updates target from the environment variable name. The
// value is kept when the variable does not parse or is out of bounds.
func parseIntSetting(name string, target *int, min, max int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     name,
			"value":       raw,
			"error":       err.Error(),
			"using_value": *target,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if value < min || value > max {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     name,
			"value":       value,
			"min":         min,
			"max":         max,
			"using_value": *target,
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*target = value
}

func parseBoolSetting(name string, target *bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseBoolSetting",
			"env_var":     name,
			"value":       raw,
			"error":       err.Error(),
			"using_value": *target,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	*target = value
}

func logConfigurationInfo(s *Settings) {
	logrus.WithFields(logrus.Fields{
		"function":               "NewSettingsFactory",
		"idle_tcp_seconds":       s.IdleTCPSeconds,
		"idle_udp_seconds":       s.IdleUDPSeconds,
		"connect_timeout_millis": s.ConnectTimeoutMillis,
		"max_tcp_incoming":       s.MaxTCPIncoming,
		"max_udp_incoming":       s.MaxUDPIncoming,
		"heartbeat_millis":       s.HeartbeatMillis,
		"disable_bind":           s.DisableBind,
	}).Info("Created settings factory with configuration")
}

// Current returns a copy of the settings.
func (f *SettingsFactory) Current() *Settings {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s := *f.defaults
	return &s
}

// Update replaces the settings after validating them.
func (f *SettingsFactory) Update(s *Settings) error {
	if s == nil {
		return fmt.Errorf("settings cannot be nil")
	}
	if err := s.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":         "Update",
		"old_idle_tcp":     f.defaults.IdleTCPSeconds,
		"new_idle_tcp":     s.IdleTCPSeconds,
		"old_max_incoming": f.defaults.MaxTCPIncoming,
		"new_max_incoming": s.MaxTCPIncoming,
	}).Info("Updating settings")

	copied := *s
	f.defaults = &copied
	return nil
}

// ServerConfig returns a listener configuration carrying the settings.
func (f *SettingsFactory) ServerConfig() *transport.ServerConfig {
	s := f.Current()
	cfg := transport.NewServerConfig()
	cfg.IdleTCPSeconds = s.IdleTCPSeconds
	cfg.MaxTCPIncoming = s.MaxTCPIncoming
	cfg.MaxUDPIncoming = s.MaxUDPIncoming
	cfg.DisableBind = s.DisableBind
	return cfg
}

// ClientConfig returns a configuration for outbound channels.
func (f *SettingsFactory) ClientConfig() *transport.ClientConfig {
	return transport.NewClientConfig()
}
