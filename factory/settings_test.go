package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSettingsFactoryDefaults(t *testing.T) {
	for _, name := range []string{
		"PEERCORE_IDLE_TCP_SECONDS", "PEERCORE_IDLE_UDP_SECONDS",
		"PEERCORE_CONNECT_TIMEOUT_MILLIS", "PEERCORE_MAX_TCP_INCOMING",
		"PEERCORE_MAX_UDP_INCOMING", "PEERCORE_HEARTBEAT_MILLIS",
		"PEERCORE_DISABLE_BIND",
	} {
		t.Setenv(name, "")
	}

	f := NewSettingsFactory()
	assert.Equal(t, DefaultSettings(), f.Current())
	require.NoError(t, f.Current().Validate())
}

// TestEnvironmentVariableParsing verifies environment variable handling
func TestEnvironmentVariableParsing(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, s *Settings)
	}{
		{
			name: "valid overrides",
			env: map[string]string{
				"PEERCORE_IDLE_TCP_SECONDS":       "0",
				"PEERCORE_CONNECT_TIMEOUT_MILLIS": "750",
				"PEERCORE_MAX_UDP_INCOMING":       "12",
				"PEERCORE_DISABLE_BIND":           "true",
			},
			check: func(t *testing.T, s *Settings) {
				assert.Equal(t, 0, s.IdleTCPSeconds)
				assert.Equal(t, 750, s.ConnectTimeoutMillis)
				assert.Equal(t, 12, s.MaxUDPIncoming)
				assert.True(t, s.DisableBind)
			},
		},
		{
			name: "unparsable values keep defaults",
			env: map[string]string{
				"PEERCORE_HEARTBEAT_MILLIS": "often",
				"PEERCORE_DISABLE_BIND":     "maybe",
			},
			check: func(t *testing.T, s *Settings) {
				assert.Equal(t, DefaultSettings().HeartbeatMillis, s.HeartbeatMillis)
				assert.False(t, s.DisableBind)
			},
		},
		{
			name: "out of bounds values keep defaults",
			env: map[string]string{
				"PEERCORE_CONNECT_TIMEOUT_MILLIS": "5",
				"PEERCORE_MAX_TCP_INCOMING":       "0",
				"PEERCORE_IDLE_UDP_SECONDS":       "-1",
			},
			check: func(t *testing.T, s *Settings) {
				d := DefaultSettings()
				assert.Equal(t, d.ConnectTimeoutMillis, s.ConnectTimeoutMillis)
				assert.Equal(t, d.MaxTCPIncoming, s.MaxTCPIncoming)
				assert.Equal(t, d.IdleUDPSeconds, s.IdleUDPSeconds)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			tt.check(t, NewSettingsFactory().Current())
		})
	}
}

func TestUpdateValidates(t *testing.T) {
	f := &SettingsFactory{defaults: DefaultSettings()}

	assert.Error(t, f.Update(nil))

	bad := DefaultSettings()
	bad.HeartbeatMillis = 1
	assert.Error(t, f.Update(bad))

	good := DefaultSettings()
	good.MaxTCPIncoming = 3
	require.NoError(t, f.Update(good))

	good.MaxTCPIncoming = 99
	assert.Equal(t, 3, f.Current().MaxTCPIncoming, "factory keeps its own copy")
}

func TestServerConfigCarriesSettings(t *testing.T) {
	f := &SettingsFactory{defaults: DefaultSettings()}
	s := DefaultSettings()
	s.IdleTCPSeconds = 9
	s.MaxUDPIncoming = 5
	s.DisableBind = true
	require.NoError(t, f.Update(s))

	cfg := f.ServerConfig()
	assert.Equal(t, 9, cfg.IdleTCPSeconds)
	assert.Equal(t, 5, cfg.MaxUDPIncoming)
	assert.True(t, cfg.DisableBind)
	assert.NotNil(t, cfg.Bindings)
	assert.NotNil(t, f.ClientConfig().Filter)
}
