package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 65536, cfg.MaxClients)
	assert.Equal(t, 4194304, cfg.ClientsSubsTotal)
	assert.Equal(t, 80, cfg.ClientsSubsPressure)
	assert.Equal(t, 15*time.Second, cfg.ClientsCBMaxAge)
	assert.Equal(t, 10*time.Second, cfg.PeriodicInterval)
	assert.False(t, cfg.SupportFlash)
	assert.False(t, cfg.HTTPEnabled(), "no public address means HTTP answers 501")
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("QIO_BIND_ADDRESS", "127.0.0.1")
	t.Setenv("QIO_BIND_PORT", "9100")
	t.Setenv("QIO_PUBLIC_ADDRESS", "events.example.com")
	t.Setenv("QIO_MAX_CLIENTS", "1000")
	t.Setenv("QIO_CLIENT_TIMEOUT", "90s")
	t.Setenv("QIO_SUPPORT_FLASH", "true")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.Addr())
	assert.Equal(t, "events.example.com", cfg.PublicAddress)
	assert.True(t, cfg.HTTPEnabled())
	assert.Equal(t, 1000, cfg.MaxClients)
	assert.Equal(t, 90*time.Second, cfg.ClientTimeout)
	assert.True(t, cfg.SupportFlash)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(nil)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"port out of range", func(c *Config) { c.BindPort = 70000 }, "QIO_BIND_PORT"},
		{"zero max clients", func(c *Config) { c.MaxClients = 0 }, "QIO_MAX_CLIENTS"},
		{"negative cb age", func(c *Config) { c.ClientsCBMaxAge = -time.Second }, "QIO_CLIENTS_CB_MAX_AGE"},
		{"pressure over 100", func(c *Config) { c.ClientsSubsPressure = 101 }, "QIO_CLIENTS_SUBS_PRESSURE"},
		{"zero subs total", func(c *Config) { c.ClientsSubsTotal = 0 }, "QIO_CLIENTS_SUBS_TOTAL"},
		{"sweep too fast", func(c *Config) { c.PeriodicInterval = time.Second }, "QIO_PERIODIC_INTERVAL"},
		{"sweep too slow", func(c *Config) { c.PeriodicInterval = 2 * time.Minute }, "QIO_PERIODIC_INTERVAL"},
		{"zero periodic threads", func(c *Config) { c.PeriodicThreads = 0 }, "QIO_PERIODIC_THREADS"},
		{"zero broadcast threads", func(c *Config) { c.BroadcastThreads = 0 }, "QIO_BROADCAST_THREADS"},
		{"sub min above max clients", func(c *Config) { c.SubMinSize = c.MaxClients + 1 }, "QIO_SUB_MIN_SIZE"},
		{"zero client timeout", func(c *Config) { c.ClientTimeout = 0 }, "QIO_CLIENT_TIMEOUT"},
		{"cpu threshold over 100", func(c *Config) { c.CPURejectThreshold = 150 }, "QIO_CPU_REJECT_THRESHOLD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			require.NoError(t, cfg.Validate(), "baseline must be valid")
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}
