package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/sapa/internal/config"
)

func newViper() *viper.Viper {
	v := viper.New()
	config.SetDefaults(v)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(newViper())
	require.NoError(t, err)

	assert.Equal(t, "/run/signal-cli/socket", cfg.Signal.Socket)
	assert.Equal(t, 30*time.Second, cfg.Signal.HealthInterval)
	assert.Equal(t, 15*time.Second, cfg.Signal.CallTimeout)
	assert.Equal(t, time.Minute, cfg.Session.IdleWindow)
	assert.Equal(t, "Asia/Jakarta", cfg.Session.Timezone)
	assert.Equal(t, "hallo", cfg.Session.GreetingTrigger)
	assert.Equal(t, []string{"/stop", "stop"}, cfg.Session.StopCommands)
	assert.Equal(t, 2, cfg.Session.MaxDistance)
	assert.True(t, cfg.Session.WordWindows)
	assert.Equal(t, 16, cfg.Queue.MaxConcurrent)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "sapa.db", cfg.Database.DSN)
	assert.Equal(t, "memory", cfg.Events.Backend)
	assert.Equal(t, "sapa.events", cfg.Events.Topic)
	assert.Equal(t, ":3000", cfg.HTTP.Addr)
	assert.Empty(t, cfg.HTTP.AllowedOrigins)
	assert.False(t, cfg.Debug)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("SAPA_SESSION_IDLE_WINDOW", "90s")
	t.Setenv("SAPA_SESSION_STOP_COMMANDS", "/stop, berhenti")
	t.Setenv("SAPA_DATABASE_DRIVER", "Postgres")
	t.Setenv("SAPA_DATABASE_DSN", "postgres://localhost/sapa")
	t.Setenv("SAPA_EVENTS_BACKEND", "redis")
	t.Setenv("SAPA_EVENTS_REDIS_ADDR", "localhost:6379")

	v := newViper()
	v.SetEnvPrefix("SAPA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Session.IdleWindow)
	assert.Equal(t, []string{"/stop", "berhenti"}, cfg.Session.StopCommands)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "redis", cfg.Events.Backend)
	assert.Equal(t, "localhost:6379", cfg.Events.RedisAddr)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sapa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
signal:
  socket: /tmp/signal.sock
  account: "+6280000000000"
session:
  greeting_trigger: halo
  stop_commands: ["/selesai"]
http:
  addr: 127.0.0.1:8080
  allowed_origins: ["https://dash.example.com"]
`), 0o600))

	v := newViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/signal.sock", cfg.Signal.Socket)
	assert.Equal(t, "+6280000000000", cfg.Signal.Account)
	assert.Equal(t, "halo", cfg.Session.GreetingTrigger)
	assert.Equal(t, []string{"/selesai"}, cfg.Session.StopCommands)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)
	assert.Equal(t, []string{"https://dash.example.com"}, cfg.HTTP.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	valid, err := config.Load(newViper())
	require.NoError(t, err)

	tests := []struct {
		mutate  func(*config.Config)
		name    string
		errPart string
	}{
		{name: "empty socket", mutate: func(c *config.Config) { c.Signal.Socket = "" }, errPart: "signal.socket"},
		{name: "zero health interval", mutate: func(c *config.Config) { c.Signal.HealthInterval = 0 }, errPart: "signal.health_interval"},
		{name: "zero backoff", mutate: func(c *config.Config) { c.Signal.MaxBackoff = 0 }, errPart: "signal.max_backoff"},
		{name: "zero call timeout", mutate: func(c *config.Config) { c.Signal.CallTimeout = 0 }, errPart: "signal.call_timeout"},
		{name: "zero idle window", mutate: func(c *config.Config) { c.Session.IdleWindow = 0 }, errPart: "session.idle_window"},
		{name: "bad timezone", mutate: func(c *config.Config) { c.Session.Timezone = "Mars/Olympus" }, errPart: "session.timezone"},
		{name: "empty trigger", mutate: func(c *config.Config) { c.Session.GreetingTrigger = "" }, errPart: "session.greeting_trigger"},
		{name: "no stop commands", mutate: func(c *config.Config) { c.Session.StopCommands = nil }, errPart: "session.stop_commands"},
		{name: "zero concurrency", mutate: func(c *config.Config) { c.Queue.MaxConcurrent = 0 }, errPart: "queue.max_concurrent"},
		{name: "bad driver", mutate: func(c *config.Config) { c.Database.Driver = "oracle" }, errPart: "database.driver"},
		{name: "empty dsn", mutate: func(c *config.Config) { c.Database.DSN = "" }, errPart: "database.dsn"},
		{name: "bad backend", mutate: func(c *config.Config) { c.Events.Backend = "kafka" }, errPart: "events.backend"},
		{name: "redis without addr", mutate: func(c *config.Config) { c.Events.Backend = "redis" }, errPart: "events.redis_addr"},
		{name: "empty topic", mutate: func(c *config.Config) { c.Events.Topic = "" }, errPart: "events.topic"},
		{name: "empty http addr", mutate: func(c *config.Config) { c.HTTP.Addr = "" }, errPart: "http.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			cfg.Session.StopCommands = append([]string(nil), valid.Session.StopCommands...)
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.ErrorIs(t, err, config.ErrInvalid)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestLoad_InvalidReturnsZeroConfig(t *testing.T) {
	v := newViper()
	v.Set(config.KeyQueueMaxConcurrent, -1)

	cfg, err := config.Load(v)
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Equal(t, config.Config{}, cfg)
}
