// Package config provides configuration loading and validation for sapa.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // session.timezone must resolve on hosts without zoneinfo

	"github.com/spf13/viper"
)

// Config keys.
const (
	KeySignalSocket         = "signal.socket"
	KeySignalAccount        = "signal.account"
	KeySignalAccountFile    = "signal.account_file"
	KeySignalHealthInterval = "signal.health_interval"
	KeySignalMaxBackoff     = "signal.max_backoff"
	KeySignalCallTimeout    = "signal.call_timeout"

	KeySessionIdleWindow      = "session.idle_window"
	KeySessionTimezone        = "session.timezone"
	KeySessionGreetingTrigger = "session.greeting_trigger"
	KeySessionStopCommands    = "session.stop_commands"
	KeySessionMaxDistance     = "session.max_distance"
	KeySessionWordWindows     = "session.word_windows"

	KeyQueueMaxConcurrent = "queue.max_concurrent"

	KeyDatabaseDriver = "database.driver"
	KeyDatabaseDSN    = "database.dsn"

	KeyEventsBackend   = "events.backend"
	KeyEventsRedisAddr = "events.redis_addr"
	KeyEventsTopic     = "events.topic"

	KeyHTTPAddr           = "http.addr"
	KeyHTTPAllowedOrigins = "http.allowed_origins"

	KeyDebug = "debug"
)

// Defaults.
const (
	DefaultSignalSocket   = "/run/signal-cli/socket"
	DefaultAccountFile    = "/etc/signal-bot/phone-number"
	DefaultHealthInterval = 30 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
	DefaultCallTimeout    = 15 * time.Second
	DefaultIdleWindow     = time.Minute
	DefaultTimezone       = "Asia/Jakarta"
	DefaultTrigger        = "hallo"
	DefaultMaxDistance    = 2
	DefaultMaxConcurrent  = 16
	DefaultDBDriver       = "sqlite"
	DefaultDBDSN          = "sapa.db"
	DefaultEventsBackend  = "memory"
	DefaultEventsTopic    = "sapa.events"
	DefaultHTTPAddr       = ":3000"
)

// DefaultStopCommands end an active session.
var DefaultStopCommands = []string{"/stop", "stop"}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the fully resolved runtime configuration.
type Config struct {
	Database DatabaseConfig
	Events   EventsConfig
	HTTP     HTTPConfig
	Signal   SignalConfig
	Session  SessionConfig
	Queue    QueueConfig
	Debug    bool
}

// SignalConfig locates the signal-cli socket and the bot account.
type SignalConfig struct {
	Socket         string
	Account        string
	AccountFile    string
	HealthInterval time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
}

// SessionConfig tunes the conversation state machine.
type SessionConfig struct {
	Timezone        string
	GreetingTrigger string
	StopCommands    []string
	IdleWindow      time.Duration
	MaxDistance     int
	WordWindows     bool
}

// QueueConfig bounds the per-sender dispatcher.
type QueueConfig struct {
	MaxConcurrent int
}

// DatabaseConfig selects the record store.
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// EventsConfig selects the observability event bus.
type EventsConfig struct {
	Backend   string
	RedisAddr string
	Topic     string
}

// HTTPConfig configures the status server.
type HTTPConfig struct {
	Addr           string
	AllowedOrigins []string
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeySignalSocket, DefaultSignalSocket)
	v.SetDefault(KeySignalAccount, "")
	v.SetDefault(KeySignalAccountFile, DefaultAccountFile)
	v.SetDefault(KeySignalHealthInterval, DefaultHealthInterval)
	v.SetDefault(KeySignalMaxBackoff, DefaultMaxBackoff)
	v.SetDefault(KeySignalCallTimeout, DefaultCallTimeout)

	v.SetDefault(KeySessionIdleWindow, DefaultIdleWindow)
	v.SetDefault(KeySessionTimezone, DefaultTimezone)
	v.SetDefault(KeySessionGreetingTrigger, DefaultTrigger)
	v.SetDefault(KeySessionStopCommands, DefaultStopCommands)
	v.SetDefault(KeySessionMaxDistance, DefaultMaxDistance)
	v.SetDefault(KeySessionWordWindows, true)

	v.SetDefault(KeyQueueMaxConcurrent, DefaultMaxConcurrent)

	v.SetDefault(KeyDatabaseDriver, DefaultDBDriver)
	v.SetDefault(KeyDatabaseDSN, DefaultDBDSN)

	v.SetDefault(KeyEventsBackend, DefaultEventsBackend)
	v.SetDefault(KeyEventsRedisAddr, "")
	v.SetDefault(KeyEventsTopic, DefaultEventsTopic)

	v.SetDefault(KeyHTTPAddr, DefaultHTTPAddr)
	v.SetDefault(KeyHTTPAllowedOrigins, []string{})

	v.SetDefault(KeyDebug, false)
}

// Load reads a Config out of v and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Signal: SignalConfig{
			Socket:         strings.TrimSpace(v.GetString(KeySignalSocket)),
			Account:        strings.TrimSpace(v.GetString(KeySignalAccount)),
			AccountFile:    strings.TrimSpace(v.GetString(KeySignalAccountFile)),
			HealthInterval: v.GetDuration(KeySignalHealthInterval),
			MaxBackoff:     v.GetDuration(KeySignalMaxBackoff),
			CallTimeout:    v.GetDuration(KeySignalCallTimeout),
		},
		Session: SessionConfig{
			IdleWindow:      v.GetDuration(KeySessionIdleWindow),
			Timezone:        strings.TrimSpace(v.GetString(KeySessionTimezone)),
			GreetingTrigger: strings.TrimSpace(v.GetString(KeySessionGreetingTrigger)),
			StopCommands:    cleanList(v.GetStringSlice(KeySessionStopCommands)),
			MaxDistance:     v.GetInt(KeySessionMaxDistance),
			WordWindows:     v.GetBool(KeySessionWordWindows),
		},
		Queue: QueueConfig{
			MaxConcurrent: v.GetInt(KeyQueueMaxConcurrent),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(v.GetString(KeyDatabaseDriver))),
			DSN:    strings.TrimSpace(v.GetString(KeyDatabaseDSN)),
		},
		Events: EventsConfig{
			Backend:   strings.ToLower(strings.TrimSpace(v.GetString(KeyEventsBackend))),
			RedisAddr: strings.TrimSpace(v.GetString(KeyEventsRedisAddr)),
			Topic:     strings.TrimSpace(v.GetString(KeyEventsTopic)),
		},
		HTTP: HTTPConfig{
			Addr:           strings.TrimSpace(v.GetString(KeyHTTPAddr)),
			AllowedOrigins: cleanList(v.GetStringSlice(KeyHTTPAllowedOrigins)),
		},
		Debug: v.GetBool(KeyDebug),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Signal.Socket == "" {
		return invalid("%s must not be empty", KeySignalSocket)
	}
	if c.Signal.HealthInterval <= 0 {
		return invalid("%s must be > 0", KeySignalHealthInterval)
	}
	if c.Signal.MaxBackoff <= 0 {
		return invalid("%s must be > 0", KeySignalMaxBackoff)
	}
	if c.Signal.CallTimeout <= 0 {
		return invalid("%s must be > 0", KeySignalCallTimeout)
	}
	if c.Session.IdleWindow <= 0 {
		return invalid("%s must be > 0", KeySessionIdleWindow)
	}
	if c.Session.Timezone != "" {
		if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
			return invalid("%s: %v", KeySessionTimezone, err)
		}
	}
	if c.Session.GreetingTrigger == "" {
		return invalid("%s must not be empty", KeySessionGreetingTrigger)
	}
	if len(c.Session.StopCommands) == 0 {
		return invalid("%s must list at least one command", KeySessionStopCommands)
	}
	if c.Queue.MaxConcurrent <= 0 {
		return invalid("%s must be > 0", KeyQueueMaxConcurrent)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return invalid("%s must be sqlite, postgres or mysql", KeyDatabaseDriver)
	}
	if c.Database.DSN == "" {
		return invalid("%s must not be empty", KeyDatabaseDSN)
	}
	switch c.Events.Backend {
	case "memory":
	case "redis":
		if c.Events.RedisAddr == "" {
			return invalid("%s is required when %s is redis", KeyEventsRedisAddr, KeyEventsBackend)
		}
	default:
		return invalid("%s must be memory or redis", KeyEventsBackend)
	}
	if c.Events.Topic == "" {
		return invalid("%s must not be empty", KeyEventsTopic)
	}
	if c.HTTP.Addr == "" {
		return invalid("%s must not be empty", KeyHTTPAddr)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		// Env values arrive as one comma separated string.
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
