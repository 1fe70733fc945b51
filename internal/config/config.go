// Package config loads process configuration from an optional .env file,
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the union of settings used by the three binaries. Each binary
// reads only the fields it needs.
type Config struct {
	ListenAddr  string
	ServerName  string
	LogLevel    string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	NATSURL     string
	DatabaseURL string

	JWTSecret    string
	RequireToken bool
	ConnectLimit bool

	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	SweepInterval   time.Duration
	CandidateScan   int
	StaleTTL        time.Duration
	CleanupInterval time.Duration
	EmbeddedMatcher bool

	QueueUpdateInterval time.Duration
	CountLowSeverity    bool
	ShutdownTimeout     time.Duration
}

// defaults maps viper keys to their defaults. Env names are derived by upper
// casing and replacing dots with underscores (redis.addr -> REDIS_ADDR).
var defaults = map[string]interface{}{
	"listen.addr":            ":8080",
	"server.name":            "",
	"log.level":              "info",
	"redis.addr":             "localhost:6379",
	"redis.password":         "",
	"redis.db":               0,
	"nats.url":               "nats://localhost:4222",
	"database.url":           "",
	"jwt.secret":             "",
	"require.token":          false,
	"connect.limit":          true,
	"worker.pool.size":       256,
	"max.connections":        100000,
	"read.timeout":           10 * time.Second,
	"write.timeout":          10 * time.Second,
	"match.sweep.interval":   100 * time.Millisecond,
	"match.candidate.scan":   50,
	"queue.stale.ttl":        5 * time.Minute,
	"queue.cleanup.interval": 30 * time.Second,
	"match.embedded":         true,
	"queue.update.interval":  time.Second,
	"moderation.count.low":   false,
	"shutdown.timeout":       10 * time.Second,
}

// Default returns the built-in configuration without consulting the
// environment.
func Default() Config {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	return fromViper(v)
}

// Load reads .env (when present), the environment and any flags in fs that
// share a viper key name. fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrap(err, "config: load .env")
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", ".")
			if _, known := defaults[key]; !known {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = errors.Wrapf(err, "config: bind flag %s", f.Name)
			}
		})
		if bindErr != nil {
			return Config{}, bindErr
		}
	}

	cfg := fromViper(v)
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
		if cfg.ServerName == "" {
			cfg.ServerName = "ws-1"
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	jww.DEBUG.Printf("[config] loaded listen=%s redis=%s nats=%s", cfg.ListenAddr, cfg.RedisAddr, cfg.NATSURL)
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.CandidateScan <= 0 {
		return errors.Errorf("config: match.candidate.scan must be positive, got %d", c.CandidateScan)
	}
	if c.SweepInterval <= 0 {
		return errors.Errorf("config: match.sweep.interval must be positive, got %s", c.SweepInterval)
	}
	if c.StaleTTL <= 0 {
		return errors.Errorf("config: queue.stale.ttl must be positive, got %s", c.StaleTTL)
	}
	if c.RequireToken && c.JWTSecret == "" {
		return errors.New("config: require.token set without jwt.secret")
	}
	return nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		ListenAddr:          v.GetString("listen.addr"),
		ServerName:          v.GetString("server.name"),
		LogLevel:            v.GetString("log.level"),
		RedisAddr:           v.GetString("redis.addr"),
		RedisPass:           v.GetString("redis.password"),
		RedisDB:             v.GetInt("redis.db"),
		NATSURL:             v.GetString("nats.url"),
		DatabaseURL:         v.GetString("database.url"),
		JWTSecret:           v.GetString("jwt.secret"),
		RequireToken:        v.GetBool("require.token"),
		ConnectLimit:        v.GetBool("connect.limit"),
		WorkerPoolSize:      v.GetInt("worker.pool.size"),
		MaxConnections:      v.GetInt("max.connections"),
		ReadTimeout:         v.GetDuration("read.timeout"),
		WriteTimeout:        v.GetDuration("write.timeout"),
		SweepInterval:       v.GetDuration("match.sweep.interval"),
		CandidateScan:       v.GetInt("match.candidate.scan"),
		StaleTTL:            v.GetDuration("queue.stale.ttl"),
		CleanupInterval:     v.GetDuration("queue.cleanup.interval"),
		EmbeddedMatcher:     v.GetBool("match.embedded"),
		QueueUpdateInterval: v.GetDuration("queue.update.interval"),
		CountLowSeverity:    v.GetBool("moderation.count.low"),
		ShutdownTimeout:     v.GetDuration("shutdown.timeout"),
	}
}
