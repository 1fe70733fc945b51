package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/audit"
	"github.com/whisper/anygle/internal/ban"
	"github.com/whisper/anygle/internal/config"
	"github.com/whisper/anygle/internal/identity"
	"github.com/whisper/anygle/internal/logging"
	"github.com/whisper/anygle/internal/matching"
	"github.com/whisper/anygle/internal/messaging"
	"github.com/whisper/anygle/internal/moderation"
	"github.com/whisper/anygle/internal/ratelimit"
	"github.com/whisper/anygle/internal/relay"
	"github.com/whisper/anygle/internal/room"
	"github.com/whisper/anygle/internal/session"
	"github.com/whisper/anygle/internal/stats"
	"github.com/whisper/anygle/internal/ws"
)

const tokenTTL = 24 * time.Hour

var rootCmd = &cobra.Command{
	Use:          "wsserver",
	Short:        "WebSocket edge for anonymous matching and chat relay",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd.Flags())
		if err != nil {
			return err
		}
		logging.Setup(cfg.LogLevel, nil)
		if !strings.EqualFold(cfg.LogLevel, "debug") && !strings.EqualFold(cfg.LogLevel, "trace") {
			gin.SetMode(gin.ReleaseMode)
		}
		return run(cfg)
	},
}

func init() {
	f := rootCmd.Flags()
	f.String("listen-addr", ":8080", "HTTP and WebSocket listen address")
	f.String("server-name", "", "name recorded on sessions owned by this process")
	f.String("log-level", "info", "log threshold (trace, debug, info, warn, error)")
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.Int("redis-db", 0, "Redis database index")
	f.String("nats-url", "nats://localhost:4222", "NATS server URL")
	f.String("jwt-secret", "", "HMAC secret for identity tokens; empty disables token checks")
	f.Bool("require-token", false, "reject upgrades without a valid token")
	f.Bool("connect-limit", true, "limit upgrade attempts per client IP")
	f.Int("max-connections", 100000, "connection cap")
	f.Bool("match-embedded", true, "run the matching sweep in this process")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jww.INFO.Printf("[wsserver] starting server=%s listen=%s redis=%s nats=%s",
		cfg.ServerName, cfg.ListenAddr, cfg.RedisAddr, cfg.NATSURL)

	rdb, err := config.NewRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = "anygle-ws-" + cfg.ServerName
	bus, err := messaging.NewNATSClient(natsCfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	rooms := room.NewRedisStore(rdb)
	queue := matching.NewRedisStore(rdb)
	engine := matching.NewEngine(queue, rooms, matching.NewBusNotifier(bus), matching.Config{
		SweepInterval:   cfg.SweepInterval,
		CandidateScan:   cfg.CandidateScan,
		StaleTTL:        cfg.StaleTTL,
		CleanupInterval: cfg.CleanupInterval,
	})
	if cfg.EmbeddedMatcher {
		engine.Run(ctx)
		defer engine.Stop()
	}

	bans := ban.NewStore(rdb)
	sessions := session.NewStore(rdb, cfg.ServerName)
	forwarder := audit.NewForwarder(bus)
	limiter := ratelimit.NewLimiter(rdb)

	r := relay.New(relay.Deps{
		Sessions:   sessions,
		Engine:     engine,
		Rooms:      rooms,
		Moderation: moderation.NewPipeline(moderation.NewRedisTracker(rdb), bans, cfg.CountLowSeverity),
		Bus:        bus,
		Persister:  forwarder,
		Escalator:  forwarder,
		Bans:       bans,
		Reports:    bans,
		Profiles:   identity.NewRedisProfiles(rdb),
		Limiter:    limiter,
	}, relay.Config{QueueUpdateInterval: cfg.QueueUpdateInterval})

	agg := stats.New(queue, rooms, sessions, stats.DefaultCacheTTL)
	go agg.Run(ctx, 5*time.Second)

	opts := ws.Options{Stats: agg.Handler()}
	if cfg.ConnectLimit {
		opts.Limiter = limiter
	}
	if cfg.JWTSecret != "" {
		opts.Tokens = identity.NewTokens(cfg.JWTSecret, "anygle", tokenTTL)
	}

	srvCfg := ws.DefaultServerConfig()
	srvCfg.ListenAddr = cfg.ListenAddr
	srvCfg.WorkerPoolSize = cfg.WorkerPoolSize
	srvCfg.MaxConnections = cfg.MaxConnections
	srvCfg.ReadTimeout = cfg.ReadTimeout
	srvCfg.WriteTimeout = cfg.WriteTimeout
	srvCfg.RequireToken = cfg.RequireToken
	srv := ws.NewServer(srvCfg, r, opts)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	jww.INFO.Printf("[wsserver] signal received, draining %d sessions", r.Count())
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := r.Shutdown(sctx); err != nil {
		jww.WARN.Printf("[wsserver] relay drain: %v", err)
	}
	if err := srv.Shutdown(sctx); err != nil {
		jww.WARN.Printf("[wsserver] server shutdown: %v", err)
	}
	return nil
}
