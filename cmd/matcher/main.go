package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/config"
	"github.com/whisper/anygle/internal/logging"
	"github.com/whisper/anygle/internal/matching"
	"github.com/whisper/anygle/internal/messaging"
	"github.com/whisper/anygle/internal/metrics"
	"github.com/whisper/anygle/internal/room"
	"github.com/whisper/anygle/internal/stats"
)

var rootCmd = &cobra.Command{
	Use:          "matcher",
	Short:        "Standalone matching sweep over the shared Redis queues",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd.Flags())
		if err != nil {
			return err
		}
		logging.Setup(cfg.LogLevel, nil)
		gin.SetMode(gin.ReleaseMode)

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		return run(cfg, metricsAddr)
	},
}

func init() {
	f := rootCmd.Flags()
	f.String("log-level", "info", "log threshold (trace, debug, info, warn, error)")
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.Int("redis-db", 0, "Redis database index")
	f.String("nats-url", "nats://localhost:4222", "NATS server URL")
	f.Duration("match-sweep-interval", 100*time.Millisecond, "per-partition sweep period")
	f.Int("match-candidate-scan", 50, "candidates examined per match attempt")
	f.String("metrics-addr", ":9091", "address serving /metrics and /health; empty disables")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := config.NewRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = "anygle-matcher"
	bus, err := messaging.NewNATSClient(natsCfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	queue := matching.NewRedisStore(rdb)
	rooms := room.NewRedisStore(rdb)
	engine := matching.NewEngine(queue, rooms, matching.NewBusNotifier(bus), matching.Config{
		SweepInterval:   cfg.SweepInterval,
		CandidateScan:   cfg.CandidateScan,
		StaleTTL:        cfg.StaleTTL,
		CleanupInterval: cfg.CleanupInterval,
	})
	engine.Run(ctx)
	defer engine.Stop()

	// Queue depth gauges; sessions are counted by the edge servers.
	go stats.New(queue, rooms, nil, stats.DefaultCacheTTL).Run(ctx, 5*time.Second)

	var srv *http.Server
	if metricsAddr != "" {
		router := gin.New()
		router.Use(gin.Recovery())
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		srv = &http.Server{Addr: metricsAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				jww.ERROR.Printf("[matcher] metrics server: %v", err)
			}
		}()
	}

	jww.INFO.Printf("[matcher] running redis=%s nats=%s metrics=%q", cfg.RedisAddr, cfg.NATSURL, metricsAddr)
	<-ctx.Done()
	jww.INFO.Printf("[matcher] shutting down")

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	return nil
}
