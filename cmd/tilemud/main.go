package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dkirby-ms/tilemud/internal/admission"
	"github.com/dkirby-ms/tilemud/internal/blocklist"
	"github.com/dkirby-ms/tilemud/internal/chat"
	"github.com/dkirby-ms/tilemud/internal/config"
	"github.com/dkirby-ms/tilemud/internal/elastic"
	"github.com/dkirby-ms/tilemud/internal/gateway"
	"github.com/dkirby-ms/tilemud/internal/instance"
	"github.com/dkirby-ms/tilemud/internal/liveness"
	"github.com/dkirby-ms/tilemud/internal/metrics"
	"github.com/dkirby-ms/tilemud/internal/moderation"
	"github.com/dkirby-ms/tilemud/internal/persist"
	"github.com/dkirby-ms/tilemud/internal/ratelimit"
	"github.com/dkirby-ms/tilemud/internal/rules"
	"github.com/dkirby-ms/tilemud/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfgPath := "config/server.toml"
	if p := os.Getenv("TILEMUD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("tilemud starting",
		zap.String("server", cfg.Server.Name),
		zap.String("region", cfg.Server.Region))

	// 3. Connect to PostgreSQL and run migrations
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	db, err := persist.NewDB(bootCtx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	if err := persist.RunMigrations(bootCtx, db.Pool); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("database ready")

	// 4. Create repositories
	playerRepo := persist.NewPlayerRepo(db)
	moderatorRepo := persist.NewModeratorRepo(db)
	guildRepo := persist.NewGuildRepo(db)
	replayRepo := persist.NewReplayRepo(db)
	ruleCfgRepo := persist.NewRuleConfigRepo(db, log)
	auditRepo := persist.NewAuditRepo(db, log)
	chatRepo := persist.NewChatRepo(db)

	// 5. Metrics
	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)

	// 6. Rule configs: restore persisted records, then apply seeds
	ruleReg := rules.NewRegistry(auditRepo, log)
	ruleReg.SetStore(ruleCfgRepo)
	persisted, err := ruleCfgRepo.LoadAll(bootCtx)
	if err != nil {
		return fmt.Errorf("load rule configs: %w", err)
	}
	ruleReg.Restore(persisted)
	seeded, err := ruleReg.LoadSeedDir("data/rules", log)
	if err != nil {
		return fmt.Errorf("seed rule configs: %w", err)
	}
	log.Info("rule configs loaded",
		zap.Int("persisted", len(persisted)),
		zap.Int("seeded", seeded))

	victory, err := rules.NewVictoryEngine(cfg.Battle.ScriptsDir, log)
	if err != nil {
		return fmt.Errorf("victory scripts: %w", err)
	}
	defer victory.Close()

	// 7. Guilds from DB
	guilds := moderation.NewGuildRegistry(guildRepo, log)
	storedGuilds, err := guildRepo.LoadAll(bootCtx)
	if err != nil {
		return fmt.Errorf("load guilds: %w", err)
	}
	guilds.Restore(storedGuilds)
	log.Info("guilds loaded", zap.Int("count", len(storedGuilds)))

	// 8. Control plane
	sessions := session.NewRegistry(session.Config{
		GracePeriod:       cfg.Session.GracePeriod,
		ReconnectTokenTTL: cfg.Session.ReconnectTokenTTL,
		TerminatedLinger:  cfg.Session.TerminatedLinger,
	}, log)
	instances := instance.NewRegistry(log)
	queues := admission.NewQueues(cfg.Queue.MaxSize, cfg.Queue.EntryTTL)
	limiter := ratelimit.New(ratelimit.Config{
		Window:            cfg.RateLimit.Window,
		ChatPerWindow:     cfg.RateLimit.ChatPerWindow,
		ActionPerWindow:   cfg.RateLimit.ActionPerWindow,
		AdmissionsPerUser: cfg.RateLimit.AdmissionsPerUser,
		LockoutThreshold:  cfg.RateLimit.LockoutThreshold,
		LockoutWindow:     cfg.RateLimit.LockoutWindow,
		Lockout:           cfg.RateLimit.AdmissionLockout,
	}, log)
	monitor := liveness.NewMonitor(liveness.Config{
		HeartbeatTimeout:       cfg.Heartbeat.Timeout,
		MaxConsecutiveFailures: cfg.Heartbeat.MaxConsecutiveFailures,
		QuorumThresholdPct:     cfg.Heartbeat.QuorumThresholdPct,
		CheckPeriod:            cfg.Heartbeat.QuorumCheckPeriod,
	}, met, log)
	control := admission.NewController(sessions, queues, limiter, instances, admission.Config{
		ReplaceTokenTTL: cfg.Session.ReplaceTokenTTL,
	}, met, log)
	blocks := blocklist.New(playerRepo, 0, log)
	mutes := moderation.NewMuteStore(log)
	sink := gateway.NewEventSink(sessions, log)

	coord := gateway.NewCoordinator(cfg, sessions, instances, queues, limiter,
		control, monitor, ruleReg, victory, sink, blocks, mutes, guilds,
		replayRepo, met, log)

	dispatcher := chat.NewDispatcher(sink, coord, limiter, mutes, blocks, chatRepo, chat.Config{
		DedupWindow:        cfg.Chat.DedupWindow,
		RetryInterval:      cfg.Chat.RetryInterval,
		PendingLimit:       cfg.Chat.PendingLimit,
		ExactlyOnceRetries: cfg.Chat.ExactlyOnceRetries,
		AtLeastOnceRetries: cfg.Chat.AtLeastOnceRetries,
	}, met, log)
	coord.SetChat(dispatcher)

	mods := moderation.NewService(moderatorRepo, mutes, guilds, sessions,
		coord, auditRepo, dispatcher, log)

	scaler := elastic.NewController(coord, coord, elastic.Config{
		ScaleUpPct:              cfg.Elastic.ScaleUpPct,
		ScaleDownPct:            cfg.Elastic.ScaleDownPct,
		MinAiRatio:              cfg.Elastic.MinAiRatio,
		MaxAiRatio:              cfg.Elastic.MaxAiRatio,
		Cooldown:                cfg.Elastic.Cooldown,
		MaxConcurrentOperations: cfg.Elastic.MaxConcurrentOperations,
		RecomputeInterval:       cfg.Elastic.RecomputeInterval,
	}, met, log)

	srv := gateway.NewServer(coord, dispatcher, mods, ruleReg, playerRepo,
		replayRepo, auditRepo, promReg, cfg.Server.ConnRate, cfg.Server.ConnBurst, log)

	// 9. Run workers until a shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	coord.SetRunContext(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Server.BindAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.BindAddress))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})
	g.Go(func() error {
		coord.RunSweeps(gctx)
		return nil
	})
	g.Go(func() error {
		dispatcher.RunRetries(gctx)
		return nil
	})
	g.Go(func() error {
		scaler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		runHousekeeping(gctx, srv, dispatcher, replayRepo, log)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

// runHousekeeping handles the slow periodic work: replay retention,
// chat dedup expiry, and edge-limiter bucket cleanup.
func runHousekeeping(ctx context.Context, srv *gateway.Server, dispatcher *chat.Dispatcher, replays *persist.ReplayRepo, log *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv.SweepIPBuckets()
			dispatcher.SweepDedup()
			purgeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := replays.PurgeExpired(purgeCtx)
			cancel()
			if err != nil {
				log.Error("replay purge failed", zap.Error(err))
			} else if n > 0 {
				log.Info("replays purged", zap.Int64("count", n))
			}
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
