package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bidwire/auction-backend/internal/api/rest"
	ws "github.com/bidwire/auction-backend/internal/api/websocket"
	"github.com/bidwire/auction-backend/internal/domain/values"
	"github.com/bidwire/auction-backend/internal/infrastructure/auth"
	"github.com/bidwire/auction-backend/internal/infrastructure/cache"
	"github.com/bidwire/auction-backend/internal/infrastructure/config"
	"github.com/bidwire/auction-backend/internal/infrastructure/database"
	"github.com/bidwire/auction-backend/internal/infrastructure/events"
	"github.com/bidwire/auction-backend/internal/infrastructure/repository"
	"github.com/bidwire/auction-backend/internal/infrastructure/telemetry"
	"github.com/bidwire/auction-backend/internal/metrics"
	"github.com/bidwire/auction-backend/internal/service/bidding"
	"github.com/bidwire/auction-backend/internal/service/lifecycle"
	"github.com/bidwire/auction-backend/internal/service/notify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	replicaID := replicaIdentity()
	logger.Info("starting auction backend",
		zap.String("replica_id", replicaID),
		zap.String("environment", cfg.Environment))

	shutdownTracing, err := telemetry.InitTracing(ctx, "auction-backend",
		cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.SamplingRate, cfg.Telemetry.Enabled)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	pool, err := database.NewPool(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer pool.Close()

	redisClient, err := cache.NewClient(ctx, cfg.HotState, logger)
	if err != nil {
		return fmt.Errorf("connecting to hot state: %w", err)
	}
	defer redisClient.Close()

	m := metrics.New()

	bus, err := events.NewBus(ctx, cfg.EventBus, m, logger)
	if err != nil {
		return fmt.Errorf("connecting to event bus: %w", err)
	}
	defer bus.Close()

	// The notify.user stream uses a per-replica group so every replica sees
	// every notification and the one holding the session delivers it.
	replicaBusCfg := cfg.EventBus
	replicaBusCfg.Group = cfg.EventBus.Group + ":" + replicaID
	replicaBus, err := events.NewBus(ctx, replicaBusCfg, m, logger)
	if err != nil {
		return fmt.Errorf("connecting to event bus: %w", err)
	}
	defer replicaBus.Close()
	hotState := cache.NewHotState(redisClient, logger)
	auctions := repository.NewAuctionRepository(pool, logger)
	users := repository.NewUserRepository(pool, logger)
	tokens := auth.NewTokenService(cfg.Auth.JWTSigningKey, cfg.Auth.SessionTTL)

	maxBid, err := values.NewBidAmountFromString(cfg.Bidding.MaxBidAmount)
	if err != nil {
		return fmt.Errorf("invalid max bid amount: %w", err)
	}
	minIncrement, err := values.NewBidAmountFromString(cfg.Bidding.MinIncrement)
	if err != nil {
		return fmt.Errorf("invalid min increment: %w", err)
	}

	hub := ws.NewHub(replicaID, hotState, m, logger)

	bidService := bidding.NewService(auctions, hotState, bus, hub, bidding.Config{
		ReplicaID:      replicaID,
		RateLimitCount: int64(cfg.Bidding.RateLimitCount),
		RateWindow:     cfg.Bidding.RateWindow,
		MaxBidAmount:   maxBid,
		MinIncrement:   minIncrement,
		RetryAttempts:  cfg.Bidding.RetryAttempts,
		RetryBackoff:   cfg.Bidding.RetryBackoff,
	}, m, logger)
	defer bidService.Close()

	scheduler := lifecycle.NewScheduler(auctions, bus, &lifecycleFanout{hub: hub, hotState: hotState},
		replicaID, cfg.Scheduler.Tick, m, logger)

	dispatcher := notify.NewDispatcher(bus, replicaBus, bus, hotState, hub,
		replicaID, m, logger)

	gateway := ws.NewGateway(tokens, bidService, auctions, scheduler, hotState, users, hub, ws.GatewayConfig{
		ReplicaID:   replicaID,
		InflightCap: cfg.Gateway.ConnectionInflightCap,
		Conn: ws.ConnConfig{
			SendBufferSize: cfg.Gateway.SendBufferSize,
			MaxMessageSize: cfg.Gateway.MaxMessageSize,
			PingInterval:   cfg.Gateway.PingInterval,
			PongTimeout:    cfg.Gateway.PongTimeout,
			WriteTimeout:   cfg.Gateway.WriteTimeout,
		},
		MessagesPerSec: rate.Limit(25),
		MessageBurst:   50,
	}, logger)

	server := rest.NewServer(cfg.Server, gateway, m, map[string]rest.HealthChecker{
		"store":     pool,
		"hot_state": hotState,
		"event_bus": bus,
	}, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return dispatcher.RunOutcomeConsumer(ctx) })
	g.Go(func() error { return dispatcher.RunUserConsumer(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("auction backend stopped")
	return nil
}

// lifecycleFanout bridges the scheduler to local and cross-replica fan-out.
type lifecycleFanout struct {
	hub      *ws.Hub
	hotState *cache.HotState
}

func (f *lifecycleFanout) BroadcastEnded(b cache.EndedBroadcast) {
	f.hub.BroadcastEnded(b)
}

func (f *lifecycleFanout) PublishEnded(ctx context.Context, b cache.EndedBroadcast) error {
	return f.hotState.PublishEnded(ctx, b)
}

func replicaIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "replica"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
