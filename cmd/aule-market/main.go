package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/auleMarket/internal/adapters/ledger"
	"github.com/manthysbr/auleMarket/internal/adapters/memory"
	"github.com/manthysbr/auleMarket/internal/adapters/metrics"
	"github.com/manthysbr/auleMarket/internal/adapters/redisrelay"
	"github.com/manthysbr/auleMarket/internal/adapters/registry"
	"github.com/manthysbr/auleMarket/internal/adapters/sqlstore"
	appconfig "github.com/manthysbr/auleMarket/internal/config"
	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/manthysbr/auleMarket/internal/core/ports"
	"github.com/manthysbr/auleMarket/internal/core/services"
	"github.com/manthysbr/auleMarket/pkg/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting auleMarket engine")

	if err := run(logger); err != nil {
		logger.Error("engine startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := appconfig.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()
	logger.Info("job store ready", "driver", cfg.DBDriver)

	defaults := domain.DefaultPolicy(cfg.Owner)
	defaults.FeeBps = cfg.FeeBps
	defaults.Paused = cfg.StartPaused
	policy, err := appconfig.NewPolicyStore(ctx, logger, repo, defaults)
	if err != nil {
		return fmt.Errorf("load platform policy: %w", err)
	}

	// Development ledger, persisted next to the jobs it escrows. Pre-funded accounts grant
	// the engine an unlimited allowance, once, on the first start against a store.
	bank := ledger.NewBank(logger)
	restored, err := bank.Attach(ctx, repo)
	if err != nil {
		return fmt.Errorf("load dev ledger: %w", err)
	}
	if !restored {
		unlimited := new(big.Int).Lsh(big.NewInt(1), 255)
		for _, acct := range cfg.DevAccounts {
			bank.Mint(cfg.PaymentToken, acct.Address, acct.Balance)
			bank.Approve(cfg.PaymentToken, acct.Address, cfg.EngineAddress, unlimited)
		}
		if err := bank.Save(ctx); err != nil {
			return fmt.Errorf("save dev ledger: %w", err)
		}
		logger.Info("dev ledger funded", "accounts", len(cfg.DevAccounts))
	}

	eventBus := services.NewEventBus(logger)
	recorder := metrics.NewRecorder()

	opts := []services.Option{
		services.WithPublisher(eventBus),
		services.WithPublisher(recorder),
		services.WithRejectionObserver(recorder),
		services.WithTokenLedgers(bank.Holdings(cfg.EngineAddress)),
	}
	if cfg.RegistryURL != "" {
		opts = append(opts, services.WithIdentityRegistry(registry.NewHTTPRegistry(cfg.RegistryURL)))
		logger.Info("identity verification enabled", "registry", cfg.RegistryURL)
	} else {
		logger.Warn("no identity registry configured, claims are not verified")
	}

	var relay *redisrelay.Relay
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		relay = redisrelay.New(logger, rdb, cfg.RedisChannel, 0)
		opts = append(opts, services.WithPublisher(relay))
		logger.Info("event relay enabled", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	}

	market := services.NewMarketplace(logger, repo, bank.Account(cfg.PaymentToken, cfg.EngineAddress), policy,
		services.MarketConfig{Address: cfg.EngineAddress, PaymentToken: cfg.PaymentToken}, opts...)

	recorder.ObservePolicy(policy.Policy())
	policy.OnChange(recorder.ObservePolicy)
	recorder.WatchEscrow(func() (*big.Int, error) {
		return market.EscrowBalance(context.Background())
	})

	apiServer, err := kernel.NewServer(ctx, logger, market, eventBus, kernel.ServerConfig{
		AdminTokenHash: cfg.AdminTokenHash,
		Metrics:        recorder.Handler(),
	})
	if err != nil {
		return fmt.Errorf("init api server: %w", err)
	}
	if cfg.AdminTokenHash == "" {
		logger.Warn("MARKET_ADMIN_TOKEN_HASH not set, admin API disabled")
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", kernel.CallerHeader},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           c.Handler(apiServer.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Expiry keeper
	if cfg.ExpiryCron != "off" {
		sweeper := services.NewExpirySweeper(logger, market, services.SweeperConfig{
			Schedule: cfg.ExpiryCron,
			Caller:   cfg.EngineAddress,
		})
		g.Go(func() error {
			return sweeper.Run(gCtx)
		})
	}

	// 2. Redis relay
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gCtx)
		})
	}

	// 3. API server
	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.HTTPAddr, "engine", cfg.EngineAddress, "token", cfg.PaymentToken)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	// 4. Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openRepository(ctx context.Context, cfg appconfig.Config) (ports.Repository, error) {
	switch cfg.DBDriver {
	case "memory":
		return memory.NewStore(), nil
	case "postgres":
		repo, err := sqlstore.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return repo, nil
	default:
		repo, err := sqlstore.OpenDuckDB(ctx, cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open duckdb %s: %w", cfg.DBPath, err)
		}
		return repo, nil
	}
}
