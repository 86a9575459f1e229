package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/tapmint/adapters/contract"
	"github.com/layer-3/tapmint/adapters/events"
	"github.com/layer-3/tapmint/adapters/ipfs"
	"github.com/layer-3/tapmint/adapters/pubsub"
	"github.com/layer-3/tapmint/adapters/store"
	"github.com/layer-3/tapmint/adapters/tokenizer"
	"github.com/layer-3/tapmint/internal/config"
	"github.com/layer-3/tapmint/internal/logging"
	"github.com/layer-3/tapmint/ports"
	"github.com/layer-3/tapmint/service"
	transport "github.com/layer-3/tapmint/transport/http"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("relay stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	signKey, err := loadTicketKey(cfg.TicketKeyPath, logger)
	if err != nil {
		return err
	}

	wmLogger := logging.NewWatermillLogger(logger)

	var (
		kv    ports.Store
		pipes *pubsub.Transport
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach Redis: %w", err)
		}

		kv = store.NewRedisStore(redisClient)
		pipes, err = pubsub.NewRedisStream(redisClient, pubsub.RedisStreamConfig{Capped: []string{events.Topic}}, wmLogger)
		if err != nil {
			return err
		}
		logger.Info("using Redis for sessions and messages", zap.String("addr", opts.Addr))
	} else {
		kv = store.NewMemoryStore()
		pipes = pubsub.NewInProcess(wmLogger)
		logger.Info("using in-process store and transport")
	}
	defer pipes.Close()

	bus := service.NewBus(pipes.Publisher, pipes.Subscriber, pipes.Retainer, kv, service.BusConfig{
		Freshness: cfg.Session.Freshness.Duration,
		Retention: cfg.Session.Retention.Duration,
		Logger:    logger,
	})
	defer bus.Close()

	registry := service.NewRegistry(kv, bus, events.NewWatermillPublisher(pipes.Publisher), service.RegistryConfig{
		MaxAge:          cfg.Session.MaxAge.Duration,
		CleanupInterval: cfg.Session.CleanupInterval.Duration,
		Logger:          logger,
	})

	relay := service.NewRelay(registry, bus, tokenizer.NewJWTTokenizer(signKey),
		events.NewWatermillSubscriber(pipes.Subscriber), logger)

	minter, err := newMinter(ctx, cfg.Mint, logger)
	if err != nil {
		return err
	}
	uploader := ipfs.NewPinataUploader(ipfs.Config{
		Credentials: ipfs.Credentials{
			JWT:       cfg.Mint.PinataJWT,
			APIKey:    cfg.Mint.PinataAPIKey,
			SecretKey: cfg.Mint.PinataSecretKey,
		},
		Logger: logger,
	})
	mint := service.NewMintService(uploader, minter, logger)

	go registry.Run(ctx)
	go bus.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: transport.SetupRouter(relay, mint, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// loadTicketKey reads the PEM encoded P-256 key signing session tickets, or
// generates an ephemeral one when no path is configured
func loadTicketKey(path string, logger *zap.Logger) (*ecdsa.PrivateKey, error) {
	if path == "" {
		logger.Warn("no ticket key configured, tickets will not survive a restart")
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ticket key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ticket key: %w", err)
	}
	return key, nil
}

func newMinter(ctx context.Context, cfg config.MintConfig, logger *zap.Logger) (ports.Minter, error) {
	if cfg.RPCURL == "" {
		logger.Info("no rpc_url configured, mints are logged but not submitted")
		return contract.NewDryRunMinter(logger), nil
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC: %w", err)
	}

	minter, err := contract.NewMinter(client, cfg.ContractAddress, cfg.ChainID, cfg.MinterKey, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("on-chain minting enabled",
		zap.String("contract", cfg.ContractAddress),
		zap.String("from", minter.From().Hex()),
		zap.Int64("chain_id", cfg.ChainID))
	return minter, nil
}
