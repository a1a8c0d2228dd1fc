package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/deltahedge/hedger/internal/adapter"
	"github.com/deltahedge/hedger/internal/adapter/lighter"
	"github.com/deltahedge/hedger/internal/adapter/pacifica"
	"github.com/deltahedge/hedger/internal/config"
	"github.com/deltahedge/hedger/internal/control"
	"github.com/deltahedge/hedger/internal/engine"
	"github.com/deltahedge/hedger/internal/feed"
	"github.com/deltahedge/hedger/internal/hedge"
	"github.com/deltahedge/hedger/internal/kms"
	"github.com/deltahedge/hedger/internal/logging"
	"github.com/deltahedge/hedger/internal/state"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hedger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	defer memguard.Purge()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, flush, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    cfg.Log.Console,
	})
	if err != nil {
		return err
	}
	defer flush()
	logger.Info("hedger starting",
		zap.String("env", cfg.Env),
		zap.String("network", cfg.Network),
		zap.String("symbol", string(cfg.Symbol)))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	bus := adapter.NewBus(0)
	store := state.NewStore(logger)
	storeFeed := bus.Subscribe(adapter.EventPrice, adapter.EventAccountState, adapter.EventOpenOrders)
	goRun(func() { store.Run(ctx, storeFeed) })

	gate := engine.NewGate(engine.GateConfig{Cooldown: cfg.Engine.Cooldown, StaleAfter: cfg.Engine.StaleAfter})
	if !cfg.Engine.Enabled {
		gate.ManualHalt()
	}
	eng := engine.New(engine.Config{
		Interval: cfg.Engine.Interval,
		Epsilon:  cfg.Engine.Epsilon,
		Symbol:   cfg.Symbol,
	}, store.Pairs(), gate, bus, logger)
	goRun(func() { _ = eng.Run(ctx) })

	var dec kms.Decrypter
	if kc, err := kms.New(ctx, cfg.KMS.Region, cfg.KMS.LocalStackEndpoint); err != nil {
		logger.Warn("kms unavailable, sealed credentials will be rejected", zap.Error(err))
	} else {
		dec = kc
	}

	creds := config.NewCredentialStore(cfg.CredentialsFile)
	mgr := hedge.NewManager(newFactory(cfg, bus, logger), store, eng, bus, logger, hedge.Options{
		Symbol:   cfg.Symbol,
		Offset:   cfg.Strategy.Offset,
		Saver:    creds,
		Resolver: kms.NewResolver(dec),
	})

	if cfg.Engine.Benchmark != "" {
		a, errA := adapter.ParseExchange(cfg.Engine.Benchmark)
		b, errB := adapter.ParseExchange(cfg.Engine.Follower)
		if err := errors.Join(errA, errB); err != nil {
			return fmt.Errorf("engine designation: %w", err)
		}
		if err := mgr.Designate(a, b); err != nil {
			return err
		}
	}

	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rc.Close()
		mirrorFeed := bus.Subscribe(adapter.EventPrice, adapter.EventAccountState, adapter.EventOpenOrders)
		mirror := state.NewRedisMirror(state.NewRedisClient(rc), store, mirrorFeed, logger)
		goRun(func() { mirror.Run(ctx) })
		logger.Info("redis mirror enabled", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Feed.Addr != "" {
		fs := feed.NewServer(bus, store, logger)
		goRun(func() {
			if err := fs.ListenAndServe(ctx, cfg.Feed.Addr); err != nil {
				logger.Error("event feed stopped", zap.Error(err))
			}
		})
	}

	srv, err := control.New(cfg.Control.SocketPath, mgr, logger)
	if err != nil {
		return fmt.Errorf("create control server: %w", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()
	logger.Info("control API listening", zap.String("socket", cfg.Control.SocketPath))

	saved, err := creds.Load()
	if err != nil {
		logger.Warn("saved credentials unreadable", zap.Error(err))
	} else if len(saved) > 0 {
		if err := mgr.AutoConnect(ctx, saved); err != nil {
			logger.Warn("auto-connect incomplete", zap.Error(err))
		}
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("hedger shutting down")
	case serveErr = <-errCh:
		cancel()
	}
	srv.GracefulStop()
	mgr.Close()
	wg.Wait()

	if serveErr != nil {
		return fmt.Errorf("control server: %w", serveErr)
	}
	logger.Info("hedger stopped")
	return nil
}

// newFactory builds unconnected adapters for the configured network.
func newFactory(cfg *config.Config, bus *adapter.Bus, logger *zap.Logger) hedge.Factory {
	return func(ex adapter.Exchange) (adapter.Adapter, error) {
		switch ex {
		case adapter.ExchangePacifica:
			pc := pacifica.DefaultConfig()
			if cfg.Testnet() {
				pc.BaseURL = pacifica.TestnetURL
			}
			applyExchange(&pc.BaseURL, &pc.PollInterval, &pc.Timeout, &pc.RateLimit, cfg.Pacifica)
			return pacifica.New(pc, bus, logger), nil
		case adapter.ExchangeLighter:
			lc := lighter.DefaultConfig()
			if cfg.Testnet() {
				lc.BaseURL = lighter.TestnetURL
			}
			applyExchange(&lc.BaseURL, &lc.PollInterval, &lc.Timeout, &lc.RateLimit, cfg.Lighter)
			return lighter.New(lc, bus, logger), nil
		}
		return nil, fmt.Errorf("%w: %q", adapter.ErrUnknownExchange, ex)
	}
}

func applyExchange(baseURL *string, poll, timeout *time.Duration, rate *float64, ec config.ExchangeConfig) {
	if ec.BaseURL != "" {
		*baseURL = ec.BaseURL
	}
	if ec.PollInterval > 0 {
		*poll = ec.PollInterval
	}
	if ec.Timeout > 0 {
		*timeout = ec.Timeout
	}
	*rate = ec.RateLimit
}
