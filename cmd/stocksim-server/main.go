package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"stocksim/internal/api"
	"stocksim/internal/broker"
	"stocksim/internal/config"
	"stocksim/internal/dispatch"
	"stocksim/internal/engine"
	"stocksim/internal/httpapi"
	"stocksim/internal/notify"
	"stocksim/internal/playback"
	"stocksim/internal/source"
	"stocksim/internal/store"
	"stocksim/internal/util"
)

func main() {
	cfgPath := "config/stocksim.yaml"
	if p := os.Getenv("STOCKSIM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		slog.Error("stocksim-server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	loc, err := util.LoadLocation(cfg.Playback.Timezone)
	if err != nil {
		return fmt.Errorf("loading timezone: %w", err)
	}

	notes := notify.NewHub(logger)
	_, noteCh := notes.Subscribe(64)
	wsHub := api.NewHub(logger)

	onUnauthorized := func() {
		notify.Warn(notes, "auth", "upstream API rejected the configured token")
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	archive := store.NewParquetStore(cfg.Storage.DataDir, loc)
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening sqlite: %w", err)
	}
	defer db.Close()

	b, err := newBroker(cfg, onUnauthorized, logger)
	if err != nil {
		return err
	}
	src, err := newSource(cfg, loc, onUnauthorized, logger)
	if err != nil {
		return err
	}
	if cfg.Trading.CacheOrders {
		src = source.NewCachedSource(src, archive, db, logger)
	}

	disp := dispatch.New(b, dispatch.Options{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		Overflow:    dispatch.ParseOverflow(cfg.Dispatch.Overflow),
		Timeout:     time.Duration(cfg.Dispatch.TimeoutSec) * time.Second,
		RateLimiter: util.NewRateLimiter(cfg.Dispatch.RateLimitPerMin),
		Guard:       engine.NewRiskManager(cfg.Trading.MaxOrderVolume, cfg.Trading.MaxOrderNotional),
		Log:         db,
		Notifier:    notes,
		Logger:      logger,
	})

	var srv *api.Server
	eng := engine.New(engine.Options{
		Source:     src,
		Broker:     b,
		Dispatcher: disp,
		Sessions:   db,
		Archive:    archive,
		Notifier:   notes,
		Location:   loc,
		Playback: playback.Options{
			MinimumDelay:         time.Duration(cfg.Playback.MinimumDelayMs) * time.Millisecond,
			ResetDebounce:        time.Duration(cfg.Playback.ResetDebounceMs) * time.Millisecond,
			Speed:                cfg.Playback.DefaultSpeed,
			RescaleOnSpeedChange: cfg.Playback.RescaleOnSpeedChange,
		},
		MaxSpeed: cfg.Playback.MaxSpeed,
		OnChange: func(st engine.Status) {
			wsHub.PublishStatus(st)
			if srv != nil {
				srv.SetPlaying(st.Playback.Running)
			}
		},
		Logger: logger,
	})
	defer eng.Close()

	handler := api.NewHandler(httpapi.NewSessionServer(eng, logger), wsHub)
	srv = api.NewServer(
		net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort)),
		handler, wsHub, logger,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("stocksim-server starting",
		"broker", b.Name(),
		"source", src.Name(),
		"port", cfg.Server.Port,
		"grpc_port", cfg.Server.GRPCPort,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error {
		wsHub.Forward(gctx, noteCh)
		return nil
	})
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	return g.Wait()
}

func newBroker(cfg *config.Config, onUnauthorized func(), logger *slog.Logger) (broker.Broker, error) {
	switch cfg.Trading.Broker {
	case "simapi":
		return broker.NewSimAPIBroker(broker.SimAPIConfig{
			BaseURL:        cfg.SimAPI.BaseURL,
			Token:          cfg.SimAPI.Token,
			OrderPath:      cfg.SimAPI.OrderPath,
			ResetPath:      cfg.SimAPI.ResetPath,
			Timeout:        time.Duration(cfg.SimAPI.TimeoutSec) * time.Second,
			OnUnauthorized: onUnauthorized,
		}, logger), nil
	case "alpaca":
		return broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, logger), nil
	case "simulator":
		return broker.NewSimulatorBroker(), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Trading.Broker)
	}
}

func newSource(cfg *config.Config, loc *time.Location, onUnauthorized func(), logger *slog.Logger) (source.Source, error) {
	switch cfg.Trading.Source {
	case "stockdata":
		f := cfg.StockData.Fields
		return source.NewStockDataClient(source.StockDataConfig{
			URL:     cfg.StockData.URL,
			Timeout: time.Duration(cfg.StockData.TimeoutSec) * time.Second,
			Retries: cfg.StockData.Retries,
			Fields: source.FieldMap{
				ID:     f.ID,
				Side:   f.Side,
				Price:  f.Price,
				Volume: f.Volume,
				Time:   f.Time,
			},
			Location:       loc,
			OnUnauthorized: onUnauthorized,
		}, logger), nil
	case "alpaca":
		return source.NewAlpacaSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, logger), nil
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Trading.Source)
	}
}
