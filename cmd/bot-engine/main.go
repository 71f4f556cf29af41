package main

import (
	"context"
	"log"
	"math/big"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"mevflow.com/internal/collector/fiber"
	"mevflow.com/internal/engine"
	"mevflow.com/internal/executor/publisher"
	"mevflow.com/internal/gateway"
	"mevflow.com/internal/strategy/bigtransfer"
	"mevflow.com/pkg/config"
	"mevflow.com/pkg/logger"
	"mevflow.com/pkg/metrics"
)

type Config struct {
	LogLevel string `mapstructure:"log_level"`
	HTTPAddr string `mapstructure:"http_addr"` // metrics + pprof

	Fiber struct {
		ApiKey   string `mapstructure:"api_key"`
		Endpoint string `mapstructure:"endpoint"` // 可选，空用默认接入点
		Stream   string `mapstructure:"stream"`   // transactions / execution_payloads
	} `mapstructure:"fiber"`

	Strategy struct {
		ThresholdEth string `mapstructure:"threshold_eth"`
		ChainID      int64  `mapstructure:"chain_id"`
	} `mapstructure:"strategy"`

	Nats struct {
		URL   string `mapstructure:"url"` // 空则用进程内 broker
		Topic string `mapstructure:"topic"`
	} `mapstructure:"nats"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg Config
	if _, err := config.LoadAndWatch("bot-engine", &cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init("bot-engine", cfg.LogLevel)
	defer logger.Sync()

	metrics.MustRegister()

	// ---- collector ----
	ty := fiber.StreamTypeTransactions
	if cfg.Fiber.Stream == "execution_payloads" {
		ty = fiber.StreamTypeExecutionPayloads
	}

	var opts []fiber.Option
	if cfg.Fiber.Endpoint != "" {
		opts = append(opts, fiber.WithEndpoint(cfg.Fiber.Endpoint))
	}

	col, err := fiber.New(ctx, cfg.Fiber.ApiKey, ty, opts...)
	if err != nil {
		logger.Fatal(ctx, "fiber collector init failed", zap.Error(err))
	}
	defer col.Close()

	// ---- broker ----
	var broker gateway.Broker
	if cfg.Nats.URL != "" {
		broker, err = gateway.NewNatsBroker(cfg.Nats.URL)
		if err != nil {
			logger.Fatal(ctx, "nats connect failed", zap.Error(err))
		}
	} else {
		broker = gateway.NewMemBroker()
	}
	defer broker.Close()

	topic := cfg.Nats.Topic
	if topic == "" {
		topic = "actions.bigtransfer"
	}

	// ---- strategy ----
	threshold, err := decimal.NewFromString(cfg.Strategy.ThresholdEth)
	if err != nil {
		threshold = decimal.NewFromInt(100) // 默认 100 ETH
	}
	chainID := cfg.Strategy.ChainID
	if chainID == 0 {
		chainID = 1
	}

	// ---- engine ----
	eng := engine.New[fiber.Event, bigtransfer.Alert]()
	eng.KindOf = fiber.KindName
	eng.AddCollector(col)
	eng.AddStrategy(bigtransfer.New(threshold, big.NewInt(chainID)))
	eng.AddExecutor(publisher.New[bigtransfer.Alert]("publisher", topic, broker))

	// ---- metrics + pprof ----
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":9090"
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "metrics server error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logger.Info(ctx, "🚀 bot engine started",
		zap.String("stream", ty.String()),
		zap.String("endpoint", col.Endpoint()),
	)

	if err := eng.Run(ctx); err != nil {
		logger.Error(ctx, "engine stopped", zap.Error(err))
	}
	logger.Info(ctx, "bye")
}
