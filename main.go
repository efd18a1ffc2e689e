package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cryptofeed/config"
	"cryptofeed/internal/channel"
	"cryptofeed/internal/dashboard"
	"cryptofeed/internal/metrics"
	"cryptofeed/internal/symbols"
	"cryptofeed/logger"
	"cryptofeed/models"
	"cryptofeed/processor"
	"cryptofeed/reader"
	"cryptofeed/reader/coinbase"
	"cryptofeed/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Cryptofeed.Name,
		"version":     cfg.Cryptofeed.Version,
		"exchange":    cfg.Exchange.Name,
		"environment": config.AppEnvironment(),
	}).Info("starting cryptofeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Address)
	}

	markets, err := loadMarkets(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to load markets")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{"markets": markets.Len()}).Info("markets loaded")

	engine := processor.NewBookEngine()
	registry := channel.NewRegistry()
	adapter := coinbase.NewAdapter(markets, registry, engine)
	mux := reader.NewMultiplexer(cfg, adapter, reader.NewWebsocketDialer(cfg.Reader), registry)

	metrics.StartQueueSizeMetrics(ctx, "results", mux.ResultQueue(), 10*time.Second)

	status, err := dashboard.NewServer(cfg.Dashboard, log, mux, engine)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	if status != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := status.Run(ctx, cfg.Cryptofeed.Name); err != nil {
				log.WithError(err).Warn("dashboard stopped")
			}
		}()
	}

	fanout := writer.NewFanout(mux.Results())
	logEvents := fanout.Subscribe("log", cfg.Channels.SinkBuffer)

	var kafkaWriter *writer.KafkaWriter
	if cfg.Storage.Kafka.Enabled {
		kafkaWriter, err = writer.NewKafkaWriter(cfg.Storage.Kafka, fanout.Subscribe("kafka", cfg.Channels.SinkBuffer))
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("kafka storage disabled; skipping writer")
	}

	var snapshotWriter *writer.SnapshotWriter
	if cfg.Storage.S3.Enabled {
		snapshotWriter, err = writer.NewSnapshotWriter(ctx, cfg, fanout.Subscribe("s3", cfg.Channels.SinkBuffer))
		if err != nil {
			log.WithError(err).Error("failed to create S3 writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping writer")
	}

	if kafkaWriter != nil {
		if err := kafkaWriter.Start(ctx); err != nil {
			log.WithError(err).Warn("kafka writer failed to start")
		}
	}
	if snapshotWriter != nil {
		if err := snapshotWriter.Start(ctx); err != nil {
			log.WithError(err).Warn("s3 writer failed to start")
		}
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		fanout.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		drainEvents(logEvents)
	}()

	subscriptions := []struct {
		name    models.ChannelName
		symbols []string
	}{
		{models.ChannelTicker, cfg.Subscriptions.Ticker},
		{models.ChannelTrades, cfg.Subscriptions.Trades},
		{models.ChannelOrderBook, cfg.Subscriptions.OrderBook},
	}
	for _, sub := range subscriptions {
		if len(sub.symbols) == 0 {
			continue
		}
		if err := mux.Subscribe(ctx, sub.name, sub.symbols); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"channel": sub.name,
				"symbols": sub.symbols,
			}).Error("subscription failed")
			continue
		}
		log.WithFields(logger.Fields{"channel": sub.name, "symbols": sub.symbols}).Info("subscription requested")
	}

	failed := make(chan error, 1)
	go func() {
		failed <- mux.Wait()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-failed:
		// every read loop has ended
		if err != nil {
			log.WithError(err).Error("feed stopped")
		} else {
			log.Warn("all connections closed")
		}
	}

	log.Info("starting graceful shutdown")
	cancel()

	if err := mux.Close(); err != nil {
		log.WithError(err).Warn("error closing connections")
	}

	if snapshotWriter != nil {
		log.Info("stopping S3 writer")
		snapshotWriter.Stop()
	}
	if kafkaWriter != nil {
		log.Info("stopping kafka writer")
		kafkaWriter.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.WithFields(logger.Fields{"stats": mux.Stats()}).Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("cryptofeed stopped")
}

// loadMarkets prefers the configured market list and falls back to the
// venue's product endpoint.
func loadMarkets(ctx context.Context, cfg *config.Config) (*symbols.Markets, error) {
	if len(cfg.Exchange.Markets) > 0 {
		list := make([]symbols.Market, 0, len(cfg.Exchange.Markets))
		for _, m := range cfg.Exchange.Markets {
			id := m.ID
			if id == "" {
				id = symbols.ToExchange(cfg.Exchange.Name, m.Symbol)
			}
			list = append(list, symbols.Market{Symbol: m.Symbol, ID: id})
		}
		return symbols.NewMarkets(list), nil
	}

	client := &http.Client{Timeout: cfg.Reader.Timeout}
	return symbols.LoadProducts(ctx, client, cfg.Exchange.Name, cfg.Exchange.RestURL)
}

func drainEvents(events <-chan models.Event) {
	log := logger.GetLogger().WithComponent("events")
	for ev := range events {
		switch p := ev.Payload.(type) {
		case map[string]models.OrderBook:
			for symbol, book := range p {
				fields := logger.Fields{"symbol": symbol, "bids": len(book.Bids), "asks": len(book.Asks)}
				if len(book.Bids) > 0 {
					fields["best_bid"] = book.Bids[0].Price
				}
				if len(book.Asks) > 0 {
					fields["best_ask"] = book.Asks[0].Price
				}
				log.WithFields(fields).Debug(ev.Label)
			}
		case models.Ticker:
			log.WithFields(logger.Fields{"symbol": p.Symbol, "last": p.Last, "bid": p.Bid, "ask": p.Ask}).Debug(ev.Label)
		case []models.Trade:
			for _, tr := range p {
				log.WithFields(logger.Fields{"symbol": tr.Symbol, "side": tr.Side, "price": tr.Price, "amount": tr.Amount}).Debug(ev.Label)
			}
		default:
			log.WithFields(logger.Fields{"payload": ev.Payload}).Info(ev.Label)
		}
	}
}
