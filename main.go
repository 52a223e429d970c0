package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookmirror/config"
	"bookmirror/internal/api"
	"bookmirror/internal/channel/feed"
	"bookmirror/internal/console"
	"bookmirror/logger"
	"bookmirror/orderbook"
	"bookmirror/processor"
	"bookmirror/reader/coinbase"
	"bookmirror/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (default depends on APP_ENV)")
	headless := flag.Bool("headless", false, "Run without the interactive console until a signal arrives")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <instrument>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	path := config.ResolveConfigPath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	instrument := cfg.Feed.Instrument
	if flag.NArg() > 0 {
		instrument = strings.TrimSpace(flag.Arg(0))
	}
	if instrument == "" {
		flag.Usage()
		os.Exit(2)
	}

	log.WithEnv("APP_ENV", "LOG_LEVEL", "AWS_REGION").WithFields(logger.Fields{
		"service":     cfg.Mirror.Name,
		"version":     cfg.Mirror.Version,
		"environment": config.AppEnvironment(),
		"instrument":  instrument,
	}).Info("starting book mirror")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch.Enabled {
		cw := cfg.Logging.CloudWatch
		logger.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}
	if logger.ReportEnabled(cfg.Logging.Level) {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	channels := feed.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.QuoteBuffer)
	book := orderbook.NewShared()

	var (
		sink      processor.QuoteSink
		publisher *writer.QuotePublisher
	)
	if cfg.Publisher.Kafka.Enabled {
		publisher, err = writer.NewQuotePublisher(cfg, channels.Quotes)
		if err != nil {
			log.WithError(err).Error("failed to create quote publisher")
			os.Exit(1)
		}
		sink = channels
	}

	var exporter api.BookExporter
	if cfg.Export.Enabled {
		e, err := writer.NewExporter(ctx, cfg)
		if err != nil {
			log.WithError(err).Error("failed to create exporter")
			os.Exit(1)
		}
		exporter = e
	}

	reader := coinbase.NewLevel2Reader(cfg, channels, instrument)
	applier := processor.NewApplier(cfg, instrument, book, channels.Raw, sink)

	var wg sync.WaitGroup

	if publisher != nil {
		if err := publisher.Start(ctx); err != nil {
			log.WithError(err).Warn("quote publisher failed to start")
		}
	}
	if err := applier.Start(ctx); err != nil {
		log.WithError(err).Error("applier failed to start")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{"endpoint": cfg.Feed.Endpoint()}).Info("connecting to the feed")
	if err := reader.Start(ctx); err != nil {
		log.WithError(err).Error("feed reader failed to start")
		os.Exit(1)
	}

	if srv := api.NewServer(cfg.API, api.Deps{
		Instrument: instrument,
		Book:       book,
		Feed:       reader,
		Applier:    applier,
		Exporter:   exporter,
	}, log); srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Error("book api stopped with error")
			}
		}()
	}

	consoleDone := make(chan struct{})
	if !*headless {
		go func() {
			defer close(consoleDone)
			c := console.New(os.Stdin, os.Stdout, instrument, book, reader, exporter)
			if err := c.Run(ctx); err != nil {
				log.WithError(err).Warn("console input failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-consoleDone:
		log.Info("console closed")
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping feed reader")
		reader.Stop()
		log.Info("stopping applier")
		applier.Stop()
		if publisher != nil {
			log.Info("stopping quote publisher")
			publisher.Stop()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	fmt.Fprintln(os.Stdout, "Bye!")
}
