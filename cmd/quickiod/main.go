package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/quickio/quickio/internal/bridge"
	"github.com/quickio/quickio/internal/broker"
	"github.com/quickio/quickio/internal/config"
	"github.com/quickio/quickio/internal/monitoring"
)

const shutdownTimeout = 30 * time.Second

func main() {
	debug := flag.Bool("debug", false, "force debug-level pretty logging")
	flag.Parse()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
	})

	cfg, err := config.Load(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
		cfg.LogFormat = "pretty"
	}
	logger = monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.Print(logger)

	b := broker.New(cfg, logger)
	if err := b.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start broker")
	}

	var br *bridge.Bridge
	if cfg.NATSUrl != "" {
		br, err = bridge.New(cfg.NATSUrl, cfg.NATSSubjectPrefix, b, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect NATS bridge")
		}
		if err := br.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start NATS bridge")
		}
	}

	var kb *bridge.KafkaBridge
	if len(cfg.KafkaBrokers) > 0 {
		kb, err = bridge.NewKafka(bridge.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Group:   cfg.KafkaConsumerGroup,
			Topics:  cfg.KafkaTopics,
		}, b, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Kafka bridge")
		}
		if err := kb.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start Kafka bridge")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Signal received")

	if br != nil {
		br.Close()
	}
	if kb != nil {
		kb.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown did not complete cleanly")
		os.Exit(1)
	}
}
