package main

import (
	"context"

	"fleetpipe/internal/config"
	"fleetpipe/internal/dispatch"
	"fleetpipe/internal/generator"
	ingestkafka "fleetpipe/internal/ingest/kafka"
	pubkafka "fleetpipe/internal/publish/kafka"
	"fleetpipe/internal/retry"
	"fleetpipe/internal/storage/sqlite"

	"go.uber.org/zap"
)

func runGenerate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	pub, err := pubkafka.NewPublisher(pubkafka.Config{
		Brokers:    cfg.Stream.Brokers,
		Topic:      cfg.Stream.Topic,
		ClientID:   clientID(cfg.Stream.ClientID, "generator"),
		AckTimeout: cfg.Stream.AckTimeout,
	})
	if err != nil {
		return err
	}
	defer pub.Close()

	d := dispatch.New(ctx, pub, dispatch.NewLogReporter(logger.Named("dispatch")))
	// Close waits for every lane, so it must run before the client closes.
	defer d.Close()

	gen, err := generator.New(generator.Config{
		Plates: cfg.Generator.Plates,
		Count:  cfg.Generator.Count,
		Rate:   cfg.Generator.Rate,
		Burst:  cfg.Generator.Burst,
	}, d, logger.Named("generator"))
	if err != nil {
		return err
	}
	logger.Info("generator started",
		zap.String("topic", cfg.Stream.Topic),
		zap.Strings("plates", cfg.Generator.Plates),
		zap.Int("count", cfg.Generator.Count))
	_, err = gen.Run(ctx)
	return err
}

func runConsume(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := sqlite.Open(ctx, cfg.Storage.URL, cfg.Storage.MaxConns)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	consumer, err := ingestkafka.NewConsumer(ingestkafka.Config{
		Brokers:        cfg.Stream.Brokers,
		Topic:          cfg.Stream.Topic,
		GroupID:        cfg.Stream.GroupID,
		ClientID:       clientID(cfg.Stream.ClientID, "consumer"),
		MaxPollRecords: cfg.Stream.MaxPollRecords,
		Retry: retry.Policy{
			Attempts: cfg.Retry.Attempts,
			Initial:  cfg.Retry.Initial,
			Max:      cfg.Retry.Max,
		},
	}, store, logger.Named("consumer"))
	if err != nil {
		return err
	}
	return consumer.Run(ctx)
}

func runMigrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := sqlite.Open(ctx, cfg.Storage.URL, cfg.Storage.MaxConns)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.Named("storage").Info("schema ready", zap.String("database", cfg.Storage.URL))
	return nil
}
