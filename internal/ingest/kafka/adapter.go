package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetpipe/internal/domain"
	"fleetpipe/internal/metrics"
	"fleetpipe/internal/retry"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

var (
	ErrPoll    = errors.New("kafka poll failed")
	ErrPersist = errors.New("persist record failed")
	ErrCommit  = errors.New("kafka offset commit failed")
)

const maxLoggedPayload = 256

// Repository is the write side the consumer needs.
type Repository interface {
	InsertMetric(context.Context, domain.VehicleMetric) error
}

// client is the subset of *kgo.Client the loop drives.
type client interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	AllowRebalance()
	Close()
}

type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	ClientID       string
	MaxPollRecords int
	FetchMaxWait   time.Duration
	Retry          retry.Policy
}

// Consumer is a single-threaded poll, persist, mark, commit loop. Offsets
// are committed once per poll cycle and only after every record of the
// cycle was persisted or skipped as malformed, so delivery is at least once.
type Consumer struct {
	cfg    Config
	client client
	repo   Repository
	logger *zap.Logger

	pollFailures int
}

func NewConsumer(cfg Config, repo Repository, logger *zap.Logger, opts ...kgo.Opt) (*Consumer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.FetchMaxWait),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return newConsumer(cfg, cl, repo, logger), nil
}

func newConsumer(cfg Config, cl client, repo Repository, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{cfg: cfg, client: cl, repo: repo, logger: logger}
}

func (c *Config) withDefaults() {
	if c.GroupID == "" {
		c.GroupID = "group1"
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = time.Second
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = retry.Policy{Attempts: 5, Initial: 200 * time.Millisecond, Max: 5 * time.Second}
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	if c.Topic == "" {
		return errors.New("kafka topic is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka group_id is required")
	}
	return nil
}

// Run polls until ctx is cancelled, returning nil, or until a poll, persist
// or commit failure outlives its retries. Cancellation is observed between
// cycles: a cycle that has started runs to its commit.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()
	c.logger.Info("consumer started",
		zap.String("topic", c.cfg.Topic),
		zap.String("group_id", c.cfg.GroupID))

	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopping")
			return nil
		}
		fetches := c.client.PollRecords(ctx, c.cfg.MaxPollRecords)
		if ctx.Err() != nil {
			c.client.AllowRebalance()
			continue
		}
		if err := c.checkPoll(ctx, fetches); err != nil {
			c.client.AllowRebalance()
			return err
		}
		if fetches.NumRecords() == 0 {
			c.client.AllowRebalance()
			continue
		}

		err := c.processCycle(context.WithoutCancel(ctx), fetches)
		c.client.AllowRebalance()
		if err != nil {
			return err
		}
	}
}

// checkPoll counts fetch errors. An error-only poll backs off, and after
// Retry.Attempts consecutive ones the loop gives up.
func (c *Consumer) checkPoll(ctx context.Context, fetches kgo.Fetches) error {
	if fetches.IsClientClosed() {
		return fmt.Errorf("%w: %w", ErrPoll, kgo.ErrClientClosed)
	}
	errs := fetches.Errors()
	if len(errs) == 0 {
		c.pollFailures = 0
		return nil
	}
	for _, fe := range errs {
		metrics.PollFailures.Inc()
		c.logger.Warn("fetch error",
			zap.String("topic", fe.Topic),
			zap.Int32("partition", fe.Partition),
			zap.Error(fe.Err))
	}
	if fetches.NumRecords() > 0 {
		c.pollFailures = 0
		return nil
	}
	c.pollFailures++
	if c.pollFailures >= c.cfg.Retry.Attempts {
		return fmt.Errorf("%w after %d attempts: %w", ErrPoll, c.pollFailures, errs[0].Err)
	}
	t := time.NewTimer(c.cfg.Retry.Backoff(c.pollFailures))
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return nil
}

// processCycle persists the records of one poll in stream order, then marks
// and commits them. A persistence failure returns before anything is marked.
func (c *Consumer) processCycle(ctx context.Context, fetches kgo.Fetches) error {
	consumed := make([]*kgo.Record, 0, fetches.NumRecords())
	var failed error
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if failed != nil {
			return
		}
		for _, rec := range p.Records {
			metrics.RecordsConsumed.Inc()
			if err := c.handleRecord(ctx, rec); err != nil {
				failed = err
				return
			}
		}
		consumed = append(consumed, p.Records...)
	})
	if failed != nil {
		return failed
	}

	c.client.MarkCommitRecords(consumed...)
	return c.commit(ctx, len(consumed))
}

func (c *Consumer) handleRecord(ctx context.Context, rec *kgo.Record) error {
	m, err := domain.DecodeVehicleMetric(rec.Value)
	if err != nil {
		metrics.RecordsMalformed.Inc()
		c.logger.Warn("skipping malformed record",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.ByteString("payload", truncate(rec.Value)),
			zap.Error(err))
		return nil
	}

	err = retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		return c.repo.InsertMetric(ctx, m)
	}, func(attempt int, err error) {
		metrics.PersistFailures.Inc()
		c.logger.Warn("persist attempt failed",
			zap.String("vehicle_key", m.VehicleKey),
			zap.Int64("offset", rec.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("%w: %s/%d/%d: %w", ErrPersist, rec.Topic, rec.Partition, rec.Offset, err)
	}
	metrics.RecordsPersisted.Inc()
	c.logger.Debug("metric saved",
		zap.String("vehicle_key", m.VehicleKey),
		zap.Int32("partition", rec.Partition),
		zap.Int64("offset", rec.Offset))
	return nil
}

func (c *Consumer) commit(ctx context.Context, records int) error {
	err := retry.Do(ctx, c.cfg.Retry, c.client.CommitMarkedOffsets, func(attempt int, err error) {
		metrics.CommitFailures.Inc()
		c.logger.Warn("offset commit attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCommit, err)
	}
	metrics.OffsetCommits.Inc()
	c.logger.Debug("offsets committed", zap.Int("records", records))
	return nil
}

func truncate(b []byte) []byte {
	if len(b) <= maxLoggedPayload {
		return b
	}
	return b[:maxLoggedPayload]
}
