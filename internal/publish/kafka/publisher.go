package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetpipe/internal/domain"

	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrPublishFailed wraps every encode or transport failure. Callers do not
// distinguish between the two.
var ErrPublishFailed = errors.New("kafka publish failed")

type Config struct {
	Brokers    []string
	Topic      string
	ClientID   string
	AckTimeout time.Duration
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher writes samples to one topic and waits for the partition leader
// to acknowledge each one. It is safe for concurrent use.
type Publisher struct {
	cfg    Config
	client producer
}

func (c *Config) withDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = time.Second
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	if c.Topic == "" {
		return errors.New("kafka topic is required")
	}
	return nil
}

func NewPublisher(cfg Config, opts ...kgo.Opt) (*Publisher, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.LeaderAck()),
		kgo.DisableIdempotentWrite(),
		kgo.ProduceRequestTimeout(cfg.AckTimeout),
		kgo.RecordDeliveryTimeout(deliveryTimeout(cfg.AckTimeout)),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &Publisher{cfg: cfg, client: cl}, nil
}

// deliveryTimeout bounds a record's whole life in the client, internal
// retries included.
func deliveryTimeout(ack time.Duration) time.Duration {
	return 5 * ack
}

// Publish blocks until the record is acknowledged or fails. The record key
// is the vehicle key so every sample of a vehicle lands on one partition.
func (p *Publisher) Publish(ctx context.Context, m domain.VehicleMetric) error {
	payload, err := m.Encode()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	rec := &kgo.Record{Topic: p.cfg.Topic, Key: []byte(m.VehicleKey), Value: payload}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (p *Publisher) Close() {
	p.client.Close()
}
