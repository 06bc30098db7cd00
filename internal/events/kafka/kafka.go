// Package kafka publishes flush events to a Kafka topic. Records are keyed by
// root so every outcome for one aggregate lands on the same partition in the
// order it was produced.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"odmflush/internal/events"
)

const (
	defaultPartitions        = 3
	defaultReplicationFactor = 1
	defaultPublishTimeout    = 10 * time.Second
)

// Publisher is an events.Publisher backed by a franz-go client.
type Publisher struct {
	client            *kgo.Client
	topic             string
	partitions        int32
	replicationFactor int16
	publishTimeout    time.Duration
	logger            *slog.Logger
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithTopicLayout sets the partition count and replication factor EnsureTopic
// creates the topic with.
func WithTopicLayout(partitions int32, replicationFactor int16) Option {
	return func(p *Publisher) {
		if partitions > 0 {
			p.partitions = partitions
		}
		if replicationFactor > 0 {
			p.replicationFactor = replicationFactor
		}
	}
}

// WithPublishTimeout bounds how long Publish waits for one record to be
// acknowledged.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.publishTimeout = d
		}
	}
}

// New connects to brokers. Records go to topic unless an event overrides it.
func New(brokers []string, topic string, opts ...Option) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no seed brokers")
	}
	if topic == "" {
		return nil, errors.New("kafka: empty topic")
	}
	p := &Publisher{
		topic:             topic,
		partitions:        defaultPartitions,
		replicationFactor: defaultReplicationFactor,
		publishTimeout:    defaultPublishTimeout,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordDeliveryTimeout(p.publishTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	p.client = client
	return p, nil
}

var _ events.Publisher = (*Publisher)(nil)

// EnsureTopic creates the topic if it does not exist yet.
func (p *Publisher) EnsureTopic(ctx context.Context) error {
	adm := kadm.NewClient(p.client)
	resp, err := adm.CreateTopics(ctx, p.partitions, p.replicationFactor, nil, p.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", p.topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Publish produces event and waits for the broker acknowledgement, at most
// the publish timeout.
func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	record, err := Record(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce %s event for %s/%s: %w", event.Kind, event.Collection, event.RootID, err)
	}
	p.logger.DebugContext(ctx, "flush event produced",
		"topic", p.topic,
		"root", event.Collection+"/"+event.RootID,
		"kind", string(event.Kind))
	return nil
}

// Ping checks that at least one broker answers.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records and closes the client.
func (p *Publisher) Close() {
	p.client.Close()
}

// Record encodes event as a Kafka record keyed by root.
func Record(event events.Event) (*kgo.Record, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode flush event: %w", err)
	}
	return &kgo.Record{
		Key:   []byte(event.Collection + "/" + event.RootID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(event.Kind)},
			{Key: "flush_id", Value: []byte(event.FlushID)},
		},
		Timestamp: event.Timestamp,
	}, nil
}
