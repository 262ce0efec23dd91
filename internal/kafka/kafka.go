// Package kafka provides a thin wrapper around the franz-go Kafka client
// library, adapting it to the intake and audit pipelines.
//
// # Architecture
//
// Kafka is used in two directions:
//
//   - Audit pipeline (CICO → Kafka): Uses the [Producer] to publish one event
//     per successful field update. The producer is synchronous — ProduceSync
//     blocks until the broker acknowledges the message, so a reported update
//     is never silently unaudited.
//
//   - Intake pipeline (Kafka → CICO): Uses the [Consumer] to read update
//     requests from a topic and apply them through the grid client. The
//     producer doubles as the DLQ writer for rejected messages.
//
// # franz-go Client
//
// We use github.com/twmb/franz-go as the Kafka client for several reasons:
//
//   - Pure Go. No CGo dependency on librdkafka.
//   - Modern API with context-aware methods.
//   - Natively supports idempotent producing and consumer group management.
//   - Active maintenance and excellent documentation.
//
// # Thread Safety
//
// Both Producer and Consumer are safe for concurrent use. The underlying
// franz-go client handles connection pooling and request serialization
// internally.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rsmoorthy/cicogrid/internal/config"
)

// Producer wraps a franz-go client for producing messages to Kafka.
//
// The producer is configured with acks=all (RequiredAcks: -1) by default
// to ensure messages are replicated before being acknowledged. This trades
// throughput for durability, which is appropriate for audit events.
type Producer struct {
	client *kgo.Client
	logger *slog.Logger
}

// NewProducer creates a Kafka producer from the broker configuration.
// The producer is ready to use immediately after construction.
func NewProducer(cfg config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()), // -1: wait for all in-sync replicas
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
		kgo.RetryTimeout(30 * time.Second),
		kgo.ProducerBatchMaxBytes(1 << 20), // 1 MiB
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating Kafka producer client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger.With("component", "kafka-producer"),
	}, nil
}

// ProduceSync sends a single record to the specified Kafka topic and waits
// for broker acknowledgement.
//
// The method blocks until:
//   - The broker acknowledges the message (success).
//   - The context is cancelled.
//   - An unrecoverable error occurs.
//
// Parameters:
//   - topic: The Kafka topic to produce to.
//   - key: The message key (used for partitioning). Can be nil for round-robin.
//   - value: The message payload.
//   - headers: Optional Kafka headers (e.g., grid name, encoding).
func (p *Producer) ProduceSync(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}

	// Convert map headers to kgo headers.
	for k, v := range headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{
			Key:   k,
			Value: []byte(v),
		})
	}

	// ProduceSync blocks until the broker acknowledges or error.
	results := p.client.ProduceSync(ctx, rec)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("producing to %s: %w", topic, err)
	}

	p.logger.Debug("message produced",
		"topic", topic,
		"partition", results[0].Record.Partition,
		"offset", results[0].Record.Offset,
	)
	return nil
}

// ProduceBatchSync sends multiple records to the specified Kafka topic and
// waits for broker acknowledgement of all messages. More efficient than
// calling ProduceSync in a loop when publishing a batch of events.
func (p *Producer) ProduceBatchSync(ctx context.Context, topic string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	records := make([]*kgo.Record, len(messages))
	for i, msg := range messages {
		rec := &kgo.Record{
			Topic: topic,
			Key:   msg.Key,
			Value: msg.Value,
		}
		for k, v := range msg.Headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{
				Key:   k,
				Value: []byte(v),
			})
		}
		records[i] = rec
	}

	results := p.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("batch produce to %s: %w", topic, err)
	}

	p.logger.Debug("batch produced",
		"topic", topic,
		"count", len(messages),
	)
	return nil
}

// Close flushes any pending messages and closes the Kafka connection.
func (p *Producer) Close() {
	p.client.Close()
}

// Message represents a single message to be produced to Kafka.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// ----- Consumer -----

// Consumer wraps a franz-go client for consuming messages from Kafka topics.
//
// The consumer uses Kafka consumer groups for automatic partition assignment
// and offset management. Each instance joins the group and is assigned a
// subset of partitions to consume from.
type Consumer struct {
	client *kgo.Client
	logger *slog.Logger
}

// NewConsumer creates a Kafka consumer for the specified topics and group.
func NewConsumer(cfg config.KafkaConfig, groupID string, topics []string, logger *slog.Logger) (*Consumer, error) {
	if groupID == "" {
		return nil, fmt.Errorf("consumer group ID is required")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating Kafka consumer client: %w", err)
	}

	return &Consumer{
		client: client,
		logger: logger.With("component", "kafka-consumer", "group", groupID, "topics", strings.Join(topics, ",")),
	}, nil
}

// Poll fetches the next batch of records from Kafka. Blocks until records
// are available or the context is cancelled. Returns nil, nil if context
// is cancelled.
func (c *Consumer) Poll(ctx context.Context) ([]*kgo.Record, error) {
	fetches := c.client.PollRecords(ctx, 100)
	if errs := fetches.Errors(); len(errs) > 0 {
		// Collect all partition-level errors.
		var errMsgs []string
		for _, e := range errs {
			errMsgs = append(errMsgs, fmt.Sprintf("%s[%d]: %v", e.Topic, e.Partition, e.Err))
		}
		return nil, fmt.Errorf("consumer poll errors: %s", strings.Join(errMsgs, "; "))
	}

	var records []*kgo.Record
	fetches.EachRecord(func(r *kgo.Record) {
		records = append(records, r)
	})

	if len(records) > 0 {
		c.logger.Debug("polled records", "count", len(records))
	}
	return records, nil
}

// CommitOffsets commits the offsets for all consumed records. Should be
// called after the records have been successfully applied to CICO.
func (c *Consumer) CommitOffsets(ctx context.Context) error {
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		return fmt.Errorf("committing offsets: %w", err)
	}
	return nil
}

// Close leaves the consumer group and releases resources.
func (c *Consumer) Close() {
	c.client.Close()
}
