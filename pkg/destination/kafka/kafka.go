// Package kafka publishes replicated changes as a keyed JSON changelog, one topic
// per source table: [prefix].[schema_name].[table_name].
//
// Message Format:
//   - Key: JSON object of the identity columns
//   - Value: JSON Change
//   - Headers: op, version
//
// A compacted topic converges to the same state as the other destinations when
// consumers keep the message with the greatest version per key.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/destination"
	"github.com/edgeflare/pgmirror/pkg/identity"
	"go.uber.org/zap"
)

// Change is the value of a changelog message.
type Change struct {
	Op      string         `json:"op"`
	Table   string         `json:"table"`
	Version uint64         `json:"version"`
	Row     map[string]any `json:"row,omitempty"`
	Key     map[string]any `json:"key,omitempty"`
}

// Destination is a write-only changelog.
type Destination struct {
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
	config   Config
	logger   *zap.Logger
}

// Open connects a producer and a cluster admin to the configured brokers.
func Open(_ context.Context, cfg Config, logger *zap.Logger) (*Destination, error) {
	cfg.setDefaults()
	saramaConfig, err := cfg.ToSaramaConfig()
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	admin, err := sarama.NewClusterAdmin(cfg.Brokers, saramaConfig)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create cluster admin: %w", err)
	}
	return New(producer, admin, cfg, logger), nil
}

// New builds a destination from an existing producer. admin may be nil, in which
// case topics are expected to exist or be auto-created by the brokers.
func New(producer sarama.SyncProducer, admin sarama.ClusterAdmin, cfg Config, logger *zap.Logger) *Destination {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Destination{producer: producer, admin: admin, config: cfg, logger: logger}
}

// Topic returns the changelog topic of t.
func (d *Destination) Topic(t destination.Table) string {
	return fmt.Sprintf("%s.%s.%s", d.config.TopicPrefix, t.Source.ID.Schema, t.Source.ID.Name)
}

func (d *Destination) CreateTable(_ context.Context, t destination.Table) error {
	if d.admin == nil {
		return nil
	}
	topic := d.Topic(t)
	topics, err := d.admin.ListTopics()
	if err != nil {
		return fmt.Errorf("failed to list topics: %w", err)
	}
	if _, exists := topics[topic]; exists {
		return nil
	}

	retention := strconv.FormatInt(d.config.RetentionMS, 10)
	cleanup := "compact"
	err = d.admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     d.config.Partitions,
		ReplicationFactor: d.config.Replicas,
		ConfigEntries: map[string]*string{
			"retention.ms":   &retention,
			"cleanup.policy": &cleanup,
		},
	}, false)
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	d.logger.Info("created topic", zap.String("topic", topic))
	return nil
}

// DropTable publishes a truncate marker; consumers discard the earlier changelog.
func (d *Destination) DropTable(ctx context.Context, t destination.Table) error {
	return d.ApplyBatch(ctx, t, &destination.Batch{
		Table:     t.Source.ID,
		Mutations: []destination.Mutation{{Op: destination.OpTruncate}},
	})
}

func (d *Destination) ApplyBatch(_ context.Context, t destination.Table, b *destination.Batch) error {
	if len(b.Mutations) == 0 {
		return nil
	}
	topic := d.Topic(t)
	msgs := make([]*sarama.ProducerMessage, 0, len(b.Mutations))
	for i := range b.Mutations {
		msg, err := d.message(topic, t, &b.Mutations[i])
		if err != nil {
			return fmt.Errorf("%s: %w", t.Name, err)
		}
		msgs = append(msgs, msg)
	}

	if err := d.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	d.logger.Debug("published changes", zap.String("topic", topic), zap.Int("messages", len(msgs)))
	return nil
}

func (d *Destination) message(topic string, t destination.Table, m *destination.Mutation) (*sarama.ProducerMessage, error) {
	change := Change{Op: m.Op.String(), Table: t.Source.ID.String(), Version: m.Version}
	cols := t.Source.Columns

	var keyVals cdc.Row
	switch m.Op {
	case destination.OpInsert, destination.OpUpsert:
		if len(m.Row) != len(cols) {
			return nil, fmt.Errorf("row has %d values, table has %d columns", len(m.Row), len(cols))
		}
		vals, err := identity.Values(m.Row, t.Source.Identity)
		if err != nil {
			return nil, err
		}
		keyVals = vals
		change.Row = make(map[string]any, len(cols))
		for i, col := range cols {
			change.Row[col.Name] = m.Row[i]
		}
	case destination.OpDelete:
		keyVals = m.Key
	case destination.OpTruncate:
	default:
		return nil, fmt.Errorf("unexpected op %s", m.Op)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Headers: []sarama.RecordHeader{
			{Key: []byte("op"), Value: []byte(change.Op)},
			{Key: []byte("version"), Value: []byte(strconv.FormatUint(m.Version, 10))},
		},
	}
	if keyVals != nil {
		if len(keyVals) != len(t.Source.Identity) {
			return nil, fmt.Errorf("key has %d values, identity has %d columns", len(keyVals), len(t.Source.Identity))
		}
		change.Key = make(map[string]any, len(keyVals))
		for i, idx := range t.Source.Identity {
			change.Key[cols[idx].Name] = keyVals[i]
		}
		key, err := json.Marshal(change.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal key: %w", err)
		}
		msg.Key = sarama.ByteEncoder(key)
	}

	value, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change: %w", err)
	}
	msg.Value = sarama.ByteEncoder(value)
	return msg, nil
}

func (d *Destination) Query(context.Context, destination.Table, destination.Predicate) ([]cdc.Row, error) {
	return nil, destination.ErrQueryUnsupported
}

func (d *Destination) Close() error {
	if d.admin != nil {
		d.admin.Close()
	}
	if d.producer != nil {
		return d.producer.Close()
	}
	return nil
}

func init() {
	destination.Register(destination.BackendKafka, func(ctx context.Context, config map[string]any, logger *zap.Logger) (destination.Destination, error) {
		var cfg Config
		if err := destination.DecodeConfig(config, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal Kafka config: %w", err)
		}
		return Open(ctx, cfg, logger)
	})
}
