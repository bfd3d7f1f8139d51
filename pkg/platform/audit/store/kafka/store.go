// Package kafka ships audit events to a Kafka topic. Kafka is the
// append-only history store; consumers materialize it for querying.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"trialrand/pkg/platform/audit"
)

// Config holds producer settings.
type Config struct {
	Brokers           []string
	Topic             string
	Partitions        int32
	ReplicationFactor int16
}

// Store implements audit.Store with synchronous, fully acknowledged produces.
type Store struct {
	client *kgo.Client
	topic  string
}

// payload is the JSON document published per event.
type payload struct {
	ID           string            `json:"id"`
	Category     string            `json:"category"`
	Timestamp    string            `json:"timestamp"`
	Scheme       string            `json:"scheme"`
	RecordKey    string            `json:"record_key,omitempty"`
	Action       string            `json:"action"`
	Actor        string            `json:"actor"`
	FieldChanges map[string]string `json:"field_changes,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
	Client       string            `json:"client,omitempty"`
}

// New connects a producer and ensures the topic exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if err := EnsureTopic(ctx, client, cfg); err != nil {
		client.Close()
		return nil, err
	}
	return &Store{client: client, topic: cfg.Topic}, nil
}

// EnsureTopic creates the audit topic when it does not exist yet.
func EnsureTopic(ctx context.Context, client *kgo.Client, cfg Config) error {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, partitions, replication, nil, cfg.Topic)
	if err != nil {
		return fmt.Errorf("create audit topic: %w", err)
	}
	if r, ok := resp[cfg.Topic]; ok && r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create audit topic %s: %w", cfg.Topic, r.Err)
	}
	return nil
}

// Append produces the event keyed by scheme and record so that the history
// of one row stays ordered within a partition.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	body, err := json.Marshal(payload{
		ID:           event.ID,
		Category:     string(event.Category),
		Timestamp:    event.Timestamp.UTC().Format(time.RFC3339Nano),
		Scheme:       event.Scheme,
		RecordKey:    event.RecordKey,
		Action:       string(event.Action),
		Actor:        event.Actor,
		FieldChanges: event.FieldChanges,
		RequestID:    event.RequestID,
		Client:       event.Client,
	})
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(event.Scheme + "/" + event.RecordKey),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "action", Value: []byte(event.Action)},
			{Key: "category", Value: []byte(event.Category)},
		},
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// Close flushes and releases the producer.
func (s *Store) Close() {
	s.client.Close()
}

// Decode parses a produced record back into an event.
func Decode(value []byte) (audit.Event, error) {
	var p payload
	if err := json.Unmarshal(value, &p); err != nil {
		return audit.Event{}, fmt.Errorf("decode audit payload: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		return audit.Event{}, fmt.Errorf("decode audit timestamp: %w", err)
	}
	return audit.Event{
		ID:           p.ID,
		Category:     audit.EventCategory(p.Category),
		Timestamp:    ts,
		Scheme:       p.Scheme,
		RecordKey:    p.RecordKey,
		Action:       audit.Action(p.Action),
		Actor:        p.Actor,
		FieldChanges: p.FieldChanges,
		RequestID:    p.RequestID,
		Client:       p.Client,
	}, nil
}
