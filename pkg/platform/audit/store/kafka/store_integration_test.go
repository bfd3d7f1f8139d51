//go:build integration

package kafka_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"trialrand/pkg/platform/audit"
	"trialrand/pkg/platform/audit/store/kafka"
	"trialrand/pkg/testutil/containers"
)

type KafkaStoreSuite struct {
	suite.Suite
	brokers []string
	store   *kafka.Store
}

func TestKafkaStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaStoreSuite))
}

func (s *KafkaStoreSuite) SetupSuite() {
	rp := containers.GetManager().GetRedpanda(s.T())
	s.brokers = []string{rp.Broker}

	store, err := kafka.New(context.Background(), kafka.Config{Brokers: s.brokers, Topic: "randomization-audit"})
	s.Require().NoError(err)
	s.store = store
}

func (s *KafkaStoreSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
}

func (s *KafkaStoreSuite) TestAppendedEventIsConsumable() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	event := audit.Event{
		ID:           "evt-1",
		Category:     audit.CategoryCompliance,
		Timestamp:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Scheme:       "main",
		RecordKey:    "SiteA.1",
		Action:       audit.ActionRecordClaimed,
		Actor:        "coordinator",
		FieldChanges: map[string]string{"subject_identifier": "sub-001"},
	}
	s.Require().NoError(s.store.Append(ctx, event))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.brokers...),
		kgo.ConsumeTopics("randomization-audit"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	s.Require().Empty(fetches.Errors())
	records := fetches.Records()
	s.Require().NotEmpty(records)

	got, err := kafka.Decode(records[0].Value)
	s.Require().NoError(err)
	s.Equal(event.ID, got.ID)
	s.Equal("main/SiteA.1", string(records[0].Key))
	s.Equal("sub-001", got.FieldChanges["subject_identifier"])
	s.True(event.Timestamp.Equal(got.Timestamp))
}

func (s *KafkaStoreSuite) TestEnsureTopicIsIdempotent() {
	client, err := kgo.NewClient(kgo.SeedBrokers(s.brokers...))
	s.Require().NoError(err)
	defer client.Close()

	cfg := kafka.Config{Brokers: s.brokers, Topic: "randomization-audit"}
	s.NoError(kafka.EnsureTopic(context.Background(), client, cfg))
	s.NoError(kafka.EnsureTopic(context.Background(), client, cfg))
}
