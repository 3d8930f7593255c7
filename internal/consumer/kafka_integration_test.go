//go:build integration

package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaContainer "github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.uber.org/zap"

	"example.com/engagement/internal/domain"
	"example.com/engagement/internal/events"
)

func TestKafkaStepsCorrectionCreatesActivity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	kafkaC, err := kafkaContainer.Run(ctx, "confluentinc/confluent-local:7.5.0", testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	broker := brokers[0]
	topic := "activity_facts"

	conn, err := kafka.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))

	handler, repo := newFactHandler(t)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{broker},
		GroupID:     "engagement-integration",
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	consumerCtx, stop := context.WithCancel(ctx)
	defer stop()
	proc := NewProcessor(reader, handler, WithLogger(zap.NewNop()))
	go func() { _ = proc.Run(consumerCtx) }()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()

	payload, err := json.Marshal(events.StepsCorrected{UserID: "user-k", Date: "2025-08-11", Steps: 12000, Source: "wearable"})
	require.NoError(t, err)
	require.NoError(t, writer.WriteMessages(ctx,
		kafka.Message{
			Key:     []byte("user-k"),
			Value:   []byte(`{"broken":`),
			Headers: []kafka.Header{{Key: "event_type", Value: []byte(events.TypeStepsCorrected)}},
		},
		kafka.Message{
			Key:     []byte("user-k"),
			Value:   payload,
			Headers: []kafka.Header{{Key: "event_type", Value: []byte(events.TypeStepsCorrected)}},
		},
	))

	require.Eventually(t, func() bool {
		a, err := repo.FindByPeriod(ctx, "user-k", domain.KindStepSync, "2025-08-11")
		return err == nil && a != nil && a.Status == domain.StatusApproved
	}, 30*time.Second, 250*time.Millisecond)

	balance, err := repo.Balance(ctx, "user-k")
	require.NoError(t, err)
	require.EqualValues(t, 5, balance)
}
