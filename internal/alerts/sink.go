package alerts

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
)

// KafkaSink publishes fraud alerts to a Kafka topic. Emission is best-effort;
// callers log failures and move on.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink connects a synchronous producer to the configured brokers.
func NewKafkaSink(cfg configs.KafkaConfig) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Version = sarama.V3_0_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.AlertTopic).Msg("Alert producer connected")

	return &KafkaSink{producer: producer, topic: cfg.AlertTopic}, nil
}

// Emit publishes one alert keyed by user id.
func (s *KafkaSink) Emit(_ context.Context, alert *models.FraudAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(alert.UserID),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

// Close shuts down the producer.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

// NopSink discards alerts. Used when no broker is configured.
type NopSink struct{}

func (NopSink) Emit(_ context.Context, alert *models.FraudAlert) error {
	log.Warn().Str("user_id", alert.UserID).Float64("score", alert.Score).Msg("Alert sink disabled; dropping alert")
	return nil
}
