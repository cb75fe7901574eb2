package events

import (
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/configs"
	"github.com/sentinel/fraud-engine/internal/models"
)

// ScoreEvent is the payload published to Kafka for every scored transaction.
// Downstream consumers (analytics worker, warehousing) key on tenant_id.
type ScoreEvent struct {
	TransactionID    string        `json:"transaction_id"`
	TenantID         string        `json:"tenant_id"`
	Vertical         string        `json:"vertical"`
	TransactionType  string        `json:"transaction_type"`
	Amount           float64       `json:"amount"`
	Currency         string        `json:"currency"`
	RiskScore        int           `json:"risk_score"`
	RiskLevel        string        `json:"risk_level"`
	Recommendation   string        `json:"recommendation"`
	FlagCount        int           `json:"flag_count"`
	ConsortiumMatch  bool          `json:"consortium_match"`
	ProcessingTimeMs int64         `json:"processing_time_ms"`
	Flags            []models.Flag `json:"flags,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Publisher emits score events to Kafka. Publishing is best-effort: a broker
// outage never fails a scoring request, it only loses analytics events.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewPublisher connects a sync producer to the configured brokers. When no
// brokers are configured the publisher is disabled and every call is a no-op.
func NewPublisher(cfg configs.KafkaConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka brokers not configured, score events disabled")
		return &Publisher{topic: cfg.Topic}, nil
	}

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Version = sarama.V3_0_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("Kafka score event publisher connected")
	return &Publisher{producer: producer, topic: cfg.Topic}, nil
}

// Enabled reports whether a producer is connected.
func (p *Publisher) Enabled() bool {
	return p != nil && p.producer != nil
}

// PublishScore emits one score event. Errors are logged and swallowed.
func (p *Publisher) PublishScore(tx *models.Transaction) {
	if !p.Enabled() {
		return
	}

	event := ScoreEvent{
		TransactionID:    tx.TransactionID,
		TenantID:         tx.TenantID,
		Vertical:         tx.Vertical,
		TransactionType:  tx.TransactionType,
		Amount:           tx.Amount,
		Currency:         tx.Currency,
		RiskScore:        tx.RiskScore,
		RiskLevel:        tx.RiskLevel,
		Recommendation:   tx.Recommendation,
		FlagCount:        len(tx.Flags),
		ConsortiumMatch:  tx.ConsortiumMatch,
		ProcessingTimeMs: tx.ProcessingTimeMs,
		Flags:            tx.Flags,
		CreatedAt:        tx.CreatedAt,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("transaction_id", tx.TransactionID).Msg("Failed to marshal score event")
		return
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(tx.TenantID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		log.Error().Err(err).
			Str("transaction_id", tx.TransactionID).
			Str("topic", p.topic).
			Msg("Failed to publish score event")
	}
}

// Close shuts down the producer.
func (p *Publisher) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
