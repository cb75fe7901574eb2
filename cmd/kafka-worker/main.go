package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/configs"
	"github.com/sentinel/fraud-engine/internal/cache"
	"github.com/sentinel/fraud-engine/internal/events"
)

// dailyStatsTTL keeps roughly three months of per-tenant daily aggregates.
const dailyStatsTTL = 90 * 24 * time.Hour

// WorkerMetrics tracks the consumer's throughput for the periodic report log.
type WorkerMetrics struct {
	mu                sync.RWMutex
	EventsConsumed    int64
	EventsFailed      int64
	LevelDistribution map[string]int64
	LastEventTime     time.Time
}

func NewWorkerMetrics() *WorkerMetrics {
	return &WorkerMetrics{LevelDistribution: make(map[string]int64)}
}

func (m *WorkerMetrics) RecordEvent(event *events.ScoreEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsConsumed++
	m.LevelDistribution[event.RiskLevel]++
	m.LastEventTime = time.Now()
}

func (m *WorkerMetrics) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsFailed++
}

func (m *WorkerMetrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	levels := make(map[string]int64, len(m.LevelDistribution))
	for k, v := range m.LevelDistribution {
		levels[k] = v
	}
	return map[string]interface{}{
		"events_consumed":    m.EventsConsumed,
		"events_failed":      m.EventsFailed,
		"level_distribution": levels,
		"last_event_time":    m.LastEventTime,
	}
}

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENVIRONMENT") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().Msg("Starting score analytics worker")

	cfg, err := configs.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if len(cfg.Kafka.Brokers) == 0 {
		log.Fatal().Msg("KAFKA_BROKERS is required for the analytics worker")
	}

	groupID := os.Getenv("KAFKA_GROUP_ID")
	if groupID == "" {
		groupID = "score-analytics"
	}

	cacheClient, err := cache.New(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cacheClient.Close()

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	// Retry connecting to Kafka
	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < 30; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(cfg.Kafka.Brokers, groupID, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	handler := &ScoreEventHandler{
		cacheClient: cacheClient,
		metrics:     NewWorkerMetrics(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received, stopping analytics worker...")
		cancel()
	}()

	go handler.startMetricsReporter(ctx)

	topics := []string{cfg.Kafka.Topic}
	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Strs("topics", topics).
		Str("group_id", groupID).
		Msg("Analytics worker started - consuming score events")

	for {
		if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}

		if ctx.Err() != nil {
			log.Info().Msg("Context cancelled, shutting down analytics worker")
			return
		}
	}
}

// ScoreEventHandler folds score events into per-tenant daily aggregates in
// Redis, keyed stats:daily:<tenant>:<date>.
type ScoreEventHandler struct {
	cacheClient *cache.Client
	metrics     *WorkerMetrics
}

func (h *ScoreEventHandler) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Analytics worker session started")
	return nil
}

func (h *ScoreEventHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Analytics worker session ended")
	return nil
}

func (h *ScoreEventHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.processMessage(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *ScoreEventHandler) processMessage(ctx context.Context, message *sarama.ConsumerMessage) {
	var event events.ScoreEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		h.metrics.RecordFailure()
		log.Warn().Err(err).
			Str("topic", message.Topic).
			Int64("offset", message.Offset).
			Msg("Failed to decode score event, skipping")
		return
	}

	h.metrics.RecordEvent(&event)

	key := "stats:daily:" + event.TenantID + ":" + event.CreatedAt.UTC().Format("2006-01-02")

	fields := map[string]int64{
		"total":                   1,
		"level:" + event.RiskLevel: 1,
	}
	if event.FlagCount > 0 {
		fields["flagged"] = 1
	}
	if event.ConsortiumMatch {
		fields["consortium_matches"] = 1
	}
	if event.Recommendation == "REJECT" {
		fields["rejected"] = 1
	}

	for field, incr := range fields {
		if _, err := h.cacheClient.HIncrBy(ctx, key, field, incr); err != nil {
			h.metrics.RecordFailure()
			log.Warn().Err(err).Str("key", key).Str("field", field).Msg("Daily aggregate bump failed")
			return
		}
	}
	if err := h.cacheClient.Expire(ctx, key, dailyStatsTTL); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to set aggregate TTL")
	}
}

func (h *ScoreEventHandler) startMetricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Info().Fields(h.metrics.Snapshot()).Msg("Analytics worker metrics")
		case <-ctx.Done():
			return
		}
	}
}
