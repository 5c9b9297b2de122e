package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/quickio/quickio/internal/monitoring"
)

// KafkaBridge republishes Kafka records into the broadcast pipeline.
//
// The record key is the event path. A record with no key falls back to
// the topic name with dots read as path separators, so topic "chat.room"
// broadcasts on "/chat/room". Record values pass through untouched as
// the event's JSON payload.
type KafkaBridge struct {
	client *kgo.Client
	target Broadcaster
	logger zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// KafkaConfig holds the consumer settings for the Kafka bridge.
type KafkaConfig struct {
	Brokers []string
	Group   string
	Topics  []string
}

// NewKafka builds the consumer client. Offsets start at the end: a
// broker that was down missed those broadcasts anyway, and replaying
// stale events at reconnected clients helps nobody.
func NewKafka(cfg KafkaConfig, target Broadcaster, logger zerolog.Logger) (*KafkaBridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka bridge: at least one broker is required")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("kafka bridge: consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafka bridge: at least one topic is required")
	}

	log := logger.With().Str("component", "kafka-bridge").Logger()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			log.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			log.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka bridge: create client: %w", err)
	}

	return &KafkaBridge{
		client: client,
		target: target,
		logger: log,
	}, nil
}

// Start launches the poll loop.
func (b *KafkaBridge) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(1)
	go b.consume(ctx)

	b.logger.Info().Msg("Kafka bridge consuming")
	return nil
}

func (b *KafkaBridge) consume(ctx context.Context) {
	defer b.wg.Done()

	for {
		fetches := b.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		for _, fe := range fetches.Errors() {
			b.logger.Error().
				Err(fe.Err).
				Str("topic", fe.Topic).
				Int32("partition", fe.Partition).
				Msg("Fetch error")
		}
		fetches.EachRecord(b.record)
	}
}

func (b *KafkaBridge) record(r *kgo.Record) {
	path := string(r.Key)
	if !strings.HasPrefix(path, "/") {
		path = "/" + strings.ReplaceAll(r.Topic, ".", "/")
	}

	monitoring.BridgeMessages.WithLabelValues("kafka").Inc()
	if err := b.target.Broadcast(path, string(r.Value)); err != nil {
		b.logger.Debug().
			Str("topic", r.Topic).
			Str("path", path).
			Err(err).
			Msg("Bridge record dropped")
	}
}

// Close stops the poll loop and closes the client.
func (b *KafkaBridge) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.client.Close()
}
