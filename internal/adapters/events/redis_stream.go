package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/opyter/cromqc/internal/domain/entities"
	"github.com/opyter/cromqc/internal/domain/providers"
	apperrors "github.com/opyter/cromqc/pkg/errors"
)

// payloadField is the stream entry field holding the JSON record
const payloadField = "data"

// streamClient is the subset of go-redis used by the stream adapters
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamSourceConfig names the stream and consumer identity
type StreamSourceConfig struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
	Count    int64
}

// RedisStreamSource implements RecordSource with a Redis Streams consumer group.
// Entries delivered to this consumer but never acknowledged are replayed first.
type RedisStreamSource struct {
	client        streamClient
	cfg           StreamSourceConfig
	groupReady    bool
	pendingDone   bool
	pendingCursor string
}

// NewRedisStreamSource creates a consumer group reader
func NewRedisStreamSource(client streamClient, cfg StreamSourceConfig) *RedisStreamSource {
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	return &RedisStreamSource{client: client, cfg: cfg, pendingCursor: "0"}
}

var _ providers.RecordSource = (*RedisStreamSource)(nil)

func (s *RedisStreamSource) ensureGroup(ctx context.Context) error {
	if s.groupReady {
		return nil
	}
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return apperrors.NewConnectionError(fmt.Sprintf("failed to create consumer group %s on %s", s.cfg.Group, s.cfg.Stream), err)
	}
	s.groupReady = true
	return nil
}

// Receive reads the next entries for this consumer
func (s *RedisStreamSource) Receive(ctx context.Context) ([]entities.Delivery, error) {
	if err := s.ensureGroup(ctx); err != nil {
		return nil, err
	}

	start := ">"
	block := s.cfg.Block
	if !s.pendingDone {
		start = s.pendingCursor
		block = -1
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, start},
		Count:    s.cfg.Count,
		Block:    block,
	}).Result()
	switch {
	case err == redis.Nil:
		s.pendingDone = true
		return nil, nil
	case err != nil && strings.HasPrefix(err.Error(), "NOGROUP"):
		log.Warn().Str("stream", s.cfg.Stream).Str("group", s.cfg.Group).Msg("Consumer group vanished, recreating")
		s.groupReady = false
		return nil, nil
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewConnectionError(fmt.Sprintf("failed to read from stream %s", s.cfg.Stream), err)
	}

	var deliveries []entities.Delivery
	for _, st := range streams {
		for _, msg := range st.Messages {
			deliveries = append(deliveries, entities.Delivery{ID: msg.ID, Payload: entryPayload(msg.Values)})
		}
	}

	if !s.pendingDone {
		if len(deliveries) == 0 {
			s.pendingDone = true
			return nil, nil
		}
		s.pendingCursor = deliveries[len(deliveries)-1].ID
		log.Info().Str("stream", s.cfg.Stream).Int("count", len(deliveries)).Msg("Replaying unacknowledged entries")
	}
	return deliveries, nil
}

// Ack acknowledges an entry in the consumer group
func (s *RedisStreamSource) Ack(ctx context.Context, id string) error {
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		return apperrors.NewConnectionError(fmt.Sprintf("failed to ack %s on %s", id, s.cfg.Stream), err)
	}
	return nil
}

// Close is a no-op; the shared Redis client is closed by its owner
func (s *RedisStreamSource) Close() error {
	return nil
}

// entryPayload returns the JSON record of an entry. Entries written as flat
// field/value pairs instead of a single data field are re-encoded as a JSON object.
func entryPayload(values map[string]interface{}) []byte {
	if v, ok := values[payloadField]; ok {
		switch data := v.(type) {
		case string:
			return []byte(data)
		case []byte:
			return data
		}
	}
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return data
}

// RedisStreamPublisher implements ResultPublisher with XADD on a capped stream
type RedisStreamPublisher struct {
	client streamClient
	stream string
	maxLen int64
}

// NewRedisStreamPublisher creates a stream publisher
func NewRedisStreamPublisher(client streamClient, stream string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

var _ providers.ResultPublisher = (*RedisStreamPublisher)(nil)

// Publish appends the enriched record to the output stream
func (p *RedisStreamPublisher) Publish(ctx context.Context, msg *entities.OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.NewInternalError("failed to marshal outbound message", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			payloadField:  data,
			"reading_key": msg.ReadingKey,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return apperrors.NewConnectionError(fmt.Sprintf("failed to publish to stream %s", p.stream), err)
	}

	log.Debug().Str("stream", p.stream).Str("entry_id", id).Str("reading_key", msg.ReadingKey).Msg("Published enriched record")
	return nil
}

// Close is a no-op; the shared Redis client is closed by its owner
func (p *RedisStreamPublisher) Close() error {
	return nil
}
