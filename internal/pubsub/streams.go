package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamEvent is one replayable event stored in Redis Streams
type StreamEvent struct {
	Channel   string
	Sequence  int64
	Event     map[string]interface{}
	Timestamp time.Time
}

// streamTTL bounds how long session/monitor channels stay replayable
const streamTTL = 24 * time.Hour

// Streams keeps a sequenced, replayable copy of every published event so
// consoles can acknowledge what they saw and resume after a reconnect.
type Streams struct {
	rdb *redis.Client
	log *zap.Logger
	ctx context.Context
}

func NewStreams(rdb *redis.Client, log *zap.Logger) *Streams {
	return &Streams{
		rdb: rdb,
		log: log,
		ctx: context.Background(),
	}
}

// PublishEvent appends an event to a channel's stream and returns its
// sequence number.
func (s *Streams) PublishEvent(channel string, event map[string]interface{}) (int64, error) {
	seq, err := s.rdb.Incr(s.ctx, "seq:"+channel).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}

	enriched := make(map[string]interface{}, len(event)+3)
	for k, v := range event {
		enriched[k] = v
	}
	enriched["seq"] = seq
	enriched["channel"] = channel
	enriched["timestamp"] = time.Now().Format(time.RFC3339)

	data, err := json.Marshal(enriched)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	streamKey := "stream:" + channel
	if err := s.rdb.XAdd(s.ctx, &redis.XAddArgs{
		Stream: streamKey,
		ID:     "*",
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return 0, fmt.Errorf("failed to add to stream: %w", err)
	}
	_ = s.rdb.Expire(s.ctx, streamKey, streamTTL).Err()

	return seq, nil
}

// GetLastSequence returns the last acknowledged sequence for a channel and
// connection, zero if none.
func (s *Streams) GetLastSequence(channel, connectionID string) (int64, error) {
	val, err := s.rdb.Get(s.ctx, ackKey(channel, connectionID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}
	seq, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse sequence: %w", err)
	}
	return seq, nil
}

// AcknowledgeSequence records how far a connection has read a channel
func (s *Streams) AcknowledgeSequence(channel, connectionID string, sequence int64) error {
	if err := s.rdb.Set(s.ctx, ackKey(channel, connectionID), sequence, streamTTL).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge sequence: %w", err)
	}
	return nil
}

// ReplayEvents returns up to limit events on a channel with sequence numbers
// greater than sinceSeq.
func (s *Streams) ReplayEvents(channel string, sinceSeq int64, limit int64) ([]StreamEvent, error) {
	msgs, err := s.rdb.XRange(s.ctx, "stream:"+channel, "-", "+").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	var events []StreamEvent
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			s.log.Warn("Failed to unmarshal stream event", zap.Error(err))
			continue
		}

		seqF, _ := payload["seq"].(float64)
		seq := int64(seqF)
		if seq <= sinceSeq {
			continue
		}

		ts, _ := payload["timestamp"].(string)
		timestamp, _ := time.Parse(time.RFC3339, ts)
		if timestamp.IsZero() {
			timestamp = time.Now()
		}

		event := make(map[string]interface{})
		for k, v := range payload {
			if k != "seq" && k != "channel" && k != "timestamp" {
				event[k] = v
			}
		}

		events = append(events, StreamEvent{
			Channel:   channel,
			Sequence:  seq,
			Event:     event,
			Timestamp: timestamp,
		})
		if int64(len(events)) >= limit {
			break
		}
	}
	return events, nil
}

func ackKey(channel, connectionID string) string {
	return "ack:" + channel + ":" + connectionID
}
