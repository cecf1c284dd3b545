package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/commtech/tunnelbroker/internal/metrics"
)

// deletionTTL is the short TTL applied to every row of a device's queue
// when the device asks for its queue to be cleared (spec.md §4.1
// "mark_messages_to_device_for_deletion"). Chosen short enough that a
// lingering in-flight AMQP delivery still completes naturally, per
// spec.md §4.3's note that rows in flight on the consumer "expire
// naturally".
const deletionTTL = 10 * time.Second

func msgSetKey(deviceID string) string    { return "tb:msgs:" + deviceID }
func msgHashKey(deviceID, id string) string { return "tb:msg:" + deviceID + ":" + id }
func msgSeqKey(deviceID string) string    { return "tb:msgseq:" + deviceID }

// PersistMessage writes a row keyed by (device_id, generated message_id)
// and returns the generated id (spec.md §4.1).
func (s *Store) PersistMessage(ctx context.Context, deviceID, payload, clientMessageID string) (string, error) {
	timer := newTimer("persist_message", "redis")
	defer timer()

	messageID := NewMessageID(clientMessageID)

	seq, err := s.redis.Incr(ctx, msgSeqKey(deviceID)).Result()
	if err != nil {
		return "", newStoreError("persist_message", KindTransient, err)
	}

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, msgHashKey(deviceID, messageID), "payload", payload)
	pipe.ZAdd(ctx, msgSetKey(deviceID), redis.Z{Score: float64(seq), Member: messageID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", newStoreError("persist_message", KindTransient, err)
	}

	return messageID, nil
}

// RetrieveMessages returns every undelivered row for the device, ordered
// by insertion (spec.md §4.1: "ordered by message_id"). Members whose
// payload hash has already expired (e.g. via mark-for-deletion TTL) are
// dropped and pruned from the set lazily.
func (s *Store) RetrieveMessages(ctx context.Context, deviceID string) ([]MessageRow, error) {
	timer := newTimer("retrieve_messages", "redis")
	defer timer()

	ids, err := s.redis.ZRangeWithScores(ctx, msgSetKey(deviceID), 0, -1).Result()
	if err != nil {
		return nil, newStoreError("retrieve_messages", KindTransient, err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Score < ids[j].Score })

	rows := make([]MessageRow, 0, len(ids))
	var stale []string
	for _, z := range ids {
		messageID, _ := z.Member.(string)
		payload, err := s.redis.HGet(ctx, msgHashKey(deviceID, messageID), "payload").Result()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, messageID)
			continue
		}
		if err != nil {
			return nil, newStoreError("retrieve_messages", KindTransient, err)
		}
		rows = append(rows, MessageRow{DeviceID: deviceID, MessageID: messageID, Payload: payload})
	}

	if len(stale) > 0 {
		members := make([]interface{}, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		s.redis.ZRem(ctx, msgSetKey(deviceID), members...)
	}

	return rows, nil
}

// DeleteMessage idempotently removes a row (spec.md §4.1
// "delete_message").
func (s *Store) DeleteMessage(ctx context.Context, deviceID, messageID string) error {
	timer := newTimer("delete_message", "redis")
	defer timer()

	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, msgHashKey(deviceID, messageID))
	pipe.ZRem(ctx, msgSetKey(deviceID), messageID)
	if _, err := pipe.Exec(ctx); err != nil {
		return newStoreError("delete_message", KindTransient, err)
	}
	return nil
}

// MarkMessagesToDeviceForDeletion applies a short TTL to every currently
// persisted row for the device (spec.md §4.1). Rows still in flight on the
// AMQP consumer are unaffected and expire naturally.
func (s *Store) MarkMessagesToDeviceForDeletion(ctx context.Context, deviceID string) error {
	timer := newTimer("mark_messages_to_device_for_deletion", "redis")
	defer timer()

	rows, err := s.RetrieveMessages(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("mark_messages_to_device_for_deletion: %w", err)
	}

	pipe := s.redis.Pipeline()
	for _, row := range rows {
		pipe.Expire(ctx, msgHashKey(deviceID, row.MessageID), deletionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return newStoreError("mark_messages_to_device_for_deletion", KindTransient, err)
	}
	return nil
}

func newTimer(op, engine string) func() {
	start := time.Now()
	return func() {
		metrics.StoreOpDuration.WithLabelValues(op, engine).Observe(time.Since(start).Seconds())
	}
}
