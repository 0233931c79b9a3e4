package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/taskflow/supportchat/internal/metrics"
	"github.com/taskflow/supportchat/protocol"
)

const (
	// Message history and receipts expire together; the durable system of
	// record for older history is the backing store upstream of this service.
	historyTTL = 30 * 24 * time.Hour

	// Presence entries self-expire so a crashed instance cannot leave a
	// participant stuck online forever.
	presenceTTL = 24 * time.Hour
)

// RedisStore handles Redis operations for message history, read receipts and
// presence.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying client for middleware that shares the
// connection.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// chatMessagesKey returns the key for a chat's message sorted set.
func chatMessagesKey(chatID string) string {
	return fmt.Sprintf("chat:%s:messages", chatID)
}

// chatMessageIDsKey returns the key for a chat's seen-message-id set.
func chatMessageIDsKey(chatID string) string {
	return fmt.Sprintf("chat:%s:msgids", chatID)
}

// chatReadKey returns the key for a chat's read-receipt set.
func chatReadKey(chatID string) string {
	return fmt.Sprintf("chat:%s:read", chatID)
}

// presenceKey returns the key for the online-participants hash.
func presenceKey() string {
	return "presence:online"
}

// AddMessage stores a message in the chat's sorted set. The message id is
// the dedup key: a per-chat id set is checked first, so replaying the same
// send (socket delivery followed by a REST retry carrying the same id)
// keeps exactly one entry even when the retry is stamped with a fresh
// timestamp. The first write wins.
func (s *RedisStore) AddMessage(ctx context.Context, msg *protocol.Message) error {
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()

	// Generate ULID if not set
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}

	// Set timestamp if not set
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}

	// Receipts only move false -> true; the stored copy starts unread.
	msg.IsRead = false

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	idsKey := chatMessageIDsKey(msg.ChatID)
	added, err := s.client.SAdd(ctx, idsKey, msg.ID).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		// Replay of an id we already hold.
		return nil
	}

	key := chatMessagesKey(msg.ChatID)
	err = s.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(msg.CreatedAt),
		Member: string(data),
	}).Err()
	if err != nil {
		return err
	}

	s.client.Expire(ctx, key, historyTTL)
	s.client.Expire(ctx, idsKey, historyTTL)
	return nil
}

// History retrieves messages from a chat, newest first, with read receipts
// merged in.
func (s *RedisStore) History(ctx context.Context, chatID string, limit int, before int64) ([]protocol.Message, error) {
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()

	key := chatMessagesKey(chatID)

	var maxScore string
	if before > 0 {
		maxScore = fmt.Sprintf("(%d", before) // exclusive
	} else {
		maxScore = "+inf"
	}

	results, err := s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]protocol.Message, 0, len(results))
	ids := make([]interface{}, 0, len(results))
	for _, data := range results {
		var msg protocol.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
		ids = append(ids, msg.ID)
	}

	if len(ids) > 0 {
		read, err := s.client.SMIsMember(ctx, chatReadKey(chatID), ids...).Result()
		if err == nil {
			for i := range messages {
				messages[i].IsRead = read[i]
			}
		}
	}

	return messages, nil
}

// MarkRead records read receipts for the given message ids. Set membership
// makes the flip monotonic and the call idempotent.
func (s *RedisStore) MarkRead(ctx context.Context, chatID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	key := chatReadKey(chatID)
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, historyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOnline records a participant's presence. Presence is a projection of
// open sockets, so entries carry a TTL as a safety net.
func (s *RedisStore) SetOnline(ctx context.Context, participantID string, online bool) error {
	key := presenceKey()
	if online {
		pipe := s.client.Pipeline()
		pipe.HSet(ctx, key, participantID, "1")
		pipe.Expire(ctx, key, presenceTTL)
		_, err := pipe.Exec(ctx)
		return err
	}
	return s.client.HDel(ctx, key, participantID).Err()
}

// Online reports which of the given participants are currently online.
func (s *RedisStore) Online(ctx context.Context, participantIDs []string) (map[string]bool, error) {
	result := make(map[string]bool, len(participantIDs))
	if len(participantIDs) == 0 {
		return result, nil
	}

	values, err := s.client.HMGet(ctx, presenceKey(), participantIDs...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		result[participantIDs[i]] = v != nil
	}
	return result, nil
}
