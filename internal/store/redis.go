package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/chatrelay/internal/relay"
)

const messageTTL = 7 * 24 * time.Hour

// RedisMessageStore keeps messages in Redis: one JSON value per message and
// one sorted set per conversation, scored by message id. Ids come from a
// single INCR counter, so they are strictly increasing.
type RedisMessageStore struct {
	client *redis.Client
}

// NewRedisMessageStore connects to Redis at redisURL.
func NewRedisMessageStore(ctx context.Context, redisURL string) (*RedisMessageStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisMessageStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisMessageStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisMessageStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

const messageSeqKey = "chatrelay:messages:seq"

func messageKey(id int64) string {
	return fmt.Sprintf("chatrelay:message:%d", id)
}

func conversationSetKey(conv string) string {
	return fmt.Sprintf("chatrelay:conversation:%s", conv)
}

type redisMessage struct {
	ID         int64     `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id,omitempty"`
	RoomID     string    `json:"room_id,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Deleted    bool      `json:"deleted"`
}

func toRedis(m *relay.Message) redisMessage {
	return redisMessage{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		RoomID:     m.RoomID,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
		Deleted:    m.Deleted,
	}
}

func (r redisMessage) message() *relay.Message {
	return &relay.Message{
		ID:         r.ID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		RoomID:     r.RoomID,
		Content:    r.Content,
		CreatedAt:  r.CreatedAt.UTC(),
		Deleted:    r.Deleted,
	}
}

// Create assigns the next id, stores the message and indexes it under its
// conversation.
func (s *RedisMessageStore) Create(ctx context.Context, draft relay.Draft) (*relay.Message, error) {
	id, err := s.client.Incr(ctx, messageSeqKey).Result()
	if err != nil {
		return nil, err
	}
	msg := draftMessage(draft)
	msg.ID = id

	data, err := json.Marshal(toRedis(msg))
	if err != nil {
		return nil, err
	}
	conv := conversationSetKey(conversationKey(msg.Channel()))

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, messageKey(id), data, messageTTL)
		pipe.ZAdd(ctx, conv, redis.Z{Score: float64(id), Member: id})
		pipe.Expire(ctx, conv, messageTTL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Get retrieves a message by id.
func (s *RedisMessageStore) Get(ctx context.Context, id int64) (*relay.Message, error) {
	data, err := s.client.Get(ctx, messageKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, relay.ErrNotFound
		}
		return nil, err
	}
	var rm redisMessage
	if err := json.Unmarshal(data, &rm); err != nil {
		return nil, err
	}
	return rm.message(), nil
}

// SoftDelete tombstones a message, keeping its remaining TTL.
func (s *RedisMessageStore) SoftDelete(ctx context.Context, id int64) (*relay.Message, error) {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	msg.Content = relay.Tombstone
	msg.Deleted = true

	data, err := json.Marshal(toRedis(msg))
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, messageKey(id), data, redis.KeepTTL).Err(); err != nil {
		return nil, err
	}
	return msg, nil
}

// History returns messages of a channel, oldest first.
func (s *RedisMessageStore) History(ctx context.Context, ch relay.Channel, beforeID int64, limit int) ([]relay.Message, error) {
	maxScore := "+inf"
	if beforeID > 0 {
		maxScore = "(" + strconv.FormatInt(beforeID, 10)
	}
	ids, err := s.client.ZRevRangeByScore(ctx, conversationSetKey(conversationKey(ch)), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: int64(clampLimit(limit)),
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]relay.Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		id, err := strconv.ParseInt(ids[i], 10, 64)
		if err != nil {
			continue
		}
		msg, err := s.Get(ctx, id)
		if errors.Is(err, relay.ErrNotFound) {
			// Expired between the index read and the value read.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, nil
}
