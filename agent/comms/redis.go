package comms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisResolver stores channels as JSON strings and transcripts as lists.
// Direct channels are claimed with SETNX on the sorted member pair, so two
// processes racing to open the same DM agree on one channel id.
type RedisResolver struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisResolver creates a resolver on client. keyPrefix defaults to
// "agentrelay:comms:".
func NewRedisResolver(client redis.UniversalClient, keyPrefix string) *RedisResolver {
	if keyPrefix == "" {
		keyPrefix = "agentrelay:comms:"
	}
	return &RedisResolver{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (r *RedisResolver) dmChannelKey(a, b string) string { return r.keyPrefix + "dm:" + dmKey(a, b) }
func (r *RedisResolver) channelKey(id string) string     { return r.keyPrefix + "channel:" + id }
func (r *RedisResolver) messagesKey(id string) string    { return r.keyPrefix + "messages:" + id }

func (r *RedisResolver) GetOrCreateDMChannel(ctx context.Context, a, b string) (string, error) {
	key := r.dmChannelKey(a, b)
	id, err := r.client.Get(ctx, key).Result()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to look up dm channel: %w", err)
	}

	ch := &Channel{
		ID:        uuid.NewString(),
		Name:      "dm:" + dmKey(a, b),
		Direct:    true,
		Members:   []string{a, b},
		CreatedAt: r.now(),
	}
	if err := r.saveChannel(ctx, ch); err != nil {
		return "", err
	}
	won, err := r.client.SetNX(ctx, key, ch.ID, 0).Result()
	if err != nil {
		return "", fmt.Errorf("failed to claim dm channel: %w", err)
	}
	if won {
		return ch.ID, nil
	}

	r.client.Del(ctx, r.channelKey(ch.ID))
	id, err = r.client.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read dm channel: %w", err)
	}
	return id, nil
}

func (r *RedisResolver) CreateChannel(ctx context.Context, name string, members []string) (*Channel, error) {
	ch := &Channel{
		ID:        uuid.NewString(),
		Name:      name,
		Members:   append([]string(nil), members...),
		CreatedAt: r.now(),
	}
	if err := r.saveChannel(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func (r *RedisResolver) saveChannel(ctx context.Context, ch *Channel) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to marshal channel: %w", err)
	}
	if err := r.client.Set(ctx, r.channelKey(ch.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	return nil
}

func (r *RedisResolver) loadChannel(ctx context.Context, id string) (*Channel, error) {
	data, err := r.client.Get(ctx, r.channelKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	var ch Channel
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal channel: %w", err)
	}
	return &ch, nil
}

func (r *RedisResolver) PostMessage(ctx context.Context, channelID, senderID, text string, source Source) (*Message, error) {
	n, err := r.client.Exists(ctx, r.channelKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check channel: %w", err)
	}
	if n == 0 {
		return nil, ErrChannelNotFound
	}

	msg := &Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		SenderID:  senderID,
		Text:      text,
		Source:    source,
		CreatedAt: r.now(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := r.client.RPush(ctx, r.messagesKey(channelID), data).Err(); err != nil {
		return nil, fmt.Errorf("failed to post message: %w", err)
	}
	return msg, nil
}

func (r *RedisResolver) History(ctx context.Context, channelID string, limit int) ([]*Message, error) {
	if _, err := r.loadChannel(ctx, channelID); err != nil {
		return nil, err
	}
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	items, err := r.client.LRange(ctx, r.messagesKey(channelID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	msgs := make([]*Message, 0, len(items))
	for _, item := range items {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

func (r *RedisResolver) Members(ctx context.Context, channelID string) ([]string, error) {
	ch, err := r.loadChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return ch.Members, nil
}
