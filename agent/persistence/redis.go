package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// redisDocs is the layout shared by the Redis stores: one JSON document per
// record plus sorted-set indexes, all under a common key prefix.
type redisDocs struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

func newRedisDocs(client redis.UniversalClient, keyPrefix, kind string, maxRetries int) redisDocs {
	if keyPrefix == "" {
		keyPrefix = "agentrelay:"
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return redisDocs{client: client, prefix: keyPrefix + kind + ":", maxRetries: maxRetries}
}

func (d redisDocs) key(parts ...string) string {
	return d.prefix + strings.Join(parts, ":")
}

func (d redisDocs) dataKey(id string) string {
	return d.key("data", id)
}

// load decodes the document at key into v. A missing key returns redis.Nil.
func (d redisDocs) load(ctx context.Context, c redis.Cmdable, key string, v any) error {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// loadMany fetches the documents of ids in order, skipping missing ones.
func loadMany[T any](ctx context.Context, d redisDocs, ids []string) ([]*T, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = d.dataKey(id)
	}
	vals, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		item := new(T)
		if err := json.Unmarshal([]byte(s), item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// watch runs fn under WATCH key and retries when another client wrote the key
// before the transaction committed.
func (d redisDocs) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < d.maxRetries; i++ {
		err = d.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// Ping checks if the backing server is reachable.
func (d redisDocs) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
