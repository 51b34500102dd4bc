package streamlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"artifactchat/pkg/delta"
)

// RedisLog stores each stream as a Redis stream whose entry ids are "0-<seq>",
// so Redis itself rejects duplicate or out-of-order sequence numbers.
type RedisLog struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	readCount int64
}

type RedisLogConfig struct {
	Addr      string
	Password  string
	Prefix    string
	TTL       time.Duration
	ReadCount int64
}

func NewRedisLog(cfg RedisLogConfig) (*RedisLog, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "artifactchat:stream"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 256
	}
	return &RedisLog{
		client:    redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		prefix:    prefix,
		ttl:       ttl,
		readCount: readCount,
	}, nil
}

// Append implements Log. The entry and the key expiry are written in one transaction.
func (l *RedisLog) Append(ctx context.Context, streamID string, d delta.Delta) error {
	if d.Seq <= 0 {
		return fmt.Errorf("append seq %d: %w", d.Seq, ErrSequence)
	}
	key := l.key(streamID)
	pipe := l.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		ID:     entryID(d.Seq),
		Values: map[string]any{
			"type":    string(d.Type),
			"content": string(d.Content),
		},
	})
	pipe.Expire(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		if strings.Contains(err.Error(), "equal or smaller") {
			return fmt.Errorf("append seq %d: %w", d.Seq, ErrSequence)
		}
		return fmt.Errorf("append delta: %w", err)
	}
	return nil
}

// Range implements Log.
func (l *RedisLog) Range(ctx context.Context, streamID string, after int64) ([]delta.Delta, error) {
	msgs, err := l.client.XRange(ctx, l.key(streamID), entryID(after+1), "+").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("range deltas: %w", err)
	}
	return decodeMessages(msgs)
}

// Follow implements Follower with a blocking XREAD.
func (l *RedisLog) Follow(ctx context.Context, streamID string, after int64, wait time.Duration) ([]delta.Delta, error) {
	block := wait
	if block <= 0 {
		block = -1
	}
	streams, err := l.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{l.key(streamID), entryID(after)},
		Count:   l.readCount,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("follow deltas: %w", err)
	}
	var out []delta.Delta
	for _, s := range streams {
		decoded, err := decodeMessages(s.Messages)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded...)
	}
	return out, nil
}

// Delete implements Log.
func (l *RedisLog) Delete(ctx context.Context, streamIDs ...string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(streamIDs))
	for _, id := range streamIDs {
		keys = append(keys, l.key(id))
	}
	if err := l.client.Del(ctx, keys...).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete delta logs: %w", err)
	}
	return nil
}

// PublishStop implements StopBus over Redis pub/sub.
func (l *RedisLog) PublishStop(ctx context.Context, streamID string) error {
	if err := l.client.Publish(ctx, l.stopChannel(), streamID).Err(); err != nil {
		return fmt.Errorf("publish stop: %w", err)
	}
	return nil
}

// WatchStops implements StopBus. The subscription is confirmed before it
// returns; messages are delivered from a goroutine until ctx is done.
func (l *RedisLog) WatchStops(ctx context.Context, fn func(streamID string)) error {
	sub := l.client.Subscribe(ctx, l.stopChannel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe stops: %w", err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				if m != nil && m.Payload != "" {
					fn(m.Payload)
				}
			}
		}
	}()
	return nil
}

// Close releases the underlying client.
func (l *RedisLog) Close() error {
	return l.client.Close()
}

func (l *RedisLog) key(streamID string) string {
	return fmt.Sprintf("%s:%s:deltas", l.prefix, streamID)
}

func (l *RedisLog) stopChannel() string {
	return l.prefix + ":stops"
}

func entryID(seq int64) string {
	if seq < 0 {
		seq = 0
	}
	return "0-" + strconv.FormatInt(seq, 10)
}

func decodeMessages(msgs []redis.XMessage) ([]delta.Delta, error) {
	out := make([]delta.Delta, 0, len(msgs))
	for _, msg := range msgs {
		d, err := decodeMessage(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeMessage(msg redis.XMessage) (delta.Delta, error) {
	_, seqPart, ok := strings.Cut(msg.ID, "-")
	if !ok {
		return delta.Delta{}, fmt.Errorf("malformed entry id %q", msg.ID)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return delta.Delta{}, fmt.Errorf("malformed entry id %q: %w", msg.ID, err)
	}
	d := delta.Delta{Seq: seq}
	if v, _ := msg.Values["type"].(string); v != "" {
		d.Type = delta.Type(v)
	}
	if v, _ := msg.Values["content"].(string); v != "" {
		d.Content = json.RawMessage(v)
	}
	return d, nil
}
