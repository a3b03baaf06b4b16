package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetter is a task that could not be completed.
type DeadLetter struct {
	Kind     string    `json:"kind"`
	Key      string    `json:"key"`
	Payload  any       `json:"payload,omitempty"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterSink keeps failed tasks for inspection or replay.
type DeadLetterSink interface {
	Put(ctx context.Context, d DeadLetter) error
}

// MemorySink keeps the most recent dead letters in process.
type MemorySink struct {
	mu      sync.Mutex
	max     int
	entries []DeadLetter
}

// NewMemorySink keeps at most max entries; zero means 1000.
func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 1000
	}
	return &MemorySink{max: max}
}

func (s *MemorySink) Put(_ context.Context, d DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, d)
	if over := len(s.entries) - s.max; over > 0 {
		s.entries = s.entries[over:]
	}
	return nil
}

// Entries returns a copy of the kept dead letters, oldest first.
func (s *MemorySink) Entries() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.entries...)
}

// DefaultRedisKey is the list dead letters are pushed onto.
const DefaultRedisKey = "requisition:outbox:dead_letters"

// RedisSink pushes dead letters as JSON onto a capped Redis list.
type RedisSink struct {
	client redis.Cmdable
	key    string
	max    int64
}

// NewRedisSink creates a sink writing to key, trimmed to max entries.
func NewRedisSink(client redis.Cmdable, key string, max int64) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	if max <= 0 {
		max = 10000
	}
	return &RedisSink{client: client, key: key, max: max}
}

func (s *RedisSink) Put(ctx context.Context, d DeadLetter) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.key, data)
		p.LTrim(ctx, s.key, 0, s.max-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis push %q: %w", s.key, err)
	}
	return nil
}

// Recent returns up to n dead letters, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]DeadLetter, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range %q: %w", s.key, err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var d DeadLetter
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}
