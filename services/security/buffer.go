package security

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/upb/legal-audit/models"
)

// EventBuffer holds the most recent security events, newest first.
// Pushing beyond capacity drops the oldest event.
type EventBuffer interface {
	Push(ctx context.Context, event *models.SecurityEvent) error
	// Recent returns up to n events, newest first
	Recent(ctx context.Context, n int) ([]*models.SecurityEvent, error)
	Capacity() int
}

// MemoryBuffer is a process-local ring buffer
type MemoryBuffer struct {
	mu     sync.Mutex
	events []models.SecurityEvent
	next   int
	size   int
}

// NewMemoryBuffer creates a ring buffer holding capacity events
func NewMemoryBuffer(capacity int) *MemoryBuffer {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryBuffer{events: make([]models.SecurityEvent, capacity)}
}

func (b *MemoryBuffer) Push(_ context.Context, event *models.SecurityEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[b.next] = *event
	b.next = (b.next + 1) % len(b.events)
	if b.size < len(b.events) {
		b.size++
	}
	return nil
}

func (b *MemoryBuffer) Recent(_ context.Context, n int) ([]*models.SecurityEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]*models.SecurityEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (b.next - i + len(b.events)) % len(b.events)
		e := b.events[idx]
		out = append(out, &e)
	}
	return out, nil
}

func (b *MemoryBuffer) Capacity() int {
	return len(b.events)
}

// Len returns the number of buffered events
func (b *MemoryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// RedisBuffer shares the buffer across instances through a capped Redis list
type RedisBuffer struct {
	client   redis.UniversalClient
	key      string
	capacity int
}

// NewRedisBuffer creates a buffer stored under key
func NewRedisBuffer(client redis.UniversalClient, key string, capacity int) *RedisBuffer {
	if capacity <= 0 {
		capacity = 100
	}
	if key == "" {
		key = "security:events"
	}
	return &RedisBuffer{client: client, key: key, capacity: capacity}
}

func (b *RedisBuffer) Push(ctx context.Context, event *models.SecurityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode security event: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, b.key, payload)
	pipe.LTrim(ctx, b.key, 0, int64(b.capacity-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push security event: %w", err)
	}
	return nil
}

func (b *RedisBuffer) Recent(ctx context.Context, n int) ([]*models.SecurityEvent, error) {
	if n <= 0 || n > b.capacity {
		n = b.capacity
	}
	raw, err := b.client.LRange(ctx, b.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read security events: %w", err)
	}

	out := make([]*models.SecurityEvent, 0, len(raw))
	for _, item := range raw {
		var e models.SecurityEvent
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to decode security event: %w", err)
		}
		out = append(out, &e)
	}
	return out, nil
}

func (b *RedisBuffer) Capacity() int {
	return b.capacity
}
