package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
)

// Buffer accumulates the chunks forwarded to the client. String is the
// authoritative text persisted at the terminal event.
type Buffer interface {
	Append(ctx context.Context, chunk string)
	String() string
	Discard(ctx context.Context)
}

type BufferFactory func(sessionID string) Buffer

type memoryBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (m *memoryBuffer) Append(_ context.Context, chunk string) {
	m.mu.Lock()
	m.b.WriteString(chunk)
	m.mu.Unlock()
}

func (m *memoryBuffer) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.b.String()
}

func (m *memoryBuffer) Discard(context.Context) {
	m.mu.Lock()
	m.b.Reset()
	m.mu.Unlock()
}

func MemoryBuffers() BufferFactory {
	return func(string) Buffer { return &memoryBuffer{} }
}

// PartialStore is the shared key/value store mirrored by RedisBuffers.
type PartialStore interface {
	AppendPartial(ctx context.Context, key, chunk string, ttl time.Duration) error
	DeletePartial(ctx context.Context, key string) error
}

// mirroredBuffer keeps the text in memory and copies every chunk to a TTL'd key
// so other processes can inspect an in-flight answer. Mirror failures are logged
// once and then mirroring stops; the in-memory copy is unaffected.
type mirroredBuffer struct {
	memoryBuffer
	store    PartialStore
	key      string
	ttl      time.Duration
	disabled bool
}

func (m *mirroredBuffer) Append(ctx context.Context, chunk string) {
	m.memoryBuffer.Append(ctx, chunk)
	if m.disabled {
		return
	}
	if err := m.store.AppendPartial(ctx, m.key, chunk, m.ttl); err != nil {
		m.disabled = true
		logger.WarnWithFields("partial response mirror failed", logger.Fields{"key": m.key, "error": err.Error()})
	}
}

func (m *mirroredBuffer) Discard(ctx context.Context) {
	m.memoryBuffer.Discard(ctx)
	if err := m.store.DeletePartial(ctx, m.key); err != nil {
		logger.WarnWithFields("partial response cleanup failed", logger.Fields{"key": m.key, "error": err.Error()})
	}
}

func PartialKey(sessionID string) string {
	return fmt.Sprintf("ai_response:%s:%s", sessionID, uuid.NewString())
}

func RedisBuffers(store PartialStore, ttl time.Duration) BufferFactory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return func(sessionID string) Buffer {
		return &mirroredBuffer{store: store, key: PartialKey(sessionID), ttl: ttl}
	}
}
