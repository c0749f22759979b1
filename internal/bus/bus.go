package bus

import (
	"log/slog"
	"sync"
	"time"

	"glovedbot/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based trigger bus for in-process communication
// between the platform event handler and the reply dispatcher.
type InMemoryBus struct {
	triggers chan domain.Trigger
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		triggers: make(chan domain.Trigger, bufferSize),
		logger:   logger,
	}
}

// Publish enqueues a trigger for the dispatcher. Blocks up to 10 seconds if
// the bus is full instead of dropping.
func (b *InMemoryBus) Publish(trig domain.Trigger) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus")
		return
	}

	select {
	case b.triggers <- trig:
	default:
		// Bus full — wait with timeout instead of dropping
		b.logger.Warn("trigger bus full, waiting...", "channel_id", triggerChannelID(trig))
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.triggers <- trig:
			b.logger.Info("trigger delivered after wait", "channel_id", triggerChannelID(trig))
		case <-timer.C:
			b.logger.Error("trigger dropped: bus full for 10s", "channel_id", triggerChannelID(trig))
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.Trigger {
	return b.triggers
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.triggers)
	}
}

func triggerChannelID(trig domain.Trigger) string {
	if trig.Message == nil {
		return ""
	}
	return trig.Message.ChannelID
}
