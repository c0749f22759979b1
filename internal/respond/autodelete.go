package respond

import (
	"log/slog"
	"sync"
	"time"
)

// Self-deletion delays for transient messages (apologies, noise replies).
const (
	ShortDeleteDelay = 15 * time.Second
	LongDeleteDelay  = 120 * time.Second
)

// AutoDeleter schedules messages for delayed deletion.
type AutoDeleter struct {
	svc    ChatService
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewAutoDeleter(svc ChatService, logger *slog.Logger) *AutoDeleter {
	return &AutoDeleter{svc: svc, logger: logger, timers: make(map[string]*time.Timer)}
}

// Schedule deletes the message after the delay. A deletion failure (message
// already gone, missing permission) is logged and dropped.
func (a *AutoDeleter) Schedule(channelID, messageID string, delay time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.timers[messageID]; ok {
		return
	}
	a.timers[messageID] = time.AfterFunc(delay, func() {
		if err := a.svc.ChannelMessageDelete(channelID, messageID); err != nil {
			a.logger.Debug("scheduled delete failed", "message_id", messageID, "error", err)
		}
		a.mu.Lock()
		delete(a.timers, messageID)
		a.mu.Unlock()
	})
}

// Stop cancels all pending deletions.
func (a *AutoDeleter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
}
