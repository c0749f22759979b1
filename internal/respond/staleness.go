package respond

import (
	"log/slog"
	"sync"
)

// Guard detects whether a newer message has superseded an in-flight
// generation. One Guard exists per invocation; there is no shared state
// across invocations. Comparison is by message identity, never timestamp,
// because messages can land within the same millisecond.
type Guard struct {
	svc       ChatService
	channelID string
	selfID    string
	enabled   bool
	logger    *slog.Logger

	mu     sync.Mutex
	marker string
}

func NewGuard(svc ChatService, channelID, selfID string, enabled bool, logger *slog.Logger) *Guard {
	return &Guard{svc: svc, channelID: channelID, selfID: selfID, enabled: enabled, logger: logger}
}

// Snapshot records the channel's current last message as the marker. Must be
// called before any generation latency is incurred. An empty channel leaves
// the marker empty; any foreign message arriving after that reads as
// superseded at the next checkpoint.
func (g *Guard) Snapshot() error {
	if !g.enabled {
		return nil
	}
	msgs, err := g.svc.ChannelMessages(g.channelID, 1, "", "", "")
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(msgs) > 0 {
		g.marker = msgs[0].ID
	}
	return nil
}

// SetMarker pins the marker directly, for channels whose tail is already
// known (a thread just created from the trigger message).
func (g *Guard) SetMarker(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marker = id
}

// Superseded re-fetches the channel tail and reports whether a newer message
// from someone else has arrived since the snapshot. The bot's own output
// advances the marker instead of superseding it, so placeholder and chunk
// sends don't cancel their own invocation. A fetch failure reads as not
// superseded; the next checkpoint retries.
func (g *Guard) Superseded() bool {
	if !g.enabled {
		return false
	}
	msgs, err := g.svc.ChannelMessages(g.channelID, 1, "", "", "")
	if err != nil {
		g.logger.Warn("staleness check fetch failed", "channel_id", g.channelID, "error", err)
		return false
	}
	if len(msgs) == 0 {
		return false
	}
	latest := msgs[0]

	g.mu.Lock()
	defer g.mu.Unlock()
	if latest.ID == g.marker {
		return false
	}
	if latest.Author != nil && latest.Author.ID == g.selfID {
		g.marker = latest.ID
		return false
	}
	return true
}
