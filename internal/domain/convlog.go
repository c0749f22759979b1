package domain

import (
	"context"
	"time"
)

// Exchange is one logged conversational line, inbound or outbound.
type Exchange struct {
	ID        int64
	ChannelID string
	Author    string
	Content   string
	CreatedAt time.Time
}

// ConversationLog is a durable append-only record of everything said to and
// by the bot. Appends must be safe to issue concurrently.
type ConversationLog interface {
	Append(ctx context.Context, channelID, author, content string) error
	Recent(ctx context.Context, channelID string, limit int) ([]Exchange, error)
}
