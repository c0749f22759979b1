package domain

import (
	"time"

	"github.com/bwmarrin/discordgo"
)

// Platform maximum for a single history fetch.
const MaxFetchLimit = 100

// RespondOptions tunes one reply invocation. The zero value is not usable
// directly; call Normalize to apply defaults and clamping.
type RespondOptions struct {
	// CreateThread starts a private thread off the trigger message and
	// delivers the reply there instead of the trigger's channel.
	CreateThread bool

	// FetchLimit is the number of recent messages pulled into the
	// conversation window. Zero means the default of 25; values above the
	// platform maximum are clamped.
	FetchLimit int

	// Streaming delivers the reply incrementally by editing a placeholder
	// message instead of sending the final text in one batch.
	Streaming bool

	// CheckLastMessage enables the staleness guard: the reply is dropped if
	// a newer message supersedes the trigger during generation.
	CheckLastMessage bool
}

// DefaultRespondOptions returns the per-invocation defaults.
func DefaultRespondOptions() RespondOptions {
	return RespondOptions{
		CreateThread:     false,
		FetchLimit:       25,
		Streaming:        false,
		CheckLastMessage: true,
	}
}

// Normalize fills unset fields with defaults and clamps the fetch limit.
func (o RespondOptions) Normalize() RespondOptions {
	if o.FetchLimit <= 0 {
		o.FetchLimit = 25
	}
	if o.FetchLimit > MaxFetchLimit {
		o.FetchLimit = MaxFetchLimit
	}
	return o
}

// Trigger is one inbound message that should receive a generated reply,
// published by the platform event handler and consumed by the dispatcher.
type Trigger struct {
	Message    *discordgo.Message
	BotID      string
	BotName    string
	Options    RespondOptions
	ReceivedAt time.Time
}
