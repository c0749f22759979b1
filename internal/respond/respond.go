// Package respond implements the contextual reply pipeline: window assembly
// from channel history, mention resolution, attachment extraction, staleness
// guarding, and batch or streaming delivery of generated replies.
package respond

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"glovedbot/internal/bus"
	"glovedbot/internal/domain"
)

// ChatService is the subset of the Discord session the pipeline depends on.
// *discordgo.Session satisfies it; tests substitute a fake.
type ChatService interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, options ...discordgo.RequestOption) error
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
}

// Dispatcher owns the side-effecting reply lifecycle for each trigger.
type Dispatcher struct {
	svc       ChatService
	gen       domain.Generator
	assembler *Assembler
	convLog   domain.ConversationLog
	events    *bus.EventBus
	deleter   *AutoDeleter
	logger    *slog.Logger
}

// Config wires a Dispatcher. Service, Generator, and Logger are required;
// ConvLog and Events are optional.
type Config struct {
	Service   ChatService
	Generator domain.Generator
	Fetcher   Fetcher
	ConvLog   domain.ConversationLog
	Events    *bus.EventBus
	Logger    *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Fetcher == nil {
		cfg.Fetcher = NewHTTPFetcher()
	}
	return &Dispatcher{
		svc:       cfg.Service,
		gen:       cfg.Generator,
		assembler: NewAssembler(cfg.Service, cfg.Fetcher, cfg.Logger),
		convLog:   cfg.ConvLog,
		events:    cfg.Events,
		deleter:   NewAutoDeleter(cfg.Service, cfg.Logger),
		logger:    cfg.Logger,
	}
}

// Run consumes triggers until the channel closes or the context is cancelled.
// Each trigger gets its own goroutine; nothing serializes invocations for the
// same channel; ordering is best-effort via the staleness guard.
func (d *Dispatcher) Run(ctx context.Context, triggers <-chan domain.Trigger) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			d.deleter.Stop()
			return
		case trig, ok := <-triggers:
			if !ok {
				d.deleter.Stop()
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.Respond(ctx, trig)
			}()
		}
	}
}

func (d *Dispatcher) emit(eventType string, payload map[string]any) {
	if d.events != nil {
		d.events.Emit(bus.Event{Type: eventType, Source: "respond", Payload: payload})
	}
}
