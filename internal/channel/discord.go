// Package channel connects the bot to Discord: gateway events in, triggers
// out to the reply dispatcher.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"glovedbot/internal/domain"
	"glovedbot/internal/metrics"
)

// Discord owns the gateway connection and turns message events into
// dispatcher triggers.
type Discord struct {
	session *discordgo.Session
	bus     domain.TriggerBus
	logger  *slog.Logger

	guildID        string
	ownerID        string
	botName        string
	triggerChannel string

	fetchLimit        int
	mentionFetchLimit int
	threadFetchLimit  int
	streaming         bool
}

// DiscordConfig configures the Discord gateway handler. Session is created
// by the caller so the dispatcher can share it.
type DiscordConfig struct {
	Session        *discordgo.Session
	GuildID        string
	OwnerID        string
	BotName        string
	TriggerChannel string

	FetchLimit        int
	MentionFetchLimit int
	ThreadFetchLimit  int
	Streaming         bool

	Logger *slog.Logger
}

// NewDiscord creates a new Discord gateway handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		session:           cfg.Session,
		guildID:           cfg.GuildID,
		ownerID:           cfg.OwnerID,
		botName:           cfg.BotName,
		triggerChannel:    cfg.TriggerChannel,
		fetchLimit:        cfg.FetchLimit,
		mentionFetchLimit: cfg.MentionFetchLimit,
		threadFetchLimit:  cfg.ThreadFetchLimit,
		streaming:         cfg.Streaming,
		logger:            cfg.Logger,
	}
}

// Start connects to the gateway and blocks until the context is cancelled.
func (d *Discord) Start(ctx context.Context, bus domain.TriggerBus) error {
	d.bus = bus

	d.session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsMessageContent

	d.session.AddHandler(d.onReady)
	d.session.AddHandler(d.onGuildCreate)
	d.session.AddHandler(d.onMessageCreate)
	d.session.AddHandler(d.onInteraction)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "user", d.session.State.User.Username)
	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return d.session.Close()
}

func (d *Discord) onReady(s *discordgo.Session, r *discordgo.Ready) {
	d.updatePresence(s)
	for _, g := range r.Guilds {
		d.ensureAdminRole(s, g.ID)
	}
}

func (d *Discord) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	d.updatePresence(s)
	d.ensureAdminRole(s, g.ID)
}

func (d *Discord) updatePresence(s *discordgo.Session) {
	status := fmt.Sprintf("%d servers | @%s", len(s.State.Guilds), d.botName)
	if err := s.UpdateListeningStatus(status); err != nil {
		d.logger.Warn("presence update failed", "error", err)
	}
}

// ensureAdminRole provisions the "<BotName> Admin" role and grants it to the
// configured owner. Idempotent per guild.
func (d *Discord) ensureAdminRole(s *discordgo.Session, guildID string) {
	if d.ownerID == "" {
		return
	}
	roleName := d.botName + " Admin"

	roles, err := s.GuildRoles(guildID)
	if err != nil {
		d.logger.Warn("role listing failed", "guild_id", guildID, "error", err)
		return
	}

	var role *discordgo.Role
	for _, r := range roles {
		if r.Name == roleName {
			role = r
			break
		}
	}
	if role == nil {
		perms := int64(discordgo.PermissionAdministrator)
		role, err = s.GuildRoleCreate(guildID, &discordgo.RoleParams{
			Name:        roleName,
			Permissions: &perms,
		})
		if err != nil {
			d.logger.Warn("admin role creation failed", "guild_id", guildID, "error", err)
			return
		}
		d.logger.Info("admin role created", "guild_id", guildID, "role_id", role.ID)
	}

	if err := s.GuildMemberRoleAdd(guildID, d.ownerID, role.ID); err != nil {
		d.logger.Warn("admin role grant failed", "guild_id", guildID, "owner_id", d.ownerID, "error", err)
	}
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
		return
	}

	channel, err := s.State.Channel(m.ChannelID)
	if err != nil {
		channel, err = s.Channel(m.ChannelID)
		if err != nil {
			d.logger.Warn("channel lookup failed", "channel_id", m.ChannelID, "error", err)
			return
		}
	}

	var parent *discordgo.Channel
	if channel.IsThread() {
		if p, err := s.State.Channel(channel.ParentID); err == nil {
			parent = p
		} else if p, err := s.Channel(channel.ParentID); err == nil {
			parent = p
		}
	}

	opts, ok := d.route(m.Message, channel, parent, s.State.User.ID)
	if !ok {
		return
	}

	d.logger.Info("trigger received",
		"author", m.Author.Username,
		"channel_id", m.ChannelID,
		"create_thread", opts.CreateThread,
		"fetch_limit", opts.FetchLimit,
	)

	d.bus.Publish(domain.Trigger{
		Message:    m.Message,
		BotID:      s.State.User.ID,
		BotName:    d.botName,
		Options:    opts,
		ReceivedAt: m.Timestamp,
	})
}

// route decides whether a message deserves a reply and with which options:
// the trigger channel spawns a thread per conversation, threads under it
// continue with a deep window, and a direct mention replies in place with a
// shallow one.
func (d *Discord) route(msg *discordgo.Message, channel, parent *discordgo.Channel, botID string) (domain.RespondOptions, bool) {
	opts := domain.DefaultRespondOptions()
	opts.FetchLimit = d.fetchLimit
	opts.Streaming = d.streaming

	switch {
	case !channel.IsThread() && channel.Name == d.triggerChannel:
		opts.CreateThread = true
		return opts, true

	case channel.IsThread() && parent != nil && parent.Name == d.triggerChannel:
		opts.FetchLimit = d.threadFetchLimit
		return opts, true

	case mentionsUser(msg, botID):
		opts.FetchLimit = d.mentionFetchLimit
		return opts, true
	}

	return domain.RespondOptions{}, false
}

func mentionsUser(msg *discordgo.Message, userID string) bool {
	for _, u := range msg.Mentions {
		if u.ID == userID {
			return true
		}
	}
	return strings.Contains(msg.Content, "<@"+userID+">") ||
		strings.Contains(msg.Content, "<@!"+userID+">")
}

func (d *Discord) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	var content string
	switch i.ApplicationCommandData().Name {
	case "status":
		content = fmt.Sprintf("**%s** — %d servers, up %s",
			d.botName, len(s.State.Guilds), metrics.Collector.Uptime().Round(time.Second))
	case "help":
		content = fmt.Sprintf(
			"Talk to me in **#%s** (each message starts a thread), keep chatting in my threads, or @mention me anywhere.\nReact with %s to retract a message from my context.",
			d.triggerChannel, "❌")
	default:
		return
	}

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	})
	if err != nil {
		d.logger.Warn("interaction respond failed", "error", err)
	}
}

func (d *Discord) registerSlashCommands() {
	commands := []*discordgo.ApplicationCommand{
		{Name: "status", Description: "Show bot status"},
		{Name: "help", Description: "How to talk to the bot"},
	}

	for _, cmd := range commands {
		_, err := d.session.ApplicationCommandCreate(d.session.State.User.ID, d.guildID, cmd)
		if err != nil {
			d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
		}
	}
}
