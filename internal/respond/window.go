package respond

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"glovedbot/internal/domain"
)

// retractEmoji marks a message the author wants excluded from all future
// conversation windows.
const retractEmoji = "❌"

// Assembler builds bounded conversation windows from channel history.
type Assembler struct {
	svc     ChatService
	fetcher Fetcher
	logger  *slog.Logger
}

func NewAssembler(svc ChatService, fetcher Fetcher, logger *slog.Logger) *Assembler {
	return &Assembler{svc: svc, fetcher: fetcher, logger: logger}
}

// Build assembles the conversation window for one trigger. The returned
// history ends one message before the trigger; the trigger's own entry comes
// back separately as the live prompt.
func (a *Assembler) Build(ctx context.Context, trigger *discordgo.Message, channel *discordgo.Channel, botID string, fetchLimit int, anchorThread bool) ([]domain.Entry, domain.Entry, error) {
	recent, err := a.svc.ChannelMessages(channel.ID, fetchLimit, "", "", "")
	if err != nil {
		return nil, domain.Entry{}, fmt.Errorf("fetch history: %w", err)
	}

	merged := mergeTrigger(filterUsable(recent), trigger)

	// Oldest first by snowflake arrival order.
	sort.Slice(merged, func(i, j int) bool {
		return snowflake(merged[i].ID) < snowflake(merged[j].ID)
	})

	texts := make([]string, len(merged))
	for i, m := range merged {
		texts[i] = m.Content
	}
	mentions := BuildMentionMap(a.svc, channel.GuildID, texts, a.logger)

	entries := make([]domain.Entry, 0, len(merged)+1)
	promptIdx := -1
	for _, m := range merged {
		if m.ID == trigger.ID {
			promptIdx = len(entries)
		}
		entries = append(entries, a.toEntry(ctx, m, botID, mentions))
	}

	// Anchor an ongoing thread conversation to its starter message so the
	// model sees the root context. Skipped for freshly created threads
	// (no history) and full windows. The anchor is always a user-role
	// entry, even when the bot itself started the thread.
	if channel.IsThread() && anchorThread && len(entries) > 1 && len(entries) < fetchLimit {
		if starter, err := a.svc.ChannelMessage(channel.ParentID, channel.ID); err != nil {
			a.logger.Warn("thread starter fetch failed, window unanchored",
				"thread_id", channel.ID, "error", err)
		} else {
			entries = append([]domain.Entry{a.toEntry(ctx, starter, "", mentions)}, entries...)
			promptIdx++
		}
	}

	// Split the trigger's entry out as the live prompt. Position can't be
	// trusted: a message landing between the gateway event and this fetch
	// sorts after the trigger, so the split goes by message ID.
	prompt := entries[promptIdx]
	history := append(entries[:promptIdx], entries[promptIdx+1:]...)
	return history, prompt, nil
}

// filterUsable drops messages with neither text nor a usable attachment, and
// anything bearing the retract marker.
func filterUsable(msgs []*discordgo.Message) []*discordgo.Message {
	out := make([]*discordgo.Message, 0, len(msgs))
	for _, m := range msgs {
		if isRetracted(m) {
			continue
		}
		if strings.TrimSpace(m.Content) == "" && !hasAttachmentCandidate(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func isRetracted(m *discordgo.Message) bool {
	for _, r := range m.Reactions {
		if r.Emoji != nil && r.Emoji.Name == retractEmoji {
			return true
		}
	}
	return false
}

// mergeTrigger adds the trigger to the set, collapsing by message ID so the
// live prompt never appears twice.
func mergeTrigger(msgs []*discordgo.Message, trigger *discordgo.Message) []*discordgo.Message {
	out := make([]*discordgo.Message, 0, len(msgs)+1)
	for _, m := range msgs {
		if m.ID == trigger.ID {
			continue
		}
		out = append(out, m)
	}
	return append(out, trigger)
}

func (a *Assembler) toEntry(ctx context.Context, m *discordgo.Message, botID string, mentions MentionMap) domain.Entry {
	text := mentions.Resolve(m.Content)

	role := domain.RoleUser
	if m.Author != nil && m.Author.ID == botID {
		role = domain.RoleModel
	} else if m.Author != nil {
		text = fmt.Sprintf("%s (%s): %s", authorName(m.Author), m.Author.ID, text)
	}

	entry := domain.TextEntry(role, text)
	if inline := extractAttachment(ctx, a.fetcher, m, a.logger); inline != nil {
		entry.Parts = append(entry.Parts, domain.Part{InlineData: inline})
	}
	return entry
}

func authorName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// snowflake parses a message ID for chronological comparison. Discord IDs
// are uint64 snowflakes ordered by creation time.
func snowflake(id string) uint64 {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
