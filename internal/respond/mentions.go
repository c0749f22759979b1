package respond

import (
	"log/slog"
	"regexp"

	"github.com/bwmarrin/discordgo"
)

// mentionPattern matches the three mention token shapes: <@id> (user),
// <@!id> (user with nickname flag), <@&id> (role).
var mentionPattern = regexp.MustCompile(`<@(!?|&)(\d+)>`)

// MentionMap maps raw mention tokens to display names.
type MentionMap map[string]string

// BuildMentionMap extracts all mention tokens from the given texts and
// resolves the distinct ids against the platform. Unresolvable ids are
// omitted from the map; resolution never fails the caller.
func BuildMentionMap(svc ChatService, guildID string, texts []string, logger *slog.Logger) MentionMap {
	userIDs := make(map[string]bool)
	roleIDs := make(map[string]bool)
	for _, text := range texts {
		for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
			if match[1] == "&" {
				roleIDs[match[2]] = true
			} else {
				userIDs[match[2]] = true
			}
		}
	}

	m := make(MentionMap, len(userIDs)+len(roleIDs))

	for id := range userIDs {
		user, err := svc.User(id)
		if err != nil {
			logger.Debug("mention lookup failed", "user_id", id, "error", err)
			continue
		}
		name := user.GlobalName
		if name == "" {
			name = user.Username
		}
		m["<@"+id+">"] = name
		m["<@!"+id+">"] = name
	}

	if len(roleIDs) > 0 && guildID != "" {
		roles, err := svc.GuildRoles(guildID)
		if err != nil {
			logger.Debug("role lookup failed", "guild_id", guildID, "error", err)
		} else {
			byID := make(map[string]*discordgo.Role, len(roles))
			for _, r := range roles {
				byID[r.ID] = r
			}
			for id := range roleIDs {
				if r, ok := byID[id]; ok {
					m["<@&"+id+">"] = r.Name
				}
			}
		}
	}

	return m
}

// Resolve rewrites every mention token with a map entry to @<display-name>.
// Tokens without an entry are left unchanged. Already-resolved text contains
// no tokens, so resolving twice is a no-op.
func (m MentionMap) Resolve(text string) string {
	if len(m) == 0 {
		return text
	}
	return mentionPattern.ReplaceAllStringFunc(text, func(token string) string {
		if name, ok := m[token]; ok {
			return "@" + name
		}
		return token
	})
}
