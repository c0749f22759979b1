package respond

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"

	"glovedbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

const (
	testBotID   = "900"
	testBotName = "GlovedBot"
)

var testBotUser = &discordgo.User{ID: testBotID, Username: testBotName, Bot: true}

type permCall struct {
	channelID string
	targetID  string
	allow     int64
	deny      int64
}

// fakeSession is an in-memory ChatService. History is stored newest-first,
// matching the platform's fetch order.
type fakeSession struct {
	mu       sync.Mutex
	channels map[string]*discordgo.Channel
	history  map[string][]*discordgo.Message
	starters map[string]*discordgo.Message // thread ID -> starter message
	users    map[string]*discordgo.User
	roles    map[string][]*discordgo.Role

	sent      []*discordgo.Message
	edits     map[string][]string // message ID -> successive contents
	deleted   []string
	permCalls []permCall
	nextID    int

	sendErr error
	editErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		channels: make(map[string]*discordgo.Channel),
		history:  make(map[string][]*discordgo.Message),
		starters: make(map[string]*discordgo.Message),
		users:    make(map[string]*discordgo.User),
		roles:    make(map[string][]*discordgo.Role),
		edits:    make(map[string][]string),
		nextID:   1000,
	}
}

func (f *fakeSession) addChannel(ch *discordgo.Channel) {
	f.channels[ch.ID] = ch
}

// addMessage prepends to history (newest first).
func (f *fakeSession) addMessage(m *discordgo.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[m.ChannelID] = append([]*discordgo.Message{m}, f.history[m.ChannelID]...)
}

func (f *fakeSession) allocID() string {
	f.nextID++
	return strconv.Itoa(f.nextID)
}

func (f *fakeSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.history[channelID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]*discordgo.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (f *fakeSession) ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if starter, ok := f.starters[messageID]; ok {
		return starter, nil
	}
	for _, m := range f.history[channelID] {
		if m.ID == messageID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("message not found: %s", messageID)
}

func (f *fakeSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return f.send(channelID, content, nil)
}

func (f *fakeSession) ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return f.send(channelID, content, reference)
}

func (f *fakeSession) send(channelID, content string, ref *discordgo.MessageReference) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	m := &discordgo.Message{
		ID:               f.allocID(),
		ChannelID:        channelID,
		Content:          content,
		Author:           testBotUser,
		MessageReference: ref,
	}
	f.history[channelID] = append([]*discordgo.Message{m}, f.history[channelID]...)
	f.sent = append(f.sent, m)
	return m, nil
}

func (f *fakeSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return nil, f.editErr
	}
	f.edits[messageID] = append(f.edits[messageID], content)
	for _, m := range f.history[channelID] {
		if m.ID == messageID {
			m.Content = content
			return m, nil
		}
	}
	return &discordgo.Message{ID: messageID, ChannelID: channelID, Content: content}, nil
}

func (f *fakeSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	msgs := f.history[channelID]
	for i, m := range msgs {
		if m.ID == messageID {
			f.history[channelID] = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if ch, ok := f.channels[channelID]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("channel not found: %s", channelID)
}

func (f *fakeSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return nil
}

func (f *fakeSession) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	parent := f.channels[channelID]
	thread := &discordgo.Channel{
		ID:       messageID,
		GuildID:  parent.GuildID,
		ParentID: channelID,
		Name:     data.Name,
		Type:     discordgo.ChannelTypeGuildPrivateThread,
	}
	f.channels[thread.ID] = thread
	return thread, nil
}

func (f *fakeSession) ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, options ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permCalls = append(f.permCalls, permCall{channelID: channelID, targetID: targetID, allow: allow, deny: deny})
	return nil
}

func (f *fakeSession) User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error) {
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

func (f *fakeSession) GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	if roles, ok := f.roles[guildID]; ok {
		return roles, nil
	}
	return nil, fmt.Errorf("guild not found: %s", guildID)
}

// fakeGenerator returns canned text or streams canned chunks. onSend runs
// before returning, letting tests inject mid-generation channel activity.
type fakeGenerator struct {
	text    string
	err     error
	chunks  []string
	onSend  func()
	history []domain.Entry
	prompt  domain.Entry
}

func (g *fakeGenerator) Send(ctx context.Context, history []domain.Entry, prompt domain.Entry) (string, error) {
	g.history, g.prompt = history, prompt
	if g.onSend != nil {
		g.onSend()
	}
	return g.text, g.err
}

func (g *fakeGenerator) SendStream(ctx context.Context, history []domain.Entry, prompt domain.Entry, fn func(chunk string) error) error {
	g.history, g.prompt = history, prompt
	if g.onSend != nil {
		g.onSend()
	}
	for _, chunk := range g.chunks {
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return g.err
}

// fakeFetcher returns canned bytes per URL.
type fakeFetcher struct {
	data map[string][]byte
	errs map[string]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if data, ok := f.data[url]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("no fixture for %s", url)
}

// Common fixtures.

func guildTextChannel(id string) *discordgo.Channel {
	return &discordgo.Channel{ID: id, GuildID: "g1", Type: discordgo.ChannelTypeGuildText}
}

func userMessage(id, channelID, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        id,
		ChannelID: channelID,
		Content:   content,
		Author:    &discordgo.User{ID: "42", Username: "alice"},
	}
}

func botMessage(id, channelID, content string) *discordgo.Message {
	return &discordgo.Message{ID: id, ChannelID: channelID, Content: content, Author: testBotUser}
}
