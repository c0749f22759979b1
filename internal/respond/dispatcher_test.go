package respond

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"glovedbot/internal/domain"
)

type logLine struct {
	channelID, author, content string
}

type fakeConvLog struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *fakeConvLog) Append(ctx context.Context, channelID, author, content string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{channelID, author, content})
	return nil
}

func (l *fakeConvLog) Recent(ctx context.Context, channelID string, limit int) ([]domain.Exchange, error) {
	return nil, nil
}

func testDispatcher(svc *fakeSession, gen domain.Generator, convLog domain.ConversationLog) *Dispatcher {
	return New(Config{
		Service:   svc,
		Generator: gen,
		Fetcher:   &fakeFetcher{},
		ConvLog:   convLog,
		Logger:    testLogger(),
	})
}

func testTriggerFor(msg *discordgo.Message, opts domain.RespondOptions) domain.Trigger {
	return domain.Trigger{
		Message:    msg,
		BotID:      testBotID,
		BotName:    testBotName,
		Options:    opts,
		ReceivedAt: time.Now(),
	}
}

func TestRespond_BatchSingleMessage(t *testing.T) {
	svc := newFakeSession()
	svc.addChannel(guildTextChannel("c1"))
	trigger := userMessage("101", "c1", "hello bot")
	svc.addMessage(trigger)

	gen := &fakeGenerator{text: strings.Repeat("x", 200)}
	convLog := &fakeConvLog{}
	d := testDispatcher(svc, gen, convLog)

	d.Respond(context.Background(), testTriggerFor(trigger, domain.DefaultRespondOptions()))

	if len(svc.sent) != 1 {
		t.Fatalf("expected exactly one sent message, got %d", len(svc.sent))
	}
	if svc.sent[0].Content != gen.text {
		t.Error("sent content must equal the full response")
	}
	if svc.sent[0].MessageReference == nil {
		t.Error("in-channel batch reply should reference the trigger")
	}

	// Permission toggled off then on.
	if len(svc.permCalls) != 2 {
		t.Fatalf("expected disable+restore permission calls, got %d", len(svc.permCalls))
	}
	if svc.permCalls[0].deny != discordgo.PermissionSendMessages || svc.permCalls[0].allow != 0 {
		t.Errorf("first call must deny send: %+v", svc.permCalls[0])
	}
	if svc.permCalls[1].allow != discordgo.PermissionSendMessages || svc.permCalls[1].deny != 0 {
		t.Errorf("second call must restore send: %+v", svc.permCalls[1])
	}

	// One log line in, one out, in order.
	if len(convLog.lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(convLog.lines))
	}
	if convLog.lines[0].author != "alice" || !strings.Contains(convLog.lines[0].content, "hello bot") {
		t.Errorf("inbound log line wrong: %+v", convLog.lines[0])
	}
	if convLog.lines[1].author != testBotName || convLog.lines[1].content != gen.text {
		t.Errorf("outbound log line wrong: %+v", convLog.lines[1])
	}
}

func TestRespond_BatchChunking(t *testing.T) {
	svc := newFakeSession()
	svc.addChannel(guildTextChannel("c1"))
	trigger := userMessage("101", "c1", "long please")
	svc.addMessage(trigger)

	gen := &fakeGenerator{text: strings.Repeat("a", 4000)}
	d := testDispatcher(svc, gen, nil)

	d.Respond(context.Background(), testTriggerFor(trigger, domain.DefaultRespondOptions()))

	if len(svc.sent) != 3 {
		t.Fatalf("4000 runes must become 3 messages, got %d", len(svc.sent))
	}
	lens := []int{len(svc.sent[0].Content), len(svc.sent[1].Content), len(svc.sent[2].Content)}
	if lens[0] != 1500 || lens[1] != 1500 || lens[2] != 1000 {
		t.Errorf("unexpected chunk sizes: %v", lens)
	}
	joined := svc.sent[0].Content + svc.sent[1].Content + svc.sent[2].Content
	if joined != gen.text {
		t.Error("concatenated chunks must reconstruct the response")
	}
}

func TestRespond_StalenessAbort(t *testing.T) {
	svc := newFakeSession()
	svc.addChannel(guildTextChannel("c1"))
	trigger := userMessage("101", "c1", "question")
	svc.addMessage(trigger)

	gen := &fakeGenerator{
		text: "too late",
		onSend: func() {
			// Another user interjects while the backend is working.
			svc.addMessage(userMessage("555", "c1", "nevermind"))
		},
	}
	d := testDispatcher(svc, gen, nil)

	d.Respond(context.Background(), testTriggerFor(trigger, domain.DefaultRespondOptions()))

	if len(svc.sent) != 0 {
		t.Errorf("superseded invocation must not send, got %d messages", len(svc.sent))
	}
	// Permission still restored.
	if len(svc.permCalls) != 2 || svc.permCalls[1].allow != discordgo.PermissionSendMessages {
		t.Errorf("permission must be restored on abort: %+v", svc.permCalls)
	}
}

func TestRespond_GuardDisabledDelivers(t *testing.T) {
	svc := newFakeSession()
	svc.addChannel(guildTextChannel("c1"))
	trigger := userMessage("101", "c1", "question")
	svc.addMessage(trigger)

	gen := &fakeGenerator{
		text: "still wanted",
		onSend: func() {
			svc.addMessage(userMessage("555", "c1", "unrelated"))
		},
	}
	d := testDispatcher(svc, gen, nil)

	opts := domain.DefaultRespondOptions()
	opts.CheckLastMessage = false
	d.Respond(context.Background(), testTriggerFor(trigger, opts))

	if len(svc.sent) != 1 {
		t.Errorf("disabled guard must still deliver, got %d messages", len(svc.sent))
	}
}

func TestRespond_StreamingEditsInPlace(t *testing.T) {
	svc := newFakeSession()
	svc.addChannel(guildTextChannel("c1"))
	trigger := userMessage("101", "c1", "stream it")
	svc.addMessage(trigger)

	gen := &fakeGenerator{chunks: []string{"one ", "two ", "three"}}
	d := testDispatcher(svc, gen, nil)

	opts := domain.DefaultRespondOptions()
	opts.Streaming = true
	d.Respond(context.Background(), testTriggerFor(trigger, opts))

	if len(svc.sent) != 1 {
		t.Fatalf("expected only the placeholder send, got %d", len(svc.sent))
	}
	placeholder := svc.sent[0]
	edits := svc.edits[placeholder.ID]
	if len(edits) != 3 {
		t.Fatalf("expected 3 edits, got %d", len(edits))
	}
	if edits[len(edits)-1] != "one two three" {
		t.Errorf("final edit must hold the full text, got %q", edits[len(edits)-1])
	}
}

func TestRespond_StreamingFlushRollsOver(t *testing.T) {
	svc := newFakeSession()
	svc.addChannel(guildTextChannel("c1"))
	trigger := userMessage("101", "c1", "stream long")
	svc.addMessage(trigger)

	first := strings.Repeat("a", 800)
	second := strings.Repeat("b", 800)
	gen := &fakeGenerator{chunks: []string{first, second}}
	d := testDispatcher(svc, gen, nil)

	opts := domain.DefaultRespondOptions()
	opts.Streaming = true
	d.Respond(context.Background(), testTriggerFor(trigger, opts))

	// Placeholder plus one rollover message.
	if len(svc.sent) != 2 {
		t.Fatalf("expected placeholder + rollover, got %d sends", len(svc.sent))
	}
	if svc.sent[1].Content != second {
		t.Error("rollover message must carry the overflowing chunk")
	}
	// Placeholder got the first chunk; rollover message receives no edit
	// until a following chunk arrives.
	if got := svc.edits[svc.sent[0].ID]; len(got) != 1 || got[0] != first {
		t.Errorf("placeholder edits wrong: %v", got)
	}
}

func TestRespond_StreamingAbortDeletesPartial(t *testing.T) {
	svc := newFakeSession()
	svc.addChannel(guildTextChannel("c1"))
	trigger := userMessage("101", "c1", "stream it")
	svc.addMessage(trigger)

	// A foreign message interjects between the first and second chunk.
	gen := &streamFunc{fn: func(ctx context.Context, history []domain.Entry, prompt domain.Entry, emit func(string) error) error {
		if err := emit("first"); err != nil {
			return err
		}
		svc.addMessage(userMessage("555", "c1", "stop"))
		return emit("second")
	}}
	d := testDispatcher(svc, gen, nil)

	opts := domain.DefaultRespondOptions()
	opts.Streaming = true
	d.Respond(context.Background(), testTriggerFor(trigger, opts))

	if len(svc.deleted) != 1 || svc.deleted[0] != svc.sent[0].ID {
		t.Errorf("partial placeholder must be deleted on mid-stream abort: %v", svc.deleted)
	}
	// Abort is silent: no apology.
	for _, m := range svc.sent[1:] {
		if strings.Contains(m.Content, "Sorry") {
			t.Error("staleness abort must not apologize")
		}
	}
	if len(svc.permCalls) != 2 || svc.permCalls[1].allow != discordgo.PermissionSendMessages {
		t.Errorf("permission must be restored: %+v", svc.permCalls)
	}
}

// streamFunc adapts a closure to domain.Generator for streaming tests.
type streamFunc struct {
	fn func(ctx context.Context, history []domain.Entry, prompt domain.Entry, emit func(string) error) error
}

func (s *streamFunc) Send(ctx context.Context, history []domain.Entry, prompt domain.Entry) (string, error) {
	return "", nil
}

func (s *streamFunc) SendStream(ctx context.Context, history []domain.Entry, prompt domain.Entry, fn func(chunk string) error) error {
	return s.fn(ctx, history, prompt, fn)
}

func TestRespond_StreamingErrorRecovers(t *testing.T) {
	svc := newFakeSession()
	svc.addChannel(guildTextChannel("c1"))
	trigger := userMessage("101", "c1", "stream it")
	svc.addMessage(trigger)

	gen := &streamFunc{fn: func(ctx context.Context, history []domain.Entry, prompt domain.Entry, emit func(string) error) error {
		if err := emit("partial"); err != nil {
			return err
		}
		return context.DeadlineExceeded
	}}
	d := testDispatcher(svc, gen, nil)

	opts := domain.DefaultRespondOptions()
	opts.Streaming = true
	d.Respond(context.Background(), testTriggerFor(trigger, opts))

	placeholder := svc.sent[0]
	if len(svc.deleted) == 0 || svc.deleted[0] != placeholder.ID {
		t.Error("failed stream must delete its placeholder")
	}

	var apology *discordgo.Message
	for _, m := range svc.sent {
		if m.Content == apologyText {
			apology = m
		}
	}
	if apology == nil {
		t.Fatal("expected apology reply")
	}
	if apology.MessageReference == nil || apology.MessageReference.MessageID != trigger.ID {
		t.Error("apology must reply to the trigger")
	}
	if len(svc.permCalls) != 2 || svc.permCalls[1].allow != discordgo.PermissionSendMessages {
		t.Errorf("permission must be restored after error: %+v", svc.permCalls)
	}
}

func TestRespond_BackendErrorApologizes(t *testing.T) {
	svc := newFakeSession()
	svc.addChannel(guildTextChannel("c1"))
	trigger := userMessage("101", "c1", "question")
	svc.addMessage(trigger)

	gen := &fakeGenerator{err: context.DeadlineExceeded}
	d := testDispatcher(svc, gen, nil)

	d.Respond(context.Background(), testTriggerFor(trigger, domain.DefaultRespondOptions()))

	if len(svc.sent) != 1 || svc.sent[0].Content != apologyText {
		t.Errorf("expected a single apology, got %v", svc.sent)
	}
}

func TestRespond_CreateThread(t *testing.T) {
	svc := newFakeSession()
	svc.addChannel(guildTextChannel("c1"))
	trigger := userMessage("101", "c1", "start a thread about gloves")
	svc.addMessage(trigger)

	gen := &fakeGenerator{text: "thread reply"}
	d := testDispatcher(svc, gen, nil)

	opts := domain.DefaultRespondOptions()
	opts.CreateThread = true
	d.Respond(context.Background(), testTriggerFor(trigger, opts))

	thread, err := svc.Channel("101")
	if err != nil {
		t.Fatal("thread should have been created off the trigger message")
	}
	if !thread.IsThread() || thread.ParentID != "c1" {
		t.Errorf("unexpected thread shape: %+v", thread)
	}
	if len(svc.sent) != 1 || svc.sent[0].ChannelID != thread.ID {
		t.Errorf("reply must land in the new thread, got %v", svc.sent)
	}
	if svc.sent[0].MessageReference != nil {
		t.Error("thread delivery uses a plain send, not a reply")
	}
}

func TestRespond_NoPermissionToggleInDM(t *testing.T) {
	svc := newFakeSession()
	svc.addChannel(&discordgo.Channel{ID: "dm1", Type: discordgo.ChannelTypeDM})
	trigger := userMessage("101", "dm1", "hi")
	svc.addMessage(trigger)

	gen := &fakeGenerator{text: "hello"}
	d := testDispatcher(svc, gen, nil)

	d.Respond(context.Background(), testTriggerFor(trigger, domain.DefaultRespondOptions()))

	if len(svc.permCalls) != 0 {
		t.Errorf("DM channels must not toggle permissions: %+v", svc.permCalls)
	}
	if len(svc.sent) != 1 {
		t.Errorf("expected one reply, got %d", len(svc.sent))
	}
}

func TestChunkText(t *testing.T) {
	tests := []struct {
		length int
		want   []int
	}{
		{0, []int{0}},
		{1500, []int{1500}},
		{1501, []int{1500, 1}},
		{4000, []int{1500, 1500, 1000}},
	}
	for _, tt := range tests {
		text := strings.Repeat("x", tt.length)
		chunks := chunkText(text, batchChunkSize)
		if len(chunks) != len(tt.want) {
			t.Errorf("length %d: expected %d chunks, got %d", tt.length, len(tt.want), len(chunks))
			continue
		}
		var joined string
		for i, c := range chunks {
			if len(c) != tt.want[i] {
				t.Errorf("length %d: chunk %d has %d runes, want %d", tt.length, i, len(c), tt.want[i])
			}
			joined += c
		}
		if joined != text {
			t.Errorf("length %d: concatenation must reconstruct input", tt.length)
		}
	}
}

func TestChunkText_MultibyteSafe(t *testing.T) {
	text := strings.Repeat("é", 1600)
	chunks := chunkText(text, batchChunkSize)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0]+chunks[1] != text {
		t.Error("multibyte split must reconstruct exactly")
	}
}

func TestRun_ConsumesUntilClose(t *testing.T) {
	svc := newFakeSession()
	svc.addChannel(guildTextChannel("c1"))
	trigger := userMessage("101", "c1", "hi")
	svc.addMessage(trigger)

	gen := &fakeGenerator{text: "reply"}
	d := testDispatcher(svc, gen, nil)

	triggers := make(chan domain.Trigger, 1)
	triggers <- testTriggerFor(trigger, domain.DefaultRespondOptions())
	close(triggers)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), triggers)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
	if len(svc.sent) != 1 {
		t.Errorf("expected the queued trigger to be handled, got %d sends", len(svc.sent))
	}
}
