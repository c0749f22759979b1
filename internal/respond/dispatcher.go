package respond

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"glovedbot/internal/bus"
	"glovedbot/internal/domain"
	"glovedbot/internal/metrics"
)

const (
	// batchChunkSize is the split threshold for batch replies, in runes.
	batchChunkSize = 1500
	// streamFlushThreshold is the buffer size at which a streaming reply
	// rolls over to a fresh message, in runes.
	streamFlushThreshold = 1250

	placeholderText = "Waiting for chunks..."
	apologyText     = "Sorry, I couldn't process your request. Let me try again..."
)

// errSuperseded signals a mid-stream staleness abort. Not a failure.
var errSuperseded = errors.New("superseded by newer message")

// Respond runs the full reply lifecycle for one trigger: channel selection,
// staleness snapshot, permission toggle, window assembly, generation, and
// batch or streaming delivery.
func (d *Dispatcher) Respond(ctx context.Context, trig domain.Trigger) {
	opts := trig.Options.Normalize()
	msg := trig.Message

	metrics.TriggersTotal.Inc()
	d.emit(bus.EventTriggerReceived, map[string]any{"channel_id": msg.ChannelID, "message_id": msg.ID})

	channel, err := d.svc.Channel(msg.ChannelID)
	if err != nil {
		d.logger.Error("channel lookup failed", "channel_id", msg.ChannelID, "error", err)
		metrics.ErrorsTotal.Inc()
		return
	}

	guard := NewGuard(d.svc, msg.ChannelID, trig.BotID, opts.CheckLastMessage, d.logger)

	respChannel := channel
	anchorThread := true
	if opts.CreateThread && !channel.IsThread() {
		thread, err := d.svc.MessageThreadStartComplex(msg.ChannelID, msg.ID, &discordgo.ThreadStart{
			Name:                threadName(msg),
			AutoArchiveDuration: 60,
			Type:                discordgo.ChannelTypeGuildPrivateThread,
			Invitable:           false,
		})
		if err != nil {
			d.recover(trig, nil, err)
			return
		}
		respChannel = thread
		anchorThread = false
		// A fresh thread has no pre-existing tail to snapshot; the trigger
		// message is the known last word.
		guard = NewGuard(d.svc, thread.ID, trig.BotID, opts.CheckLastMessage, d.logger)
		guard.SetMarker(msg.ID)
		d.emit(bus.EventThreadCreated, map[string]any{"thread_id": thread.ID, "parent_id": msg.ChannelID})
	} else if opts.CheckLastMessage {
		if err := guard.Snapshot(); err != nil {
			d.logger.Warn("staleness snapshot failed, guard degraded", "channel_id", msg.ChannelID, "error", err)
		}
	}

	// Mute the author for the duration of generation. Restored on every exit
	// path, exactly once.
	restore := d.muteAuthor(respChannel, msg.Author)
	defer restore()

	_ = d.svc.ChannelTyping(respChannel.ID)

	start := time.Now()
	history, prompt, err := d.assembler.Build(ctx, msg, respChannel, trig.BotID, opts.FetchLimit, anchorThread)
	if err != nil {
		d.recover(trig, nil, err)
		return
	}
	metrics.WindowFetchLatency.Observe(time.Since(start).Seconds())

	d.logExchange(ctx, msg.ChannelID, authorName(msg.Author), prompt.Text())

	// Last cheap exit before paying for generation.
	if guard.Superseded() {
		d.abort(trig, "pre-generation")
		return
	}

	d.emit(bus.EventGenerationStarted, map[string]any{"channel_id": respChannel.ID, "streaming": opts.Streaming})
	metrics.GenerationsTotal.Inc()
	metrics.ActiveGenerations.Inc()
	defer metrics.ActiveGenerations.Dec()

	genStart := time.Now()
	if opts.Streaming {
		err = d.deliverStreaming(ctx, trig, respChannel, guard, history, prompt)
	} else {
		err = d.deliverBatch(ctx, trig, respChannel, guard, history, prompt)
	}
	metrics.GenerationLatency.Observe(time.Since(genStart).Seconds())

	switch {
	case errors.Is(err, errSuperseded):
		d.abort(trig, "mid-delivery")
	case err != nil:
		// recover already ran inside the delivery path for placeholder
		// cleanup; nothing further here.
	default:
		d.emit(bus.EventGenerationDone, map[string]any{"channel_id": respChannel.ID})
	}
}

// deliverBatch awaits the full response, then sends it as one message or as
// fixed-size chunks. Staleness is re-checked once before the first send, not
// per chunk.
func (d *Dispatcher) deliverBatch(ctx context.Context, trig domain.Trigger, respChannel *discordgo.Channel, guard *Guard, history []domain.Entry, prompt domain.Entry) error {
	msg := trig.Message

	text, err := d.gen.Send(ctx, history, prompt)
	if err != nil {
		d.recover(trig, nil, err)
		return err
	}

	if guard.Superseded() {
		return errSuperseded
	}

	for i, chunk := range chunkText(text, batchChunkSize) {
		var sendErr error
		if i == 0 && respChannel.ID == msg.ChannelID {
			_, sendErr = d.svc.ChannelMessageSendReply(respChannel.ID, chunk, msg.Reference())
		} else {
			_, sendErr = d.svc.ChannelMessageSend(respChannel.ID, chunk)
		}
		if sendErr != nil {
			d.recover(trig, nil, sendErr)
			return sendErr
		}
		metrics.ChunksSentTotal.Inc()
	}

	d.logExchange(ctx, respChannel.ID, trig.BotName, text)
	return nil
}

// deliverStreaming sends a placeholder and edits it in place as chunks
// arrive. When the buffer outgrows the flush threshold, the current message
// is left as-is and a fresh one takes over. Every increment re-checks
// staleness; a superseded stream deletes its open message and aborts.
func (d *Dispatcher) deliverStreaming(ctx context.Context, trig domain.Trigger, respChannel *discordgo.Channel, guard *Guard, history []domain.Entry, prompt domain.Entry) error {
	msg := trig.Message

	var current *discordgo.Message
	var err error
	if respChannel.ID == msg.ChannelID {
		current, err = d.svc.ChannelMessageSendReply(respChannel.ID, placeholderText, msg.Reference())
	} else {
		current, err = d.svc.ChannelMessageSend(respChannel.ID, placeholderText)
	}
	if err != nil {
		d.recover(trig, nil, err)
		return err
	}

	var buf string
	var full strings.Builder

	streamErr := d.gen.SendStream(ctx, history, prompt, func(chunk string) error {
		if guard.Superseded() {
			return errSuperseded
		}
		if chunk == "" {
			return nil
		}
		full.WriteString(chunk)
		buf += chunk

		if len([]rune(buf)) > streamFlushThreshold {
			d.logger.Debug("stream buffer flushed", "channel_id", respChannel.ID, "len", len(buf))
			next, err := d.svc.ChannelMessageSend(respChannel.ID, chunk)
			if err != nil {
				return err
			}
			current = next
			buf = chunk
			metrics.ChunksSentTotal.Inc()
			return nil
		}

		if _, err := d.svc.ChannelMessageEdit(respChannel.ID, current.ID, buf); err != nil {
			return err
		}
		return nil
	})

	if errors.Is(streamErr, errSuperseded) {
		// Mid-stream cancellation: remove the partial output.
		_ = d.svc.ChannelMessageDelete(respChannel.ID, current.ID)
		return errSuperseded
	}
	if streamErr != nil {
		d.recover(trig, current, streamErr)
		return streamErr
	}

	metrics.ChunksSentTotal.Inc()
	d.logExchange(ctx, respChannel.ID, trig.BotName, full.String())
	return nil
}

// abort ends an invocation with no visible output. Not an error outcome.
func (d *Dispatcher) abort(trig domain.Trigger, checkpoint string) {
	metrics.StalenessAbortsTotal.Inc()
	d.logger.Info("reply abandoned, newer message arrived",
		"channel_id", trig.Message.ChannelID, "checkpoint", checkpoint)
	d.emit(bus.EventGenerationAborted, map[string]any{
		"channel_id": trig.Message.ChannelID, "checkpoint": checkpoint,
	})
}

// recover handles a failure during generation or delivery: clean up any
// partial streaming output, apologize with a self-deleting reply, and
// schedule the trigger for the same deletion. The error is not re-raised.
func (d *Dispatcher) recover(trig domain.Trigger, placeholder *discordgo.Message, cause error) {
	msg := trig.Message
	metrics.ErrorsTotal.Inc()
	d.logger.Error("reply pipeline failed", "channel_id", msg.ChannelID, "message_id", msg.ID, "error", cause)
	d.emit(bus.EventGenerationErrored, map[string]any{"channel_id": msg.ChannelID, "error": cause.Error()})

	if placeholder != nil {
		_ = d.svc.ChannelMessageDelete(placeholder.ChannelID, placeholder.ID)
	}

	apology, err := d.svc.ChannelMessageSendReply(msg.ChannelID, apologyText, msg.Reference())
	if err != nil {
		d.logger.Error("apology send failed", "channel_id", msg.ChannelID, "error", err)
		return
	}
	d.deleter.Schedule(msg.ChannelID, apology.ID, ShortDeleteDelay)
	d.deleter.Schedule(msg.ChannelID, msg.ID, ShortDeleteDelay)
}

// muteAuthor disables the author's send permission in the response channel
// and returns the restore func. DMs and self-authored triggers are no-ops.
// Concurrent invocations for the same author and channel can interleave the
// toggle; accepted, matching the rest of the best-effort ordering model.
func (d *Dispatcher) muteAuthor(channel *discordgo.Channel, author *discordgo.User) func() {
	if channel.GuildID == "" || author == nil || author.Bot {
		return func() {}
	}

	err := d.svc.ChannelPermissionSet(channel.ID, author.ID, discordgo.PermissionOverwriteTypeMember,
		0, discordgo.PermissionSendMessages)
	if err != nil {
		d.logger.Warn("permission disable failed", "channel_id", channel.ID, "user_id", author.ID, "error", err)
		return func() {}
	}
	d.emit(bus.EventPermissionToggled, map[string]any{"channel_id": channel.ID, "user_id": author.ID, "muted": true})

	return func() {
		err := d.svc.ChannelPermissionSet(channel.ID, author.ID, discordgo.PermissionOverwriteTypeMember,
			discordgo.PermissionSendMessages, 0)
		if err != nil {
			d.logger.Error("permission restore failed", "channel_id", channel.ID, "user_id", author.ID, "error", err)
			return
		}
		d.emit(bus.EventPermissionToggled, map[string]any{"channel_id": channel.ID, "user_id": author.ID, "muted": false})
	}
}

func (d *Dispatcher) logExchange(ctx context.Context, channelID, author, content string) {
	if d.convLog == nil {
		return
	}
	if err := d.convLog.Append(ctx, channelID, author, content); err != nil {
		d.logger.Warn("conversation log append failed", "channel_id", channelID, "error", err)
	}
}

// chunkText splits text into consecutive rune-based chunks of at most size.
// Concatenation of the chunks reconstructs the input exactly.
func chunkText(text string, size int) []string {
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// threadName derives a thread title from the trigger text.
func threadName(msg *discordgo.Message) string {
	name := strings.TrimSpace(msg.Content)
	if name == "" {
		name = "Conversation"
	}
	runes := []rune(name)
	if len(runes) > 80 {
		name = string(runes[:80])
	}
	return name
}
