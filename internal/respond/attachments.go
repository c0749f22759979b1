package respond

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/bwmarrin/discordgo"

	"glovedbot/internal/domain"
)

// gifURLPattern matches a direct link to a GIF file in message text.
var gifURLPattern = regexp.MustCompile(`https?://\S+\.gif(?:\?\S*)?`)

// Fetcher retrieves raw bytes from a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher is the default Fetcher backed by net/http.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// candidate is one source of inline data found on a message.
type candidate struct {
	url  string
	mime string
}

// findCandidate evaluates the attachment strategies in priority order and
// short-circuits on the first hit: explicit attachment, then a GIF link in
// the text, then an embedded video.
func findCandidate(msg *discordgo.Message) *candidate {
	if len(msg.Attachments) > 0 {
		att := msg.Attachments[0]
		if att.ContentType == "" {
			// No declared MIME type: do not guess.
			return nil
		}
		return &candidate{url: att.URL, mime: att.ContentType}
	}

	if url := gifURLPattern.FindString(msg.Content); url != "" {
		return &candidate{url: url, mime: "image/gif"}
	}

	for _, embed := range msg.Embeds {
		if embed.Video != nil && embed.Video.URL != "" {
			return &candidate{url: embed.Video.URL, mime: "video/mp4"}
		}
	}

	return nil
}

// hasAttachmentCandidate reports whether the message would yield inline data,
// without fetching anything. Used by the window filter.
func hasAttachmentCandidate(msg *discordgo.Message) bool {
	return findCandidate(msg) != nil
}

// extractAttachment returns at most one inline payload for the message, or
// nil. A fetch failure for the chosen candidate degrades to nil; it never
// aborts the turn.
func extractAttachment(ctx context.Context, fetcher Fetcher, msg *discordgo.Message, logger *slog.Logger) *domain.InlineData {
	cand := findCandidate(msg)
	if cand == nil {
		return nil
	}

	data, err := fetcher.Fetch(ctx, cand.url)
	if err != nil {
		logger.Warn("attachment fetch failed, continuing without it",
			"message_id", msg.ID, "url", cand.url, "error", err)
		return nil
	}

	return &domain.InlineData{
		MIMEType: cand.mime,
		Data:     base64.StdEncoding.EncodeToString(data),
	}
}
