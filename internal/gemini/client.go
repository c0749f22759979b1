// Package gemini implements domain.Generator against the Google
// Generative Language REST API.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"glovedbot/internal/domain"
	"glovedbot/internal/persona"
)

const (
	defaultAPIBase     = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel       = "gemini-1.5-flash-8b"
	defaultHTTPTimeout = 120 * time.Second
)

// Client talks to the Gemini generateContent endpoints.
type Client struct {
	apiKey  string
	model   string
	apiBase string
	client  *http.Client
	logger  *slog.Logger
	persona *persona.Persona
}

type ClientConfig struct {
	APIKey  string
	Model   string
	APIBase string
	Persona *persona.Persona
	Logger  *slog.Logger
}

// New creates a Gemini client bound to a persona.
func New(cfg ClientConfig) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	return &Client{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		logger:  cfg.Logger,
		persona: cfg.Persona,
	}
}

func (c *Client) Healthy(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("gemini: no API key configured")
	}
	return nil
}

type generateRequest struct {
	SystemInstruction *domain.Entry    `json:"systemInstruction,omitempty"`
	Contents          []domain.Entry   `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SafetySettings    []safetySetting  `json:"safetySettings,omitempty"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"topP"`
	TopK             int     `json:"topK"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMIMEType string  `json:"responseMimeType"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generateResponse struct {
	Candidates []candidate `json:"candidates"`
}

type candidate struct {
	Content      domain.Entry `json:"content"`
	FinishReason string       `json:"finishReason"`
}

// safetySettings disables API-side filtering; the persona governs tone.
func safetySettings() []safetySetting {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	}
	settings := make([]safetySetting, 0, len(categories))
	for _, cat := range categories {
		settings = append(settings, safetySetting{Category: cat, Threshold: "BLOCK_NONE"})
	}
	return settings
}

func (c *Client) buildRequest(history []domain.Entry, prompt domain.Entry) generateRequest {
	contents := make([]domain.Entry, 0, len(history)+len(c.persona.SeedHistory)+1)
	contents = append(contents, c.persona.SeedEntries()...)
	contents = append(contents, history...)
	contents = append(contents, prompt)

	return generateRequest{
		SystemInstruction: &domain.Entry{
			Parts: []domain.Part{{Text: c.persona.SystemPrompt}},
		},
		Contents: contents,
		GenerationConfig: generationConfig{
			Temperature:      *c.persona.Temperature,
			TopP:             *c.persona.TopP,
			TopK:             *c.persona.TopK,
			MaxOutputTokens:  *c.persona.MaxOutputTokens,
			ResponseMIMEType: "text/plain",
		},
		SafetySettings: safetySettings(),
	}
}

func (c *Client) newHTTPRequest(ctx context.Context, url string, body generateRequest) (*http.Request, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)
	return req, nil
}

// Send performs a blocking generation and returns the full reply text.
func (c *Client) Send(ctx context.Context, history []domain.Entry, prompt domain.Entry) (string, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", c.apiBase, c.model)
	req, err := c.newHTTPRequest(ctx, url, c.buildRequest(history, prompt))
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gemini %d: %s", resp.StatusCode, string(respBody))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}

	text := candidateText(genResp)
	if text == "" {
		return "", fmt.Errorf("gemini: empty response")
	}
	return text, nil
}

// SendStream performs a streaming generation, invoking fn for each text
// chunk as it arrives. An error from fn aborts the stream.
func (c *Client) SendStream(ctx context.Context, history []domain.Entry, prompt domain.Entry, fn func(chunk string) error) error {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.apiBase, c.model)
	req, err := c.newHTTPRequest(ctx, url, c.buildRequest(history, prompt))
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gemini stream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gemini %d: %s", resp.StatusCode, string(respBody))
	}

	return c.readStream(resp.Body, fn)
}

// readStream parses server-sent events from the streaming endpoint.
// Each event is a "data: {json}" line carrying a partial response.
func (c *Client) readStream(body io.Reader, fn func(chunk string) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var genResp generateResponse
		if err := json.Unmarshal([]byte(payload), &genResp); err != nil {
			c.logger.Warn("skipping malformed stream event", "error", err)
			continue
		}

		text := candidateText(genResp)
		if text == "" {
			continue
		}
		if err := fn(text); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}

func candidateText(resp generateResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}
