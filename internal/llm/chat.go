package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrTransport covers network failures and non-2xx responses.
	ErrTransport = errors.New("chat backend unreachable")
	// ErrMalformedResponse means the body did not carry a reply text.
	ErrMalformedResponse = errors.New("chat backend response malformed")
)

// ShortAnswerPrefix is prepended to the transcript when short answers are on.
const ShortAnswerPrefix = "Answer in less than 20 words: "

// ChatClient asks the chat backend for a reply to one transcript. The backend
// speaks a Gemini-style generateContent body on POST {BaseURL}/chat.
type ChatClient struct {
	HTTPClient  *http.Client
	BaseURL     string
	ShortAnswer bool
	Redactor    Redactor
}

type chatPart struct {
	Text string `json:"text"`
}

type chatContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []chatPart `json:"parts"`
}

type chatRequest struct {
	Contents []chatContent `json:"contents"`
}

// replyPart keeps a missing text field apart from an empty one.
type replyPart struct {
	Text *string `json:"text"`
}

type replyContent struct {
	Parts []replyPart `json:"parts"`
}

type chatCandidate struct {
	Content *replyContent `json:"content"`
}

type chatResponse struct {
	Candidates []chatCandidate `json:"candidates"`
}

func NewChatClient(baseURL string, timeout time.Duration) *ChatClient {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &ChatClient{
		HTTPClient:  &http.Client{Timeout: timeout},
		BaseURL:     strings.TrimRight(baseURL, "/"),
		ShortAnswer: true,
		Redactor:    DefaultRedactor,
	}
}

// Prompt returns the text sent for transcript.
func (c *ChatClient) Prompt(transcript string) string {
	if c.ShortAnswer {
		return ShortAnswerPrefix + transcript
	}
	return transcript
}

// Ask sends transcript and returns the redacted reply. Failures wrap
// ErrTransport or ErrMalformedResponse.
func (c *ChatClient) Ask(ctx context.Context, transcript string) (string, error) {
	if c.BaseURL == "" {
		return "", fmt.Errorf("%w: base url missing", ErrTransport)
	}
	endpoint := c.BaseURL + "/chat"

	body, err := json.Marshal(chatRequest{Contents: []chatContent{
		{Role: "user", Parts: []chatPart{{Text: c.Prompt(transcript)}}},
	}})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status=%d body=%s", ErrTransport, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(cr.Candidates) == 0 || cr.Candidates[0].Content == nil || len(cr.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: no candidate text", ErrMalformedResponse)
	}
	text := cr.Candidates[0].Content.Parts[0].Text
	if text == nil {
		return "", fmt.Errorf("%w: first part has no text", ErrMalformedResponse)
	}
	reply := strings.TrimSpace(*text)
	return c.Redactor.Redact(reply), nil
}
