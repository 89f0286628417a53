// Package llm is a thin client for an Ollama-compatible chat endpoint. The
// provider is treated as an opaque text-completion capability: role-tagged
// text in, streamed text fragments out.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Message is one role-tagged segment of model input.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Fragment is one streamed piece of a model response. Err is set on the
// final fragment when the stream ended abnormally.
type Fragment struct {
	Text string
	Err  error
}

// Client communicates with the completion endpoint over HTTP.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a Client for the given base URL and model.
func New(baseURL, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			// No client timeout: streams run as long as the context allows.
			Timeout: 0,
		},
	}
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// chatChunk is one NDJSON line of the streamed chat response.
type chatChunk struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// ChatStream sends the conversation to the model and returns a channel of
// response fragments. The channel closes after the final fragment; when the
// stream ends abnormally the last fragment carries the error. Cancellation
// is cooperative: ctx is checked between fragments and the transport read
// is aborted when ctx ends.
func (c *Client) ChatStream(ctx context.Context, messages []Message) (<-chan Fragment, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("llm: chat: unexpected status %d", resp.StatusCode)
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		// A consumer that cancels may never read the trailing fragment, so
		// every send must also select on ctx to let this goroutine exit.
		fail := func(err error) {
			select {
			case out <- Fragment{Err: err}:
			case <-ctx.Done():
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				fail(ctx.Err())
				return
			default:
			}

			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk chatChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				fail(fmt.Errorf("llm: decoding chunk: %w", err))
				return
			}
			if chunk.Message.Content != "" {
				select {
				case out <- Fragment{Text: chunk.Message.Content}:
				case <-ctx.Done():
					fail(ctx.Err())
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			fail(fmt.Errorf("llm: reading stream: %w", err))
			return
		}
		// Stream closed without a done marker.
		fail(fmt.Errorf("llm: stream ended before completion"))
	}()

	return out, nil
}

// Chat is the non-streaming variant: it collects the full response text.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	stream, err := c.ChatStream(ctx, messages)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for f := range stream {
		if f.Err != nil {
			return "", f.Err
		}
		b.WriteString(f.Text)
	}
	// The terminal fragment can be dropped when cancellation races the
	// stream end.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}
