// ABOUTME: OpenAI-compatible chat-completions client for classify/route/generate
// ABOUTME: Streams SSE deltas for generation; low-temperature JSON for classification

package capability

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

	"github.com/cognilab/cogni-relay/internal/decision"
	"github.com/cognilab/cogni-relay/internal/room"
	"github.com/cognilab/cogni-relay/internal/taskrouter"
)

const (
	// deciderSystem instructs the model to gate replies in a group chat.
	deciderSystem = `You are a smart decision-making system for a collaborative AI assistant in a group chat.
Your job is to determine if the AI assistant should respond to a user's message.

Consider these factors:
1. Is the message a question or seeking information?
2. Is the message directed at the AI specifically?
3. Could the AI provide valuable input even if not directly addressed?
4. Is this a discussion where an AI's objective perspective would be helpful?
5. Is the message casual conversation that doesn't need AI intervention?

Respond with JSON in this format:
{"shouldRespond": true/false, "confidence": 0-100, "reasoning": "brief explanation"}

Err on the side of NOT responding if it's just casual chat between humans.
DO respond if someone is clearly asking a question or seeking information.`

	// routerSystem instructs the model to pick the generation path.
	routerSystem = `You are a task manager for an AI assistant. Determine if this query needs web search or if it can be answered directly. Respond with JSON: {"next": "search"} for web search or {"next": "proceed"} for a direct answer.`

	// deciderHistoryWindow is how many recent messages the decider sees.
	deciderHistoryWindow = 5
)

// OpenAIConfig configures the chat-completions client.
type OpenAIConfig struct {
	BaseURL   string // e.g. "https://api.openai.com/v1"
	APIKey    string
	Model     string
	MaxTokens int // default for generation requests that don't set one
	Timeout   time.Duration
	Logger    *slog.Logger
}

// OpenAIClient talks to an OpenAI-compatible chat-completions endpoint. It
// implements the decision classifier, the task classifier, and the streaming
// generator consumed by the orchestrator.
type OpenAIClient struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewOpenAIClient creates a client. Zero Timeout selects 60s.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1000
	}
	return &OpenAIClient{
		client:    &http.Client{Timeout: timeout},
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: maxTokens,
		logger:    logger.With("component", "openai"),
	}
}

type chatRequest struct {
	Model       string  `json:"model"`
	Messages    []Turn  `json:"messages"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Stream      bool    `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Turn `json:"message"`
	} `json:"choices"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// ShouldRespond implements decision.Classifier.
func (c *OpenAIClient) ShouldRespond(ctx context.Context, text string, history []room.Message) (decision.Verdict, error) {
	prompt := deciderPrompt(text, history)

	raw, err := c.complete(ctx, deciderSystem, prompt, 0.3, 200)
	if err != nil {
		return decision.Verdict{}, err
	}

	var parsed struct {
		ShouldRespond bool   `json:"shouldRespond"`
		Confidence    int    `json:"confidence"`
		Reasoning     string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return decision.Verdict{}, fmt.Errorf("parsing decider response: %w", err)
	}
	return decision.Verdict{
		Respond:    parsed.ShouldRespond,
		Confidence: parsed.Confidence,
		Reasoning:  parsed.Reasoning,
	}, nil
}

// ClassifyTask implements taskrouter.Classifier.
func (c *OpenAIClient) ClassifyTask(ctx context.Context, text string) (taskrouter.Route, error) {
	raw, err := c.complete(ctx, routerSystem, text, 0, 50)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Next string `json:"next"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return "", fmt.Errorf("parsing router response: %w", err)
	}
	if parsed.Next == string(taskrouter.RouteSearch) {
		return taskrouter.RouteSearch, nil
	}
	return taskrouter.RouteProceed, nil
}

// Generate streams a completion. The returned channel delivers text deltas
// and is closed when the stream ends; a mid-stream failure is delivered as a
// Delta with Err set.
func (c *OpenAIClient) Generate(ctx context.Context, req *GenerateRequest) (<-chan Delta, error) {
	messages := make([]Turn, 0, len(req.Turns)+2)
	if req.System != "" {
		messages = append(messages, Turn{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Turns...)
	messages = append(messages, Turn{Role: "user", Content: req.Query})

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = 0.7
	}

	resp, err := c.post(ctx, chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan Delta, 16)
	go c.readStream(ctx, resp.Body, ch)
	return ch, nil
}

// readStream parses SSE lines from the response body into deltas.
func (c *OpenAIClient) readStream(ctx context.Context, body io.ReadCloser, ch chan<- Delta) {
	defer close(ch)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Warn("failed to decode stream chunk", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		text := chunk.Choices[0].Delta.Content
		if text == "" {
			continue
		}

		select {
		case ch <- Delta{Text: text}:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case ch <- Delta{Err: fmt.Errorf("reading stream: %w", err)}:
		case <-ctx.Done():
		}
	}
}

// complete performs a non-streaming completion and returns the content.
func (c *OpenAIClient) complete(ctx context.Context, system, user string, temperature float64, maxTokens int) (string, error) {
	resp, err := c.post(ctx, chatRequest{
		Model: c.model,
		Messages: []Turn{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// post sends a chat request and returns the response with a 200 status. The
// caller owns the body.
func (c *OpenAIClient) post(ctx context.Context, req chatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("completion API returned status %d: %s", resp.StatusCode, string(errBody))
	}
	return resp, nil
}

// deciderPrompt renders the message plus recent conversation for the gate.
func deciderPrompt(text string, history []room.Message) string {
	recent := history
	if len(recent) > deciderHistoryWindow {
		recent = recent[len(recent)-deciderHistoryWindow:]
	}

	var b strings.Builder
	wrote := false
	for _, m := range recent {
		if m.Status || m.System {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Text)
		wrote = true
	}
	if !wrote {
		return fmt.Sprintf("New message in group chat: %q", text)
	}
	return fmt.Sprintf("Recent conversation:\n%s\nNew message: %q", b.String(), text)
}

// extractJSON pulls the first top-level JSON object out of a model reply
// that may wrap it in prose or code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
