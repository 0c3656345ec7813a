// Package llm provides the language-model backend for response
// generation.
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
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Responder generates a reply for a user utterance.
type Responder interface {
	Generate(ctx context.Context, userText string) (string, error)
}

// ErrEmptyResponse is returned when the model produces no text.
var ErrEmptyResponse = errors.New("llm: model returned empty response")

// OllamaConfig configures the Ollama client.
type OllamaConfig struct {
	Host         string
	Model        string
	Timeout      time.Duration
	Temperature  float64
	TopP         float64
	MaxTokens    int
	MaxHistory   int // exchanges kept as context, oldest evicted first
	SystemPrompt string
}

// DefaultOllamaConfig returns sensible defaults.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		Host:        "http://localhost:11434",
		Model:       "qwen2.5:0.5b-instruct-q4_K_M",
		Timeout:     30 * time.Second,
		Temperature: 0.7,
		TopP:        0.9,
		MaxTokens:   150,
		MaxHistory:  5,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`
}

// exchange is one completed user/assistant turn.
type exchange struct {
	user      string
	assistant string
}

// Ollama talks to a local Ollama server over its chat API. It keeps a
// bounded conversation history so short-term context survives across
// turns without growing the prompt unboundedly.
type Ollama struct {
	config OllamaConfig
	client *http.Client
	logger zerolog.Logger

	mu      sync.Mutex
	history []exchange
}

// NewOllama creates an Ollama client.
func NewOllama(config OllamaConfig, logger zerolog.Logger) *Ollama {
	if config.Host == "" {
		config.Host = DefaultOllamaConfig().Host
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Ollama{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger.With().Str("component", "llm").Logger(),
	}
}

// Warmup issues a tiny generation so the model is resident before the
// first real turn. Failure is non-fatal; the first turn just pays the
// load cost.
func (o *Ollama) Warmup(ctx context.Context) error {
	start := time.Now()
	_, err := o.chat(ctx, []chatMessage{{Role: "user", Content: "Hi"}})
	if err != nil {
		return fmt.Errorf("warmup failed: %w", err)
	}
	o.logger.Info().Dur("took", time.Since(start)).Str("model", o.config.Model).Msg("Model warmed up")
	return nil
}

// Generate produces a reply to userText, including the bounded history
// as conversational context. A successful turn is appended to history.
func (o *Ollama) Generate(ctx context.Context, userText string) (string, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return "", errors.New("llm: empty user text")
	}

	messages := o.buildMessages(userText)
	reply, err := o.chat(ctx, messages)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", ErrEmptyResponse
	}

	o.mu.Lock()
	o.history = append(o.history, exchange{user: userText, assistant: reply})
	if o.config.MaxHistory > 0 && len(o.history) > o.config.MaxHistory {
		o.history = o.history[len(o.history)-o.config.MaxHistory:]
	}
	o.mu.Unlock()

	return reply, nil
}

// ClearHistory drops the conversation context. Called when the locked
// visitor walks away; the next person starts fresh.
func (o *Ollama) ClearHistory() {
	o.mu.Lock()
	o.history = nil
	o.mu.Unlock()
	o.logger.Debug().Msg("Conversation history cleared")
}

// HistoryLen reports the number of retained exchanges.
func (o *Ollama) HistoryLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.history)
}

func (o *Ollama) buildMessages(userText string) []chatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()

	messages := make([]chatMessage, 0, 2+2*len(o.history))
	if o.config.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: o.config.SystemPrompt})
	}
	for _, ex := range o.history {
		messages = append(messages,
			chatMessage{Role: "user", Content: ex.user},
			chatMessage{Role: "assistant", Content: ex.assistant})
	}
	return append(messages, chatMessage{Role: "user", Content: userText})
}

func (o *Ollama) chat(ctx context.Context, messages []chatMessage) (string, error) {
	reqBody := chatRequest{
		Model:    o.config.Model,
		Messages: messages,
		Stream:   false,
		Options: map[string]any{
			"temperature": o.config.Temperature,
			"top_p":       o.config.TopP,
			"num_predict": o.config.MaxTokens,
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.Host+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("ollama error: %s", parsed.Error)
	}
	return parsed.Message.Content, nil
}
