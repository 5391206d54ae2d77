package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/metrics"
)

// ChatClient streams a completion for one user turn.
type ChatClient interface {
	Chat(ctx context.Context, systemPrompt, userMessage string, onToken TokenCallback) (*LLMResult, error)
}

// LLMResult holds the complete response with timing and token usage.
type LLMResult struct {
	Text             string
	Latency          time.Duration
	TTFT             time.Duration
	PromptTokens     int64
	CompletionTokens int64
}

// TokenCallback is called for each streamed token.
type TokenCallback func(token string)

// LLMConfig selects and configures the language model.
type LLMConfig struct {
	Engine    string // "chat" (chat completions, default) or "responses" (agents SDK)
	URL       string
	APIKey    string
	Model     string
	MaxTokens int
}

// ChatCompletionsClient streams from any OpenAI-compatible /chat/completions endpoint.
type ChatCompletionsClient struct {
	client    openai.Client
	maxTokens int
}

// NewChatCompletionsClient creates a chat completions client sharing httpClient's pool.
func NewChatCompletionsClient(cfg LLMConfig, httpClient *http.Client) *ChatCompletionsClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.URL != "" {
		opts = append(opts, option.WithBaseURL(cfg.URL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &ChatCompletionsClient{client: openai.NewClient(opts...), maxTokens: cfg.MaxTokens}
}

// chat streams a completion of model for userMessage.
func (c *ChatCompletionsClient) chat(ctx context.Context, systemPrompt, userMessage, model string, onToken TokenCallback) (*LLMResult, error) {
	start := time.Now()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userMessage),
		},
		StreamOptions: openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxTokens))
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var sr streamResult
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			sr.promptTokens = chunk.Usage.PromptTokens
			sr.completionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		sr.add(chunk.Choices[0].Delta.Content, onToken)
	}
	if err := stream.Err(); err != nil {
		metrics.Errors.WithLabelValues("llm", "stream").Inc()
		return nil, fmt.Errorf("chat completions stream: %w", err)
	}

	res := sr.result(start)
	metrics.StageDuration.WithLabelValues("llm").Observe(res.Latency.Seconds())
	return res, nil
}

// streamResult accumulates streamed text for any backend.
type streamResult struct {
	text             strings.Builder
	ttft             time.Time
	promptTokens     int64
	completionTokens int64
}

func (sr *streamResult) add(token string, onToken TokenCallback) {
	if token == "" {
		return
	}
	if sr.ttft.IsZero() {
		sr.ttft = time.Now()
	}
	if onToken != nil {
		onToken(token)
	}
	sr.text.WriteString(token)
}

func (sr *streamResult) result(start time.Time) *LLMResult {
	res := &LLMResult{
		Text:             sr.text.String(),
		Latency:          time.Since(start),
		PromptTokens:     sr.promptTokens,
		CompletionTokens: sr.completionTokens,
	}
	if !sr.ttft.IsZero() {
		res.TTFT = sr.ttft.Sub(start)
	}
	return res
}
