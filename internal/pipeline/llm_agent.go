package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/metrics"
)

// rawChatClient is a backend that bypasses the agents SDK.
type rawChatClient interface {
	chat(ctx context.Context, systemPrompt, userMessage, model string, onToken TokenCallback) (*LLMResult, error)
}

// AgentLLM routes LLM requests to the configured engine. SDK engines run a
// single-turn agent through openai-agents-go; raw engines call the API directly.
type AgentLLM struct {
	providers  map[string]agents.ModelProvider
	rawClients map[string]rawChatClient
	models     map[string]string // engine → default model
	engine     string
	maxTokens  int
}

// NewAgentLLM creates an AgentLLM that serves engine.
func NewAgentLLM(engine string, maxTokens int) *AgentLLM {
	return &AgentLLM{
		providers:  make(map[string]agents.ModelProvider),
		rawClients: make(map[string]rawChatClient),
		models:     make(map[string]string),
		engine:     engine,
		maxTokens:  maxTokens,
	}
}

// NewLLM builds an AgentLLM with both engines registered against cfg's endpoint.
func NewLLM(cfg LLMConfig, httpClient *http.Client) (*AgentLLM, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model: %w", ErrMissingConfig)
	}
	if cfg.URL == "" && cfg.APIKey == "" {
		return nil, fmt.Errorf("llm url or api key: %w", ErrMissingConfig)
	}
	engine := cfg.Engine
	if engine == "" {
		engine = "chat"
	}

	a := NewAgentLLM(engine, cfg.MaxTokens)
	a.RegisterRaw("chat", NewChatCompletionsClient(cfg, httpClient), cfg.Model)

	params := agents.OpenAIProviderParams{UseResponses: param.NewOpt(true)}
	if cfg.APIKey != "" {
		params.APIKey = param.NewOpt(cfg.APIKey)
	}
	if cfg.URL != "" {
		params.BaseURL = param.NewOpt(cfg.URL)
	}
	a.Register("responses", agents.NewOpenAIProvider(params), cfg.Model)

	if !a.Has(engine) {
		return nil, fmt.Errorf("llm engine %q: %w", engine, ErrMissingConfig)
	}
	return a, nil
}

// Register adds an SDK provider and default model for the given engine name.
func (a *AgentLLM) Register(engine string, provider agents.ModelProvider, defaultModel string) {
	a.providers[engine] = provider
	a.models[engine] = defaultModel
}

// RegisterRaw adds a direct client for engines that bypass the SDK.
func (a *AgentLLM) RegisterRaw(engine string, client rawChatClient, defaultModel string) {
	a.rawClients[engine] = client
	a.models[engine] = defaultModel
}

// Has reports whether a backend is registered for the given engine name.
func (a *AgentLLM) Has(engine string) bool {
	if _, ok := a.providers[engine]; ok {
		return true
	}
	_, ok := a.rawClients[engine]
	return ok
}

// Chat streams a completion from the configured engine.
func (a *AgentLLM) Chat(ctx context.Context, systemPrompt, userMessage string, onToken TokenCallback) (*LLMResult, error) {
	model := a.models[a.engine]
	if raw, ok := a.rawClients[a.engine]; ok {
		return raw.chat(ctx, systemPrompt, userMessage, model, onToken)
	}

	provider, ok := a.providers[a.engine]
	if !ok {
		return nil, fmt.Errorf("no llm provider for engine %q", a.engine)
	}

	agent := agents.New("assistant").
		WithInstructions(systemPrompt).
		WithModel(model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	start := time.Now()

	events, errCh, err := runner.RunStreamedChan(ctx, agent, userMessage)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "stream").Inc()
		return nil, fmt.Errorf("llm stream start: %w", err)
	}

	var sr streamResult
	for ev := range events {
		handleStreamEvent(ev, &sr, onToken)
	}

	if streamErr := <-errCh; streamErr != nil {
		metrics.Errors.WithLabelValues("llm", "stream").Inc()
		return nil, fmt.Errorf("llm stream: %w", streamErr)
	}

	res := sr.result(start)
	metrics.StageDuration.WithLabelValues("llm").Observe(res.Latency.Seconds())
	return res, nil
}

func handleStreamEvent(ev agents.StreamEvent, sr *streamResult, onToken TokenCallback) {
	raw, ok := ev.(agents.RawResponsesStreamEvent)
	if !ok {
		return
	}
	switch raw.Data.Type {
	case "response.output_text.delta":
		sr.add(raw.Data.Delta, onToken)
	case "response.completed":
		sr.promptTokens = raw.Data.Response.Usage.InputTokens
		sr.completionTokens = raw.Data.Response.Usage.OutputTokens
	}
}
