package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// CompletionRequest is one prompt sent to a language-model backend.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  *float64
	MaxTokens    int
}

// CompletionResponse is a backend's answer.
type CompletionResponse struct {
	Text  string
	Model string
	Usage TokenUsage
}

// Backend completes prompts. Implementations must honour ctx cancellation.
type Backend interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// LLMConfig is the LLM agent config.
type LLMConfig struct {
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Prompt       string   `json:"prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	ParseJSON    bool     `json:"parse_json,omitempty"`
}

// LLMStrategy renders a prompt from the agent inputs and sends it to a Backend.
type LLMStrategy struct {
	strategy
	backend  Backend
	resolver *expressions.Resolver
}

// NewLLMStrategy creates the LLM strategy.
func NewLLMStrategy(b Backend) *LLMStrategy {
	return &LLMStrategy{backend: b, resolver: expressions.NewResolver()}
}

// Type implements Strategy.
func (l *LLMStrategy) Type() schema.AgentType { return schema.AgentTypeLLM }

func (l *LLMStrategy) run(ctx context.Context, call *Call) (any, error) {
	var cfg LLMConfig
	if err := call.Agent.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = stringParam(call.Inputs, "prompt", "")
	}
	if prompt == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "agent %s: llm prompt is empty", call.Agent.ID)
	}

	scope := call.templateScope()
	req := CompletionRequest{
		Model:        cfg.Model,
		SystemPrompt: expressions.Stringify(l.resolver.ResolveString(cfg.SystemPrompt, scope)),
		Prompt:       expressions.Stringify(l.resolver.ResolveString(prompt, scope)),
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	}
	call.Log(ctx, schema.LogDebug, "sending prompt", map[string]any{"model": req.Model, "prompt_chars": len(req.Prompt)})

	resp, err := l.backend.Complete(ctx, req)
	call.Metrics(func(m *ResourceMetrics) { m.APICalls++ })
	if err != nil {
		if schema.CodeOf(err) != "" {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "llm completion failed: %v", err).WithCause(err)
	}

	usage := resp.Usage
	if usage.Total == 0 {
		usage.Total = usage.Prompt + usage.Completion
	}
	call.Metrics(func(m *ResourceMetrics) { m.Tokens = &usage })
	call.Log(ctx, schema.LogInfo, "completion received", map[string]any{"model": resp.Model, "total_tokens": usage.Total})

	out := map[string]any{
		"text":  resp.Text,
		"model": resp.Model,
		"usage": map[string]any{
			"prompt_tokens":     usage.Prompt,
			"completion_tokens": usage.Completion,
			"total_tokens":      usage.Total,
		},
	}
	if cfg.ParseJSON {
		var parsed any
		if err := json.Unmarshal([]byte(stripCodeFences(resp.Text)), &parsed); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "llm response is not valid JSON: %v", err).
				WithDetails(map[string]any{"text": resp.Text})
		}
		out["json"] = parsed
	}
	return out, nil
}

// stripCodeFences removes a surrounding ``` or ```json fence.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

var _ Strategy = (*LLMStrategy)(nil)

// --- OpenAI-compatible backend ---

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIBackend talks to any OpenAI-compatible chat-completions endpoint.
type OpenAIBackend struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

// NewOpenAIBackend creates a backend. baseURL may or may not end in /chat/completions.
func NewOpenAIBackend(baseURL, apiKey, defaultModel string, client *http.Client) *OpenAIBackend {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	baseURL = strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/chat/completions")
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &OpenAIBackend{apiKey: apiKey, baseURL: baseURL, defaultModel: defaultModel, client: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}
	if model == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "llm model is not set")
	}

	body := chatRequest{Model: model, MaxTokens: req.MaxTokens, Temperature: req.Temperature}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	out := &CompletionResponse{
		Text:  parsed.Choices[0].Message.Content,
		Model: parsed.Model,
		Usage: TokenUsage{
			Prompt:     parsed.Usage.PromptTokens,
			Completion: parsed.Usage.CompletionTokens,
			Total:      parsed.Usage.TotalTokens,
		},
	}
	if out.Model == "" {
		out.Model = model
	}
	return out, nil
}

var _ Backend = (*OpenAIBackend)(nil)
