package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"
	ollamaBaseURL = "http://localhost:11434/v1"
)

// OpenAICompatProvider talks to any OpenAI-compatible chat completions
// endpoint: OpenAI itself, or a local Ollama server via its /v1 API.
type OpenAICompatProvider struct {
	name         string
	baseURL      string
	defaultModel string
	client       *http.Client
}

// NewOpenAIProvider creates a provider for the OpenAI API.
func NewOpenAIProvider(baseURL string) *OpenAICompatProvider {
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	return &OpenAICompatProvider{
		name:         "openai",
		baseURL:      baseURL,
		defaultModel: "gpt-4o",
		client:       &http.Client{Timeout: 5 * time.Minute},
	}
}

// NewOllamaProvider creates a provider for a local Ollama server.
func NewOllamaProvider(baseURL string) *OpenAICompatProvider {
	if baseURL == "" {
		baseURL = ollamaBaseURL
	}
	return &OpenAICompatProvider{
		name:         "ollama",
		baseURL:      baseURL,
		defaultModel: "llama3.2:3b",
		client:       &http.Client{Timeout: 5 * time.Minute},
	}
}

// Name returns the provider identifier.
func (p *OpenAICompatProvider) Name() string { return p.name }

type chatCompletionRequest struct {
	Model    string           `json:"model"`
	Messages []ChatMessage    `json:"messages"`
	Tools    []chatToolParam  `json:"tools,omitempty"`
}

type chatToolParam struct {
	Type     string            `json:"type"`
	Function chatFunctionParam `json:"function"`
}

type chatFunctionParam struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat posts one conversation to the chat completions endpoint.
func (p *OpenAICompatProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body := chatCompletionRequest{Model: model, Messages: req.Messages}
	for _, def := range req.Tools {
		params := def.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		body.Tools = append(body.Tools, chatToolParam{
			Type: "function",
			Function: chatFunctionParam{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: send request: %w", p.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
		return nil, fmt.Errorf("%s: http %d: %s", p.name, httpResp.StatusCode, string(detail))
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s: response contained no choices", p.name)
	}

	choice := completion.Choices[0]
	resp := &Response{
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("%s: decode tool arguments for %s: %w", p.name, tc.Function.Name, err)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return resp, nil
}
