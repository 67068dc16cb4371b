package llm

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultMaxTokens = 4096

	// Moonshot exposes Kimi through an Anthropic-compatible endpoint.
	kimiBaseURL = "https://api.moonshot.cn/anthropic"
)

// AnthropicProvider talks to the Anthropic Messages API. With a custom
// base URL it also serves Anthropic-compatible vendors such as Kimi.
type AnthropicProvider struct {
	name         string
	baseURL      string
	defaultModel string
}

// NewAnthropicProvider creates a provider for the Anthropic API.
func NewAnthropicProvider() *AnthropicProvider {
	return &AnthropicProvider{
		name:         "anthropic",
		defaultModel: "claude-sonnet-4-20250514",
	}
}

// NewKimiProvider creates a provider for Moonshot's Kimi models via the
// Anthropic-compatible API.
func NewKimiProvider(baseURL string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = kimiBaseURL
	}
	return &AnthropicProvider{
		name:         "kimi",
		baseURL:      baseURL,
		defaultModel: "kimi-k2-0905-preview",
	}
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string { return p.name }

// Chat sends one conversation to the Messages API.
func (p *AnthropicProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	opts := []option.RequestOption{option.WithAPIKey(req.APIKey)}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	client := sdk.NewClient(opts...)

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: msg.Content})
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		}
	}
	// The Messages API requires the conversation to start with a user turn.
	if len(conversation) == 0 || conversation[0].Role != sdk.MessageParamRoleUser {
		conversation = append([]sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("Begin."))}, conversation...)
	}

	params := sdk.MessageNewParams{
		MaxTokens: defaultMaxTokens,
		Messages:  conversation,
		Model:     sdk.Model(model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if tools := encodeAnthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s messages.new: %w", p.name, err)
	}
	return translateAnthropicResponse(msg)
}

func encodeAnthropicTools(defs []ToolDef) []sdk.ToolUnionParam {
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := def.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools
}

func translateAnthropicResponse(msg *sdk.Message) (*Response, error) {
	resp := &Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, fmt.Errorf("decode tool input for %s: %w", block.Name, err)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	resp.Usage = Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	return resp, nil
}
