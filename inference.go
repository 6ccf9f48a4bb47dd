package chainsense

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"
)

// Role 是消息的角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是发给推理服务的一条消息
type Message struct {
	Role    Role
	Content string
}

// Inference 是外部推理调用, 输入有序消息, 输出助手回复
type Inference interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

var errEmptyCompletion = errors.New("completion has no content")

// OpenAIInference 基于 openai-go 的 Chat Completions 实现
type OpenAIInference struct {
	client      *openai.Client
	model       string
	temperature float64
}

func NewOpenAIInference(client *openai.Client, model string, temperature float64) *OpenAIInference {
	return &OpenAIInference{client: client, model: model, temperature: temperature}
}

func (o *OpenAIInference) Complete(ctx context.Context, messages []Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages:    buildOpenAIMessages(messages),
		Model:       o.model,
		Temperature: openai.Float(o.temperature),
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", errEmptyCompletion
	}
	return completion.Choices[0].Message.Content, nil
}

func buildOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(strings.TrimSpace(msg.Content)))
		}
	}
	return out
}

// AnthropicInference 基于 anthropic-sdk-go 的 Messages 实现
type AnthropicInference struct {
	client      *anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

func NewAnthropicInference(client *anthropic.Client, model string, maxTokens int64, temperature float64) *AnthropicInference {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicInference{client: client, model: model, maxTokens: maxTokens, temperature: temperature}
}

func (a *AnthropicInference) Complete(ctx context.Context, messages []Message) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		Temperature: anthropic.Float(a.temperature),
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			// Messages API 只接受顶层的系统提示
			params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var parts []string
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			parts = append(parts, text.Text)
		}
	}
	if len(parts) == 0 {
		return "", errEmptyCompletion
	}
	return strings.Join(parts, "\n"), nil
}
