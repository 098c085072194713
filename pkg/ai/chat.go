package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/albinc92/grok-bud/pkg/domain"
)

// TokenUsage is the prompt/completion/total token triple of one completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResult struct {
	Content string
	Usage   TokenUsage
}

// Chat runs a chat completion over the ordered message list.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (ChatResult, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return ChatResult{}, fmt.Errorf("chat model required")
	}
	if len(messages) == 0 {
		return ChatResult{}, fmt.Errorf("chat messages required")
	}
	reqBody := chatRequest{Model: model, Messages: make([]chatMessage, 0, len(messages))}
	for _, m := range messages {
		reqBody.Messages = append(reqBody.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	var resp chatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/chat/completions", reqBody, &resp); err != nil {
		return ChatResult{}, err
	}
	if len(resp.Choices) == 0 {
		return ChatResult{}, fmt.Errorf("empty response from xai api")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return ChatResult{}, fmt.Errorf("empty response from xai api")
	}
	usage := resp.Usage
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return ChatResult{Content: text, Usage: usage}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
}
