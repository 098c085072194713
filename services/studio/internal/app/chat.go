package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/albinc92/grok-bud/pkg/ai"
	"github.com/albinc92/grok-bud/pkg/cloudsync"
	"github.com/albinc92/grok-bud/pkg/domain"
	"github.com/albinc92/grok-bud/pkg/localstore"
	"github.com/albinc92/grok-bud/pkg/usage"
)

// ChatInput sends one user message. With ChatID the saved chat is continued
// and updated in place; otherwise Messages is the unsaved transcript so far.
type ChatInput struct {
	ChatID   string               `json:"chatId"`
	Messages []domain.ChatMessage `json:"messages"`
	Message  string               `json:"message"`
	Model    string               `json:"model"`
}

type ChatOutput struct {
	Reply    domain.ChatMessage   `json:"reply"`
	Messages []domain.ChatMessage `json:"messages"`
	Usage    ai.TokenUsage        `json:"usage"`
	Chat     *domain.FavoritePost `json:"chat,omitempty"`
}

func (a *App) SendChat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return ChatOutput{}, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	model := strings.TrimSpace(in.Model)
	if model == "" {
		settings, err := a.local.Settings(ctx)
		if err != nil {
			return ChatOutput{}, err
		}
		model = settings.SelectedModel
	}

	chatID := strings.TrimSpace(in.ChatID)
	history := in.Messages
	if chatID != "" {
		post, ok, err := a.local.Favorite(ctx, chatID)
		if err != nil {
			return ChatOutput{}, err
		}
		if !ok {
			return ChatOutput{}, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		if post.Type != domain.PostChat {
			return ChatOutput{}, fmt.Errorf("%w: post %s is not a chat", ErrInvalidInput, chatID)
		}
		history = transcript(post)
	}
	for _, m := range history {
		if !validRole(m.Role) {
			return ChatOutput{}, fmt.Errorf("%w: unknown message role %q", ErrInvalidInput, m.Role)
		}
	}

	messages := append(append([]domain.ChatMessage(nil), history...), domain.ChatMessage{Role: "user", Content: text})
	res, err := a.ai.Chat(ctx, model, messages)
	if err != nil {
		return ChatOutput{}, err
	}
	a.recordUsage(ctx, usage.ChatRecord(model, res.Usage.PromptTokens, res.Usage.CompletionTokens, a.now()))

	reply := domain.ChatMessage{Role: "assistant", Content: res.Content}
	messages = append(messages, reply)
	out := ChatOutput{Reply: reply, Messages: messages, Usage: res.Usage}
	if chatID == "" {
		return out, nil
	}

	updated, err := a.sync.UpdateFavorite(ctx, chatID, func(p *domain.FavoritePost) error {
		p.Messages = messages
		p.Response = reply.Content
		p.Model = model
		return nil
	})
	if errors.Is(err, cloudsync.ErrNotFound) {
		// Deleted while the completion was in flight; the reply still stands.
		a.logger.Info("chat deleted before reply was saved", "post_id", chatID)
		return out, nil
	}
	if err != nil {
		return ChatOutput{}, err
	}
	if _, err := a.local.Patch(ctx, localstore.StatePatch{CurrentChatID: &chatID}); err != nil {
		a.logger.Warn("set current chat failed", "post_id", chatID, "err", err)
	}
	out.Chat = &updated
	return out, nil
}

// transcript returns the stored messages of a chat, rebuilding them from
// prompt and response for chats saved without a message list.
func transcript(post domain.FavoritePost) []domain.ChatMessage {
	if len(post.Messages) > 0 {
		return post.Messages
	}
	var out []domain.ChatMessage
	if post.Prompt != "" {
		out = append(out, domain.ChatMessage{Role: "user", Content: post.Prompt})
	}
	if post.Response != "" {
		out = append(out, domain.ChatMessage{Role: "assistant", Content: post.Response})
	}
	return out
}

func validRole(role string) bool {
	switch role {
	case "system", "user", "assistant":
		return true
	}
	return false
}
