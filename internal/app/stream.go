package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatforge/internal/artifacts"
	"chatforge/internal/util"
	"chatforge/pkg/ai"
	"chatforge/pkg/domain"
)

const chatSystemPrompt = `You are a friendly assistant. Keep your responses concise and helpful.
When asked to write, create or update a document, use the document tools.
When the user wants the weather, use the getWeather tool.`

// Stream event types relayed to the client. Artifact deltas use the
// artifacts.Delta type names prefixed with "data-".
const (
	StreamTextDelta      = "text-delta"
	StreamReasoningDelta = "reasoning-delta"
	StreamToolCall       = "tool-call"
	StreamToolResult     = "tool-result"
	StreamFinish         = "finish"
	StreamError          = "error"
)

// StreamEvent is one server-sent event of a chat response.
type StreamEvent struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolArgs   json.RawMessage `json:"toolArgs,omitempty"`
	ToolResult string          `json:"toolResult,omitempty"`
	Delta      string          `json:"delta,omitempty"`
}

// Emitter receives stream events destined for the client.
type Emitter interface {
	EmitEvent(event StreamEvent) error
}

// ChatRequest is one inbound chat turn.
type ChatRequest struct {
	ChatID     string
	Message    domain.Message
	Visibility domain.ChatVisibility
}

// deltaEmitter adapts the stream emitter for artifact handlers.
type deltaEmitter struct {
	emitter Emitter
}

func (d deltaEmitter) EmitDelta(delta artifacts.Delta) error {
	return d.emitter.EmitEvent(StreamEvent{Type: "data-" + delta.Type, Delta: delta.Content})
}

// StreamChat runs one chat turn: it resolves or creates the chat, persists the
// inbound message before generation, streams the model response with tools,
// and persists the assistant message after completion. The remote tool
// connection is released on every path.
func (a *App) StreamChat(ctx context.Context, user domain.User, req ChatRequest, emitter Emitter) error {
	if strings.TrimSpace(req.ChatID) == "" {
		return fmt.Errorf("chat id required")
	}
	inbound := req.Message
	if inbound.Role != domain.RoleUser {
		return fmt.Errorf("inbound message role must be user")
	}
	if strings.TrimSpace(inbound.Text()) == "" && len(inbound.Attachments) == 0 {
		return fmt.Errorf("message content required")
	}

	chat, found, err := a.store.GetChatByID(req.ChatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	if found && chat.UserID != user.ID {
		return ErrUnauthorized
	}
	if !found {
		chat = domain.Chat{
			ID:         req.ChatID,
			UserID:     user.ID,
			Title:      a.synthesizeTitle(ctx, inbound.Text()),
			Visibility: req.Visibility,
			CreatedAt:  time.Now().UTC(),
		}
		if chat.Visibility == "" {
			chat.Visibility = domain.VisibilityPrivate
		}
		if err := a.store.SaveChat(chat); err != nil {
			return fmt.Errorf("create chat: %w", err)
		}
	}

	if inbound.ID == "" {
		inbound.ID = util.NewID()
	}
	inbound.ChatID = chat.ID
	if inbound.CreatedAt.IsZero() {
		inbound.CreatedAt = time.Now().UTC()
	}
	if err := a.store.SaveMessages([]domain.Message{inbound}); err != nil {
		return fmt.Errorf("save user message: %w", err)
	}

	history, err := a.store.ListMessagesByChat(chat.ID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	var modelTools []ai.Tool
	if a.tools != nil {
		set := a.tools.Acquire(ctx, user.ID, deltaEmitter{emitter})
		modelTools = set.Tools()
		defer set.Close()
	}

	var emitErr error
	completion, err := a.generator.StreamChat(ctx, ai.StreamRequest{
		System:   chatSystemPrompt,
		Messages: historyToAIMessages(history),
		Tools:    modelTools,
		MaxSteps: a.maxSteps,
	}, func(event ai.StreamEvent) error {
		emitErr = relayEvent(emitter, event)
		return emitErr
	})
	if err != nil {
		if emitErr != nil {
			return fmt.Errorf("stream aborted: %w", emitErr)
		}
		return fmt.Errorf("generate response: %w", err)
	}

	assistant := domain.Message{
		ID:        util.NewID(),
		ChatID:    chat.ID,
		Role:      domain.RoleAssistant,
		Parts:     completionToParts(completion),
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.SaveMessages([]domain.Message{assistant}); err != nil {
		// The client already holds the streamed content.
		slog.Error("save assistant message failed", "chat_id", chat.ID, "error", err)
		return nil
	}
	a.publishCompleted(ctx, chat, assistant)
	return nil
}

func (a *App) publishCompleted(ctx context.Context, chat domain.Chat, message domain.Message) {
	if a.publisher == nil {
		return
	}
	event := ChatEvent{
		Type:      "chat.message.completed",
		ChatID:    chat.ID,
		UserID:    chat.UserID,
		MessageID: message.ID,
		CreatedAt: message.CreatedAt,
	}
	if err := a.publisher.PublishChatEvent(ctx, event); err != nil {
		slog.Warn("publish chat event failed", "chat_id", chat.ID, "error", err)
	}
}

func relayEvent(emitter Emitter, event ai.StreamEvent) error {
	switch event.Type {
	case ai.EventTextDelta:
		return emitter.EmitEvent(StreamEvent{Type: StreamTextDelta, Text: event.Text})
	case ai.EventReasoningDelta:
		return emitter.EmitEvent(StreamEvent{Type: StreamReasoningDelta, Text: event.Text})
	case ai.EventToolCall:
		return emitter.EmitEvent(StreamEvent{
			Type:       StreamToolCall,
			ToolCallID: event.ToolCall.ID,
			ToolName:   event.ToolCall.Name,
			ToolArgs:   event.ToolCall.Arguments,
		})
	case ai.EventToolResult:
		return emitter.EmitEvent(StreamEvent{
			Type:       StreamToolResult,
			ToolCallID: event.ToolCall.ID,
			ToolName:   event.ToolCall.Name,
			ToolResult: event.ToolResult,
		})
	case ai.EventFinish:
		return emitter.EmitEvent(StreamEvent{Type: StreamFinish})
	default:
		return nil
	}
}

func historyToAIMessages(history []domain.Message) []ai.Message {
	out := make([]ai.Message, 0, len(history))
	for _, message := range history {
		text := message.Text()
		if text == "" {
			continue
		}
		out = append(out, ai.Message{Role: string(message.Role), Content: text})
	}
	return out
}

func completionToParts(completion ai.Completion) []domain.MessagePart {
	parts := make([]domain.MessagePart, 0, len(completion.Parts))
	for _, part := range completion.Parts {
		parts = append(parts, domain.MessagePart{
			Type:      part.Type,
			Text:      part.Text,
			ToolName:  part.ToolName,
			ToolArgs:  part.ToolArgs,
			ToolValue: part.ToolValue,
		})
	}
	return parts
}
