package artifacts

import (
	"context"
	"fmt"

	"chatforge/pkg/ai"
	"chatforge/pkg/domain"
)

const textCreateSystemPrompt = "Write about the given topic. Markdown is supported. Use headings wherever appropriate."

// TextHandler generates markdown text documents by streaming model output.
type TextHandler struct {
	generator ai.StreamGenerator
}

func NewTextHandler(generator ai.StreamGenerator) *TextHandler {
	return &TextHandler{generator: generator}
}

func (h *TextHandler) Kind() domain.DocumentKind { return domain.KindText }

func (h *TextHandler) OnCreate(ctx context.Context, req CreateRequest, emitter Emitter) (string, error) {
	return h.stream(ctx, textCreateSystemPrompt, req.Title, emitter)
}

func (h *TextHandler) OnUpdate(ctx context.Context, req UpdateRequest, emitter Emitter) (string, error) {
	system := fmt.Sprintf("Improve the following contents of the document based on the given prompt.\n\n%s", req.Document.Content)
	return h.stream(ctx, system, req.Instruction, emitter)
}

func (h *TextHandler) stream(ctx context.Context, system, prompt string, emitter Emitter) (string, error) {
	completion, err := h.generator.StreamChat(ctx, ai.StreamRequest{
		System:   system,
		Messages: []ai.Message{{Role: "user", Content: prompt}},
	}, func(event ai.StreamEvent) error {
		if event.Type != ai.EventTextDelta {
			return nil
		}
		return emitter.EmitDelta(Delta{Type: DeltaText, Content: event.Text})
	})
	if err != nil {
		return "", fmt.Errorf("generate text document: %w", err)
	}
	return completion.Text(), nil
}
