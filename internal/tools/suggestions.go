package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chatforge/internal/artifacts"
	"chatforge/internal/util"
	"chatforge/pkg/ai"
	"chatforge/pkg/domain"
)

const suggestionsSystemPrompt = `You are a helpful writing assistant. Given a document, suggest improvements.
Respond with a JSON array only, no prose. Each element has the fields
"originalSentence", "suggestedSentence" and "description". Provide at most five suggestions.`

type requestSuggestionsArgs struct {
	DocumentID string `json:"documentId"`
}

type modelSuggestion struct {
	OriginalSentence  string `json:"originalSentence"`
	SuggestedSentence string `json:"suggestedSentence"`
	Description       string `json:"description"`
}

func (r *Registry) requestSuggestionsTool(userID string, emitter artifacts.Emitter) ai.Tool {
	return ai.Tool{
		Name:        "requestSuggestions",
		Description: "Request writing suggestions for an existing text document.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"documentId": {"type": "string", "description": "The id of the document to request edits for"}
			},
			"required": ["documentId"]
		}`),
		Call: func(ctx context.Context, args json.RawMessage) (string, error) {
			var parsed requestSuggestionsArgs
			if err := json.Unmarshal(args, &parsed); err != nil {
				return "", fmt.Errorf("requestSuggestions args: %w", err)
			}
			document, err := r.ownedDocument(parsed.DocumentID, userID)
			if err != nil {
				return "", err
			}
			if document.Kind != domain.KindText {
				return "", fmt.Errorf("suggestions are only available for text documents")
			}

			raw, err := r.suggester.GenerateText(ctx, suggestionsSystemPrompt, document.Content)
			if err != nil {
				return "", fmt.Errorf("generate suggestions: %w", err)
			}
			proposed, err := parseSuggestions(raw)
			if err != nil {
				return "", err
			}

			now := time.Now().UTC()
			suggestions := make([]domain.Suggestion, 0, len(proposed))
			for _, item := range proposed {
				suggestion := domain.Suggestion{
					ID:                util.NewID(),
					DocumentID:        document.ID,
					DocumentCreatedAt: document.CreatedAt,
					OriginalText:      item.OriginalSentence,
					SuggestedText:     item.SuggestedSentence,
					Description:       item.Description,
					UserID:            userID,
					CreatedAt:         now,
				}
				payload, err := json.Marshal(suggestion)
				if err != nil {
					return "", err
				}
				if err := emitter.EmitDelta(artifacts.Delta{Type: artifacts.DeltaSuggestion, Content: string(payload)}); err != nil {
					return "", err
				}
				suggestions = append(suggestions, suggestion)
			}
			if err := r.store.SaveSuggestions(suggestions); err != nil {
				return "", err
			}
			return fmt.Sprintf("%d suggestions have been added to the document.", len(suggestions)), nil
		},
	}
}

// parseSuggestions decodes the model output, tolerating markdown code fences
// around the JSON array.
func parseSuggestions(raw string) ([]modelSuggestion, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	var out []modelSuggestion
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, fmt.Errorf("parse suggestions: %w", err)
	}
	return out, nil
}
