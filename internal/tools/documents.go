package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatforge/internal/artifacts"
	"chatforge/internal/util"
	"chatforge/pkg/ai"
	"chatforge/pkg/domain"
)

type createDocumentArgs struct {
	Title string `json:"title"`
	Kind  string `json:"kind"`
}

type updateDocumentArgs struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

type documentToolResult struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (r *Registry) createDocumentTool(userID string, emitter artifacts.Emitter) ai.Tool {
	return ai.Tool{
		Name:        "createDocument",
		Description: "Create a document for writing or content creation activities. The content is generated from the title and kind.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string"},
				"kind": {"type": "string", "enum": ["text", "image"]}
			},
			"required": ["title", "kind"]
		}`),
		Call: func(ctx context.Context, args json.RawMessage) (string, error) {
			var parsed createDocumentArgs
			if err := json.Unmarshal(args, &parsed); err != nil {
				return "", fmt.Errorf("createDocument args: %w", err)
			}
			handler, ok := r.handlers[domain.DocumentKind(parsed.Kind)]
			if !ok {
				return "", fmt.Errorf("unsupported document kind %q", parsed.Kind)
			}

			id := util.NewID()
			for _, delta := range []artifacts.Delta{
				{Type: artifacts.DeltaKind, Content: parsed.Kind},
				{Type: artifacts.DeltaID, Content: id},
				{Type: artifacts.DeltaTitle, Content: parsed.Title},
				{Type: artifacts.DeltaClear},
			} {
				if err := emitter.EmitDelta(delta); err != nil {
					return "", err
				}
			}

			content, err := handler.OnCreate(ctx, artifacts.CreateRequest{ID: id, Title: parsed.Title, UserID: userID}, emitter)
			if err != nil {
				return "", err
			}
			document := domain.Document{
				ID:        id,
				UserID:    userID,
				Title:     parsed.Title,
				Kind:      domain.DocumentKind(parsed.Kind),
				Content:   content,
				CreatedAt: time.Now().UTC(),
			}
			if err := r.store.SaveDocument(document); err != nil {
				return "", err
			}
			if err := emitter.EmitDelta(artifacts.Delta{Type: artifacts.DeltaFinish}); err != nil {
				return "", err
			}
			return marshalDocumentResult(document, "A document was created and is now visible to the user.")
		},
	}
}

func (r *Registry) updateDocumentTool(userID string, emitter artifacts.Emitter) ai.Tool {
	return ai.Tool{
		Name:        "updateDocument",
		Description: "Update an existing document with the given description of changes.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "description": "The id of the document to update"},
				"description": {"type": "string", "description": "The changes to make"}
			},
			"required": ["id", "description"]
		}`),
		Call: func(ctx context.Context, args json.RawMessage) (string, error) {
			var parsed updateDocumentArgs
			if err := json.Unmarshal(args, &parsed); err != nil {
				return "", fmt.Errorf("updateDocument args: %w", err)
			}
			document, err := r.ownedDocument(parsed.ID, userID)
			if err != nil {
				return "", err
			}
			handler, ok := r.handlers[document.Kind]
			if !ok {
				return "", fmt.Errorf("unsupported document kind %q", document.Kind)
			}

			if err := emitter.EmitDelta(artifacts.Delta{Type: artifacts.DeltaClear}); err != nil {
				return "", err
			}
			content, err := handler.OnUpdate(ctx, artifacts.UpdateRequest{Document: document, Instruction: parsed.Description}, emitter)
			if err != nil {
				return "", err
			}
			revision := document
			revision.Content = content
			revision.CreatedAt = time.Now().UTC()
			if err := r.store.SaveDocument(revision); err != nil {
				return "", err
			}
			if err := emitter.EmitDelta(artifacts.Delta{Type: artifacts.DeltaFinish}); err != nil {
				return "", err
			}
			return marshalDocumentResult(revision, "The document has been updated.")
		},
	}
}

// ownedDocument loads the latest revision and masks ownership mismatches as
// not-found.
func (r *Registry) ownedDocument(documentID, userID string) (domain.Document, error) {
	document, found, err := r.store.GetLatestDocument(documentID)
	if err != nil || !found || document.UserID != userID {
		return domain.Document{}, fmt.Errorf("document not found")
	}
	return document, nil
}

func marshalDocumentResult(document domain.Document, message string) (string, error) {
	out, err := json.Marshal(documentToolResult{
		ID:      document.ID,
		Title:   document.Title,
		Kind:    string(document.Kind),
		Message: message,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
