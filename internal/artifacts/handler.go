package artifacts

import (
	"context"

	"chatforge/pkg/domain"
)

// Delta is one incremental artifact event relayed to the client while a
// document is being generated or revised.
type Delta struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Artifact delta types. The id/title/kind/clear deltas frame a generation;
// the content deltas carry produced fragments.
const (
	DeltaID         = "id"
	DeltaTitle      = "title"
	DeltaKind       = "kind"
	DeltaClear      = "clear"
	DeltaText       = "text-delta"
	DeltaImage      = "image-delta"
	DeltaSuggestion = "suggestion"
	DeltaFinish     = "finish"
)

// Emitter receives artifact deltas as they are produced.
type Emitter interface {
	EmitDelta(delta Delta) error
}

// CreateRequest describes a document to generate from scratch.
type CreateRequest struct {
	ID     string
	Title  string
	UserID string
}

// UpdateRequest describes a revision of an existing document.
type UpdateRequest struct {
	Document    domain.Document
	Instruction string
}

// Handler implements generation for one artifact kind. Both operations emit
// fragments through the emitter as they arrive and return the fully
// accumulated content for persistence as a new revision. Partial content from
// a failed generation is not persisted.
type Handler interface {
	Kind() domain.DocumentKind
	OnCreate(ctx context.Context, req CreateRequest, emitter Emitter) (string, error)
	OnUpdate(ctx context.Context, req UpdateRequest, emitter Emitter) (string, error)
}
