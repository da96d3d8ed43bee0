package artifacts

import (
	"context"
	"fmt"
	"time"

	"chatforge/pkg/ai"
	"chatforge/pkg/domain"
	"chatforge/pkg/storage"
)

// ImageHandler generates images and stores the bytes in object storage. The
// document content persisted for an image revision is the object key, and the
// image-delta carries the same key so the client can resolve it.
type ImageHandler struct {
	generator ai.ImageGenerator
	objects   storage.ObjectStore
}

func NewImageHandler(generator ai.ImageGenerator, objects storage.ObjectStore) *ImageHandler {
	return &ImageHandler{generator: generator, objects: objects}
}

func (h *ImageHandler) Kind() domain.DocumentKind { return domain.KindImage }

func (h *ImageHandler) OnCreate(ctx context.Context, req CreateRequest, emitter Emitter) (string, error) {
	return h.generate(ctx, req.Title, req.ID, emitter)
}

func (h *ImageHandler) OnUpdate(ctx context.Context, req UpdateRequest, emitter Emitter) (string, error) {
	prompt := fmt.Sprintf("%s\n\nPrevious image prompt context: %s", req.Instruction, req.Document.Title)
	return h.generate(ctx, prompt, req.Document.ID, emitter)
}

func (h *ImageHandler) generate(ctx context.Context, prompt, documentID string, emitter Emitter) (string, error) {
	data, err := h.generator.GenerateImage(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate image document: %w", err)
	}
	// Each revision gets its own object so older revisions stay resolvable.
	key := fmt.Sprintf("artifacts/%s/%d.png", documentID, time.Now().UnixNano())
	if err := storage.PutBytes(ctx, h.objects, key, data, "image/png"); err != nil {
		return "", fmt.Errorf("store image document: %w", err)
	}
	if err := emitter.EmitDelta(Delta{Type: DeltaImage, Content: key}); err != nil {
		return "", fmt.Errorf("emit image delta: %w", err)
	}
	return key, nil
}
