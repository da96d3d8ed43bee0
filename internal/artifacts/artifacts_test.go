package artifacts

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chatforge/pkg/ai"
	"chatforge/pkg/storage"
)

type captureEmitter struct {
	deltas []Delta
}

func (c *captureEmitter) EmitDelta(delta Delta) error {
	c.deltas = append(c.deltas, delta)
	return nil
}

type scriptedStreamGenerator struct {
	chunks []string
}

func (g *scriptedStreamGenerator) StreamChat(_ context.Context, _ ai.StreamRequest, onEvent ai.StreamHandler) (ai.Completion, error) {
	var full strings.Builder
	for _, chunk := range g.chunks {
		full.WriteString(chunk)
		if err := onEvent(ai.StreamEvent{Type: ai.EventTextDelta, Text: chunk}); err != nil {
			return ai.Completion{}, err
		}
	}
	return ai.Completion{Parts: []ai.CompletionPart{{Type: "text", Text: full.String()}}}, nil
}

func TestTextHandlerStreamsDeltas(t *testing.T) {
	handler := NewTextHandler(&scriptedStreamGenerator{chunks: []string{"# Essay", "\n\nBody."}})
	emitter := &captureEmitter{}

	content, err := handler.OnCreate(context.Background(), CreateRequest{ID: "d1", Title: "Essay"}, emitter)
	if err != nil {
		t.Fatalf("OnCreate: %v", err)
	}
	if content != "# Essay\n\nBody." {
		t.Fatalf("unexpected content %q", content)
	}
	if len(emitter.deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(emitter.deltas))
	}
	for _, delta := range emitter.deltas {
		if delta.Type != DeltaText {
			t.Fatalf("unexpected delta type %q", delta.Type)
		}
	}
}

type failingEmitter struct {
	emitted int
	err     error
}

func (f *failingEmitter) EmitDelta(Delta) error {
	f.emitted++
	return f.err
}

func TestTextHandlerStopsWhenEmitFails(t *testing.T) {
	generator := &scriptedStreamGenerator{chunks: []string{"first", "second", "third"}}
	emitter := &failingEmitter{err: errors.New("client gone")}

	_, err := NewTextHandler(generator).OnCreate(context.Background(), CreateRequest{ID: "d1", Title: "Essay"}, emitter)
	if err == nil {
		t.Fatal("expected error when the emitter fails")
	}
	if !strings.Contains(err.Error(), "client gone") {
		t.Fatalf("expected emit failure to surface, got %v", err)
	}
	if emitter.emitted != 1 {
		t.Fatalf("generation should stop on the first failed emit, got %d emits", emitter.emitted)
	}
}

type fakeImageGenerator struct {
	data []byte
}

func (g *fakeImageGenerator) GenerateImage(context.Context, string) ([]byte, error) {
	return g.data, nil
}

func TestImageHandlerStoresObjectAndEmitsKey(t *testing.T) {
	objects := storage.NewMemoryObjectStore()
	handler := NewImageHandler(&fakeImageGenerator{data: []byte{0x89, 0x50, 0x4e, 0x47}}, objects)
	emitter := &captureEmitter{}

	key, err := handler.OnCreate(context.Background(), CreateRequest{ID: "img1", Title: "a lighthouse"}, emitter)
	if err != nil {
		t.Fatalf("OnCreate: %v", err)
	}
	if !strings.HasPrefix(key, "artifacts/img1/") || !strings.HasSuffix(key, ".png") {
		t.Fatalf("unexpected object key %q", key)
	}
	stored, ok := objects.Get(key)
	if !ok {
		t.Fatalf("object %q not stored", key)
	}
	if len(stored) != 4 {
		t.Fatalf("unexpected object size %d", len(stored))
	}
	if len(emitter.deltas) != 1 || emitter.deltas[0].Type != DeltaImage || emitter.deltas[0].Content != key {
		t.Fatalf("unexpected deltas %+v", emitter.deltas)
	}
}
