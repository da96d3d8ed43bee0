package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"chatforge/internal/artifacts"
	"chatforge/internal/mcp"
	"chatforge/pkg/ai"
	"chatforge/pkg/domain"
	"chatforge/pkg/store"
)

// Registry builds the tool collection offered to the model on each chat
// request. Local tools are constructed per request because they close over the
// requesting user and the response stream; remote tools are discovered from an
// MCP server when one is configured.
type Registry struct {
	store     store.Store
	handlers  map[domain.DocumentKind]artifacts.Handler
	weather   *WeatherClient
	suggester ai.TextGenerator
	newRemote func() mcp.Transport
}

type Config struct {
	Store    store.Store
	Handlers []artifacts.Handler
	Weather  *WeatherClient
	// Suggester generates edit suggestions for requestSuggestions.
	Suggester ai.TextGenerator
	// NewRemote returns a fresh MCP transport per request. Nil disables
	// remote tools.
	NewRemote func() mcp.Transport
}

func NewRegistry(cfg Config) *Registry {
	handlers := make(map[domain.DocumentKind]artifacts.Handler, len(cfg.Handlers))
	for _, handler := range cfg.Handlers {
		handlers[handler.Kind()] = handler
	}
	return &Registry{
		store:     cfg.Store,
		handlers:  handlers,
		weather:   cfg.Weather,
		suggester: cfg.Suggester,
		newRemote: cfg.NewRemote,
	}
}

// Set is the tool collection for one request. Close releases the remote
// transport, if any, and is safe to call from multiple cleanup paths.
type Set struct {
	tools     []ai.Tool
	indexes   map[string]int
	remote    mcp.Transport
	closeOnce sync.Once
}

// add inserts a tool, replacing any earlier tool with the same name.
func (s *Set) add(tool ai.Tool) {
	if s.indexes == nil {
		s.indexes = make(map[string]int)
	}
	if i, ok := s.indexes[tool.Name]; ok {
		s.tools[i] = tool
		return
	}
	s.indexes[tool.Name] = len(s.tools)
	s.tools = append(s.tools, tool)
}

func (s *Set) Tools() []ai.Tool { return s.tools }

func (s *Set) Close() {
	s.closeOnce.Do(func() {
		if s.remote == nil {
			return
		}
		if err := s.remote.Close(); err != nil {
			slog.Warn("close remote tool transport", "error", err)
		}
	})
}

// Acquire assembles the tool set for one request. Remote discovery failure is
// logged and the request proceeds with local tools only.
func (r *Registry) Acquire(ctx context.Context, userID string, emitter artifacts.Emitter) *Set {
	set := &Set{}
	if r.weather != nil {
		set.add(r.weather.Tool())
	}
	set.add(r.createDocumentTool(userID, emitter))
	set.add(r.updateDocumentTool(userID, emitter))
	set.add(r.requestSuggestionsTool(userID, emitter))

	if r.newRemote == nil {
		return set
	}
	transport := r.newRemote()
	if err := transport.Connect(ctx); err != nil {
		slog.Warn("remote tool source unavailable", "error", err)
		_ = transport.Close()
		return set
	}
	schemas, err := transport.ListTools(ctx)
	if err != nil {
		slog.Warn("remote tool discovery failed", "error", err)
		_ = transport.Close()
		return set
	}
	set.remote = transport
	for _, schema := range schemas {
		set.add(remoteTool(transport, schema))
	}
	return set
}

// remoteTool wraps one discovered MCP tool. Remote tools override local ones
// of the same name because they are merged last.
func remoteTool(transport mcp.Transport, schema mcp.ToolSchema) ai.Tool {
	parameters := schema.InputSchema
	if len(parameters) == 0 {
		parameters = json.RawMessage(`{"type":"object"}`)
	}
	return ai.Tool{
		Name:        schema.Name,
		Description: schema.Description,
		Parameters:  parameters,
		Call: func(ctx context.Context, args json.RawMessage) (string, error) {
			result, err := transport.CallTool(ctx, schema.Name, args)
			if err != nil {
				return "", fmt.Errorf("remote tool %s: %w", schema.Name, err)
			}
			return result, nil
		},
	}
}
