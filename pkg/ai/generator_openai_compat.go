package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

const defaultMaxSteps = 5

// OpenAICompatGenerator calls any OpenAI-compatible /v1/chat/completions
// endpoint. Works with vLLM, LiteLLM, LocalAI, Deepseek, OpenRouter,
// self-hosted models, etc.
type OpenAICompatGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatGenerator builds an OpenAI-compatible generator.
// baseURL should include the /v1 prefix, e.g. "http://localhost:8000/v1".
// apiKey can be empty for local models that do not require authentication.
func NewOpenAICompatGenerator(baseURL, apiKey, model string) *OpenAICompatGenerator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &OpenAICompatGenerator{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// GenerateText implements TextGenerator using the chat completions API.
func (g *OpenAICompatGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("openai-compat generation model required")
	}
	messages := make([]oaiMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: userPrompt})

	body, err := json.Marshal(oaiChatRequest{Model: g.model, Messages: messages})
	if err != nil {
		return "", err
	}
	resp, err := g.post(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("openai-compat decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from openai-compat api")
	}
	return text, nil
}

// StreamChat implements StreamGenerator. It streams deltas through onEvent as
// they arrive and drives the tool-call loop: when the model stops to invoke
// tools, each call is executed and its result fed back, up to MaxSteps rounds.
func (g *OpenAICompatGenerator) StreamChat(ctx context.Context, req StreamRequest, onEvent StreamHandler) (Completion, error) {
	if g.model == "" {
		return Completion{}, fmt.Errorf("openai-compat generation model required")
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	toolsByName := make(map[string]Tool, len(req.Tools))
	toolDefs := make([]oaiTool, 0, len(req.Tools))
	for _, tool := range req.Tools {
		toolsByName[tool.Name] = tool
		toolDefs = append(toolDefs, oaiTool{
			Type: "function",
			Function: oaiToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	messages := make([]oaiMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		messages = append(messages, toOAIMessage(msg))
	}

	var completion Completion
	for step := 0; step < maxSteps; step++ {
		turn, err := g.streamOnce(ctx, messages, toolDefs, onEvent, &completion)
		if err != nil {
			return completion, err
		}
		if len(turn.toolCalls) == 0 {
			if err := onEvent(StreamEvent{Type: EventFinish}); err != nil {
				return completion, err
			}
			return completion, nil
		}

		// Feed the assistant turn and every tool result back before the
		// next round.
		messages = append(messages, oaiMessage{
			Role:      "assistant",
			Content:   turn.text,
			ToolCalls: turn.rawToolCalls(),
		})
		for _, call := range turn.toolCalls {
			result, err := g.invokeTool(ctx, toolsByName, call)
			if err != nil {
				result = "error: " + err.Error()
			}
			if err := onEvent(StreamEvent{Type: EventToolResult, ToolCall: &call, ToolResult: result}); err != nil {
				return completion, err
			}
			completion.Parts = append(completion.Parts, CompletionPart{
				Type:      "tool",
				ToolName:  call.Name,
				ToolArgs:  call.Arguments,
				ToolValue: result,
			})
			messages = append(messages, oaiMessage{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
	return completion, fmt.Errorf("tool-call loop exceeded %d steps", maxSteps)
}

func (g *OpenAICompatGenerator) invokeTool(ctx context.Context, tools map[string]Tool, call ToolCall) (string, error) {
	tool, ok := tools[call.Name]
	if !ok || tool.Call == nil {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
	return tool.Call(ctx, call.Arguments)
}

// turnResult accumulates one model turn of a streaming completion.
type turnResult struct {
	text      string
	toolCalls []ToolCall
}

func (t turnResult) rawToolCalls() []oaiToolCall {
	out := make([]oaiToolCall, 0, len(t.toolCalls))
	for _, call := range t.toolCalls {
		out = append(out, oaiToolCall{
			ID:   call.ID,
			Type: "function",
			Function: oaiToolCallFunction{
				Name:      call.Name,
				Arguments: string(call.Arguments),
			},
		})
	}
	return out
}

func (g *OpenAICompatGenerator) streamOnce(ctx context.Context, messages []oaiMessage, tools []oaiTool, onEvent StreamHandler, completion *Completion) (turnResult, error) {
	reqBody := oaiChatRequest{
		Model:    g.model,
		Messages: messages,
		Stream:   true,
	}
	if len(tools) > 0 {
		reqBody.Tools = tools
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return turnResult{}, err
	}
	resp, err := g.post(ctx, body)
	if err != nil {
		return turnResult{}, fmt.Errorf("openai-compat request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return turnResult{}, err
	}

	var turn turnResult
	var textBuf, reasoningBuf strings.Builder
	pendingCalls := make(map[int]*pendingToolCall)

	flushText := func() {
		if reasoningBuf.Len() > 0 {
			completion.Parts = append(completion.Parts, CompletionPart{Type: "reasoning", Text: reasoningBuf.String()})
			reasoningBuf.Reset()
		}
		if textBuf.Len() > 0 {
			completion.Parts = append(completion.Parts, CompletionPart{Type: "text", Text: textBuf.String()})
			turn.text += textBuf.String()
			textBuf.Reset()
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return turn, fmt.Errorf("openai-compat stream decode: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.ReasoningContent != "" {
			reasoningBuf.WriteString(choice.Delta.ReasoningContent)
			if err := onEvent(StreamEvent{Type: EventReasoningDelta, Text: choice.Delta.ReasoningContent}); err != nil {
				return turn, err
			}
		}
		if choice.Delta.Content != "" {
			textBuf.WriteString(choice.Delta.Content)
			if err := onEvent(StreamEvent{Type: EventTextDelta, Text: choice.Delta.Content}); err != nil {
				return turn, err
			}
		}
		for _, delta := range choice.Delta.ToolCalls {
			call, ok := pendingCalls[delta.Index]
			if !ok {
				call = &pendingToolCall{}
				pendingCalls[delta.Index] = call
			}
			if delta.ID != "" {
				call.id = delta.ID
			}
			if delta.Function.Name != "" {
				call.name += delta.Function.Name
			}
			call.arguments += delta.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		return turn, fmt.Errorf("openai-compat stream read: %w", err)
	}

	flushText()

	indexes := make([]int, 0, len(pendingCalls))
	for index := range pendingCalls {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	for _, index := range indexes {
		pending := pendingCalls[index]
		args := pending.arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		call := ToolCall{ID: pending.id, Name: pending.name, Arguments: json.RawMessage(args)}
		turn.toolCalls = append(turn.toolCalls, call)
		if err := onEvent(StreamEvent{Type: EventToolCall, ToolCall: &call}); err != nil {
			return turn, err
		}
	}
	return turn, nil
}

type pendingToolCall struct {
	id        string
	name      string
	arguments string
}

func (g *OpenAICompatGenerator) post(ctx context.Context, body []byte) (*http.Response, error) {
	url := g.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	return g.httpClient.Do(req)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	var errResp oaiErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	if errResp.Error.Message != "" {
		return fmt.Errorf("openai-compat api error: %s", errResp.Error.Message)
	}
	return fmt.Errorf("openai-compat api error: %s", resp.Status)
}

func toOAIMessage(msg Message) oaiMessage {
	out := oaiMessage{
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
	}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, oaiToolCall{
			ID:   call.ID,
			Type: "function",
			Function: oaiToolCallFunction{
				Name:      call.Name,
				Arguments: string(call.Arguments),
			},
		})
	}
	return out
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string              `json:"id"`
	Type     string              `json:"type"`
	Function oaiToolCallFunction `json:"function"`
}

type oaiToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiTool struct {
	Type     string          `json:"type"`
	Function oaiToolFunction `json:"function"`
}

type oaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type oaiChatRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
	Tools    []oaiTool    `json:"tools,omitempty"`
	Stream   bool         `json:"stream,omitempty"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
