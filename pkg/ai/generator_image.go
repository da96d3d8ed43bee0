package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ImageGenerator produces a single image for a prompt and returns the raw
// encoded bytes (PNG unless the backend says otherwise).
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// OpenAICompatImageGenerator calls an OpenAI-compatible /v1/images/generations
// endpoint and decodes the base64 payload.
type OpenAICompatImageGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewOpenAICompatImageGenerator(baseURL, apiKey, model string) *OpenAICompatImageGenerator {
	return &OpenAICompatImageGenerator{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (g *OpenAICompatImageGenerator) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	if g.model == "" {
		return nil, fmt.Errorf("openai-compat image model required")
	}
	body, err := json.Marshal(oaiImageRequest{
		Model:          g.model,
		Prompt:         prompt,
		N:              1,
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai-compat image request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var imageResp oaiImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&imageResp); err != nil {
		return nil, fmt.Errorf("openai-compat image decode: %w", err)
	}
	if len(imageResp.Data) == 0 || imageResp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("empty image response from openai-compat api")
	}
	data, err := base64.StdEncoding.DecodeString(imageResp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("openai-compat image base64: %w", err)
	}
	return data, nil
}

type oaiImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type oaiImageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}
