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

// OpenAICompatImageGenerator calls any OpenAI-compatible /v1/images/generations endpoint.
type OpenAICompatImageGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	size       string
	httpClient *http.Client
}

// NewOpenAICompatImageGenerator builds an ImageGenerator.
// baseURL should include the /v1 prefix, e.g. "https://api.openai.com/v1".
func NewOpenAICompatImageGenerator(baseURL, apiKey, model, size string) *OpenAICompatImageGenerator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	size = strings.TrimSpace(size)
	if size == "" {
		size = "1024x1024"
	}
	return &OpenAICompatImageGenerator{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		size:    size,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// GenerateImage implements ImageGenerator and returns the decoded image bytes.
func (g *OpenAICompatImageGenerator) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	if g.model == "" {
		return nil, fmt.Errorf("openai-compat image model required")
	}
	body, err := json.Marshal(oaiImageRequest{
		Model:          g.model,
		Prompt:         prompt,
		N:              1,
		Size:           g.size,
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

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("openai-compat api error: %s", errResp.Error.Message)
		}
		return nil, fmt.Errorf("openai-compat api error: %s", resp.Status)
	}

	var imgResp oaiImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&imgResp); err != nil {
		return nil, fmt.Errorf("openai-compat decode: %w", err)
	}
	if len(imgResp.Data) == 0 || imgResp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("empty response from openai-compat image api")
	}
	raw, err := base64.StdEncoding.DecodeString(imgResp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return raw, nil
}

type oaiImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type oaiImageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
