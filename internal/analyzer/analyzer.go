// Package analyzer sends media to an AI provider and returns the structured
// JSON analysis it produces.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codefionn/flowsync/internal/config"
)

var (
	// ErrDisabled is returned by New when no provider is configured.
	ErrDisabled = errors.New("content analyzer disabled")
	// ErrInvalidOutput is returned when the provider answer is not a JSON document.
	ErrInvalidOutput = errors.New("analyzer output is not valid JSON")
)

// DefaultPrompt is used when a request carries no prompt of its own.
const DefaultPrompt = "Describe this media for a video editing gallery. Return tags, a one sentence summary and notable scenes."

// DefaultSchema is the JSON schema used when a request carries none.
var DefaultSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"tags": {"type": "array", "items": {"type": "string"}},
		"scenes": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["summary", "tags", "scenes"],
	"additionalProperties": false
}`)

// Request describes one analysis.
type Request struct {
	MediaURI string          `json:"mediaUri"`
	MIMEType string          `json:"mimeType"`
	Prompt   string          `json:"prompt,omitempty"`
	Schema   json.RawMessage `json:"schema,omitempty"`
}

func (r Request) withDefaults() Request {
	if strings.TrimSpace(r.Prompt) == "" {
		r.Prompt = DefaultPrompt
	}
	if len(r.Schema) == 0 || string(r.Schema) == "null" {
		r.Schema = DefaultSchema
	}
	return r
}

// Analyzer produces a JSON analysis of a media file.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (json.RawMessage, error)
	Provider() string
	Model() string
}

// ProviderError wraps a failure reported by the upstream provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// New builds the analyzer selected by cfg.
func New(ctx context.Context, cfg config.AnalyzerConfig) (Analyzer, error) {
	var (
		a   Analyzer
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "":
		return nil, ErrDisabled
	case "gemini", "google":
		a, err = NewGemini(ctx, cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "openai":
		a, err = NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown analyzer provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.TimeoutSeconds > 0 {
		a = &timeoutAnalyzer{Analyzer: a, timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	return a, nil
}

type timeoutAnalyzer struct {
	Analyzer
	timeout time.Duration
}

func (t *timeoutAnalyzer) Analyze(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Analyzer.Analyze(ctx, req)
}

// parseOutput trims code fences some models wrap around JSON and checks that
// what remains is a JSON document.
func parseOutput(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return nil, ErrInvalidOutput
	}
	return json.RawMessage(trimmed), nil
}
