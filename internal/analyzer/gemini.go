package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	genai "google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini analyzes media through the Gemini API. The media URI is passed as a
// file part, so it must be a URI the API can fetch (Files API or GCS).
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini analyzer. baseURL is optional.
func NewGemini(ctx context.Context, apiKey, model, baseURL string) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini analyzer requires an API key")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultGeminiModel
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google GenAI client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Provider() string { return "gemini" }

func (g *Gemini) Model() string { return g.model }

// Analyze sends the prompt and the media part and asks for a JSON answer
// matching the request schema.
func (g *Gemini) Analyze(ctx context.Context, req Request) (json.RawMessage, error) {
	req = req.withDefaults()

	schema, err := CompileSchema(req.Schema)
	if err != nil {
		return nil, err
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	if req.MediaURI != "" {
		parts = append(parts, genai.NewPartFromURI(req.MediaURI, req.MIMEType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType:   "application/json",
		ResponseJsonSchema: schema.Map(),
	})
	if err != nil {
		perr := &ProviderError{Provider: g.Provider(), Err: err}
		var (
			apiErr    genai.APIError
			apiErrPtr *genai.APIError
		)
		switch {
		case errors.As(err, &apiErr):
			perr.StatusCode = apiErr.Code
		case errors.As(err, &apiErrPtr):
			perr.StatusCode = apiErrPtr.Code
		}
		return nil, perr
	}
	if resp == nil || len(resp.Candidates) == 0 {
		reason := "no candidates"
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			reason = "blocked: " + string(resp.PromptFeedback.BlockReason)
		}
		return nil, &ProviderError{Provider: g.Provider(), Err: errors.New(reason)}
	}

	out, err := parseOutput(resp.Text())
	if err == nil {
		err = schema.Check(out)
	}
	if err != nil {
		return nil, &ProviderError{Provider: g.Provider(), Err: err}
	}
	return out, nil
}
