package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

const defaultOpenAIModel = "gpt-4.1-mini"

// OpenAI analyzes media through the Responses API of OpenAI or a compatible
// server. The media URI is referenced in the prompt.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI creates an OpenAI analyzer. baseURL points at a compatible
// server; empty means api.openai.com. Requests are never retried.
func NewOpenAI(apiKey, model, baseURL string, opts ...option.RequestOption) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai analyzer requires an API key")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultOpenAIModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)

	return &OpenAI{client: openai.NewClient(reqOpts...), model: model}, nil
}

func (o *OpenAI) Provider() string { return "openai" }

func (o *OpenAI) Model() string { return o.model }

// Analyze asks for a strict json_schema formatted answer.
func (o *OpenAI) Analyze(ctx context.Context, req Request) (json.RawMessage, error) {
	req = req.withDefaults()

	schema, err := CompileSchema(req.Schema)
	if err != nil {
		return nil, err
	}

	prompt := req.Prompt
	if req.MediaURI != "" {
		prompt = fmt.Sprintf("%s\n\nMedia: %s (%s)", req.Prompt, req.MediaURI, req.MIMEType)
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(o.model),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(prompt),
		},
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   "media_analysis",
					Schema: schema.Map(),
					Strict: openai.Bool(true),
				},
			},
		},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		perr := &ProviderError{Provider: o.Provider(), Err: err}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			perr.StatusCode = apiErr.StatusCode
		}
		return nil, perr
	}

	out, err := parseOutput(resp.OutputText())
	if err == nil {
		err = schema.Check(out)
	}
	if err != nil {
		return nil, &ProviderError{Provider: o.Provider(), Err: err}
	}
	return out, nil
}
