package crafting

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/retry"
)

// GenAIConfig configures the Gemini backed generator
type GenAIConfig struct {
	APIKey      string
	Model       string
	Temperature float32
}

// GenAIGenerator writes messages with a Gemini model
type GenAIGenerator struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGenAIGenerator creates a generator using the Gemini API
func NewGenAIGenerator(ctx context.Context, cfg GenAIConfig) (*GenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("genai API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.6
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GenAIGenerator{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Generate implements Generator
func (g *GenAIGenerator) Generate(ctx context.Context, req *Request) (*campaign.Message, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		genai.Text(BuildPrompt(req)),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
			Temperature:       genai.Ptr(g.temperature),
			ResponseMIMEType:  "application/json",
		},
	)
	if err != nil {
		return nil, classifyGenAIError(err)
	}
	if resp == nil {
		return nil, malformed(errors.New("no response"))
	}

	return ParseResponse(resp.Text(), templateVars(req.Contact, req.Context))
}

// classifyGenAIError maps API failures onto the craft error taxonomy:
// 429 and 5xx are transient, any other 4xx is permanent.
func classifyGenAIError(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}

	switch {
	case code == http.StatusTooManyRequests, code >= 500:
		return &campaign.TransientCraftError{Err: err}
	case code >= 400:
		return &campaign.PermanentCraftError{Err: err}
	case retry.IsContextError(err):
		return &campaign.TransientCraftError{Err: err}
	}
	// Network failures and the like
	return &campaign.TransientCraftError{Err: err}
}
