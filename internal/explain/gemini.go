package explain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const systemInstruction = `You explain the outcome of a shared-expense settlement cycle to the members of the group.
You receive the finalized balances, settlement transfers, risk scores, warning levels and excluded members as JSON.
These decisions are final. Describe them in plain language; never recommend different transfers or penalties.
Keep it under 200 words.`

// ErrEmptyResponse is returned when the model answers with no text.
var ErrEmptyResponse = errors.New("empty explanation response")

// Gemini asks a Gemini model to describe the cycle.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a client from cfg. A nil cfg reads GEMINI_API_KEY or
// GOOGLE_API_KEY from the environment.
func NewGemini(ctx context.Context, model string, cfg *genai.ClientConfig) (*Gemini, error) {
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Explain(ctx context.Context, in Input) (string, error) {
	payload, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode explanation input: %w", err)
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}},
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(string(payload)), config)
	if err != nil {
		return "", fmt.Errorf("generate explanation: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
