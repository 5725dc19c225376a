package ai

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"
)

type GeminiProvider struct {
	client *genai.Client
	Model  string
}

func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiProvider{client: client, Model: model}, nil
}

// geminiContents splits system messages into the system instruction and maps
// assistant turns onto the "model" role.
func geminiContents(messages []Message) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, &genai.Content{Role: string(genai.RoleModel), Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: string(genai.RoleUser), Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}
	return contents, cfg
}

func (p *GeminiProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	contents, cfg := geminiContents(messages)
	resp, err := p.client.Models.GenerateContent(ctx, p.Model, contents, cfg)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func (p *GeminiProvider) StreamChat(ctx context.Context, messages []Message) <-chan Chunk {
	return runStream(ctx, func(send func(string) bool) error {
		contents, cfg := geminiContents(messages)
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.Model, contents, cfg) {
			if err != nil {
				return err
			}
			if text := resp.Text(); text != "" && !send(text) {
				return ctx.Err()
			}
		}
		return nil
	})
}
