package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultLocalBaseURL is the OpenAI-compatible endpoint of a local Ollama server.
const DefaultLocalBaseURL = "http://localhost:11434/v1/"

// Local talks to a local model server through its OpenAI-compatible Chat Completions endpoint.
type Local struct {
	client *openai.Client
}

func NewLocal(baseURL, apiKey string) *Local {
	if baseURL == "" {
		baseURL = DefaultLocalBaseURL
	}
	if apiKey == "" {
		// Local servers ignore the key but the client always sends one.
		apiKey = "local"
	}
	client := openai.NewClient(option.WithBaseURL(baseURL), option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return &Local{client: &client}
}

func (l *Local) Generate(ctx context.Context, req Request) (string, error) {
	if l.client == nil {
		return "", errors.New("Local: client is nil")
	}
	if req.Model == "" {
		return "", errors.New("Local: model is empty")
	}
	schema, err := SchemaMap(req.Schema)
	if err != nil {
		return "", fmt.Errorf("Local: %w", err)
	}

	params := openai.ChatCompletionNewParams{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
		Temperature: openai.Float(req.Temperature),
		MaxTokens:   openai.Int(req.MaxOutputTokens),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   schemaName(req),
					Schema: schema,
					Strict: openai.Bool(true),
				},
			},
		},
	}

	resp, err := l.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoOutput
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return "", fmt.Errorf("%w: %s", ErrRefused, choice.Message.Refusal)
	}
	if choice.FinishReason == "length" {
		return "", ErrIncomplete
	}
	if choice.Message.Content == "" {
		return "", ErrNoOutput
	}
	return choice.Message.Content, nil
}
