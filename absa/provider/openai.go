package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAI calls the hosted Responses API with a strict JSON schema.
type OpenAI struct {
	client *openai.Client
}

func NewOpenAI(apiKey, baseURL string) *OpenAI {
	// Retrying is the caller's decision.
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAI{client: &client}
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	if o.client == nil {
		return "", errors.New("OpenAI: client is nil")
	}
	if req.Model == "" {
		return "", errors.New("OpenAI: model is empty")
	}
	schema, err := SchemaMap(req.Schema)
	if err != nil {
		return "", fmt.Errorf("OpenAI: %w", err)
	}

	format := responses.ResponseFormatTextConfigUnionParam{
		OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
			Name:        schemaName(req),
			Schema:      schema,
			Strict:      openai.Bool(true),
			Description: openai.String("Sentiment tuples JSON"),
			Type:        "json_schema",
		},
	}
	params := responses.ResponseNewParams{
		Model:           req.Model,
		MaxOutputTokens: openai.Int(req.MaxOutputTokens),
		Temperature:     openai.Float(req.Temperature),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(req.Prompt),
		},
		Text: responses.ResponseTextConfigParam{
			Format: format,
		},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return "", err
	}
	for _, item := range resp.Output {
		for _, c := range item.Content {
			if c.Type == "refusal" {
				return "", fmt.Errorf("%w: %s", ErrRefused, c.Refusal)
			}
		}
	}
	if string(resp.Status) == "incomplete" {
		return "", ErrIncomplete
	}
	out := resp.OutputText()
	if out == "" {
		return "", ErrNoOutput
	}
	return out, nil
}

func schemaName(req Request) string {
	if req.SchemaName != "" {
		return req.SchemaName
	}
	return "SentimentTuples"
}

// SchemaMap renders schema as a plain map that satisfies OpenAI strict mode:
// every object closes additionalProperties and requires all of its properties.
func SchemaMap(schema *jsonschema.Schema) (map[string]interface{}, error) {
	if schema == nil {
		return nil, errors.New("schema is nil")
	}
	m, err := schemaToMap(schema)
	if err != nil {
		return nil, fmt.Errorf("schema to map: %w", err)
	}
	ensureOpenAICompliance(m)
	return m, nil
}

func schemaToMap(schema *jsonschema.Schema) (map[string]interface{}, error) {
	b, err := schema.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

const (
	propertiesKey           = "properties"
	additionalPropertiesKey = "additionalProperties"
	typeKey                 = "type"
	requiredKey             = "required"
	itemsKey                = "items"
)

func ensureOpenAICompliance(schema map[string]interface{}) {
	if schemaType, ok := schema[typeKey].(string); ok && schemaType == "object" {
		schema[additionalPropertiesKey] = false

		if properties, ok := schema[propertiesKey].(map[string]interface{}); ok {
			have := map[string]bool{}
			var requiredFields []string
			if req, ok := schema[requiredKey].([]interface{}); ok {
				for _, r := range req {
					if s, ok := r.(string); ok && !have[s] {
						have[s] = true
						requiredFields = append(requiredFields, s)
					}
				}
			}
			var missing []string
			for propName := range properties {
				if !have[propName] {
					missing = append(missing, propName)
				}
			}
			sort.Strings(missing)
			requiredFields = append(requiredFields, missing...)
			if len(requiredFields) > 0 {
				schema[requiredKey] = requiredFields
			}
		}
	}

	if properties, ok := schema[propertiesKey].(map[string]interface{}); ok {
		for _, prop := range properties {
			if propMap, ok := prop.(map[string]interface{}); ok {
				ensureOpenAICompliance(propMap)
			}
		}
	}

	if items, ok := schema[itemsKey].(map[string]interface{}); ok {
		ensureOpenAICompliance(items)
	}

	if additionalProps, ok := schema[additionalPropertiesKey].(map[string]interface{}); ok {
		ensureOpenAICompliance(additionalProps)
	}
}
