package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// Request is one structured-output generation call.
type Request struct {
	Prompt string

	// SchemaName labels the schema for backends that require a name.
	SchemaName string
	Schema     *jsonschema.Schema

	Model           string
	Temperature     float64
	MaxOutputTokens int64
}

// Generator returns the raw text a model produced for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Kind selects a backend implementation.
type Kind string

const (
	KindOpenAI Kind = "openai"
	KindLocal  Kind = "local"
	KindGemini Kind = "gemini"
)

var (
	ErrRefused    = errors.New("model refused the request")
	ErrIncomplete = errors.New("model output incomplete")
	ErrNoOutput   = errors.New("model returned no output")
)

// Options configures New.
type Options struct {
	Kind    Kind
	APIKey  string
	BaseURL string
}

// New constructs the backend selected by opts.Kind.
func New(ctx context.Context, opts Options) (Generator, error) {
	switch Kind(strings.ToLower(string(opts.Kind))) {
	case KindOpenAI, "":
		if opts.APIKey == "" {
			return nil, errors.New("provider: openai backend needs an API key")
		}
		return NewOpenAI(opts.APIKey, opts.BaseURL), nil
	case KindLocal:
		return NewLocal(opts.BaseURL, opts.APIKey), nil
	case KindGemini:
		if opts.APIKey == "" {
			return nil, errors.New("provider: gemini backend needs an API key")
		}
		return NewGemini(ctx, opts.APIKey)
	default:
		return nil, fmt.Errorf("provider: unknown backend %q", opts.Kind)
	}
}

// ErrorKind classifies a backend error for logging.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrRefused):
		return "refusal"
	case errors.Is(err, ErrIncomplete):
		return "incomplete"
	case isRateLimitError(err):
		return "rate_limit"
	case isServerError(err):
		return "server_error"
	}
	return "error"
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "server_error")
}
