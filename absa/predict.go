package absa

import (
	"context"
	"log/slog"
	"time"

	"github.com/theimaginaryfoundation/anno-absa/absa/fileutils"
	"github.com/theimaginaryfoundation/anno-absa/absa/provider"
)

// DefaultMaxOutputTokens bounds the model response when the caller does not set a limit.
const DefaultMaxOutputTokens = 2048

// Backend is the generation capability the prediction client depends on.
// provider.OpenAI, provider.Local and provider.Gemini implement it.
type Backend interface {
	Generate(ctx context.Context, req provider.Request) (string, error)
}

// GenerateOptions are the decoding options of one backend call.
type GenerateOptions struct {
	MaxOutputTokens int64

	// Timeout is the wall-clock limit of the call (0 = only ctx applies).
	Timeout time.Duration

	Logger *slog.Logger
}

type generateResult struct {
	out string
	err error
}

// PredictLabels asks backend for tuples matching schema and returns the validated records.
// Every failure yields an empty, non-nil slice: transport errors, refusals, truncated or
// invalid payloads, and calls that outlive the deadline. An expired call is abandoned,
// its result is dropped when it eventually arrives.
func PredictLabels(ctx context.Context, backend Backend, prompt string, schema RecordSchema, modelID string, opts GenerateOptions) []Label {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if backend == nil {
		logger.Warn("prediction skipped", "reason", "no backend configured")
		return []Label{}
	}
	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxOutputTokens
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req := provider.Request{
		Prompt:          prompt,
		SchemaName:      "SentimentTuples",
		Schema:          schema.JSONSchema(),
		Model:           modelID,
		Temperature:     0,
		MaxOutputTokens: maxTokens,
	}

	start := time.Now()
	done := make(chan generateResult, 1)
	go func() {
		out, err := backend.Generate(ctx, req)
		done <- generateResult{out: out, err: err}
	}()

	var res generateResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = generateResult{err: ctx.Err()}
	}
	if res.err != nil {
		logger.Warn("prediction failed",
			"model", modelID,
			"kind", provider.ErrorKind(res.err),
			"elapsed", time.Since(start).Round(time.Millisecond),
			"err", res.err,
		)
		return []Label{}
	}

	labels, err := schema.ParseResponse(res.out)
	if err != nil {
		logger.Warn("prediction rejected",
			"model", modelID,
			"err", err,
			"payload", fileutils.Truncate(res.out, 300),
		)
		return []Label{}
	}
	logger.Debug("prediction done",
		"model", modelID,
		"records", len(labels),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return labels
}

// Predictor runs the few-shot prediction pipeline. It holds no per-call state and is safe
// for concurrent use when Backend is.
type Predictor struct {
	Backend Backend

	// Timeout bounds each backend call (0 = no limit beyond the caller's context).
	Timeout         time.Duration
	MaxOutputTokens int64

	// MaxPhraseTokens bounds candidate spans (0 = unbounded).
	MaxPhraseTokens int

	Logger *slog.Logger
}

// Predict selects few-shot examples, builds the record schema and prompt for req.Text and
// asks the backend for tuples. The only error it returns is a *ConfigError, and it does so
// before contacting the backend. Backend failures degrade to an empty prediction list.
func (p Predictor) Predict(ctx context.Context, req PredictionRequest) (PredictionResult, error) {
	elements, err := NormalizeElements(req.ConsideredElements)
	if err != nil {
		return PredictionResult{}, err
	}
	if req.NFewShot < 0 {
		return PredictionResult{}, &ConfigError{Field: "n_few_shot", Msg: "must be >= 0"}
	}

	schema, err := BuildSchema(SchemaRequest{
		Elements:             elements,
		Text:                 req.Text,
		AspectCategories:     req.AspectCategories,
		Polarities:           req.Polarities,
		AllowImplicitAspect:  req.AllowImplicitAspect,
		AllowImplicitOpinion: req.AllowImplicitOpinion,
		MaxPhraseTokens:      p.MaxPhraseTokens,
	})
	if err != nil {
		return PredictionResult{}, err
	}

	var shots []Example
	switch req.Selection {
	case SelectRanked, "":
		shots = Rank(req.Text, req.Examples, req.NFewShot)
	case SelectRandom:
		shots = SampleExamples(req.Text, req.Examples, req.NFewShot, req.Seed)
	default:
		return PredictionResult{}, &ConfigError{Field: "selection", Msg: "unknown example selection " + string(req.Selection)}
	}
	if shots == nil {
		shots = []Example{}
	}

	prompt := RenderPrompt(PromptInput{
		Elements:             elements,
		AspectCategories:     req.AspectCategories,
		Polarities:           req.Polarities,
		AllowImplicitAspect:  req.AllowImplicitAspect,
		AllowImplicitOpinion: req.AllowImplicitOpinion,
		Examples:             shots,
		Text:                 req.Text,
	})

	labels := PredictLabels(ctx, p.Backend, prompt, schema, req.ModelID, GenerateOptions{
		MaxOutputTokens: p.MaxOutputTokens,
		Timeout:         p.Timeout,
		Logger:          p.Logger,
	})
	if req.WithPositions {
		labels = AddPositions(labels, req.Text)
	}
	return PredictionResult{Predictions: labels, UsedExamples: shots}, nil
}
