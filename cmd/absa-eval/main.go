// Command absa-eval runs the few-shot predictor over a benchmark test split and writes the
// predictions next to the gold tuples for offline scoring.
//
//	absa-eval -task asqp -llm gemma3:4b -dataset rest16 -pool-size 0.5 -mode random -seed 43
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/subosito/gotenv"
	"github.com/theimaginaryfoundation/anno-absa/absa"
	"github.com/theimaginaryfoundation/anno-absa/absa/fileutils"
	"github.com/theimaginaryfoundation/anno-absa/absa/provider"
)

func main() {
	if err := gotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q\n", cfg.LogLevel)
		os.Exit(2)
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := provider.New(ctx, provider.Options{
		Kind:    provider.Kind(strings.ToLower(cfg.Backend)),
		APIKey:  apiKey(cfg),
		BaseURL: cfg.BaseURL,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	if err := run(ctx, cfg, backend, logger); err != nil {
		logger.Error("evaluation failed", "err", err)
		os.Exit(1)
	}
}

// predictionRecord is one line of predictions.json.
type predictionRecord struct {
	Text      string       `json:"text"`
	Predicted []absa.Label `json:"predicted"`
	Time      float64      `json:"time"`
	Gold      []absa.Label `json:"gold"`
}

func run(ctx context.Context, cfg Config, backend absa.Backend, logger *slog.Logger) error {
	task, err := absa.ParseTask(cfg.Task)
	if err != nil {
		return err
	}
	outPath := cfg.outPath()
	if !cfg.Overwrite && fileutils.FileExists(outPath) {
		logger.Info("predictions exist, skipping", "path", outPath)
		return reindex(cfg, logger)
	}

	train, err := absa.LoadEvalSplit(cfg.splitPath("train"), task)
	if err != nil {
		return err
	}
	test, err := absa.LoadEvalSplit(cfg.splitPath("test"), task)
	if err != nil {
		return err
	}
	categories, polarities := absa.Vocabularies(train, test)
	pool := train[:int(float64(len(train))*cfg.PoolSize)]

	logger.Info("evaluation started",
		"task", task,
		"dataset", cfg.Dataset,
		"llm", cfg.LLM,
		"mode", cfg.Mode,
		"pool", len(pool),
		"test", len(test),
	)

	predictor := absa.Predictor{
		Backend: backend,
		Timeout: time.Duration(cfg.Timeout) * time.Second,
		Logger:  logger,
	}
	records := make([]predictionRecord, len(test))
	var done atomic.Int64
	err = forEachIndexConcurrent(ctx, cfg.Concurrency, len(test), func(ctx context.Context, i int) error {
		ex := test[i]
		start := time.Now()
		res, err := predictor.Predict(ctx, absa.PredictionRequest{
			Text:                 ex.Text,
			ConsideredElements:   task.Elements(),
			Examples:             pool,
			AspectCategories:     categories,
			Polarities:           polarities,
			AllowImplicitAspect:  task.ImplicitAspect(),
			AllowImplicitOpinion: false,
			NFewShot:             cfg.NFewShot,
			ModelID:              cfg.LLM,
			Selection:            absa.Selection(cfg.Mode),
			Seed:                 cfg.Seed,
		})
		if err != nil {
			return fmt.Errorf("test row %d: %w", i, err)
		}
		gold := ex.Label
		if gold == nil {
			gold = []absa.Label{}
		}
		records[i] = predictionRecord{
			Text:      ex.Text,
			Predicted: res.Predictions,
			Time:      time.Since(start).Seconds(),
			Gold:      gold,
		}
		if n := done.Add(1); n%50 == 0 || int(n) == len(test) {
			logger.Info("progress", "done", n, "total", len(test))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := fileutils.WriteJSONFileAtomic(outPath, records, true); err != nil {
		return err
	}
	logger.Info("predictions written", "path", outPath, "rows", len(records))
	return reindex(cfg, logger)
}

func reindex(cfg Config, logger *slog.Logger) error {
	if !cfg.Reindex {
		return nil
	}
	indexPath := filepath.Join(cfg.OutDir, "runs.jsonl")
	n, err := rebuildRunIndex(cfg.OutDir, indexPath)
	if err != nil {
		return err
	}
	logger.Info("run index rebuilt", "path", indexPath, "runs", n)
	return nil
}

func forEachIndexConcurrent(ctx context.Context, concurrency, n int, fn func(context.Context, int) error) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, concurrency)
	errCh := make(chan error, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			if err := fn(ctx, i); err != nil {
				errCh <- err
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

// apiKey picks the key for the configured backend: flag first, then environment.
func apiKey(cfg Config) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	switch provider.Kind(strings.ToLower(cfg.Backend)) {
	case provider.KindGemini:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	case provider.KindLocal:
		return os.Getenv("LOCAL_LLM_API_KEY")
	}
	return os.Getenv("OPENAI_API_KEY")
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)
	fs.StringVar(&cfg.Task, "task", cfg.Task, "Task: asqp, tasd or acd")
	fs.StringVar(&cfg.LLM, "llm", cfg.LLM, "Model identifier passed to the backend")
	fs.Float64Var(&cfg.PoolSize, "pool-size", cfg.PoolSize, "Fraction of the train split used as the few-shot pool")
	fs.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "Dataset directory under <data-dir>/<task>")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "Seed for random example selection")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Example selection: rag or random")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Root of the benchmark splits")
	fs.StringVar(&cfg.OutDir, "out-dir", cfg.OutDir, "Root for predictions.json outputs")
	fs.IntVar(&cfg.NFewShot, "n-few-shot", cfg.NFewShot, "Number of few-shot examples")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Prediction backend: openai, local or gemini")
	fs.StringVar(&cfg.BaseURL, "base-url", "", "Override the backend base URL")
	fs.StringVar(&cfg.APIKey, "api-key", "", "API key (overrides OPENAI_API_KEY / GEMINI_API_KEY)")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Max concurrent predictions")
	fs.IntVar(&cfg.Timeout, "timeout", cfg.Timeout, "Seconds before one prediction is abandoned (0 disables)")
	fs.BoolVar(&cfg.Overwrite, "overwrite", false, "Overwrite an existing predictions.json")
	fs.BoolVar(&cfg.Reindex, "reindex", cfg.Reindex, "Rebuild <out-dir>/runs.jsonl from existing predictions at end of run")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.DataDir = filepath.Clean(cfg.DataDir)
	cfg.OutDir = filepath.Clean(cfg.OutDir)
	cfg.Task = strings.ToLower(cfg.Task)
	return cfg, nil
}
