package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/theimaginaryfoundation/anno-absa/absa"
	"github.com/theimaginaryfoundation/anno-absa/absa/provider"
)

type recordingBackend struct {
	out string

	mu      sync.Mutex
	prompts []string
}

func (b *recordingBackend) Generate(ctx context.Context, req provider.Request) (string, error) {
	b.mu.Lock()
	b.prompts = append(b.prompts, req.Prompt)
	b.mu.Unlock()
	return b.out, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSplits(t *testing.T, dataDir string) {
	t.Helper()
	dir := filepath.Join(dataDir, "tasd", "rest16")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	train := "The pizza was great####[('pizza', 'food quality', 'positive', 'great')]\n" +
		"Slow service today####[('service', 'service general', 'negative', 'Slow')]\n"
	test := "Service was slow####[('Service', 'service general', 'negative', 'slow')]\n"
	for name, body := range map[string]string{"train.txt": train, "test.txt": test} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseFlags(fs, []string{
		"-task", "ASQP",
		"-llm", "gpt-4o-mini",
		"-pool-size", "0.5",
		"-dataset", "hotels",
		"-seed", "43",
		"-mode", "random",
		"-backend", "openai",
		"-concurrency", "4",
		"-api-key", "k",
	})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.Task != "asqp" || cfg.LLM != "gpt-4o-mini" || cfg.PoolSize != 0.5 || cfg.Dataset != "hotels" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Seed != 43 || cfg.Mode != "random" || cfg.Concurrency != 4 || cfg.APIKey != "k" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	bad := []func(*Config){
		func(c *Config) { c.Task = "e2e" },
		func(c *Config) { c.LLM = "" },
		func(c *Config) { c.PoolSize = 0 },
		func(c *Config) { c.PoolSize = 1.5 },
		func(c *Config) { c.Mode = "bm25" },
		func(c *Config) { c.Backend = "anthropic" },
		func(c *Config) { c.NFewShot = -1 },
		func(c *Config) { c.Concurrency = -1 },
	}
	for i, mutate := range bad {
		c := defaultConfig()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestOutPath(t *testing.T) {
	t.Parallel()

	c := defaultConfig()
	c.OutDir = "out"
	c.Task = "acd"
	c.PoolSize = 1
	want := filepath.Join("out", "acd", "gemma3_4b", "1.0", "rest16_rag_42", "predictions.json")
	if got := c.outPath(); got != want {
		t.Fatalf("outPath=%q, want %q", got, want)
	}
	if got := c.splitPath("train"); got != filepath.Join("evaluation", "data", "tasd", "rest16", "train.txt") {
		t.Fatalf("splitPath=%q", got)
	}
	if got := formatPoolSize(0.2); got != "0.2" {
		t.Fatalf("formatPoolSize=%q", got)
	}
}

func TestRun_WritesPredictions(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeSplits(t, filepath.Join(root, "data"))

	cfg := defaultConfig()
	cfg.DataDir = filepath.Join(root, "data")
	cfg.OutDir = filepath.Join(root, "out")
	cfg.PoolSize = 0.5
	backend := &recordingBackend{out: `{"aspects":[{"aspect_term":"Service","aspect_category":"service general","sentiment_polarity":"negative"}]}`}

	if err := run(context.Background(), cfg, backend, quietLogger()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(backend.prompts) != 1 {
		t.Fatalf("prompts=%d, want 1", len(backend.prompts))
	}
	if !strings.Contains(backend.prompts[0], "The pizza was great") || strings.Contains(backend.prompts[0], "Slow service today") {
		t.Fatalf("prompt does not hold exactly the pooled example:\n%s", backend.prompts[0])
	}

	b, err := os.ReadFile(cfg.outPath())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got []struct {
		Text      string       `json:"text"`
		Predicted []absa.Label `json:"predicted"`
		Time      float64      `json:"time"`
		Gold      []absa.Label `json:"gold"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].Text != "Service was slow" {
		t.Fatalf("records=%+v", got)
	}
	if len(got[0].Predicted) != 1 || got[0].Predicted[0].AspectTerm != "Service" {
		t.Fatalf("predicted=%+v", got[0].Predicted)
	}
	if len(got[0].Gold) != 1 || got[0].Gold[0].OpinionTerm != "" || got[0].Gold[0].AspectCategory != "service general" {
		t.Fatalf("gold=%+v", got[0].Gold)
	}

	idx, err := os.ReadFile(filepath.Join(cfg.OutDir, "runs.jsonl"))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	var row runIndexRecord
	if err := json.Unmarshal(idx, &row); err != nil {
		t.Fatalf("unmarshal index %q: %v", idx, err)
	}
	if row.Task != "tasd" || row.LLM != "gemma3_4b" || row.PoolSize != "0.5" || row.Run != "rest16_rag_42" {
		t.Fatalf("index row=%+v", row)
	}
	if row.Rows != 1 || row.Counts.TruePositives != 1 || row.F1 != 1 {
		t.Fatalf("index score=%+v", row)
	}

	// A second run finds the output and does not call the backend again.
	if err := run(context.Background(), cfg, backend, quietLogger()); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if len(backend.prompts) != 1 {
		t.Fatalf("prompts=%d after rerun, want 1", len(backend.prompts))
	}
}

func TestRun_MissingSplit(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.OutDir = t.TempDir()
	if err := run(context.Background(), cfg, &recordingBackend{}, quietLogger()); err == nil {
		t.Fatalf("expected error for missing splits")
	}
}

func TestForEachIndexConcurrent_StopsOnError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var calls atomic.Int64
	err := forEachIndexConcurrent(context.Background(), 1, 100, func(ctx context.Context, i int) error {
		calls.Add(1)
		if i == 0 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}

	calls.Store(0)
	if err := forEachIndexConcurrent(context.Background(), 3, 10, func(ctx context.Context, i int) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if calls.Load() != 10 {
		t.Fatalf("calls=%d, want 10", calls.Load())
	}
}
