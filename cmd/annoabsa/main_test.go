package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/theimaginaryfoundation/anno-absa/absa"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

const dataset = `[
  {"text": "The pizza was great", "label": [{"aspect_term": "pizza", "aspect_category": "food quality", "sentiment_polarity": "positive", "opinion_term": "great"}]},
  {"text": "Service was slow"}
]`

func writeDataset(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "reviews.json")
	if err := os.WriteFile(p, []byte(dataset), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestConfigShow_AppliesFlags(t *testing.T) {
	t.Parallel()

	out, err := run(t, "config", "show", "reviews.csv",
		"--session-id", "user123_session1",
		"--elements", "aspect_term,sentiment_polarity",
		"--polarities", "positive,negative",
		"--implicit-opinion",
	)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{
		"Data Path: reviews.csv",
		"Session ID: user123_session1",
		"Sentiment Elements: aspect_term, sentiment_polarity",
		"Sentiment Polarities: positive, negative",
		"Aspect Categories: 18 categories",
		"Implicit Opinion terms: yes",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigSave_LoadOverride(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := filepath.Join(dir, "base.yaml")
	if _, err := run(t, "config", "save", "reviews.csv", "-o", first, "--categories", "room,staff", "--llm-model", "gpt-4o-mini"); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := filepath.Join(dir, "derived.json")
	if _, err := run(t, "config", "save", "reviews.json", "-o", second, "--load-config", first, "--polarities", "good,bad"); err != nil {
		t.Fatalf("save: %v", err)
	}

	s, err := absa.LoadSettings(second)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.DataPath != "reviews.json" || s.LLMModel != "gpt-4o-mini" {
		t.Fatalf("settings=%+v", s)
	}
	if strings.Join(s.AspectCategories, "|") != "room|staff" || strings.Join(s.PolarityOptions, "|") != "good|bad" {
		t.Fatalf("categories=%v polarities=%v", s.AspectCategories, s.PolarityOptions)
	}
}

func TestConfigShow_RejectsBadSettings(t *testing.T) {
	t.Parallel()

	if _, err := run(t, "config", "show", "reviews.csv", "--elements", "target"); !absa.IsConfigError(err) {
		t.Fatalf("err=%v, want config error", err)
	}
	if _, err := run(t, "config", "show", "reviews.txt"); err == nil {
		t.Fatalf("expected error for unsupported data path")
	}
}

func TestPositionsCommand(t *testing.T) {
	t.Parallel()

	p := writeDataset(t)
	out, err := run(t, "positions", p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "2\n" {
		t.Fatalf("out=%q, want 2", out)
	}
	b, _ := os.ReadFile(p)
	if !strings.Contains(string(b), `"at_start": 4`) {
		t.Fatalf("file not updated:\n%s", b)
	}
}

func TestPredictCommand_LocalBackend(t *testing.T) {
	t.Parallel()

	payload := `{"aspects":[{"aspect_term":"Service","aspect_category":"service speed","sentiment_polarity":"negative","opinion_term":"slow"}]}`
	content, _ := json.Marshal(payload)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gemma3:4b",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":%s}}]}`, content)
	}))
	defer srv.Close()

	out, err := run(t, "predict", writeDataset(t), "--index", "1",
		"--llm-backend", "local",
		"--llm-base-url", srv.URL+"/v1/",
	)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var res absa.PredictionResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(res.Predictions) != 1 || res.Predictions[0].AspectTerm != "Service" {
		t.Fatalf("predictions=%+v", res.Predictions)
	}
	if res.Predictions[0].ATStart == nil || *res.Predictions[0].ATStart != 0 {
		t.Fatalf("offsets missing: %+v", res.Predictions[0])
	}
	if len(res.UsedExamples) != 1 {
		t.Fatalf("used examples=%d, want 1", len(res.UsedExamples))
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	ok := defaultConfig()
	ok.DataPath = "data.csv"
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := []func(*Config){
		func(c *Config) { c.DataPath = "" },
		func(c *Config) { c.DataPath = "data.xlsx" },
		func(c *Config) { c.Port = 0 },
		func(c *Config) { c.NFewShot = -1 },
	}
	for i, mutate := range bad {
		c := ok
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestAPIKey_FlagBeforeEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("GEMINI_API_KEY", "env-gemini")

	s := absa.DefaultSettings()
	s.LLMBackend = "openai"
	if got := apiKey(Config{}, s); got != "env-openai" {
		t.Fatalf("got=%q", got)
	}
	if got := apiKey(Config{APIKey: "flag"}, s); got != "flag" {
		t.Fatalf("got=%q", got)
	}
	s.LLMBackend = "gemini"
	if got := apiKey(Config{}, s); got != "env-gemini" {
		t.Fatalf("got=%q", got)
	}
}
