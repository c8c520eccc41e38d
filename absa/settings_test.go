package absa

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadSettings_OverlaysDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "absa_config.json")
	body := `{"session_id":"exp_2024","sentiment_elements":["aspect_term","sentiment_polarity"],"sentiment_polarity_options":["positive","negative"]}`
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := LoadSettings(p)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.SessionID != "exp_2024" {
		t.Fatalf("SessionID=%q", s.SessionID)
	}
	if diff := cmp.Diff([]string{"positive", "negative"}, s.PolarityOptions); diff != "" {
		t.Fatalf("polarities mismatch (-want +got):\n%s", diff)
	}
	if len(s.AspectCategories) != 18 || !s.ImplicitAspectTerm || s.NFewShot != 10 {
		t.Fatalf("defaults lost: categories=%d implicit=%v n=%d", len(s.AspectCategories), s.ImplicitAspectTerm, s.NFewShot)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSaveSettings_RoundTripsYAMLAndJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := DefaultSettings()
	in.SessionID = "user123"
	in.LLMBackend = "openai"
	in.LLMModel = "gpt-4o-mini"
	in.AutoPositions = true

	for _, name := range []string{"cfg.yaml", "cfg.json"} {
		p := filepath.Join(dir, name)
		if err := SaveSettings(p, in); err != nil {
			t.Fatalf("%s: SaveSettings: %v", name, err)
		}
		out, err := LoadSettings(p)
		if err != nil {
			t.Fatalf("%s: LoadSettings: %v", name, err)
		}
		if diff := cmp.Diff(in, out); diff != "" {
			t.Fatalf("%s: settings mismatch (-want +got):\n%s", name, diff)
		}
	}

	b, err := os.ReadFile(filepath.Join(dir, "cfg.yaml"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), "llm_model: gpt-4o-mini") {
		t.Fatalf("yaml=%s", b)
	}
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*Settings){
		"unknown element":  func(s *Settings) { s.SentimentElements = []string{"target"} },
		"no elements":      func(s *Settings) { s.SentimentElements = nil },
		"no categories":    func(s *Settings) { s.AspectCategories = []string{" "} },
		"no polarities":    func(s *Settings) { s.PolarityOptions = nil },
		"unknown backend":  func(s *Settings) { s.LLMBackend = "bard" },
		"negative shots":   func(s *Settings) { s.NFewShot = -1 },
		"negative timeout": func(s *Settings) { s.PredictionTimeout = -5 },
	}
	for name, mutate := range cases {
		s := DefaultSettings()
		mutate(&s)
		if err := s.Validate(); !IsConfigError(err) {
			t.Fatalf("%s: err=%v, want config error", name, err)
		}
	}

	s := DefaultSettings()
	s.SentimentElements = []string{"aspect_term", "sentiment_polarity"}
	s.AspectCategories = nil
	if err := s.Validate(); err != nil {
		t.Fatalf("categories are irrelevant when aspect_category is not considered: %v", err)
	}
}

func TestSetAnnotationGuideline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "guide.pdf")
	if err := os.WriteFile(p, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := DefaultSettings()
	if err := s.SetAnnotationGuideline(p); err != nil {
		t.Fatalf("SetAnnotationGuideline: %v", err)
	}
	if s.AnnotationGuideline != "data:application/pdf;base64,JVBERi0xLjQ=" {
		t.Fatalf("guideline=%q", s.AnnotationGuideline)
	}
	if err := s.SetAnnotationGuideline(filepath.Join(dir, "missing.pdf")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestSettingsView(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()
	v := s.View(12, 3)
	if v["total_count"] != 12 || v["max_number_of_idxs"] != 12 || v["current_index"] != 3 {
		t.Fatalf("counts=%v %v %v", v["total_count"], v["max_number_of_idxs"], v["current_index"])
	}
	if _, ok := v["session_id"]; ok {
		t.Fatalf("session_id present without a session")
	}
	if _, ok := v["sentiment elements"]; !ok {
		t.Fatalf("missing %q key", "sentiment elements")
	}

	s.SessionID = "abc"
	if got := s.View(0, 0)["session_id"]; got != "abc" {
		t.Fatalf("session_id=%v", got)
	}
}

func TestSettingsPredictionRequest(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()
	s.SentimentElements = []string{"sentiment_polarity", "aspect_term", "aspect_term"}
	req, err := s.PredictionRequest("Nice view.", nil)
	if err != nil {
		t.Fatalf("PredictionRequest: %v", err)
	}
	if diff := cmp.Diff([]SentimentElement{AspectTerm, SentimentPolarity}, req.ConsideredElements); diff != "" {
		t.Fatalf("elements mismatch (-want +got):\n%s", diff)
	}
	if req.NFewShot != 10 || req.ModelID != s.LLMModel || !req.WithPositions {
		t.Fatalf("req=%+v", req)
	}
}
