package absa

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/theimaginaryfoundation/anno-absa/absa/fileutils"
	"github.com/theimaginaryfoundation/anno-absa/absa/provider"
	"gopkg.in/yaml.v3"
)

// Settings is the annotation session configuration. It is built once at startup and passed
// to the server and the prediction pipeline; handlers only read it.
type Settings struct {
	DataPath  string `json:"csv_path" yaml:"csv_path"`
	SessionID string `json:"session_id" yaml:"session_id"`

	SentimentElements    []string `json:"sentiment_elements" yaml:"sentiment_elements"`
	PolarityOptions      []string `json:"sentiment_polarity_options" yaml:"sentiment_polarity_options"`
	AspectCategories     []string `json:"aspect_categories" yaml:"aspect_categories"`
	ImplicitAspectTerm   bool     `json:"implicit_aspect_term_allowed" yaml:"implicit_aspect_term_allowed"`
	ImplicitOpinionTerm  bool     `json:"implicit_opinion_term_allowed" yaml:"implicit_opinion_term_allowed"`
	AutoCleanPhrases     bool     `json:"auto_clean_phrases" yaml:"auto_clean_phrases"`
	SavePhrasePositions  bool     `json:"save_phrase_positions" yaml:"save_phrase_positions"`
	ClickOnToken         bool     `json:"click_on_token" yaml:"click_on_token"`
	AutoPositions        bool     `json:"auto_positions" yaml:"auto_positions"`
	StoreTime            bool     `json:"store_time" yaml:"store_time"`
	DisplayAvgAnnotation bool     `json:"display_avg_annotation_time" yaml:"display_avg_annotation_time"`
	EnablePrePrediction  bool     `json:"enable_pre_prediction" yaml:"enable_pre_prediction"`
	DisableAutoPredict   bool     `json:"disable_ai_automatic_prediction" yaml:"disable_ai_automatic_prediction"`

	// AnnotationGuideline is a PDF embedded as a data URI.
	AnnotationGuideline string `json:"annotation_guideline" yaml:"annotation_guideline"`

	LLMBackend        string `json:"llm_backend" yaml:"llm_backend"`
	LLMModel          string `json:"llm_model" yaml:"llm_model"`
	LLMBaseURL        string `json:"llm_base_url" yaml:"llm_base_url"`
	NFewShot          int    `json:"n_few_shot" yaml:"n_few_shot"`
	PredictionTimeout int    `json:"prediction_timeout_seconds" yaml:"prediction_timeout_seconds"`
	MaxPhraseTokens   int    `json:"max_phrase_tokens" yaml:"max_phrase_tokens"`
}

// DefaultSettings returns the restaurant-domain defaults.
func DefaultSettings() Settings {
	return Settings{
		SentimentElements: []string{string(AspectTerm), string(AspectCategory), string(SentimentPolarity), string(OpinionTerm)},
		PolarityOptions:   []string{"positive", "negative", "neutral"},
		AspectCategories: []string{
			"food general", "food quality", "food style options", "food healthy",
			"service general", "service attitude", "service speed",
			"price general", "price level",
			"ambience general", "ambience decor", "ambience style",
			"location general", "location parking", "location access",
			"restaurant general", "restaurant variety", "restaurant specialty",
		},
		ImplicitAspectTerm:  true,
		ImplicitOpinionTerm: false,
		AutoCleanPhrases:    true,
		SavePhrasePositions: true,
		ClickOnToken:        true,

		LLMBackend:        string(provider.KindLocal),
		LLMModel:          "gemma3:4b",
		NFewShot:          10,
		PredictionTimeout: 60,
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadSettings overlays the file at path onto the defaults. Keys missing from the file
// keep their default value. Files ending in .yaml or .yml are read as YAML, anything else as JSON.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("LoadSettings: %w", err)
	}
	if isYAML(path) {
		err = yaml.Unmarshal(b, &s)
	} else {
		err = json.Unmarshal(b, &s)
	}
	if err != nil {
		return Settings{}, fmt.Errorf("LoadSettings: parse %s: %w", path, err)
	}
	return s, nil
}

// SaveSettings writes s to path atomically, as YAML or indented JSON depending on the extension.
func SaveSettings(path string, s Settings) error {
	if isYAML(path) {
		b, err := yaml.Marshal(s)
		if err != nil {
			return fmt.Errorf("SaveSettings: %w", err)
		}
		return fileutils.WriteFileAtomicSameDir(path, b, 0o644)
	}
	return fileutils.WriteJSONFileAtomic(path, s, true)
}

// Elements parses and normalizes the considered sentiment elements.
func (s Settings) Elements() ([]SentimentElement, error) {
	out := make([]SentimentElement, 0, len(s.SentimentElements))
	for _, name := range s.SentimentElements {
		e, err := ParseElement(name)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return NormalizeElements(out)
}

// Validate reports the first configuration error in s, as a *ConfigError.
func (s Settings) Validate() error {
	elements, err := s.Elements()
	if err != nil {
		return err
	}
	for _, e := range elements {
		switch e {
		case AspectCategory:
			if NewValueSet(trimAll(s.AspectCategories)...).Len() == 0 {
				return &ConfigError{Field: "aspect_categories", Msg: "empty while aspect_category is considered"}
			}
		case SentimentPolarity:
			if NewValueSet(trimAll(s.PolarityOptions)...).Len() == 0 {
				return &ConfigError{Field: "sentiment_polarity_options", Msg: "empty while sentiment_polarity is considered"}
			}
		}
	}
	switch provider.Kind(strings.ToLower(s.LLMBackend)) {
	case provider.KindOpenAI, provider.KindLocal, provider.KindGemini:
	default:
		return &ConfigError{Field: "llm_backend", Msg: fmt.Sprintf("unknown backend %q", s.LLMBackend)}
	}
	if s.NFewShot < 0 {
		return &ConfigError{Field: "n_few_shot", Msg: "must be >= 0"}
	}
	if s.PredictionTimeout < 0 {
		return &ConfigError{Field: "prediction_timeout_seconds", Msg: "must be >= 0"}
	}
	if s.MaxPhraseTokens < 0 {
		return &ConfigError{Field: "max_phrase_tokens", Msg: "must be >= 0"}
	}
	return nil
}

// Timeout returns the wall-clock limit of one backend call.
func (s Settings) Timeout() time.Duration {
	return time.Duration(s.PredictionTimeout) * time.Second
}

// SetAnnotationGuideline embeds the PDF at path as a base64 data URI. An empty path clears it.
func (s *Settings) SetAnnotationGuideline(path string) error {
	if path == "" {
		s.AnnotationGuideline = ""
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("SetAnnotationGuideline: %w", err)
	}
	s.AnnotationGuideline = "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(b)
	return nil
}

// View is the settings document served to the annotation UI.
func (s Settings) View(total, current int) map[string]any {
	v := map[string]any{
		"sentiment elements":              s.SentimentElements,
		"total_count":                     total,
		"sentiment_polarity options":      s.PolarityOptions,
		"aspect_categories":               s.AspectCategories,
		"implicit_aspect_term_allowed":    s.ImplicitAspectTerm,
		"implicit_opinion_term_allowed":   s.ImplicitOpinionTerm,
		"auto_clean_phrases":              s.AutoCleanPhrases,
		"save_phrase_positions":           s.SavePhrasePositions,
		"click_on_token":                  s.ClickOnToken,
		"store_time":                      s.StoreTime,
		"display_avg_annotation_time":     s.DisplayAvgAnnotation,
		"enable_pre_prediction":           s.EnablePrePrediction,
		"disable_ai_automatic_prediction": s.DisableAutoPredict,
		"current_index":                   current,
		"max_number_of_idxs":              total,
	}
	if s.SessionID != "" {
		v["session_id"] = s.SessionID
	}
	if s.AnnotationGuideline != "" {
		v["annotation_guideline"] = s.AnnotationGuideline
	}
	return v
}

// PredictionRequest builds the pipeline input for text from the configured vocabularies.
func (s Settings) PredictionRequest(text string, examples []Example) (PredictionRequest, error) {
	elements, err := s.Elements()
	if err != nil {
		return PredictionRequest{}, err
	}
	return PredictionRequest{
		Text:                 text,
		ConsideredElements:   elements,
		Examples:             examples,
		AspectCategories:     s.AspectCategories,
		Polarities:           s.PolarityOptions,
		AllowImplicitAspect:  s.ImplicitAspectTerm,
		AllowImplicitOpinion: s.ImplicitOpinionTerm,
		NFewShot:             s.NFewShot,
		ModelID:              s.LLMModel,
		WithPositions:        s.SavePhrasePositions,
	}, nil
}
