package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/theimaginaryfoundation/anno-absa/absa"
	"github.com/theimaginaryfoundation/anno-absa/absa/provider"
)

// Config holds the flags shared by every command that works on a dataset.
type Config struct {
	DataPath   string
	LoadConfig string
	SaveConfig string
	ShowConfig bool
	Guideline  string

	Host string
	Port int

	APIKey string

	// Settings overrides, applied only when the flag was given.
	SessionID             string
	Elements              []string
	Polarities            []string
	Categories            []string
	DisableImplicitAspect bool
	ImplicitOpinion       bool
	DisableCleanPhrases   bool
	DisableSavePositions  bool
	DisableClickOnToken   bool
	AutoPositions         bool
	StoreTime             bool
	DisplayAvgTime        bool
	AISuggestions         bool
	DisableAutoPrediction bool
	LLMBackend            string
	LLMModel              string
	LLMBaseURL            string
	NFewShot              int
	TimeoutSeconds        int
	MaxPhraseTokens       int
}

func (c Config) Validate() error {
	if c.DataPath == "" {
		return errors.New("missing DATA_PATH")
	}
	switch strings.ToLower(filepath.Ext(c.DataPath)) {
	case ".csv", ".json":
	default:
		return fmt.Errorf("DATA_PATH must be a .csv or .json file: %s", c.DataPath)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("backend-port must be in 1..65535")
	}
	if c.NFewShot < 0 {
		return errors.New("n-few-shot must be >= 0")
	}
	if c.TimeoutSeconds < 0 {
		return errors.New("prediction-timeout must be >= 0")
	}
	if c.MaxPhraseTokens < 0 {
		return errors.New("max-phrase-tokens must be >= 0")
	}
	return nil
}

func defaultConfig() Config {
	d := absa.DefaultSettings()
	return Config{
		Host:           "localhost",
		Port:           8000,
		LLMBackend:     d.LLMBackend,
		LLMModel:       d.LLMModel,
		NFewShot:       d.NFewShot,
		TimeoutSeconds: d.PredictionTimeout,
	}
}

// bindSettingsFlags registers the dataset and settings flags on cmd.
func bindSettingsFlags(cmd *cobra.Command, c *Config) {
	fs := cmd.Flags()
	fs.StringVar(&c.LoadConfig, "load-config", "", "Load settings from a JSON or YAML file")
	fs.StringVar(&c.SaveConfig, "save-config", "", "Save the resulting settings to a JSON or YAML file")
	fs.StringVar(&c.Guideline, "annotation-guidelines", "", "PDF with annotation guidelines shown in the UI")

	fs.StringVar(&c.SessionID, "session-id", "", "Session ID identifying this annotation session")
	fs.StringSliceVar(&c.Elements, "elements", nil, "Sentiment elements to annotate (aspect_term, aspect_category, sentiment_polarity, opinion_term)")
	fs.StringSliceVar(&c.Polarities, "polarities", nil, "Available sentiment polarities")
	fs.StringSliceVar(&c.Categories, "categories", nil, "Available aspect categories")
	fs.BoolVar(&c.DisableImplicitAspect, "disable-implicit-aspect", false, "Disallow implicit (NULL) aspect terms")
	fs.BoolVar(&c.ImplicitOpinion, "implicit-opinion", false, "Allow implicit (NULL) opinion terms")
	fs.BoolVar(&c.DisableCleanPhrases, "disable-clean-phrases", false, "Disable automatic cleaning of punctuation from selected phrases")
	fs.BoolVar(&c.DisableSavePositions, "disable-save-positions", false, "Do not store at_start/at_end/ot_start/ot_end")
	fs.BoolVar(&c.DisableClickOnToken, "disable-click-on-token", false, "Select by character instead of snapping to tokens")
	fs.BoolVar(&c.AutoPositions, "auto-positions", false, "Add missing span offsets to existing annotations on start")
	fs.BoolVar(&c.StoreTime, "store-time", false, "Store annotation duration and change status per index")
	fs.BoolVar(&c.DisplayAvgTime, "display-avg-annotation-time", false, "Show the average time per annotation")
	fs.BoolVar(&c.AISuggestions, "ai-suggestions", false, "Enable AI pre-prediction")
	fs.BoolVar(&c.DisableAutoPrediction, "disable-ai-automatic-prediction", false, "Only predict when the AI button is pressed")

	fs.StringVar(&c.LLMBackend, "llm-backend", c.LLMBackend, "Prediction backend: openai, local or gemini")
	fs.StringVar(&c.LLMModel, "llm-model", c.LLMModel, "Model identifier passed to the backend")
	fs.StringVar(&c.LLMBaseURL, "llm-base-url", "", "Override the backend base URL (e.g. http://localhost:11434/v1/)")
	fs.IntVar(&c.NFewShot, "n-few-shot", c.NFewShot, "Number of few-shot examples")
	fs.IntVar(&c.TimeoutSeconds, "prediction-timeout", c.TimeoutSeconds, "Seconds before a prediction is abandoned (0 disables)")
	fs.IntVar(&c.MaxPhraseTokens, "max-phrase-tokens", 0, "Longest candidate span in tokens (0 = unbounded)")
	fs.StringVar(&c.APIKey, "api-key", "", "API key (overrides OPENAI_API_KEY / GEMINI_API_KEY)")
}

// resolveSettings loads the optional settings file and applies every flag the user set.
func resolveSettings(cmd *cobra.Command, c Config) (absa.Settings, error) {
	s := absa.DefaultSettings()
	if c.LoadConfig != "" {
		loaded, err := absa.LoadSettings(c.LoadConfig)
		if err != nil {
			return absa.Settings{}, err
		}
		s = loaded
	}
	s.DataPath = c.DataPath

	changed := cmd.Flags().Changed
	if changed("session-id") {
		s.SessionID = c.SessionID
	}
	if changed("elements") {
		s.SentimentElements = c.Elements
	}
	if changed("polarities") {
		s.PolarityOptions = c.Polarities
	}
	if changed("categories") {
		s.AspectCategories = c.Categories
	}
	if changed("disable-implicit-aspect") {
		s.ImplicitAspectTerm = !c.DisableImplicitAspect
	}
	if changed("implicit-opinion") {
		s.ImplicitOpinionTerm = c.ImplicitOpinion
	}
	if changed("disable-clean-phrases") {
		s.AutoCleanPhrases = !c.DisableCleanPhrases
	}
	if changed("disable-save-positions") {
		s.SavePhrasePositions = !c.DisableSavePositions
	}
	if changed("disable-click-on-token") {
		s.ClickOnToken = !c.DisableClickOnToken
	}
	if changed("auto-positions") {
		s.AutoPositions = c.AutoPositions
	}
	if changed("store-time") {
		s.StoreTime = c.StoreTime
	}
	if changed("display-avg-annotation-time") {
		s.DisplayAvgAnnotation = c.DisplayAvgTime
	}
	if changed("ai-suggestions") {
		s.EnablePrePrediction = c.AISuggestions
	}
	if changed("disable-ai-automatic-prediction") {
		s.DisableAutoPredict = c.DisableAutoPrediction
	}
	if changed("llm-backend") {
		s.LLMBackend = c.LLMBackend
	}
	if changed("llm-model") {
		s.LLMModel = c.LLMModel
	}
	if changed("llm-base-url") {
		s.LLMBaseURL = c.LLMBaseURL
	}
	if changed("n-few-shot") {
		s.NFewShot = c.NFewShot
	}
	if changed("prediction-timeout") {
		s.PredictionTimeout = c.TimeoutSeconds
	}
	if changed("max-phrase-tokens") {
		s.MaxPhraseTokens = c.MaxPhraseTokens
	}
	if c.Guideline != "" {
		if err := s.SetAnnotationGuideline(c.Guideline); err != nil {
			return absa.Settings{}, err
		}
	}
	if err := s.Validate(); err != nil {
		return absa.Settings{}, err
	}
	if c.SaveConfig != "" {
		if err := absa.SaveSettings(c.SaveConfig, s); err != nil {
			return absa.Settings{}, err
		}
	}
	return s, nil
}

// apiKey picks the key for the configured backend: flag first, then environment.
func apiKey(c Config, s absa.Settings) string {
	if c.APIKey != "" {
		return c.APIKey
	}
	switch provider.Kind(strings.ToLower(s.LLMBackend)) {
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
