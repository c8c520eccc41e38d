package absa

import (
	"errors"
	"fmt"
	"strings"
)

// SentimentElement names one component of an aspect-based sentiment tuple.
type SentimentElement string

const (
	AspectTerm        SentimentElement = "aspect_term"
	AspectCategory    SentimentElement = "aspect_category"
	SentimentPolarity SentimentElement = "sentiment_polarity"
	OpinionTerm       SentimentElement = "opinion_term"
)

// ImplicitTerm is the value of an aspect or opinion term that no literal span expresses.
const ImplicitTerm = "NULL"

// AllElements lists every sentiment element in canonical order.
var AllElements = []SentimentElement{AspectTerm, AspectCategory, SentimentPolarity, OpinionTerm}

// IsTerm reports whether the element's values are spans of the source text.
func (e SentimentElement) IsTerm() bool {
	return e == AspectTerm || e == OpinionTerm
}

// Valid reports whether e is one of the four known elements.
func (e SentimentElement) Valid() bool {
	for _, k := range AllElements {
		if e == k {
			return true
		}
	}
	return false
}

// ParseElement converts a configured element name into a SentimentElement.
func ParseElement(s string) (SentimentElement, error) {
	e := SentimentElement(strings.TrimSpace(s))
	if !e.Valid() {
		return "", &ConfigError{Field: "sentiment_elements", Msg: fmt.Sprintf("unknown sentiment element %q", s)}
	}
	return e, nil
}

// NormalizeElements de-duplicates elements and returns them in canonical order.
// An empty list or an unknown element is a configuration error.
func NormalizeElements(in []SentimentElement) ([]SentimentElement, error) {
	if len(in) == 0 {
		return nil, &ConfigError{Field: "sentiment_elements", Msg: "no sentiment elements considered"}
	}
	seen := make(map[SentimentElement]bool, len(in))
	for _, e := range in {
		if !e.Valid() {
			return nil, &ConfigError{Field: "sentiment_elements", Msg: fmt.Sprintf("unknown sentiment element %q", string(e))}
		}
		seen[e] = true
	}
	out := make([]SentimentElement, 0, len(seen))
	for _, e := range AllElements {
		if seen[e] {
			out = append(out, e)
		}
	}
	return out, nil
}

// Label is one annotated sentiment tuple. Only the fields of the considered elements are set.
// Offsets are inclusive rune indices into the source text.
type Label struct {
	AspectTerm        string `json:"aspect_term,omitempty"`
	AspectCategory    string `json:"aspect_category,omitempty"`
	SentimentPolarity string `json:"sentiment_polarity,omitempty"`
	OpinionTerm       string `json:"opinion_term,omitempty"`

	ATStart *int `json:"at_start,omitempty"`
	ATEnd   *int `json:"at_end,omitempty"`
	OTStart *int `json:"ot_start,omitempty"`
	OTEnd   *int `json:"ot_end,omitempty"`
}

// Get returns the value stored for element e.
func (l Label) Get(e SentimentElement) string {
	switch e {
	case AspectTerm:
		return l.AspectTerm
	case AspectCategory:
		return l.AspectCategory
	case SentimentPolarity:
		return l.SentimentPolarity
	case OpinionTerm:
		return l.OpinionTerm
	}
	return ""
}

// Set stores v for element e. Unknown elements are ignored.
func (l *Label) Set(e SentimentElement, v string) {
	switch e {
	case AspectTerm:
		l.AspectTerm = v
	case AspectCategory:
		l.AspectCategory = v
	case SentimentPolarity:
		l.SentimentPolarity = v
	case OpinionTerm:
		l.OpinionTerm = v
	}
}

// Project returns a copy of l holding only the given elements, without offsets.
func (l Label) Project(elements []SentimentElement) Label {
	var out Label
	for _, e := range elements {
		out.Set(e, l.Get(e))
	}
	return out
}

// Example is a previously annotated text.
type Example struct {
	Text  string  `json:"text"`
	Label []Label `json:"label"`
}

// Selection chooses how few-shot examples are drawn from the pool.
type Selection string

const (
	// SelectRanked ranks the pool lexically against the query (default).
	SelectRanked Selection = "rag"
	// SelectRandom samples the pool with a fixed seed.
	SelectRandom Selection = "random"
)

// PredictionRequest is everything one prediction needs. It is not mutated by the pipeline.
type PredictionRequest struct {
	Text                 string
	ConsideredElements   []SentimentElement
	Examples             []Example
	AspectCategories     []string
	Polarities           []string
	AllowImplicitAspect  bool
	AllowImplicitOpinion bool
	NFewShot             int
	ModelID              string

	// WithPositions adds character offsets to predicted aspect and opinion terms.
	WithPositions bool

	Selection Selection
	Seed      uint64
}

// PredictionResult is the outcome of one prediction.
type PredictionResult struct {
	Predictions  []Label   `json:"predictions"`
	UsedExamples []Example `json:"used_examples"`
}

// ConfigError reports an unusable configuration. It is the only error the prediction pipeline returns.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// IsConfigError reports whether err wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
