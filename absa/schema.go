package absa

import (
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/theimaginaryfoundation/anno-absa/absa/fileutils"
)

// ResponseKey is the top-level field holding the predicted tuples in a model response.
const ResponseKey = "aspects"

// ValueSet is a closed, ordered set of allowed string values.
type ValueSet struct {
	values []string
	index  map[string]struct{}
}

// NewValueSet builds a set from values, keeping first occurrences and dropping empty strings.
func NewValueSet(values ...string) ValueSet {
	vs := ValueSet{index: make(map[string]struct{}, len(values))}
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := vs.index[v]; ok {
			continue
		}
		vs.index[v] = struct{}{}
		vs.values = append(vs.values, v)
	}
	return vs
}

// Contains reports whether v is an allowed value.
func (vs ValueSet) Contains(v string) bool {
	_, ok := vs.index[v]
	return ok
}

// Len returns the number of allowed values.
func (vs ValueSet) Len() int { return len(vs.values) }

// Values returns the allowed values in insertion order.
func (vs ValueSet) Values() []string {
	return append([]string(nil), vs.values...)
}

// SchemaRequest describes the record contract for one text.
type SchemaRequest struct {
	Elements             []SentimentElement
	Text                 string
	AspectCategories     []string
	Polarities           []string
	AllowImplicitAspect  bool
	AllowImplicitOpinion bool

	// MaxPhraseTokens bounds the length of candidate spans (0 = unbounded).
	MaxPhraseTokens int
}

// RecordSchema maps each considered element to its closed value set.
type RecordSchema struct {
	elements []SentimentElement
	values   map[SentimentElement]ValueSet
}

// BuildSchema computes the allowed values for every considered element.
// An element left with no allowed value is a configuration error.
func BuildSchema(req SchemaRequest) (RecordSchema, error) {
	elements, err := NormalizeElements(req.Elements)
	if err != nil {
		return RecordSchema{}, err
	}

	var phrases []string
	for _, e := range elements {
		if e.IsTerm() {
			phrases = ExtractPhrases(req.Text, req.MaxPhraseTokens)
			break
		}
	}

	s := RecordSchema{elements: elements, values: make(map[SentimentElement]ValueSet, len(elements))}
	for _, e := range elements {
		var vs ValueSet
		switch e {
		case AspectTerm:
			vs = termValues(phrases, req.AllowImplicitAspect)
		case OpinionTerm:
			vs = termValues(phrases, req.AllowImplicitOpinion)
		case AspectCategory:
			vs = NewValueSet(trimAll(req.AspectCategories)...)
		case SentimentPolarity:
			vs = NewValueSet(trimAll(req.Polarities)...)
		}
		if vs.Len() == 0 {
			return RecordSchema{}, &ConfigError{Field: string(e), Msg: "no allowed values"}
		}
		s.values[e] = vs
	}
	return s, nil
}

func termValues(phrases []string, allowImplicit bool) ValueSet {
	if allowImplicit {
		return NewValueSet(append(append([]string(nil), phrases...), ImplicitTerm)...)
	}
	return NewValueSet(phrases...)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

// Elements returns the considered elements in canonical order.
func (s RecordSchema) Elements() []SentimentElement {
	return append([]SentimentElement(nil), s.elements...)
}

// Values returns the allowed values for e.
func (s RecordSchema) Values(e SentimentElement) (ValueSet, bool) {
	vs, ok := s.values[e]
	return vs, ok
}

// Validate rejects a label that sets a non-considered element or uses a value outside its set.
func (s RecordSchema) Validate(l Label) error {
	for _, e := range AllElements {
		v := l.Get(e)
		vs, considered := s.values[e]
		if !considered {
			if v != "" {
				return fmt.Errorf("unexpected field %s", e)
			}
			continue
		}
		if !vs.Contains(v) {
			return fmt.Errorf("%s: value %q not allowed", e, v)
		}
	}
	return nil
}

// JSONSchema returns the structured-output contract: an object whose "aspects" field is a
// list of records with one enumerated string property per considered element.
func (s RecordSchema) JSONSchema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	required := make([]string, 0, len(s.elements))
	for _, e := range s.elements {
		vs := s.values[e]
		enum := make([]any, 0, vs.Len())
		for _, v := range vs.values {
			enum = append(enum, v)
		}
		props.Set(string(e), &jsonschema.Schema{Type: "string", Enum: enum})
		required = append(required, string(e))
	}

	record := &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}

	top := jsonschema.NewProperties()
	top.Set(ResponseKey, &jsonschema.Schema{Type: "array", Items: record})
	return &jsonschema.Schema{
		Type:       "object",
		Properties: top,
		Required:   []string{ResponseKey},
	}
}

// ParseResponse decodes a model payload and validates every record.
// Any malformed or out-of-vocabulary record rejects the whole payload.
func (s RecordSchema) ParseResponse(payload string) ([]Label, error) {
	var out struct {
		Aspects []map[string]string `json:"aspects"`
	}
	if err := fileutils.DecodeModelJSON(payload, &out); err != nil {
		return nil, fmt.Errorf("ParseResponse: decode: %w", err)
	}

	labels := make([]Label, 0, len(out.Aspects))
	for i, rec := range out.Aspects {
		var l Label
		for k, v := range rec {
			e := SentimentElement(k)
			if _, ok := s.values[e]; !ok {
				return nil, fmt.Errorf("ParseResponse: record %d: unexpected field %q", i, k)
			}
			l.Set(e, v)
		}
		for _, e := range s.elements {
			if _, ok := rec[string(e)]; !ok {
				return nil, fmt.Errorf("ParseResponse: record %d: missing field %s", i, e)
			}
		}
		if err := s.Validate(l); err != nil {
			return nil, fmt.Errorf("ParseResponse: record %d: %w", i, err)
		}
		labels = append(labels, l)
	}
	return labels, nil
}
