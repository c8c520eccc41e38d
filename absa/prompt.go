package absa

import (
	"strings"
)

// PromptInput is everything the prompt depends on.
type PromptInput struct {
	Elements             []SentimentElement
	AspectCategories     []string
	Polarities           []string
	AllowImplicitAspect  bool
	AllowImplicitOpinion bool

	// Examples are rendered in the given order.
	Examples []Example
	Text     string
}

var elementNames = map[SentimentElement]string{
	AspectTerm:        "aspect term",
	AspectCategory:    "aspect category",
	SentimentPolarity: "sentiment polarity",
	OpinionTerm:       "opinion term",
}

// RenderPrompt builds the few-shot extraction prompt. It is a pure function of its input.
func RenderPrompt(in PromptInput) string {
	elements := canonicalElements(in.Elements)

	var b strings.Builder
	b.WriteString("Definitions of the sentiment elements:\n")
	for _, e := range elements {
		b.WriteString("- ")
		b.WriteString(elementDefinition(e, in))
		b.WriteByte('\n')
	}

	b.WriteString("\nRecognize all sentiment elements in the text. Each tuple consists of the ")
	names := make([]string, len(elements))
	keys := make([]string, len(elements))
	for i, e := range elements {
		names[i] = elementNames[e]
		keys[i] = string(e) + ": ..."
	}
	b.WriteString(joinNatural(names))
	b.WriteString(". Return a list of tuples of the form [(")
	b.WriteString(strings.Join(keys, ", "))
	b.WriteString("), ...]. Return an empty list if the text expresses no sentiment.\n")

	for _, ex := range in.Examples {
		b.WriteString("\nText: ")
		b.WriteString(ex.Text)
		b.WriteString("\nSentiment elements: ")
		b.WriteString(FormatTuples(ex.Label, elements))
		b.WriteByte('\n')
	}

	b.WriteString("\nText: ")
	b.WriteString(in.Text)
	b.WriteString("\nSentiment elements: ")
	return b.String()
}

func elementDefinition(e SentimentElement, in PromptInput) string {
	switch e {
	case AspectTerm:
		s := `The "aspect term" is the exact word or phrase in the text that names the feature or attribute being discussed.`
		if in.AllowImplicitAspect {
			s += ` If the aspect is only implied and not written in the text, use "` + ImplicitTerm + `".`
		}
		return s
	case AspectCategory:
		return `The "aspect category" is the category the aspect belongs to. It must be one of: ` +
			quoteList(NewValueSet(trimAll(in.AspectCategories)...).Values()) + "."
	case SentimentPolarity:
		return `The "sentiment polarity" is the sentiment expressed toward the aspect. It must be one of: ` +
			quoteList(NewValueSet(trimAll(in.Polarities)...).Values()) + "."
	case OpinionTerm:
		s := `The "opinion term" is the exact word or phrase in the text that expresses the sentiment toward the aspect.`
		if in.AllowImplicitOpinion {
			s += ` If the opinion is only implied and not written in the text, use "` + ImplicitTerm + `".`
		}
		return s
	}
	return ""
}

// FormatTuples renders labels as "[(key: value, ...), ...]" restricted to elements.
func FormatTuples(labels []Label, elements []SentimentElement) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, l := range labels {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, e := range elements {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(string(e))
			b.WriteString(": ")
			b.WriteString(l.Get(e))
		}
		b.WriteByte(')')
	}
	b.WriteByte(']')
	return b.String()
}

func canonicalElements(in []SentimentElement) []SentimentElement {
	seen := make(map[SentimentElement]bool, len(in))
	for _, e := range in {
		seen[e] = true
	}
	out := make([]SentimentElement, 0, len(in))
	for _, e := range AllElements {
		if seen[e] {
			out = append(out, e)
		}
	}
	return out
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + v + `"`
	}
	return strings.Join(quoted, ", ")
}

func joinNatural(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
}
