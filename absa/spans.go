package absa

import "unicode"

// LocatePhrase finds phrase in text and returns its inclusive rune offsets.
// The search is case-sensitive first and falls back to a case-insensitive match, in which
// case the text may differ from phrase in casing. ok is false for an empty text, an empty
// phrase, the implicit sentinel, or a phrase that does not occur.
func LocatePhrase(text, phrase string) (start, end int, ok bool) {
	if text == "" || phrase == "" || phrase == ImplicitTerm {
		return 0, 0, false
	}
	tr := []rune(text)
	pr := []rune(phrase)

	if i := runeIndex(tr, pr); i >= 0 {
		return i, i + len(pr) - 1, true
	}
	if i := runeIndex(lowerRunes(tr), lowerRunes(pr)); i >= 0 {
		return i, i + len(pr) - 1, true
	}
	return 0, 0, false
}

// AddPositions returns a copy of labels with offsets filled in for every locatable
// aspect and opinion term. Unlocatable terms keep nil offsets.
func AddPositions(labels []Label, text string) []Label {
	out := make([]Label, len(labels))
	for i, l := range labels {
		l.ATStart, l.ATEnd = locatePtrs(text, l.AspectTerm)
		l.OTStart, l.OTEnd = locatePtrs(text, l.OpinionTerm)
		out[i] = l
	}
	return out
}

func locatePtrs(text, phrase string) (*int, *int) {
	s, e, ok := LocatePhrase(text, phrase)
	if !ok {
		return nil, nil
	}
	return &s, &e
}

func runeIndex(haystack, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j, r := range needle {
			if haystack[i+j] != r {
				continue outer
			}
		}
		return i
	}
	return -1
}

// lowerRunes lowercases rune by rune so offsets stay aligned with the original text.
func lowerRunes(in []rune) []rune {
	out := make([]rune, len(in))
	for i, r := range in {
		out[i] = unicode.ToLower(r)
	}
	return out
}
