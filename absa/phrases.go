package absa

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// phrasePunctuation starts a new phrase boundary when it directly follows a word character.
const phrasePunctuation = ",.!?;:"

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

// ExtractPhrases returns every contiguous sub-phrase of text that a model may emit as an
// aspect or opinion term. Phrases are cut at whitespace runs and in front of punctuation
// that follows a word, are trimmed, and must begin and end with a word character.
// maxTokens <= 0 means no limit on the number of whitespace-separated tokens.
//
// The result is de-duplicated and ordered by start offset, then end offset.
func ExtractPhrases(text string, maxTokens int) []string {
	if text == "" {
		return nil
	}

	bounds := phraseBoundaries(text)
	seen := make(map[string]struct{})
	var out []string
	for i := 0; i < len(bounds); i++ {
		for j := i + 1; j < len(bounds); j++ {
			p := strings.TrimSpace(text[bounds[i]:bounds[j]])
			if p == "" {
				continue
			}
			if maxTokens > 0 && len(strings.Fields(p)) > maxTokens {
				// Longer spans from the same start only add tokens.
				break
			}
			first, _ := utf8.DecodeRuneInString(p)
			last, _ := utf8.DecodeLastRuneInString(p)
			if !isWordRune(first) || !isWordRune(last) {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// phraseBoundaries returns the sorted byte offsets at which phrases may start or end.
func phraseBoundaries(text string) []int {
	set := map[int]struct{}{0: {}, len(text): {}}

	prev := rune(-1)
	inSpace := false
	for i, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !inSpace {
				set[i] = struct{}{}
				inSpace = true
			}
		default:
			if inSpace {
				set[i] = struct{}{}
				inSpace = false
			}
			if strings.ContainsRune(phrasePunctuation, r) && prev >= 0 && isWordRune(prev) {
				set[i] = struct{}{}
			}
		}
		prev = r
	}

	out := make([]int, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}
