package absa

import (
	"math"
	"math/rand/v2"
	"sort"
	"strings"
)

// BM25 parameters.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// Tokenize lowercases s and splits it into runs of word characters.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return !isWordRune(r) })
}

// Rank scores examples against query with Okapi BM25 and returns the k most similar,
// most similar first. Ties keep pool order. Examples whose text equals the query are skipped.
func Rank(query string, examples []Example, k int) []Example {
	pool := withoutQuery(query, examples)
	if len(pool) == 0 || k <= 0 {
		return nil
	}

	docs := make([][]string, len(pool))
	df := make(map[string]int)
	totalLen := 0
	for i, ex := range pool {
		docs[i] = Tokenize(ex.Text)
		totalLen += len(docs[i])
		seen := make(map[string]struct{}, len(docs[i]))
		for _, t := range docs[i] {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			df[t]++
		}
	}
	avgLen := float64(totalLen) / float64(len(pool))
	if avgLen == 0 {
		avgLen = 1
	}

	n := float64(len(pool))
	queryTerms := Tokenize(query)
	scores := make([]float64, len(pool))
	for i, doc := range docs {
		tf := make(map[string]int, len(doc))
		for _, t := range doc {
			tf[t]++
		}
		norm := bm25K1 * (1 - bm25B + bm25B*float64(len(doc))/avgLen)
		var score float64
		for _, q := range queryTerms {
			f := float64(tf[q])
			if f == 0 {
				continue
			}
			nq := float64(df[q])
			idf := math.Log(1 + (n-nq+0.5)/(nq+0.5))
			score += idf * f * (bm25K1 + 1) / (f + norm)
		}
		scores[i] = score
	}

	order := make([]int, len(pool))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	if k > len(order) {
		k = len(order)
	}
	out := make([]Example, 0, k)
	for _, idx := range order[:k] {
		out = append(out, pool[idx])
	}
	return out
}

// SampleExamples draws k examples uniformly without replacement using a fixed seed.
// Examples whose text equals the query are skipped.
func SampleExamples(query string, examples []Example, k int, seed uint64) []Example {
	pool := withoutQuery(query, examples)
	if len(pool) == 0 || k <= 0 {
		return nil
	}
	if k > len(pool) {
		k = len(pool)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	perm := rng.Perm(len(pool))
	out := make([]Example, 0, k)
	for _, idx := range perm[:k] {
		out = append(out, pool[idx])
	}
	return out
}

func withoutQuery(query string, examples []Example) []Example {
	out := make([]Example, 0, len(examples))
	for _, ex := range examples {
		if ex.Text == query {
			continue
		}
		out = append(out, ex)
	}
	return out
}
