package absa

// TupleCounts holds exact-match counts between predicted and gold tuples.
type TupleCounts struct {
	TruePositives  int `json:"tp"`
	FalsePositives int `json:"fp"`
	FalseNegatives int `json:"fn"`
}

// Add accumulates o into c.
func (c *TupleCounts) Add(o TupleCounts) {
	c.TruePositives += o.TruePositives
	c.FalsePositives += o.FalsePositives
	c.FalseNegatives += o.FalseNegatives
}

// F1 is the micro F1 of the counts, 0 when nothing was predicted or expected.
func (c TupleCounts) F1() float64 {
	denom := 2*c.TruePositives + c.FalsePositives + c.FalseNegatives
	if denom == 0 {
		return 0
	}
	return float64(2*c.TruePositives) / float64(denom)
}

// CountTuples matches predicted against gold as multisets. Offsets are ignored and
// values compare case-sensitively.
func CountTuples(predicted, gold []Label) TupleCounts {
	remaining := make(map[Label]int, len(gold))
	for _, g := range gold {
		remaining[g.Project(AllElements)]++
	}
	var c TupleCounts
	for _, p := range predicted {
		k := p.Project(AllElements)
		if remaining[k] > 0 {
			remaining[k]--
			c.TruePositives++
			continue
		}
		c.FalsePositives++
	}
	for _, n := range remaining {
		c.FalseNegatives += n
	}
	return c
}
