package absa

import "testing"

func TestCountTuples(t *testing.T) {
	t.Parallel()

	start := 4
	gold := []Label{
		{AspectTerm: "pizza", SentimentPolarity: "positive"},
		{AspectTerm: "pizza", SentimentPolarity: "positive"},
		{AspectTerm: "service", SentimentPolarity: "negative"},
	}
	pred := []Label{
		{AspectTerm: "pizza", SentimentPolarity: "positive", ATStart: &start},
		{AspectTerm: "Service", SentimentPolarity: "negative"},
	}

	c := CountTuples(pred, gold)
	if c != (TupleCounts{TruePositives: 1, FalsePositives: 1, FalseNegatives: 2}) {
		t.Fatalf("counts=%+v", c)
	}
	if got := c.F1(); got != 0.4 {
		t.Fatalf("F1=%v, want 0.4", got)
	}

	var total TupleCounts
	total.Add(c)
	total.Add(CountTuples(gold, gold))
	if total.TruePositives != 4 || total.FalseNegatives != 2 {
		t.Fatalf("total=%+v", total)
	}
	if (TupleCounts{}).F1() != 0 {
		t.Fatalf("empty F1 should be 0")
	}
}
