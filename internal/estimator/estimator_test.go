package estimator

import (
	"strings"
	"testing"
	"time"

	"deepscout/internal/research"
)

const syncBudget = 30 * time.Second

func TestEstimateSimpleQuery(t *testing.T) {
	est := New(syncBudget).Estimate("what is the capital of France")

	if est.Complexity != research.ComplexitySimple {
		t.Fatalf("Complexity = %s, want simple", est.Complexity)
	}
	if est.WillLikelyGoAsync {
		t.Error("a simple query should fit in the synchronous window")
	}
	if est.LikelyMinutes >= est.MaxMinutes || est.LikelyMinutes <= 0 {
		t.Errorf("LikelyMinutes = %f out of band [%f, %f]",
			est.LikelyMinutes, est.MinMinutes, est.MaxMinutes)
	}
	if est.LikelyCostUSD != 0.25 {
		t.Errorf("LikelyCostUSD = %f, want 0.25", est.LikelyCostUSD)
	}
}

func TestEstimateMediumQuery(t *testing.T) {
	est := New(syncBudget).Estimate("Compare the history of Rust and Go programming languages")

	if est.Complexity != research.ComplexityMedium {
		t.Fatalf("Complexity = %s, want medium", est.Complexity)
	}
	if !est.WillLikelyGoAsync {
		t.Error("a medium query should be expected to go async")
	}
	if est.LikelyMinutes != 8 {
		t.Errorf("LikelyMinutes = %f, want 8", est.LikelyMinutes)
	}
}

func TestEstimateComplexQuery(t *testing.T) {
	query := "Provide a comprehensive analysis comparing the geopolitical trends " +
		"and historical evolution versus future forecast across multiple different " +
		"domains between the United States and China over the past decades"
	est := New(syncBudget).Estimate(query)

	if est.Complexity != research.ComplexityComplex {
		t.Fatalf("Complexity = %s, want complex", est.Complexity)
	}
	if !est.WillLikelyGoAsync {
		t.Error("a complex query must be expected to go async")
	}
	if est.MinMinutes != 15 || est.MaxMinutes != 60 {
		t.Errorf("duration band = [%f, %f], want [15, 60]", est.MinMinutes, est.MaxMinutes)
	}
	if est.MaxCostUSD != 6.00 {
		t.Errorf("MaxCostUSD = %f, want 6.00", est.MaxCostUSD)
	}
}

func TestEstimateIsDeterministic(t *testing.T) {
	e := New(syncBudget)
	query := "Compare renewable energy trends across Europe and Asia"

	first := e.Estimate(query)
	for i := 0; i < 5; i++ {
		if got := e.Estimate(query); got != first {
			t.Fatalf("estimate changed between calls: %+v vs %+v", got, first)
		}
	}
}

func TestQuestionMarksRaiseScore(t *testing.T) {
	if got := analyzeComplexity("what is the population of Berlin today exactly"); got != research.ComplexitySimple {
		t.Fatalf("base complexity = %s, want simple", got)
	}

	if got := analyzeComplexity("compare this? and that? or the other? across history?"); got == research.ComplexitySimple {
		t.Error("stacked questions with scope indicators should leave the simple bucket")
	}
}

func TestProperNounsSkipSentenceStarts(t *testing.T) {
	// "Visit" leads the sentence and "Paris" follows a period,
	// so only "Berlin" and "Madrid" count.
	words := strings.Fields("Visit Berlin and Madrid today. Paris is next")
	if got := countProperNouns(words); got != 2 {
		t.Errorf("countProperNouns() = %d, want 2", got)
	}
}

func TestRecommendationAddenda(t *testing.T) {
	e := New(syncBudget)

	comparative := e.Estimate("compare solar power and wind power adoption")
	if !strings.Contains(comparative.Recommendation, "Comparative analysis") {
		t.Error("comparative queries should mention source gathering")
	}

	geo := e.Estimate("analyze global supply chain shifts")
	if !strings.Contains(geo.Recommendation, "Geopolitical topics") {
		t.Error("global queries should carry the geopolitical note")
	}

	long := e.Estimate(strings.Repeat("word ", 120))
	if !strings.Contains(long.Recommendation, "Very long query") {
		t.Error("queries over 100 words should suggest summarizing")
	}
}

func TestWordCountBuckets(t *testing.T) {
	tests := []struct {
		name  string
		words int
		want  research.Complexity
	}{
		{"short neutral", 5, research.ComplexitySimple},
		{"verbose neutral", 60, research.ComplexitySimple},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := strings.TrimSpace(strings.Repeat("lorem ipsum dolor sit amet ", (tt.words+4)/5))
			if got := analyzeComplexity(query); got != tt.want {
				t.Errorf("analyzeComplexity(%d words) = %s, want %s", tt.words, got, tt.want)
			}
		})
	}
}
