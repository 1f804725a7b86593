// Package estimator predicts cost and duration for a research query before
// submission. The analysis is purely heuristic and never calls the provider.
package estimator

import (
	"strings"
	"time"
	"unicode"

	"deepscout/internal/research"
)

var complexKeywords = []string{
	"comprehensive", "detailed", "in-depth", "thorough", "extensive",
	"analysis", "compare", "contrast", "evaluate", "synthesize",
	"implications", "geopolitical", "historical", "trends", "forecast",
}

var multiDomainIndicators = []string{
	"and", "vs", "versus", "between", "across", "multiple",
	"different", "various", "compare", "relation",
}

var temporalIndicators = []string{
	"history", "evolution", "timeline", "past", "future",
	"trends", "forecast", "prediction", "development", "changes",
}

type band struct {
	min, max, likely float64
}

// Duration bands in minutes and cost bands in USD, per complexity bucket.
var (
	durationBands = map[research.Complexity]band{
		research.ComplexitySimple:  {0.25, 2, 0.5},
		research.ComplexityMedium:  {3, 20, 8},
		research.ComplexityComplex: {15, 60, 35},
	}
	costBands = map[research.Complexity]band{
		research.ComplexitySimple:  {0.10, 0.50, 0.25},
		research.ComplexityMedium:  {0.50, 2.00, 1.00},
		research.ComplexityComplex: {1.50, 6.00, 3.00},
	}
)

// Estimator scores queries against a fixed keyword model.
type Estimator struct {
	syncBudget time.Duration
}

// New creates an estimator calibrated to the engine's synchronous budget.
func New(syncBudget time.Duration) *Estimator {
	return &Estimator{syncBudget: syncBudget}
}

// Estimate produces the forecast for a query. Deterministic: equal queries
// always yield equal estimates.
func (e *Estimator) Estimate(query string) research.CostEstimate {
	complexity := analyzeComplexity(query)
	duration := durationBands[complexity]
	cost := costBands[complexity]

	return research.CostEstimate{
		Complexity:        complexity,
		MinMinutes:        duration.min,
		MaxMinutes:        duration.max,
		LikelyMinutes:     duration.likely,
		MinCostUSD:        cost.min,
		MaxCostUSD:        cost.max,
		LikelyCostUSD:     cost.likely,
		WillLikelyGoAsync: duration.likely > e.syncBudget.Minutes(),
		Recommendation:    recommendation(complexity, query),
	}
}

// analyzeComplexity scores length, keyword hits, scope indicators, question
// structure, and proper-noun density, then buckets the total.
func analyzeComplexity(query string) research.Complexity {
	queryLower := strings.ToLower(query)
	score := 0

	words := strings.Fields(query)
	switch {
	case len(words) > 50:
		score += 3
	case len(words) > 25:
		score += 2
	case len(words) > 10:
		score += 1
	}

	score += capped(countContains(queryLower, complexKeywords), 4)
	score += capped(countContains(queryLower, multiDomainIndicators), 3)
	score += capped(countContains(queryLower, temporalIndicators), 2)

	switch questionMarks := strings.Count(query, "?"); {
	case questionMarks > 2:
		score += 2
	case questionMarks > 1:
		score += 1
	}

	score += capped(countProperNouns(words)/2, 2)

	switch {
	case score >= 8:
		return research.ComplexityComplex
	case score >= 4:
		return research.ComplexityMedium
	default:
		return research.ComplexitySimple
	}
}

func countContains(haystack string, needles []string) int {
	count := 0
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			count++
		}
	}
	return count
}

// countProperNouns counts mid-sentence capitalized words, skipping words that
// follow sentence-ending punctuation.
func countProperNouns(words []string) int {
	count := 0
	for i := 1; i < len(words); i++ {
		word := words[i]
		if word == "" {
			continue
		}
		first := []rune(word)[0]
		if !unicode.IsUpper(first) {
			continue
		}
		prev := words[i-1]
		if strings.HasSuffix(prev, ".") || strings.HasSuffix(prev, "?") || strings.HasSuffix(prev, "!") {
			continue
		}
		count++
	}
	return count
}

func capped(n, limit int) int {
	if n > limit {
		return limit
	}
	return n
}

func recommendation(complexity research.Complexity, query string) string {
	var rec string
	switch complexity {
	case research.ComplexitySimple:
		rec = "Simple query detected. Should complete quickly (under 2 minutes) " +
			"and stay within synchronous execution."
	case research.ComplexityComplex:
		rec = "Complex multi-domain query detected. Will likely require 30+ minutes " +
			"and switch to async mode. Consider breaking into smaller focused " +
			"queries if time is critical, or enable notifications for completion alert."
	default:
		rec = "Medium complexity query. May take 5-15 minutes and could switch " +
			"to async mode if initial processing exceeds 30 seconds. " +
			"Consider enabling notifications for status updates."
	}

	queryLower := strings.ToLower(query)

	if strings.Contains(queryLower, "compare") || strings.Contains(queryLower, "vs") {
		rec += " Comparative analysis typically requires extensive source gathering."
	}
	for _, geo := range []string{"geopolitical", "international", "global"} {
		if strings.Contains(queryLower, geo) {
			rec += " Geopolitical topics often involve diverse perspectives and may take longer."
			break
		}
	}
	if len(strings.Fields(query)) > 100 {
		rec += " Very long query - consider summarizing or focusing on key aspects."
	}

	return rec
}
