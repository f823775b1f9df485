package council

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// RankingSentinel marks the start of the machine-readable section of a
// Stage 2 response.
const RankingSentinel = "FINAL RANKING:"

var (
	numberedLabelPattern = regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
	labelPattern         = regexp.MustCompile(`Response [A-Z]`)
)

// ParseRanking extracts ordered "Response X" labels from free-form ranking
// text. When the sentinel is present only the text after its first
// occurrence is considered; numbered entries ("1. Response A") win over
// bare label mentions. Purely syntactic: duplicates and labels outside the
// live mapping are preserved for the aggregator to judge.
func ParseRanking(text string) []string {
	region := text
	if idx := strings.Index(text, RankingSentinel); idx >= 0 {
		region = text[idx+len(RankingSentinel):]
	}

	if numbered := numberedLabelPattern.FindAllString(region, -1); len(numbered) > 0 {
		labels := make([]string, len(numbered))
		for i, m := range numbered {
			labels[i] = labelPattern.FindString(m)
		}
		return labels
	}

	labels := labelPattern.FindAllString(region, -1)
	if labels == nil {
		return []string{}
	}
	return labels
}

// AggregateRankings computes each model's mean 1-based position across all
// parsed peer rankings. Labels outside the mapping are skipped; models
// never ranked are excluded from the output. Ties on average rank order by
// model identifier so results are deterministic.
func AggregateRankings(results []Stage2Result, labelToModel map[string]string) []AggregateRank {
	positions := make(map[string][]int)
	for _, r := range results {
		for i, label := range r.ParsedRanking {
			if model, ok := labelToModel[label]; ok {
				positions[model] = append(positions[model], i+1)
			}
		}
	}

	aggregate := make([]AggregateRank, 0, len(positions))
	for model, ps := range positions {
		sum := 0
		for _, p := range ps {
			sum += p
		}
		avg := float64(sum) / float64(len(ps))
		aggregate = append(aggregate, AggregateRank{
			Model:         model,
			AverageRank:   math.Round(avg*100) / 100,
			RankingsCount: len(ps),
		})
	}

	sort.Slice(aggregate, func(i, j int) bool {
		if aggregate[i].AverageRank != aggregate[j].AverageRank {
			return aggregate[i].AverageRank < aggregate[j].AverageRank
		}
		return aggregate[i].Model < aggregate[j].Model
	})
	return aggregate
}
