package room

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pointdeck/backend/internal/models"
)

// ComputeStatistics aggregates the votes of a revealed round. Card values
// that parse as decimals after trimming contribute to average and median;
// mode and distribution operate on raw values, with deck order breaking
// frequency ties.
func ComputeStatistics(votes []*models.Vote, deckSnapshot []string) models.RoundStatistics {
	stats := models.RoundStatistics{
		Distribution: make(map[string]int),
		TotalVotes:   len(votes),
	}

	var numeric []float64
	var nonNumeric []string
	for _, v := range votes {
		stats.Distribution[v.CardValue]++
		if f, ok := parseCard(v.CardValue); ok {
			numeric = append(numeric, f)
		} else {
			nonNumeric = append(nonNumeric, v.CardValue)
		}
	}

	if len(numeric) > 0 {
		sum := 0.0
		for _, f := range numeric {
			sum += f
		}
		avg := roundHalfUp2(sum / float64(len(numeric)))
		stats.Average = &avg

		med := roundHalfUp2(median(numeric))
		stats.Median = &med
	}

	stats.Mode = mode(stats.Distribution, deckSnapshot)
	stats.ConsensusReached = allEqualFloat(numeric) && allEqualString(nonNumeric)
	return stats
}

func parseCard(value string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	return f, err == nil
}

// roundHalfUp2 rounds half-up to two decimal places.
func roundHalfUp2(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// mode picks the most frequent raw card value; frequency ties resolve to
// the smallest deck-order index.
func mode(distribution map[string]int, deckSnapshot []string) string {
	deckIndex := func(value string) int {
		for i, card := range deckSnapshot {
			if card == value {
				return i
			}
		}
		return len(deckSnapshot)
	}

	best := ""
	bestCount := 0
	for value, count := range distribution {
		switch {
		case count > bestCount:
			best, bestCount = value, count
		case count == bestCount && deckIndex(value) < deckIndex(best):
			best = value
		}
	}
	return best
}

func allEqualFloat(values []float64) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}

func allEqualString(values []string) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}
