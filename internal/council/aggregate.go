package council

import (
	"math"
	"sort"
)

// Aggregate folds all rankers' positions into one leaderboard row per
// answer, sorted ascending by mean rank. Answers with zero votes get a
// sentinel worst-case mean of len(answers)+1 so they stay on the
// leaderboard instead of disappearing. Ties keep the original answer
// order.
func Aggregate(answers []Answer, rankings []Ranking) []Aggregation {
	byRay := make(map[string][]int, len(answers))
	for _, r := range rankings {
		for _, p := range r.Positions {
			byRay[p.RayID] = append(byRay[p.RayID], p.Rank)
		}
	}

	sentinel := float64(len(answers) + 1)
	rows := make([]Aggregation, 0, len(answers))
	for _, a := range answers {
		positions := byRay[a.RayID]
		row := Aggregation{
			RayID:     a.RayID,
			ModelID:   a.ModelID,
			Votes:     len(positions),
			Positions: positions,
			MeanRank:  sentinel,
		}
		if len(positions) > 0 {
			row.MeanRank = mean(positions)
			row.StdDev = stdDev(positions, row.MeanRank)
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].MeanRank < rows[j].MeanRank
	})
	return rows
}

func mean(xs []int) float64 {
	sum := 0
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}

// stdDev is the population standard deviation of the received positions.
func stdDev(xs []int, mu float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var variance float64
	for _, x := range xs {
		d := float64(x) - mu
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(xs)))
}
