package council

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate_TiedMeansKeepOriginalOrder(t *testing.T) {
	answers := []Answer{
		{RayID: "ray-a", ModelID: "model-a"},
		{RayID: "ray-b", ModelID: "model-b"},
	}
	rankings := []Ranking{
		{RankerRayID: "ray-a", Positions: []Position{{RayID: "ray-a", Rank: 1}, {RayID: "ray-b", Rank: 2}}},
		{RankerRayID: "ray-b", Positions: []Position{{RayID: "ray-a", Rank: 2}, {RayID: "ray-b", Rank: 1}}},
	}

	rows := Aggregate(answers, rankings)
	require.Len(t, rows, 2)

	assert.Equal(t, 1.5, rows[0].MeanRank)
	assert.Equal(t, 1.5, rows[1].MeanRank)
	assert.Greater(t, rows[0].StdDev, 0.0)
	assert.Greater(t, rows[1].StdDev, 0.0)
	// Deterministic tie break: original answer order.
	assert.Equal(t, "ray-a", rows[0].RayID)
	assert.Equal(t, "ray-b", rows[1].RayID)
}

func TestAggregate_SortsByMeanAscending(t *testing.T) {
	answers := []Answer{
		{RayID: "ra", ModelID: "ma"},
		{RayID: "rb", ModelID: "mb"},
		{RayID: "rc", ModelID: "mc"},
	}
	rankings := []Ranking{
		{Positions: []Position{{RayID: "ra", Rank: 3}, {RayID: "rb", Rank: 1}, {RayID: "rc", Rank: 2}}},
		{Positions: []Position{{RayID: "ra", Rank: 3}, {RayID: "rb", Rank: 1}, {RayID: "rc", Rank: 2}}},
	}

	rows := Aggregate(answers, rankings)
	require.Len(t, rows, 3)
	assert.Equal(t, "rb", rows[0].RayID)
	assert.Equal(t, "rc", rows[1].RayID)
	assert.Equal(t, "ra", rows[2].RayID)
	assert.Equal(t, 1.0, rows[0].MeanRank)
	assert.Equal(t, 0.0, rows[0].StdDev)
	assert.Equal(t, 2, rows[0].Votes)
}

func TestAggregate_ZeroVotesGetSentinelWorstRank(t *testing.T) {
	answers := []Answer{
		{RayID: "ra", ModelID: "ma"},
		{RayID: "rb", ModelID: "mb"},
		{RayID: "rc", ModelID: "mc"},
	}
	// rc received no positions at all.
	rankings := []Ranking{
		{Positions: []Position{{RayID: "ra", Rank: 1}, {RayID: "rb", Rank: 2}}},
	}

	rows := Aggregate(answers, rankings)
	require.Len(t, rows, 3)

	last := rows[2]
	assert.Equal(t, "rc", last.RayID)
	assert.Equal(t, float64(len(answers)+1), last.MeanRank)
	assert.Equal(t, 0, last.Votes)
	assert.Equal(t, 0.0, last.StdDev)
	assert.Empty(t, last.Positions)
}

func TestAggregate_NoRankersAtAll(t *testing.T) {
	answers := []Answer{{RayID: "ra"}, {RayID: "rb"}}

	rows := Aggregate(answers, nil)
	require.Len(t, rows, 2)
	assert.Equal(t, "ra", rows[0].RayID)
	assert.Equal(t, 3.0, rows[0].MeanRank)
	assert.Equal(t, 3.0, rows[1].MeanRank)
}
