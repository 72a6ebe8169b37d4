// Package council implements the peer-ranking and chairman-synthesis
// workflow layered on top of a completed scatter: each ray's own model
// ranks all anonymized answers, the rankings are aggregated into a
// leaderboard, and a chairman model writes one consolidated answer from
// the responses and the evaluations.
package council

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/beamd/internal/chat"
)

// Errors for council runs.
var (
	ErrTooFewAnswers     = errors.New("need at least two ray answers to convene a council")
	ErrNoChairman        = errors.New("no chairman model selected")
	ErrNoQuery           = errors.New("history has no user turn to rank against")
	ErrRankingNotFound   = errors.New("no FINAL RANKING line in evaluation")
	ErrNoPositionsParsed = errors.New("no ranking positions could be parsed")
)

// Phase tags where in the workflow a failure occurred.
type Phase string

const (
	PhaseExtract    Phase = "extract"
	PhaseRank       Phase = "rank"
	PhaseAggregate  Phase = "aggregate"
	PhaseSynthesize Phase = "synthesize"
	PhaseComplete   Phase = "complete"
)

// PhaseError wraps a failure with the phase that produced it.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("council %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Answer is one completed ray output entering the council.
type Answer struct {
	RayID   string `json:"ray_id"`
	ModelID string `json:"model_id"`
	Text    string `json:"text"`
}

// Position is one (ranked answer, rank) pair. Rank 1 is best.
type Position struct {
	RayID string `json:"ray_id"`
	Rank  int    `json:"rank"`
}

// Ranking is one ranker model's evaluation of all anonymized answers.
// Positions is empty when the ranker's output could not be parsed; the
// full free-text evaluation is kept either way.
type Ranking struct {
	RankerRayID   string     `json:"ranker_ray_id"`
	RankerModelID string     `json:"ranker_model_id"`
	Positions     []Position `json:"positions"`
	Evaluation    string     `json:"evaluation"`
	RankingBlock  string     `json:"ranking_block,omitempty"`
}

// Aggregation is one answer's leaderboard row. MeanRank is lower-is-
// better; an answer that received zero votes keeps a sentinel worst-case
// mean so it stays visible on the leaderboard. StdDev over the received
// positions signals controversy when high and consensus when low.
type Aggregation struct {
	RayID     string  `json:"ray_id"`
	ModelID   string  `json:"model_id"`
	MeanRank  float64 `json:"mean_rank"`
	Votes     int     `json:"votes"`
	StdDev    float64 `json:"std_dev"`
	Positions []int   `json:"positions"`
}

// Result holds everything a council run produced. On a mid-run failure
// the phases that already completed are preserved here, so partial
// rankings stay inspectable next to the phase-tagged error.
type Result struct {
	Query       string        `json:"query"`
	Rankings    []Ranking     `json:"rankings"`
	Leaderboard []Aggregation `json:"leaderboard"`
	Final       chat.Message  `json:"final"`
}

// ResponseLabel returns the anonymized label for the i-th answer:
// "Response A", "Response B", and so on.
func ResponseLabel(i int) string {
	return "Response " + letterLabel(i)
}

// letterLabel spells i in bijective base 26: A..Z, AA, AB, ...
func letterLabel(i int) string {
	label := ""
	for i >= 0 {
		label = string(rune('A'+i%26)) + label
		i = i/26 - 1
	}
	return label
}
