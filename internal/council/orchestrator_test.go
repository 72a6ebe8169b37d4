package council

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/beamd/internal/chat"
	"github.com/fyrsmithlabs/beamd/pkg/genai"
)

// fakeClient scripts one response per Generate call, in call order.
type fakeClient struct {
	mu        sync.Mutex
	models    []string
	responses []scripted
}

type scripted struct {
	text    string
	outcome genai.Outcome
	errMsg  string
}

func (f *fakeClient) Generate(_ context.Context, modelID string, _ []genai.Message, onDelta genai.DeltaFunc) (*genai.Result, error) {
	f.mu.Lock()
	i := len(f.models)
	f.models = append(f.models, modelID)
	f.mu.Unlock()

	if i >= len(f.responses) {
		return &genai.Result{Outcome: genai.OutcomeSuccess}, nil
	}
	s := f.responses[i]
	if s.text != "" && onDelta != nil {
		onDelta(genai.Delta{Text: s.text, Typing: false})
	}
	if s.outcome == "" {
		s.outcome = genai.OutcomeSuccess
	}
	return &genai.Result{Outcome: s.outcome, ErrorMessage: s.errMsg}, nil
}

func (f *fakeClient) calledModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.models))
	copy(out, f.models)
	return out
}

func councilInput() RunInput {
	user := chat.NewMessage(chat.RoleUser, "")
	user.Text = "Which database should I use?"
	return RunInput{
		History: []chat.Message{user},
		Answers: []Answer{
			{RayID: "ray-a", ModelID: "model-a", Text: "Use Postgres."},
			{RayID: "ray-b", ModelID: "model-b", Text: "Use SQLite."},
		},
		ChairmanModel: "chairman",
	}
}

func TestOrchestrator_Run_FullWorkflow(t *testing.T) {
	client := &fakeClient{responses: []scripted{
		{text: "B is better.\nFINAL RANKING:\n1. Response B\n2. Response A"},
		{text: "A is better.\nFINAL RANKING:\n1. Response A\n2. Response B"},
		{text: "Postgres for serious workloads, SQLite for embedded."},
	}}
	o := NewOrchestrator(client, nil, nil, nil, nil)

	res, err := o.Run(context.Background(), councilInput())
	require.NoError(t, err)

	// Rankers run sequentially with their own models, chairman last.
	assert.Equal(t, []string{"model-a", "model-b", "chairman"}, client.calledModels())

	assert.Equal(t, "Which database should I use?", res.Query)
	require.Len(t, res.Rankings, 2)
	assert.Equal(t, []Position{{RayID: "ray-b", Rank: 1}, {RayID: "ray-a", Rank: 2}}, res.Rankings[0].Positions)

	require.Len(t, res.Leaderboard, 2)
	assert.Equal(t, 1.5, res.Leaderboard[0].MeanRank)
	assert.Equal(t, "ray-a", res.Leaderboard[0].RayID)

	assert.Equal(t, "Postgres for serious workloads, SQLite for embedded.", res.Final.Text)
	assert.Equal(t, "chairman", res.Final.ModelID)
	assert.False(t, res.Final.Typing)
}

func TestOrchestrator_Run_UnparseableRankerSoftFails(t *testing.T) {
	client := &fakeClient{responses: []scripted{
		{text: "I like both, no ranking here."},
		{text: "FINAL RANKING:\n1. Response A\n2. Response B"},
		{text: "final answer"},
	}}
	o := NewOrchestrator(client, nil, nil, nil, nil)

	res, err := o.Run(context.Background(), councilInput())
	require.NoError(t, err)

	// The bad ranker keeps its evaluation but contributes no positions.
	require.Len(t, res.Rankings, 2)
	assert.Empty(t, res.Rankings[0].Positions)
	assert.Equal(t, "I like both, no ranking here.", res.Rankings[0].Evaluation)
	require.Len(t, res.Rankings[1].Positions, 2)

	// Both answers still got exactly one vote each.
	assert.Equal(t, 1, res.Leaderboard[0].Votes)
	assert.Equal(t, 1, res.Leaderboard[1].Votes)
}

func TestOrchestrator_Run_ValidationFailures(t *testing.T) {
	o := NewOrchestrator(&fakeClient{}, nil, nil, nil, nil)

	in := councilInput()
	in.Answers = in.Answers[:1]
	_, err := o.Run(context.Background(), in)
	require.ErrorIs(t, err, ErrTooFewAnswers)

	in = councilInput()
	in.ChairmanModel = ""
	_, err = o.Run(context.Background(), in)
	require.ErrorIs(t, err, ErrNoChairman)

	in = councilInput()
	in.History = nil
	_, err = o.Run(context.Background(), in)
	require.ErrorIs(t, err, ErrNoQuery)

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseExtract, pe.Phase)
}

func TestOrchestrator_Run_RankerErrorAbortsButKeepsPartial(t *testing.T) {
	client := &fakeClient{responses: []scripted{
		{text: "FINAL RANKING:\n1. Response A\n2. Response B"},
		{outcome: genai.OutcomeErrored, errMsg: "upstream 500"},
	}}
	o := NewOrchestrator(client, nil, nil, nil, nil)

	res, err := o.Run(context.Background(), councilInput())
	require.Error(t, err)

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseRank, pe.Phase)
	assert.Contains(t, err.Error(), "upstream 500")

	// The first ranker's completed ranking is preserved.
	require.Len(t, res.Rankings, 1)
	assert.Len(t, res.Rankings[0].Positions, 2)
	// The chairman was never consulted.
	assert.Equal(t, []string{"model-a", "model-b"}, client.calledModels())
}

func TestOrchestrator_Run_ChairmanAbortKeepsRankings(t *testing.T) {
	client := &fakeClient{responses: []scripted{
		{text: "FINAL RANKING:\n1. Response A\n2. Response B"},
		{text: "FINAL RANKING:\n1. Response B\n2. Response A"},
		{text: "partial chair", outcome: genai.OutcomeAborted},
	}}
	o := NewOrchestrator(client, nil, nil, nil, nil)

	res, err := o.Run(context.Background(), councilInput())
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseSynthesize, pe.Phase)

	assert.Len(t, res.Rankings, 2)
	assert.Len(t, res.Leaderboard, 2)
	// Partial chairman output stays inspectable.
	assert.Equal(t, "partial chair", res.Final.Text)
}

func TestOrchestrator_Run_PreCancelledContext(t *testing.T) {
	client := &fakeClient{}
	o := NewOrchestrator(client, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Run(ctx, councilInput())
	require.Error(t, err)

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseRank, pe.Phase)
	assert.Empty(t, client.calledModels())
}

func TestOrchestrator_Run_ChairmanPromptCarriesEvaluations(t *testing.T) {
	var chairmanPrompt string
	client := &fakeClient{responses: []scripted{
		{text: "sharp analysis\nFINAL RANKING:\n1. Response B\n2. Response A"},
		{text: "brief take\nFINAL RANKING:\n1. Response A\n2. Response B"},
		{text: "done"},
	}}
	o := NewOrchestrator(captureClient{client, func(modelID string, messages []genai.Message) {
		if modelID == "chairman" {
			chairmanPrompt = messages[1].Content
		}
	}}, nil, nil, nil, nil)

	_, err := o.Run(context.Background(), councilInput())
	require.NoError(t, err)

	assert.Contains(t, chairmanPrompt, "Answer from model-a:\nUse Postgres.")
	assert.Contains(t, chairmanPrompt, "Evaluation by model-b:\nbrief take")
	assert.True(t, strings.Contains(chairmanPrompt, "1. Response B"))
}

// captureClient wraps a client and observes every call's inputs.
type captureClient struct {
	inner   genai.Client
	observe func(modelID string, messages []genai.Message)
}

func (c captureClient) Generate(ctx context.Context, modelID string, messages []genai.Message, onDelta genai.DeltaFunc) (*genai.Result, error) {
	c.observe(modelID, messages)
	return c.inner.Generate(ctx, modelID, messages, onDelta)
}
