package council

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/beamd/internal/chat"
	"github.com/fyrsmithlabs/beamd/internal/prompt"
	"github.com/fyrsmithlabs/beamd/pkg/genai"
)

// ProgressFunc publishes a short progress label as the run advances.
type ProgressFunc func(phase Phase, label string)

// ViewFunc publishes snapshots of the chairman's accumulating answer.
type ViewFunc func(msg chat.Message)

const rankerSystemPrompt = `You are ranking {{N}} anonymous AI responses to the same question.
Evaluate each response on accuracy, completeness, and clarity, then give
your verdict. Your reply MUST end with a line reading exactly
"FINAL RANKING:" followed by a numbered list of the response labels from
best to worst, one per line, for example:

FINAL RANKING:
1. Response B
2. Response A`

const chairmanSystemPrompt = `You are the chairman of a council of {{N}} AI models that each
answered the same question and then ranked one another's answers. Using
the original answers and the peer evaluations below, write one final,
consolidated answer to the question. Do not describe the council process.`

// Orchestrator runs the fixed five-phase council workflow. Phases run
// strictly in order; peer rankings are issued sequentially to bound load
// on the upstream.
type Orchestrator struct {
	client   genai.Client
	logger   *zap.Logger
	parser   RankingParser
	metrics  *Metrics
	progress ProgressFunc
	view     ViewFunc
}

// NewOrchestrator creates a council orchestrator. parser defaults to the
// regex extractor when nil; progress and view may be nil.
func NewOrchestrator(client genai.Client, logger *zap.Logger, parser RankingParser, progress ProgressFunc, view ViewFunc) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if parser == nil {
		parser = RegexRankingParser{}
	}
	return &Orchestrator{
		client:   client,
		logger:   logger.Named("council"),
		parser:   parser,
		metrics:  NewMetrics(),
		progress: progress,
		view:     view,
	}
}

// RunInput carries everything one council run needs.
type RunInput struct {
	History       []chat.Message
	Answers       []Answer
	ChairmanModel string
}

// Run executes the workflow: extract the query, peer-rank sequentially,
// aggregate, synthesize via the chairman, complete. A failure aborts the
// remaining phases but the returned Result keeps everything the completed
// phases produced, so partial rankings stay inspectable.
func (o *Orchestrator) Run(ctx context.Context, in RunInput) (*Result, error) {
	o.metrics.RecordRunStarted()
	res := &Result{}

	err := o.runPhases(ctx, in, res)
	if err != nil {
		status := "error"
		if errors.Is(err, context.Canceled) {
			status = "stopped"
		}
		o.metrics.RecordRunFinished(status)
		return res, err
	}
	o.metrics.RecordRunFinished("success")
	return res, nil
}

func (o *Orchestrator) runPhases(ctx context.Context, in RunInput, res *Result) error {
	// Phase 1: extract the subject query.
	o.publishProgress(PhaseExtract, "Reading the question…")
	if len(in.Answers) < 2 {
		return &PhaseError{Phase: PhaseExtract, Err: ErrTooFewAnswers}
	}
	if in.ChairmanModel == "" {
		return &PhaseError{Phase: PhaseExtract, Err: ErrNoChairman}
	}
	query, ok := chat.LastUserText(in.History)
	if !ok {
		return &PhaseError{Phase: PhaseExtract, Err: ErrNoQuery}
	}
	res.Query = query

	// Phase 2: each answer's own model ranks all anonymized answers.
	labelToRay := make(map[string]string, len(in.Answers))
	for i, a := range in.Answers {
		labelToRay[letterLabel(i)] = a.RayID
	}
	for i, a := range in.Answers {
		if ctx.Err() != nil {
			return &PhaseError{Phase: PhaseRank, Err: ctx.Err()}
		}
		o.publishProgress(PhaseRank, fmt.Sprintf("Ranking %d/%d (%s)…", i+1, len(in.Answers), a.ModelID))

		ranking, err := o.rankOne(ctx, a, query, in.Answers, labelToRay)
		if err != nil {
			return &PhaseError{Phase: PhaseRank, Err: err}
		}
		res.Rankings = append(res.Rankings, ranking)
	}

	// Phase 3: fold all positions into the leaderboard.
	o.publishProgress(PhaseAggregate, "Tallying votes…")
	res.Leaderboard = Aggregate(in.Answers, res.Rankings)

	// Phase 4: chairman synthesis.
	o.publishProgress(PhaseSynthesize, fmt.Sprintf("Chairman (%s) is writing the final answer…", in.ChairmanModel))
	final, err := o.synthesize(ctx, in, query, res.Rankings)
	if err != nil {
		return &PhaseError{Phase: PhaseSynthesize, Err: err}
	}
	res.Final = final

	// Phase 5: done; clear the transient progress slot.
	o.publishProgress(PhaseComplete, "")
	return nil
}

// rankOne issues one ranking call and parses its output. A generation
// failure aborts the council; a parse failure only soft-drops this
// ranker's vote since peer evaluation is noisy text.
func (o *Orchestrator) rankOne(ctx context.Context, ranker Answer, query string, answers []Answer, labelToRay map[string]string) (Ranking, error) {
	vars := map[string]string{
		prompt.PlaceholderRayCount: strconv.Itoa(len(answers)),
	}

	var b strings.Builder
	b.WriteString("The question was:\n\n")
	b.WriteString(query)
	b.WriteString("\n\nThe responses:\n")
	for i, a := range answers {
		fmt.Fprintf(&b, "\n%s:\n%s\n", ResponseLabel(i), a.Text)
	}
	b.WriteString("\nEvaluate and rank all of them.")

	messages := []genai.Message{
		{Role: string(chat.RoleSystem), Content: prompt.Render(rankerSystemPrompt, vars)},
		{Role: string(chat.RoleUser), Content: b.String()},
	}

	var evaluation strings.Builder
	res, err := o.client.Generate(ctx, ranker.ModelID, messages, func(d genai.Delta) {
		evaluation.Reset()
		evaluation.WriteString(d.Text)
	})
	if res == nil {
		res = genai.ResultFromError(ctx, err)
	}
	switch res.Outcome {
	case genai.OutcomeSuccess:
	case genai.OutcomeAborted:
		return Ranking{}, context.Canceled
	default:
		return Ranking{}, fmt.Errorf("ranker %s: %s", ranker.ModelID, res.ErrorMessage)
	}

	ranking := Ranking{
		RankerRayID:   ranker.RayID,
		RankerModelID: ranker.ModelID,
		Evaluation:    evaluation.String(),
	}
	positions, block, perr := o.parser.Parse(ranking.Evaluation, labelToRay)
	ranking.RankingBlock = block
	if perr != nil {
		o.metrics.RecordRankingParsed("failed")
		o.logger.Warn("dropping unparseable ranking",
			zap.String("ranker_model", ranker.ModelID),
			zap.Error(perr))
		return ranking, nil
	}
	o.metrics.RecordRankingParsed("ok")
	ranking.Positions = positions
	return ranking, nil
}

// synthesize issues the chairman call, streaming into the final message.
func (o *Orchestrator) synthesize(ctx context.Context, in RunInput, query string, rankings []Ranking) (chat.Message, error) {
	vars := map[string]string{
		prompt.PlaceholderRayCount: strconv.Itoa(len(in.Answers)),
	}

	var b strings.Builder
	b.WriteString("The question was:\n\n")
	b.WriteString(query)
	b.WriteString("\n\nThe answers:\n")
	for _, a := range in.Answers {
		fmt.Fprintf(&b, "\nAnswer from %s:\n%s\n", a.ModelID, a.Text)
	}
	b.WriteString("\nThe peer evaluations:\n")
	for _, r := range rankings {
		fmt.Fprintf(&b, "\nEvaluation by %s:\n%s\n", r.RankerModelID, r.Evaluation)
		if r.RankingBlock != "" {
			fmt.Fprintf(&b, "Extracted ranking:\n%s\n", r.RankingBlock)
		}
	}
	b.WriteString("\nWrite the final consolidated answer to the question.")

	messages := []genai.Message{
		{Role: string(chat.RoleSystem), Content: prompt.Render(chairmanSystemPrompt, vars)},
		{Role: string(chat.RoleUser), Content: b.String()},
	}

	final := chat.NewMessage(chat.RoleAssistant, in.ChairmanModel)
	res, err := o.client.Generate(ctx, in.ChairmanModel, messages, func(d genai.Delta) {
		final.SetText(d.Text, d.Typing)
		if o.view != nil {
			o.view(final)
		}
	})
	if res == nil {
		res = genai.ResultFromError(ctx, err)
	}
	final.Typing = false

	switch res.Outcome {
	case genai.OutcomeSuccess:
		return final, nil
	case genai.OutcomeAborted:
		return final, context.Canceled
	default:
		return final, fmt.Errorf("chairman %s: %s", in.ChairmanModel, res.ErrorMessage)
	}
}

func (o *Orchestrator) publishProgress(phase Phase, label string) {
	if o.progress != nil {
		o.progress(phase, label)
	}
}
