package fuse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/beamd/internal/chat"
	"github.com/fyrsmithlabs/beamd/internal/prompt"
	"github.com/fyrsmithlabs/beamd/pkg/genai"
)

// ProgressFunc publishes a short human-readable progress label for a
// fusion ("step 2/3: Waiting for your choices…"). An empty label clears
// the slot.
type ProgressFunc func(fusionID, label string)

// ViewFunc publishes an opaque step view: a MessageView snapshot of the
// accumulating output, or a ChecklistView awaiting confirmation. A nil
// view clears the slot. The engine does not know or care what renders
// these.
type ViewFunc func(fusionID string, view any)

// MessageView is a data-only snapshot of the accumulating step output.
type MessageView struct {
	FusionID string       `json:"fusion_id"`
	Message  chat.Message `json:"message"`
}

// ChecklistView is published while a checklist step awaits confirmation.
type ChecklistView struct {
	FusionID string          `json:"fusion_id"`
	Items    []ChecklistItem `json:"items"`
}

// StartInput carries everything one fusion run needs.
type StartInput struct {
	History     []chat.Message
	RayMessages []chat.Message
	ModelID     string
}

// pendingChecklist is a suspended checklist step waiting on the user.
type pendingChecklist struct {
	items     []ChecklistItem
	confirmed chan []bool
}

// fusionState pairs a fusion with its run-time machinery. The cancel func
// is non-nil iff the fusion is fusing. intermediate is the one message
// the engine mutates in place while streaming; everything published
// outward is a value copy.
type fusionState struct {
	fusion       Fusion
	cancel       context.CancelFunc
	intermediate chat.Message
	pending      *pendingChecklist
}

// Engine owns the fusion list and executes one fusion as a strictly
// ordered chain: step i+1 never starts before step i settled.
type Engine struct {
	mu       sync.Mutex
	client   genai.Client
	logger   *zap.Logger
	metrics  *Metrics
	progress ProgressFunc
	view     ViewFunc
	fusions  []*fusionState
}

// NewEngine creates a fusion engine. progress and view may be nil.
func NewEngine(client genai.Client, logger *zap.Logger, progress ProgressFunc, view ViewFunc) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		client:   client,
		logger:   logger.Named("fuse"),
		metrics:  NewMetrics(),
		progress: progress,
		view:     view,
	}
}

// CreateFusion instantiates a factory into a new idle fusion. Creating a
// custom fusion replaces any previous custom fusion.
func (e *Engine) CreateFusion(factoryID FactoryID) (Fusion, error) {
	factory, ok := FactoryByID(factoryID)
	if !ok {
		return Fusion{}, ErrFactoryNotFound
	}
	f := newFusion(factoryID, factory.Build())

	e.mu.Lock()
	if factoryID == FactoryCustom {
		e.removeCustomLocked()
	}
	e.fusions = append(e.fusions, &fusionState{fusion: f})
	e.mu.Unlock()
	return f, nil
}

// RecreateAsCustom clones another fusion's instructions into a fresh
// custom fusion, pre-filled but now mutable, replacing any previous
// custom fusion.
func (e *Engine) RecreateAsCustom(sourceID string) (Fusion, error) {
	e.mu.Lock()
	src := e.find(sourceID)
	if src == nil {
		e.mu.Unlock()
		return Fusion{}, ErrFusionNotFound
	}
	f := newFusion(FactoryCustom, cloneInstructions(src.fusion.Instructions))
	e.removeCustomLocked()
	e.fusions = append(e.fusions, &fusionState{fusion: f})
	e.mu.Unlock()
	return f, nil
}

// UpdateInstructions rewrites a fusion's pipeline. Only the custom fusion
// is editable, and never while it is fusing.
func (e *Engine) UpdateInstructions(id string, instructions []Instruction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fs := e.find(id)
	if fs == nil {
		return ErrFusionNotFound
	}
	if fs.fusion.FactoryID != FactoryCustom {
		return ErrNotCustom
	}
	if fs.cancel != nil {
		return fmt.Errorf("fusion is running")
	}
	fs.fusion.Instructions = cloneInstructions(instructions)
	return nil
}

// Fusion returns a snapshot of one fusion.
func (e *Engine) Fusion(id string) (Fusion, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fs := e.find(id); fs != nil {
		return fs.fusion, true
	}
	return Fusion{}, false
}

// Fusions returns snapshots of every fusion in creation order.
func (e *Engine) Fusions() []Fusion {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Fusion, len(e.fusions))
	for i, fs := range e.fusions {
		out[i] = fs.fusion
	}
	return out
}

// Start validates preconditions and launches the instruction chain. Any
// validation failure sets the stage to error with a descriptive message
// and returns without scheduling work. Starting an already-fusing fusion
// is an idempotent no-op.
func (e *Engine) Start(id string, in StartInput) error {
	e.mu.Lock()
	fs := e.find(id)
	if fs == nil {
		e.mu.Unlock()
		return ErrFusionNotFound
	}
	if fs.cancel != nil {
		e.mu.Unlock()
		return nil
	}

	if err := validateStart(fs.fusion, in); err != nil {
		fs.fusion.Stage = StageError
		fs.fusion.Error = err.Error()
		e.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	fs.cancel = cancel
	fs.fusion.Stage = StageFusing
	fs.fusion.Error = ""
	fs.intermediate = chat.NewMessage(chat.RoleAssistant, in.ModelID)
	fs.intermediate.Text = "…"
	instructions := cloneInstructions(fs.fusion.Instructions)
	e.mu.Unlock()

	e.metrics.RecordFusionStarted(string(fs.fusion.FactoryID))
	e.logger.Debug("fusion started",
		zap.String("fusion_id", id),
		zap.String("factory", string(fs.fusion.FactoryID)),
		zap.Int("steps", len(instructions)))

	go e.run(ctx, cancel, fs, instructions, in)
	return nil
}

// Stop signals the fusion's cancellation. The running step observes it
// cooperatively; partial output is retained as the fusion's final output.
func (e *Engine) Stop(id string) error {
	e.mu.Lock()
	fs := e.find(id)
	if fs == nil {
		e.mu.Unlock()
		return ErrFusionNotFound
	}
	if fs.cancel != nil {
		fs.cancel()
	}
	e.mu.Unlock()
	return nil
}

// StopAll signals cancellation on every running fusion.
func (e *Engine) StopAll() {
	e.mu.Lock()
	for _, fs := range e.fusions {
		if fs.cancel != nil {
			fs.cancel()
		}
	}
	e.mu.Unlock()
}

// Reset force-stops everything and discards all fusions.
func (e *Engine) Reset() {
	e.mu.Lock()
	for _, fs := range e.fusions {
		if fs.cancel != nil {
			fs.cancel()
		}
	}
	e.fusions = nil
	e.mu.Unlock()
}

// ConfirmChecklist resumes a suspended checklist step with the user's
// selections, one flag per parsed item.
func (e *Engine) ConfirmChecklist(id string, selected []bool) error {
	e.mu.Lock()
	fs := e.find(id)
	if fs == nil {
		e.mu.Unlock()
		return ErrFusionNotFound
	}
	if fs.pending == nil {
		e.mu.Unlock()
		return ErrNoPendingChecklist
	}
	if len(selected) != len(fs.pending.items) {
		e.mu.Unlock()
		return fmt.Errorf("expected %d selections, got %d", len(fs.pending.items), len(selected))
	}
	ch := fs.pending.confirmed
	fs.pending = nil
	e.mu.Unlock()

	ch <- selected
	return nil
}

// PendingChecklist returns the items of a suspended checklist step, if any.
func (e *Engine) PendingChecklist(id string) ([]ChecklistItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fs := e.find(id)
	if fs == nil || fs.pending == nil {
		return nil, false
	}
	items := make([]ChecklistItem, len(fs.pending.items))
	copy(items, fs.pending.items)
	return items, true
}

// run executes the instruction chain left to right, threading the carried
// string value from step to step.
func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, fs *fusionState, instructions []Instruction, in StartInput) {
	defer cancel()

	total := len(instructions)
	carried := ""
	var runErr error

	for i, inst := range instructions {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}

		// Clear the intermediate so a prior step's partial output does
		// not bleed into this one.
		e.mu.Lock()
		fs.intermediate.Clear()
		e.mu.Unlock()

		e.publishProgress(fs, fmt.Sprintf("step %d/%d: %s…", i+1, total, inst.Label))

		carried, runErr = e.executeStep(ctx, fs, inst, carried, in)
		if runErr != nil {
			break
		}
	}

	e.mu.Lock()
	fs.cancel = nil
	fs.pending = nil
	fs.intermediate.Typing = false
	fs.fusion.OutputMessage = fs.intermediate
	switch {
	case runErr == nil:
		fs.fusion.Stage = StageSuccess
	case ctx.Err() != nil || errors.Is(runErr, context.Canceled):
		fs.fusion.Stage = StageStopped
	default:
		fs.fusion.Stage = StageError
		fs.fusion.Error = runErr.Error()
	}
	stage := fs.fusion.Stage
	id := fs.fusion.ID
	e.mu.Unlock()

	// Clear transient render slots; the terminal output lives on the
	// fusion record now.
	e.publishProgress(fs, "")
	e.publishView(fs, nil)

	e.metrics.RecordFusionFinished(string(stage))
	e.logger.Debug("fusion finished",
		zap.String("fusion_id", id),
		zap.String("stage", string(stage)))
}

// executeStep dispatches one instruction through the closed type switch.
func (e *Engine) executeStep(ctx context.Context, fs *fusionState, inst Instruction, carried string, in StartInput) (string, error) {
	switch inst.Type {
	case TypeChatGenerate, TypeGather:
		return e.executeGenerate(ctx, fs, inst, carried, in)
	case TypeChecklist:
		return e.executeChecklist(ctx, fs, carried)
	default:
		return "", fmt.Errorf("unknown instruction type %q", inst.Type)
	}
}

// executeGenerate renders the step's prompt templates, issues one
// streaming call, and mutates the intermediate message in place on every
// delta. Returns the final plain text as the carried value.
func (e *Engine) executeGenerate(ctx context.Context, fs *fusionState, inst Instruction, carried string, in StartInput) (string, error) {
	vars := map[string]string{
		prompt.PlaceholderRayCount:   strconv.Itoa(len(in.RayMessages)),
		prompt.PlaceholderPrevOutput: carried,
	}

	messages := make([]genai.Message, 0, len(in.History)+len(in.RayMessages)+2)
	if inst.SystemPrompt != "" {
		messages = append(messages, genai.Message{
			Role:    string(chat.RoleSystem),
			Content: prompt.Render(inst.SystemPrompt, vars),
		})
	}
	for _, m := range in.History {
		messages = append(messages, genai.Message{Role: string(m.Role), Content: m.Text})
	}
	for i, rm := range in.RayMessages {
		label := fmt.Sprintf("Answer %d", i+1)
		if rm.ModelID != "" {
			label = fmt.Sprintf("Answer %d (%s)", i+1, rm.ModelID)
		}
		messages = append(messages, genai.Message{
			Role:    string(chat.RoleAssistant),
			Content: label + ":\n" + rm.Text,
		})
	}
	messages = append(messages, genai.Message{
		Role:    string(chat.RoleUser),
		Content: prompt.Render(inst.UserPrompt, vars),
	})

	res, err := e.client.Generate(ctx, in.ModelID, messages, func(d genai.Delta) {
		e.mu.Lock()
		fs.intermediate.SetText(d.Text, d.Typing)
		e.mu.Unlock()
		e.publishIntermediate(fs)
	})
	if res == nil {
		res = genai.ResultFromError(ctx, err)
	}

	switch res.Outcome {
	case genai.OutcomeSuccess:
		e.mu.Lock()
		text := fs.intermediate.Text
		e.mu.Unlock()
		return text, nil
	case genai.OutcomeAborted:
		return "", context.Canceled
	default:
		return "", fmt.Errorf("step %q: %s", inst.Label, res.ErrorMessage)
	}
}

// executeChecklist parses the carried value into a checklist, publishes
// it, and suspends until the user confirms or the chain is cancelled.
func (e *Engine) executeChecklist(ctx context.Context, fs *fusionState, carried string) (string, error) {
	items, err := ParseChecklist(carried)
	if err != nil {
		return "", err
	}

	pending := &pendingChecklist{
		items:     items,
		confirmed: make(chan []bool, 1),
	}
	e.mu.Lock()
	fs.pending = pending
	e.mu.Unlock()

	e.publishView(fs, ChecklistView{FusionID: fs.fusion.ID, Items: items})

	select {
	case selected := <-pending.confirmed:
		for i := range items {
			items[i].Selected = selected[i]
		}
		summary := RenderChecklistSummary(items)
		e.mu.Lock()
		fs.intermediate.SetText(summary, false)
		e.mu.Unlock()
		e.publishIntermediate(fs)
		return summary, nil
	case <-ctx.Done():
		e.mu.Lock()
		fs.pending = nil
		e.mu.Unlock()
		return "", ctx.Err()
	}
}

// find returns the fusion state for an id. Caller must hold e.mu.
func (e *Engine) find(id string) *fusionState {
	for _, fs := range e.fusions {
		if fs.fusion.ID == id {
			return fs
		}
	}
	return nil
}

// removeCustomLocked drops the existing custom fusion, force-stopping it
// first. Caller must hold e.mu.
func (e *Engine) removeCustomLocked() {
	for i, fs := range e.fusions {
		if fs.fusion.FactoryID == FactoryCustom {
			if fs.cancel != nil {
				fs.cancel()
			}
			e.fusions = append(e.fusions[:i], e.fusions[i+1:]...)
			return
		}
	}
}

func (e *Engine) publishProgress(fs *fusionState, label string) {
	if e.progress != nil {
		e.progress(fs.fusion.ID, label)
	}
}

func (e *Engine) publishView(fs *fusionState, view any) {
	if e.view != nil {
		e.view(fs.fusion.ID, view)
	}
}

func (e *Engine) publishIntermediate(fs *fusionState) {
	if e.view == nil {
		return
	}
	e.mu.Lock()
	snapshot := fs.intermediate
	e.mu.Unlock()
	e.view(fs.fusion.ID, MessageView{FusionID: fs.fusion.ID, Message: snapshot})
}

// validateStart checks the gather preconditions.
func validateStart(f Fusion, in StartInput) error {
	if len(f.Instructions) == 0 {
		return ErrNoInstructions
	}
	if len(in.History) == 0 {
		return ErrEmptyHistory
	}
	if len(in.RayMessages) < 2 {
		return ErrTooFewRays
	}
	if in.ModelID == "" {
		return ErrNoGatherModel
	}
	return nil
}
