// Package session implements the root orchestration store: process-wide
// state holding the current scatter rays, gather fusions, council state,
// and the conversation input snapshot. The session is the sole owner of
// creation and destruction timing for the engines it coordinates.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/beamd/internal/chat"
	"github.com/fyrsmithlabs/beamd/internal/council"
	"github.com/fyrsmithlabs/beamd/internal/fuse"
	"github.com/fyrsmithlabs/beamd/internal/prefs"
	"github.com/fyrsmithlabs/beamd/internal/scatter"
	"github.com/fyrsmithlabs/beamd/pkg/genai"
)

// Errors for session operations.
var (
	ErrNotOpen        = errors.New("no session is open")
	ErrNoContent      = errors.New("nothing to accept yet")
	ErrCouncilRunning = errors.New("a council is already in session")
	ErrNoCouncil      = errors.New("no council is running")
)

// SuccessFunc receives the accepted output exactly once per session.
type SuccessFunc func(outputText, modelID string)

// Options configure the engines a session seeds on open.
type Options struct {
	// Models are the ray model ids assigned round-robin on open.
	Models []string
	// RayCount is the number of scatter slots created on open.
	RayCount int
	// ChairmanModel synthesizes the council's final answer.
	ChairmanModel string
}

// CouncilState is the externally visible council status.
type CouncilState struct {
	Running  bool            `json:"running"`
	Progress string          `json:"progress,omitempty"`
	Result   *council.Result `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// State is a copy-on-write view of the whole session.
type State struct {
	SessionID     string           `json:"session_id"`
	InputReady    bool             `json:"input_ready"`
	InputIssues   []string         `json:"input_issues,omitempty"`
	GatherModel   string           `json:"gather_model"`
	CurrentFusion string           `json:"current_fusion,omitempty"`
	Scatter       scatter.Snapshot `json:"scatter"`
	Fusions       []fuse.Fusion    `json:"fusions"`
	Council       CouncilState     `json:"council"`
}

// Session coordinates the scatter, fuse, and council engines for one
// conversation at a time. Engines own their records; the session owns
// lifecycle and the success callback.
type Session struct {
	mu      sync.Mutex
	logger  *zap.Logger
	client  genai.Client
	opts    Options
	prefs   *prefs.Store
	scatter *scatter.Engine
	fuse    *fuse.Engine
	orch    *council.Orchestrator

	id            string
	history       []chat.Message
	inputReady    bool
	inputIssues   []string
	gatherModel   string
	currentFusion string
	// keptFactory carries the current fusion's factory across a
	// terminate, so the next open reselects the same strategy.
	keptFactory fuse.FactoryID
	onSuccess   SuccessFunc
	successOnce *sync.Once

	councilCancel   context.CancelFunc
	councilProgress string
	councilResult   *council.Result
	councilErr      string
}

// New creates a session and its engines. store may be nil when preference
// persistence is disabled.
func New(client genai.Client, opts Options, store *prefs.Store, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		logger: logger.Named("session"),
		client: client,
		opts:   opts,
		prefs:  store,
	}
	s.scatter = scatter.NewEngine(client, logger, nil)
	s.fuse = fuse.NewEngine(client, logger, nil, nil)
	s.orch = council.NewOrchestrator(client, logger, nil,
		func(_ council.Phase, label string) {
			s.mu.Lock()
			s.councilProgress = label
			s.mu.Unlock()
		}, nil)
	return s
}

// Scatter exposes the ray engine for per-ray operations.
func (s *Session) Scatter() *scatter.Engine { return s.scatter }

// Fuse exposes the fusion engine for per-fusion operations.
func (s *Session) Fuse() *fuse.Engine { return s.fuse }

// Open begins a session over one conversation snapshot. The history must
// end in a user turn; a validation failure records the input issue and
// leaves the session unopened. Any previous session is force-stopped
// first. Ray models come from the preference store when present, falling
// back to the configured model list; initialModelID, when set, becomes
// the gather model.
func (s *Session) Open(history []chat.Message, initialModelID string, onSuccess SuccessFunc) error {
	s.stopEverything()

	s.mu.Lock()
	if err := chat.ValidateHistory(history); err != nil {
		s.inputReady = false
		s.inputIssues = []string{err.Error()}
		s.mu.Unlock()
		return err
	}

	models := s.opts.Models
	if s.prefs != nil {
		if last := s.prefs.LastModels(); len(last) > 0 {
			models = last
		}
	}
	gatherModel := initialModelID
	if gatherModel == "" && len(models) > 0 {
		gatherModel = models[0]
	}

	s.id = uuid.New().String()
	s.history = chat.CloneHistory(history)
	s.inputReady = true
	s.inputIssues = nil
	s.gatherModel = gatherModel
	s.currentFusion = ""
	s.onSuccess = onSuccess
	s.successOnce = &sync.Once{}
	s.councilProgress = ""
	s.councilResult = nil
	s.councilErr = ""
	rayCount := s.opts.RayCount
	s.mu.Unlock()

	s.scatter.SetHistory(history)
	s.scatter.SetRayCount(0)
	s.scatter.SetRayCount(rayCount)
	s.scatter.SetAllModels(models)

	s.fuse.Reset()
	for _, f := range fuse.Factories() {
		created, err := s.fuse.CreateFusion(f.ID)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if s.currentFusion == "" || f.ID == s.keptFactory {
			s.currentFusion = created.ID
		}
		s.mu.Unlock()
	}

	s.logger.Info("session opened",
		zap.String("session_id", s.id),
		zap.Int("history_turns", len(history)),
		zap.Int("rays", rayCount))
	return nil
}

// SetGatherModel selects the model used by fusion runs and, absent an
// explicit chairman, the council.
func (s *Session) SetGatherModel(modelID string) {
	s.mu.Lock()
	s.gatherModel = modelID
	s.mu.Unlock()
}

// SelectFusion makes one fusion the current user-facing fusion. Exactly
// one fusion is current at a time.
func (s *Session) SelectFusion(fusionID string) error {
	if _, ok := s.fuse.Fusion(fusionID); !ok {
		return fuse.ErrFusionNotFound
	}
	s.mu.Lock()
	s.currentFusion = fusionID
	s.mu.Unlock()
	return nil
}

// StartFusion runs one fusion over the current history and every ray
// message with content.
func (s *Session) StartFusion(fusionID string) error {
	s.mu.Lock()
	if s.id == "" {
		s.mu.Unlock()
		return ErrNotOpen
	}
	in := fuse.StartInput{
		History:     chat.CloneHistory(s.history),
		RayMessages: s.scatter.ReadyMessages(),
		ModelID:     s.gatherModel,
	}
	s.mu.Unlock()
	return s.fuse.Start(fusionID, in)
}

// AcceptRay hands a ray's message to the success callback. At most one
// accept fires per session.
func (s *Session) AcceptRay(rayID string) error {
	ray, ok := s.scatter.Ray(rayID)
	if !ok {
		return scatter.ErrRayNotFound
	}
	if !ray.HasContent() {
		return ErrNoContent
	}
	return s.fireSuccess(ray.Message.Text, ray.ModelID)
}

// AcceptFusion hands a fusion's output message to the success callback.
func (s *Session) AcceptFusion(fusionID string) error {
	f, ok := s.fuse.Fusion(fusionID)
	if !ok {
		return fuse.ErrFusionNotFound
	}
	if f.OutputMessage.Text == "" {
		return ErrNoContent
	}
	return s.fireSuccess(f.OutputMessage.Text, f.OutputMessage.ModelID)
}

// AcceptCouncil hands the chairman's final answer to the success callback.
func (s *Session) AcceptCouncil() error {
	s.mu.Lock()
	res := s.councilResult
	s.mu.Unlock()
	if res == nil || res.Final.Text == "" {
		return ErrNoContent
	}
	return s.fireSuccess(res.Final.Text, res.Final.ModelID)
}

// StartCouncil convenes the council over every ray message with content.
// The chairman is the configured chairman model, falling back to the
// gather model.
func (s *Session) StartCouncil() error {
	s.mu.Lock()
	if s.id == "" {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.councilCancel != nil {
		s.mu.Unlock()
		return ErrCouncilRunning
	}

	var answers []council.Answer
	for _, ray := range s.scatter.Snapshot().Rays {
		if ray.HasContent() {
			answers = append(answers, council.Answer{
				RayID:   ray.ID,
				ModelID: ray.ModelID,
				Text:    ray.Message.Text,
			})
		}
	}
	if len(answers) < 2 {
		s.mu.Unlock()
		return council.ErrTooFewAnswers
	}

	chairman := s.opts.ChairmanModel
	if chairman == "" {
		chairman = s.gatherModel
	}
	in := council.RunInput{
		History:       chat.CloneHistory(s.history),
		Answers:       answers,
		ChairmanModel: chairman,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.councilCancel = cancel
	s.councilResult = nil
	s.councilErr = ""
	s.mu.Unlock()

	go func() {
		defer cancel()
		res, err := s.orch.Run(ctx, in)

		s.mu.Lock()
		s.councilCancel = nil
		s.councilResult = res
		if err != nil && !errors.Is(err, context.Canceled) {
			s.councilErr = err.Error()
		}
		s.mu.Unlock()
	}()
	return nil
}

// StopCouncil cancels a running council. Completed phases keep their
// partial results.
func (s *Session) StopCouncil() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.councilCancel == nil {
		return ErrNoCouncil
	}
	s.councilCancel()
	return nil
}

// TerminateKeepingSettings stops all in-flight work and closes the
// session, preserving model and factory selections for the next open.
// The current ray models are persisted as the next session's defaults.
func (s *Session) TerminateKeepingSettings() {
	var models []string
	for _, ray := range s.scatter.Snapshot().Rays {
		if ray.ModelID != "" {
			models = append(models, ray.ModelID)
		}
	}

	s.mu.Lock()
	current := s.currentFusion
	s.mu.Unlock()
	var keptFactory fuse.FactoryID
	if f, ok := s.fuse.Fusion(current); ok {
		keptFactory = f.FactoryID
	}

	s.stopEverything()

	s.mu.Lock()
	s.id = ""
	s.history = nil
	s.inputReady = false
	s.inputIssues = nil
	s.currentFusion = ""
	s.keptFactory = keptFactory
	s.onSuccess = nil
	s.successOnce = nil
	s.mu.Unlock()

	if s.prefs != nil && len(models) > 0 {
		if err := s.prefs.SetLastModels(models); err != nil {
			s.logger.Warn("failed to persist model selection", zap.Error(err))
		}
	}
	s.logger.Info("session terminated")
}

// State returns a copy-on-write view of the whole session.
func (s *Session) State() State {
	s.mu.Lock()
	st := State{
		SessionID:     s.id,
		InputReady:    s.inputReady,
		InputIssues:   s.inputIssues,
		GatherModel:   s.gatherModel,
		CurrentFusion: s.currentFusion,
		Council: CouncilState{
			Running:  s.councilCancel != nil,
			Progress: s.councilProgress,
			Result:   s.councilResult,
			Error:    s.councilErr,
		},
	}
	s.mu.Unlock()

	st.Scatter = s.scatter.Snapshot()
	st.Fusions = s.fuse.Fusions()
	return st
}

func (s *Session) fireSuccess(text, modelID string) error {
	s.mu.Lock()
	once := s.successOnce
	cb := s.onSuccess
	s.mu.Unlock()
	if once == nil || cb == nil {
		return ErrNotOpen
	}
	once.Do(func() {
		cb(text, modelID)
	})
	return nil
}

func (s *Session) stopEverything() {
	s.scatter.StopAll()
	s.fuse.StopAll()
	s.mu.Lock()
	if s.councilCancel != nil {
		s.councilCancel()
	}
	s.mu.Unlock()
}
