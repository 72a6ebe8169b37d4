package scatter

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/beamd/internal/chat"
	"github.com/fyrsmithlabs/beamd/pkg/genai"
)

// PublishFunc receives a fresh snapshot after every engine mutation. It is
// called outside the engine lock and must not block for long.
type PublishFunc func(Snapshot)

// rayState pairs a ray with its revoke capability. The cancel func is
// non-nil iff the ray is scattering; only the engine may call it.
type rayState struct {
	ray    Ray
	cancel context.CancelFunc
}

// Engine owns the ray array. All state lives behind one mutex; each
// running ray is a single goroutine holding its own cancellable context
// and its own streaming subscription, so rays never block one another.
type Engine struct {
	mu      sync.Mutex
	client  genai.Client
	logger  *zap.Logger
	metrics *Metrics
	publish PublishFunc
	history []chat.Message
	rays    []*rayState
}

// NewEngine creates a ray engine. publish may be nil.
func NewEngine(client genai.Client, logger *zap.Logger, publish PublishFunc) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		client:  client,
		logger:  logger.Named("scatter"),
		metrics: NewMetrics(),
		publish: publish,
	}
}

// SetHistory replaces the input conversation snapshot used by every ray.
func (e *Engine) SetHistory(history []chat.Message) {
	e.mu.Lock()
	e.history = chat.CloneHistory(history)
	e.mu.Unlock()
	e.publishSnapshot()
}

// SetRayCount grows or shrinks the ray array to exactly n slots. New rays
// inherit the last ray's model id; removed rays are force-stopped first.
// A no-op when n equals the current count or is negative.
func (e *Engine) SetRayCount(n int) {
	if n < 0 {
		return
	}
	e.mu.Lock()
	if n == len(e.rays) {
		e.mu.Unlock()
		return
	}
	if n > len(e.rays) {
		inherited := ""
		if len(e.rays) > 0 {
			inherited = e.rays[len(e.rays)-1].ray.ModelID
		}
		for len(e.rays) < n {
			e.rays = append(e.rays, &rayState{ray: newRay(inherited)})
		}
	} else {
		for _, rs := range e.rays[n:] {
			if rs.cancel != nil {
				rs.cancel()
			}
		}
		e.rays = e.rays[:n]
	}
	e.mu.Unlock()
	e.publishSnapshot()
}

// StartRay begins streaming for one ray. Starting an already-scattering
// ray is an idempotent no-op; imported rays already carry content and are
// never restarted. A missing model or invalid history records an issue on
// the ray without transitioning it.
func (e *Engine) StartRay(id string) error {
	e.mu.Lock()
	rs := e.find(id)
	if rs == nil {
		e.mu.Unlock()
		return ErrRayNotFound
	}
	if rs.cancel != nil {
		e.mu.Unlock()
		return nil
	}
	if rs.ray.Imported {
		e.mu.Unlock()
		return nil
	}
	if rs.ray.ModelID == "" {
		rs.ray.Issue = "no model selected"
		e.mu.Unlock()
		e.publishSnapshot()
		return ErrNoModel
	}
	if err := chat.ValidateHistory(e.history); err != nil {
		rs.ray.Issue = err.Error()
		e.mu.Unlock()
		e.publishSnapshot()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.ray.Status = StatusScattering
	rs.ray.Issue = ""
	rs.ray.Message = chat.NewMessage(chat.RoleAssistant, rs.ray.ModelID)

	modelID := rs.ray.ModelID
	messages := historyToGenai(e.history)
	e.mu.Unlock()

	e.metrics.RecordRayStarted()
	e.logger.Debug("ray started", zap.String("ray_id", id), zap.String("model", modelID))
	e.publishSnapshot()

	go e.stream(ctx, cancel, rs, modelID, messages)
	return nil
}

// ToggleRay stops a scattering ray or starts an idle one.
func (e *Engine) ToggleRay(id string) error {
	e.mu.Lock()
	rs := e.find(id)
	if rs == nil {
		e.mu.Unlock()
		return ErrRayNotFound
	}
	running := rs.cancel != nil
	e.mu.Unlock()

	if running {
		return e.StopRay(id)
	}
	return e.StartRay(id)
}

// StopRay signals the ray's cancellation. Stopping an idle or terminal ray
// is a harmless no-op.
func (e *Engine) StopRay(id string) error {
	e.mu.Lock()
	rs := e.find(id)
	if rs == nil {
		e.mu.Unlock()
		return ErrRayNotFound
	}
	if rs.cancel != nil {
		rs.cancel()
	}
	e.mu.Unlock()
	return nil
}

// StopAll signals cancellation on every scattering ray.
func (e *Engine) StopAll() {
	e.mu.Lock()
	for _, rs := range e.rays {
		if rs.cancel != nil {
			rs.cancel()
		}
	}
	e.mu.Unlock()
}

// SetRayModel binds a ray to a model. Rejected while the ray is streaming.
func (e *Engine) SetRayModel(id, modelID string) error {
	e.mu.Lock()
	rs := e.find(id)
	if rs == nil {
		e.mu.Unlock()
		return ErrRayNotFound
	}
	if rs.cancel != nil {
		e.mu.Unlock()
		return ErrRayBusy
	}
	rs.ray.ModelID = modelID
	e.mu.Unlock()
	e.publishSnapshot()
	return nil
}

// SetAllModels assigns models to idle rays round-robin.
func (e *Engine) SetAllModels(models []string) {
	if len(models) == 0 {
		return
	}
	e.mu.Lock()
	for i, rs := range e.rays {
		if rs.cancel == nil {
			rs.ray.ModelID = models[i%len(models)]
		}
	}
	e.mu.Unlock()
	e.publishSnapshot()
}

// ToggleSelected flips the UI-only selection flag on a ray.
func (e *Engine) ToggleSelected(id string) error {
	e.mu.Lock()
	rs := e.find(id)
	if rs == nil {
		e.mu.Unlock()
		return ErrRayNotFound
	}
	rs.ray.UserSelected = !rs.ray.UserSelected
	e.mu.Unlock()
	e.publishSnapshot()
	return nil
}

// ImportMessage pre-seeds a ray with content from a prior conversation
// turn. The first empty ray is reused; when none exists the array grows by
// one slot. Imported rays are terminal immediately and never restarted.
func (e *Engine) ImportMessage(modelID, text string) string {
	e.mu.Lock()
	var rs *rayState
	for _, candidate := range e.rays {
		if candidate.ray.Status == StatusEmpty && candidate.cancel == nil {
			rs = candidate
			break
		}
	}
	if rs == nil {
		rs = &rayState{ray: newRay(modelID)}
		e.rays = append(e.rays, rs)
	}
	msg := chat.NewMessage(chat.RoleAssistant, modelID)
	msg.SetText(text, false)
	rs.ray.ModelID = modelID
	rs.ray.Message = msg
	rs.ray.Imported = true
	rs.ray.Status = StatusSuccess
	id := rs.ray.ID
	e.mu.Unlock()
	e.publishSnapshot()
	return id
}

// Ray returns a snapshot of one ray.
func (e *Engine) Ray(id string) (Ray, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rs := e.find(id); rs != nil {
		return rs.ray, true
	}
	return Ray{}, false
}

// Snapshot returns a copy-on-write view of the whole engine.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// ReadyMessages returns copies of every ray message with content, in ray
// order. These are the gather inputs.
func (e *Engine) ReadyMessages() []chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []chat.Message
	for _, rs := range e.rays {
		if rs.ray.HasContent() {
			out = append(out, rs.ray.Message)
		}
	}
	return out
}

// IsScattering reports whether any ray is currently streaming.
func (e *Engine) IsScattering() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rs := range e.rays {
		if rs.ray.Status == StatusScattering {
			return true
		}
	}
	return false
}

// stream runs one ray's generation call to completion and derives the
// terminal status from the stream outcome.
func (e *Engine) stream(ctx context.Context, cancel context.CancelFunc, rs *rayState, modelID string, messages []genai.Message) {
	defer cancel()

	res, err := e.client.Generate(ctx, modelID, messages, func(d genai.Delta) {
		e.mu.Lock()
		rs.ray.Message.SetText(d.Text, d.Typing)
		e.mu.Unlock()
		e.metrics.RecordDelta()
		e.publishSnapshot()
	})
	if res == nil {
		res = genai.ResultFromError(ctx, err)
	}

	e.mu.Lock()
	rs.cancel = nil
	rs.ray.Message.Typing = false
	switch res.Outcome {
	case genai.OutcomeSuccess:
		rs.ray.Status = StatusSuccess
	case genai.OutcomeAborted:
		rs.ray.Status = StatusStopped
	default:
		rs.ray.Status = StatusError
		rs.ray.Issue = res.ErrorMessage
	}
	status := rs.ray.Status
	id := rs.ray.ID
	e.mu.Unlock()

	e.metrics.RecordRayFinished(string(status))
	e.logger.Debug("ray finished",
		zap.String("ray_id", id),
		zap.String("status", string(status)))
	e.publishSnapshot()
}

// find returns the ray state for an id. Caller must hold e.mu.
func (e *Engine) find(id string) *rayState {
	for _, rs := range e.rays {
		if rs.ray.ID == id {
			return rs
		}
	}
	return nil
}

// snapshotLocked builds a snapshot. Caller must hold e.mu.
func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{Rays: make([]Ray, len(e.rays))}
	for i, rs := range e.rays {
		snap.Rays[i] = rs.ray
		if rs.ray.Status == StatusScattering {
			snap.IsScattering = true
		}
		if rs.ray.HasContent() {
			snap.RaysReady++
		}
	}
	return snap
}

func (e *Engine) publishSnapshot() {
	if e.publish == nil {
		return
	}
	e.mu.Lock()
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.publish(snap)
}

// historyToGenai converts chat history into generation input.
func historyToGenai(history []chat.Message) []genai.Message {
	out := make([]genai.Message, 0, len(history))
	for _, m := range history {
		out = append(out, genai.Message{Role: string(m.Role), Content: m.Text})
	}
	return out
}
