package scatter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/beamd/internal/chat"
	"github.com/fyrsmithlabs/beamd/pkg/genai"
)

// fakeClient is a controllable generation client for engine tests.
type fakeClient struct {
	mu       sync.Mutex
	calls    int
	generate func(ctx context.Context, modelID string, messages []genai.Message, onDelta genai.DeltaFunc) (*genai.Result, error)
}

func (f *fakeClient) Generate(ctx context.Context, modelID string, messages []genai.Message, onDelta genai.DeltaFunc) (*genai.Result, error) {
	f.mu.Lock()
	f.calls++
	fn := f.generate
	f.mu.Unlock()
	if fn == nil {
		return &genai.Result{Outcome: genai.OutcomeSuccess}, nil
	}
	return fn(ctx, modelID, messages, onDelta)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func validHistory() []chat.Message {
	msg := chat.NewMessage(chat.RoleUser, "")
	msg.Text = "What is the airspeed velocity of an unladen swallow?"
	return []chat.Message{msg}
}

// blockingClient returns a client that signals on started and blocks until
// its context is revoked, then settles as aborted.
func blockingClient(started chan<- context.Context) *fakeClient {
	return &fakeClient{
		generate: func(ctx context.Context, _ string, _ []genai.Message, _ genai.DeltaFunc) (*genai.Result, error) {
			started <- ctx
			<-ctx.Done()
			return &genai.Result{Outcome: genai.OutcomeAborted}, nil
		},
	}
}

func waitForStatus(t *testing.T, e *Engine, id string, want Status) Ray {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ray, ok := e.Ray(id); ok && ray.Status == want {
			return ray
		}
		time.Sleep(2 * time.Millisecond)
	}
	ray, _ := e.Ray(id)
	t.Fatalf("ray %s never reached status %s (last: %s)", id, want, ray.Status)
	return Ray{}
}

func TestEngine_SetRayCount_ExactSize(t *testing.T) {
	e := NewEngine(&fakeClient{}, nil, nil)

	e.SetRayCount(3)
	assert.Len(t, e.Snapshot().Rays, 3)

	e.SetRayCount(3) // no-op
	assert.Len(t, e.Snapshot().Rays, 3)

	e.SetRayCount(1)
	assert.Len(t, e.Snapshot().Rays, 1)
}

func TestEngine_SetRayCount_GrowInheritsLastModel(t *testing.T) {
	e := NewEngine(&fakeClient{}, nil, nil)
	e.SetRayCount(1)
	id := e.Snapshot().Rays[0].ID
	require.NoError(t, e.SetRayModel(id, "model-a"))

	e.SetRayCount(3)

	rays := e.Snapshot().Rays
	assert.Equal(t, "model-a", rays[1].ModelID)
	assert.Equal(t, "model-a", rays[2].ModelID)
}

func TestEngine_SetRayCount_ShrinkForceStops(t *testing.T) {
	started := make(chan context.Context, 1)
	e := NewEngine(blockingClient(started), nil, nil)
	e.SetHistory(validHistory())
	e.SetRayCount(2)
	e.SetAllModels([]string{"m"})
	rays := e.Snapshot().Rays

	require.NoError(t, e.StartRay(rays[1].ID))
	streamCtx := <-started

	e.SetRayCount(1)

	assert.Len(t, e.Snapshot().Rays, 1)
	select {
	case <-streamCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("removed ray's cancellation was not revoked")
	}
}

func TestEngine_StartRay_Idempotent(t *testing.T) {
	started := make(chan context.Context, 2)
	client := blockingClient(started)
	e := NewEngine(client, nil, nil)
	e.SetHistory(validHistory())
	e.SetRayCount(1)
	e.SetAllModels([]string{"m"})
	id := e.Snapshot().Rays[0].ID

	require.NoError(t, e.StartRay(id))
	<-started
	require.NoError(t, e.StartRay(id), "second start must be a no-op")

	assert.Equal(t, 1, client.callCount(), "no duplicate stream subscription")
	require.NoError(t, e.StopRay(id))
	waitForStatus(t, e, id, StatusStopped)
}

func TestEngine_StartRay_NoModelRecordsIssue(t *testing.T) {
	client := &fakeClient{}
	e := NewEngine(client, nil, nil)
	e.SetHistory(validHistory())
	e.SetRayCount(1)
	id := e.Snapshot().Rays[0].ID

	err := e.StartRay(id)

	assert.ErrorIs(t, err, ErrNoModel)
	ray, _ := e.Ray(id)
	assert.Equal(t, StatusEmpty, ray.Status)
	assert.Equal(t, "no model selected", ray.Issue)
	assert.Equal(t, 0, client.callCount(), "no generation call on validation failure")
}

func TestEngine_StartRay_InvalidHistoryRecordsIssue(t *testing.T) {
	client := &fakeClient{}
	e := NewEngine(client, nil, nil)
	e.SetRayCount(1)
	id := e.Snapshot().Rays[0].ID
	require.NoError(t, e.SetRayModel(id, "m"))

	err := e.StartRay(id)

	assert.ErrorIs(t, err, chat.ErrEmptyHistory)
	ray, _ := e.Ray(id)
	assert.Equal(t, StatusEmpty, ray.Status)
	assert.NotEmpty(t, ray.Issue)
	assert.Equal(t, 0, client.callCount())
}

func TestEngine_StopRay_NoOpOnIdle(t *testing.T) {
	e := NewEngine(&fakeClient{}, nil, nil)
	e.SetRayCount(1)
	id := e.Snapshot().Rays[0].ID

	require.NoError(t, e.StopRay(id))

	ray, _ := e.Ray(id)
	assert.Equal(t, StatusEmpty, ray.Status)
}

func TestEngine_Stream_DeltasAndSuccess(t *testing.T) {
	client := &fakeClient{
		generate: func(_ context.Context, _ string, _ []genai.Message, onDelta genai.DeltaFunc) (*genai.Result, error) {
			onDelta(genai.Delta{Text: "par", Typing: true})
			onDelta(genai.Delta{Text: "", Typing: true}) // typing tick
			onDelta(genai.Delta{Text: "partial answer"})
			return &genai.Result{Outcome: genai.OutcomeSuccess}, nil
		},
	}
	e := NewEngine(client, nil, nil)
	e.SetHistory(validHistory())
	e.SetRayCount(1)
	e.SetAllModels([]string{"m"})
	id := e.Snapshot().Rays[0].ID

	require.NoError(t, e.StartRay(id))

	ray := waitForStatus(t, e, id, StatusSuccess)
	assert.Equal(t, "partial answer", ray.Message.Text)
	assert.False(t, ray.Message.Typing)
	assert.Equal(t, 1, e.Snapshot().RaysReady)
}

func TestEngine_Stream_ErrorOutcome(t *testing.T) {
	client := &fakeClient{
		generate: func(_ context.Context, _ string, _ []genai.Message, onDelta genai.DeltaFunc) (*genai.Result, error) {
			onDelta(genai.Delta{Text: "partial"})
			return &genai.Result{Outcome: genai.OutcomeErrored, ErrorMessage: "upstream exploded"}, nil
		},
	}
	e := NewEngine(client, nil, nil)
	e.SetHistory(validHistory())
	e.SetRayCount(1)
	e.SetAllModels([]string{"m"})
	id := e.Snapshot().Rays[0].ID

	require.NoError(t, e.StartRay(id))

	ray := waitForStatus(t, e, id, StatusError)
	assert.Equal(t, "upstream exploded", ray.Issue)
	assert.Equal(t, "partial", ray.Message.Text, "partial output preserved")
}

func TestEngine_Stream_AbortedIsStoppedNotError(t *testing.T) {
	started := make(chan context.Context, 1)
	e := NewEngine(blockingClient(started), nil, nil)
	e.SetHistory(validHistory())
	e.SetRayCount(1)
	e.SetAllModels([]string{"m"})
	id := e.Snapshot().Rays[0].ID

	require.NoError(t, e.StartRay(id))
	<-started
	require.NoError(t, e.StopRay(id))

	ray := waitForStatus(t, e, id, StatusStopped)
	assert.Empty(t, ray.Issue)
}

func TestEngine_Retry_FromTerminalState(t *testing.T) {
	client := &fakeClient{
		generate: func(_ context.Context, _ string, _ []genai.Message, onDelta genai.DeltaFunc) (*genai.Result, error) {
			onDelta(genai.Delta{Text: "answer"})
			return &genai.Result{Outcome: genai.OutcomeSuccess}, nil
		},
	}
	e := NewEngine(client, nil, nil)
	e.SetHistory(validHistory())
	e.SetRayCount(1)
	e.SetAllModels([]string{"m"})
	id := e.Snapshot().Rays[0].ID

	require.NoError(t, e.StartRay(id))
	waitForStatus(t, e, id, StatusSuccess)

	require.NoError(t, e.StartRay(id))
	waitForStatus(t, e, id, StatusSuccess)
	assert.Equal(t, 2, client.callCount())
}

func TestEngine_ImportMessage(t *testing.T) {
	client := &fakeClient{}
	e := NewEngine(client, nil, nil)
	e.SetRayCount(1)

	id := e.ImportMessage("old-model", "an answer from a prior turn")

	ray, ok := e.Ray(id)
	require.True(t, ok)
	assert.True(t, ray.Imported)
	assert.Equal(t, StatusSuccess, ray.Status)
	assert.Equal(t, "an answer from a prior turn", ray.Message.Text)

	// Imported rays are never restarted.
	require.NoError(t, e.StartRay(id))
	assert.Equal(t, 0, client.callCount())
}

func TestEngine_ImportMessage_GrowsWhenNoEmptySlot(t *testing.T) {
	e := NewEngine(&fakeClient{}, nil, nil)
	e.SetRayCount(1)
	e.ImportMessage("m", "first")

	e.ImportMessage("m", "second")

	assert.Len(t, e.Snapshot().Rays, 2)
}

func TestEngine_ReadyMessages(t *testing.T) {
	e := NewEngine(&fakeClient{}, nil, nil)
	e.SetRayCount(3)
	e.ImportMessage("a", "answer one")
	e.ImportMessage("b", "answer two")

	msgs := e.ReadyMessages()

	require.Len(t, msgs, 2)
	assert.Equal(t, "answer one", msgs[0].Text)
	assert.Equal(t, "answer two", msgs[1].Text)
	assert.Equal(t, 2, e.Snapshot().RaysReady)
}

func TestEngine_ToggleSelected(t *testing.T) {
	e := NewEngine(&fakeClient{}, nil, nil)
	e.SetRayCount(1)
	id := e.Snapshot().Rays[0].ID

	require.NoError(t, e.ToggleSelected(id))
	ray, _ := e.Ray(id)
	assert.True(t, ray.UserSelected)

	require.NoError(t, e.ToggleSelected(id))
	ray, _ = e.Ray(id)
	assert.False(t, ray.UserSelected)
}

func TestEngine_StopAll(t *testing.T) {
	started := make(chan context.Context, 2)
	e := NewEngine(blockingClient(started), nil, nil)
	e.SetHistory(validHistory())
	e.SetRayCount(2)
	e.SetAllModels([]string{"m"})
	rays := e.Snapshot().Rays

	require.NoError(t, e.StartRay(rays[0].ID))
	require.NoError(t, e.StartRay(rays[1].ID))
	<-started
	<-started
	assert.True(t, e.IsScattering())

	e.StopAll()

	waitForStatus(t, e, rays[0].ID, StatusStopped)
	waitForStatus(t, e, rays[1].ID, StatusStopped)
	assert.False(t, e.IsScattering())
}

func TestEngine_SetRayModel_RejectedWhileScattering(t *testing.T) {
	started := make(chan context.Context, 1)
	e := NewEngine(blockingClient(started), nil, nil)
	e.SetHistory(validHistory())
	e.SetRayCount(1)
	e.SetAllModels([]string{"m"})
	id := e.Snapshot().Rays[0].ID

	require.NoError(t, e.StartRay(id))
	<-started

	assert.ErrorIs(t, e.SetRayModel(id, "other"), ErrRayBusy)

	require.NoError(t, e.StopRay(id))
	waitForStatus(t, e, id, StatusStopped)
}

func TestEngine_UnknownRay(t *testing.T) {
	e := NewEngine(&fakeClient{}, nil, nil)

	assert.ErrorIs(t, e.StartRay("nope"), ErrRayNotFound)
	assert.ErrorIs(t, e.StopRay("nope"), ErrRayNotFound)
	assert.ErrorIs(t, e.ToggleRay("nope"), ErrRayNotFound)
}
