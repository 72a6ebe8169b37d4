package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/beamd/internal/chat"
	"github.com/fyrsmithlabs/beamd/internal/council"
	"github.com/fyrsmithlabs/beamd/internal/fuse"
	"github.com/fyrsmithlabs/beamd/internal/prefs"
	"github.com/fyrsmithlabs/beamd/pkg/genai"
)

// fakeClient answers every call with a fixed text, or via generate when set.
type fakeClient struct {
	mu       sync.Mutex
	calls    int
	text     string
	generate func(ctx context.Context, modelID string, messages []genai.Message, onDelta genai.DeltaFunc) (*genai.Result, error)
}

func (f *fakeClient) Generate(ctx context.Context, modelID string, messages []genai.Message, onDelta genai.DeltaFunc) (*genai.Result, error) {
	f.mu.Lock()
	f.calls++
	fn := f.generate
	text := f.text
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, modelID, messages, onDelta)
	}
	if text == "" {
		text = "an answer"
	}
	onDelta(genai.Delta{Text: text, Typing: false})
	return &genai.Result{Outcome: genai.OutcomeSuccess}, nil
}

func testOptions() Options {
	return Options{
		Models:   []string{"model-a", "model-b"},
		RayCount: 2,
	}
}

func validHistory() []chat.Message {
	msg := chat.NewMessage(chat.RoleUser, "")
	msg.Text = "Which database should I use?"
	return []chat.Message{msg}
}

func openSession(t *testing.T, s *Session) (accepted *[2]string, count *int) {
	t.Helper()
	var got [2]string
	calls := 0
	err := s.Open(validHistory(), "", func(text, modelID string) {
		got[0], got[1] = text, modelID
		calls++
	})
	require.NoError(t, err)
	return &got, &calls
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSession_Open_SeedsEngines(t *testing.T) {
	s := New(&fakeClient{}, testOptions(), nil, nil)
	openSession(t, s)

	st := s.State()
	assert.NotEmpty(t, st.SessionID)
	assert.True(t, st.InputReady)
	assert.Empty(t, st.InputIssues)
	assert.Equal(t, "model-a", st.GatherModel)

	require.Len(t, st.Scatter.Rays, 2)
	assert.Equal(t, "model-a", st.Scatter.Rays[0].ModelID)
	assert.Equal(t, "model-b", st.Scatter.Rays[1].ModelID)

	// One fusion per catalog entry.
	assert.Len(t, st.Fusions, len(fuse.Factories()))
}

func TestSession_Open_RejectsInvalidHistory(t *testing.T) {
	s := New(&fakeClient{}, testOptions(), nil, nil)

	assistant := chat.NewMessage(chat.RoleAssistant, "model-a")
	assistant.Text = "hello"
	err := s.Open([]chat.Message{assistant}, "", nil)
	require.ErrorIs(t, err, chat.ErrNoTrailingUser)

	st := s.State()
	assert.False(t, st.InputReady)
	assert.NotEmpty(t, st.InputIssues)
}

func TestSession_Open_GatherModelOverride(t *testing.T) {
	s := New(&fakeClient{}, testOptions(), nil, nil)
	err := s.Open(validHistory(), "model-b", nil)
	require.NoError(t, err)
	assert.Equal(t, "model-b", s.State().GatherModel)
}

func TestSession_Open_UsesPersistedModels(t *testing.T) {
	store, err := prefs.NewStore(t.TempDir() + "/prefs.json")
	require.NoError(t, err)
	require.NoError(t, store.SetLastModels([]string{"model-z"}))

	s := New(&fakeClient{}, testOptions(), store, nil)
	require.NoError(t, s.Open(validHistory(), "", nil))

	st := s.State()
	assert.Equal(t, "model-z", st.Scatter.Rays[0].ModelID)
	assert.Equal(t, "model-z", st.GatherModel)
}

func TestSession_AcceptRay_FiresOnceOnly(t *testing.T) {
	client := &fakeClient{text: "Use Postgres."}
	s := New(client, testOptions(), nil, nil)
	got, calls := openSession(t, s)

	rayID := s.State().Scatter.Rays[0].ID
	require.NoError(t, s.Scatter().StartRay(rayID))
	waitFor(t, func() bool {
		ray, _ := s.Scatter().Ray(rayID)
		return ray.HasContent()
	}, "ray content")

	require.NoError(t, s.AcceptRay(rayID))
	assert.Equal(t, "Use Postgres.", got[0])
	assert.Equal(t, "model-a", got[1])

	// The second accept is swallowed by the once guard.
	require.NoError(t, s.AcceptRay(rayID))
	assert.Equal(t, 1, *calls)
}

func TestSession_AcceptRay_NoContent(t *testing.T) {
	s := New(&fakeClient{}, testOptions(), nil, nil)
	openSession(t, s)

	rayID := s.State().Scatter.Rays[0].ID
	require.ErrorIs(t, s.AcceptRay(rayID), ErrNoContent)
}

func TestSession_StartFusion_AndAccept(t *testing.T) {
	client := &fakeClient{text: "merged answer"}
	s := New(client, testOptions(), nil, nil)
	got, _ := openSession(t, s)

	// Seed two ray answers without streaming.
	s.Scatter().ImportMessage("model-a", "Use Postgres.")
	s.Scatter().ImportMessage("model-b", "Use SQLite.")

	fusionID := s.State().Fusions[0].ID
	require.NoError(t, s.StartFusion(fusionID))
	waitFor(t, func() bool {
		f, _ := s.Fuse().Fusion(fusionID)
		return f.Stage == fuse.StageSuccess
	}, "fusion success")

	require.NoError(t, s.AcceptFusion(fusionID))
	assert.Equal(t, "merged answer", got[0])
}

func TestSession_StartFusion_NotOpen(t *testing.T) {
	s := New(&fakeClient{}, testOptions(), nil, nil)
	require.ErrorIs(t, s.StartFusion("any"), ErrNotOpen)
}

func TestSession_Council_FullRun(t *testing.T) {
	client := &fakeClient{text: "FINAL RANKING:\n1. Response A\n2. Response B"}
	s := New(client, testOptions(), nil, nil)
	openSession(t, s)

	s.Scatter().ImportMessage("model-a", "Use Postgres.")
	s.Scatter().ImportMessage("model-b", "Use SQLite.")

	require.NoError(t, s.StartCouncil())
	require.ErrorIs(t, s.StartCouncil(), ErrCouncilRunning)

	waitFor(t, func() bool {
		st := s.State()
		return !st.Council.Running && st.Council.Result != nil
	}, "council completion")

	st := s.State()
	assert.Empty(t, st.Council.Error)
	assert.Len(t, st.Council.Result.Rankings, 2)
	assert.NotEmpty(t, st.Council.Result.Final.Text)

	require.NoError(t, s.AcceptCouncil())
}

func TestSession_Council_NeedsTwoAnswers(t *testing.T) {
	s := New(&fakeClient{}, testOptions(), nil, nil)
	openSession(t, s)

	s.Scatter().ImportMessage("model-a", "only one answer")
	require.ErrorIs(t, s.StartCouncil(), council.ErrTooFewAnswers)
	require.ErrorIs(t, s.StopCouncil(), ErrNoCouncil)
}

func TestSession_Council_Stop(t *testing.T) {
	started := make(chan struct{})
	client := &fakeClient{
		generate: func(ctx context.Context, _ string, _ []genai.Message, _ genai.DeltaFunc) (*genai.Result, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return &genai.Result{Outcome: genai.OutcomeAborted}, nil
		},
	}
	s := New(client, testOptions(), nil, nil)
	openSession(t, s)

	s.Scatter().ImportMessage("model-a", "a")
	s.Scatter().ImportMessage("model-b", "b")

	require.NoError(t, s.StartCouncil())
	<-started
	require.NoError(t, s.StopCouncil())

	waitFor(t, func() bool { return !s.State().Council.Running }, "council stop")
	// Cancellation is not surfaced as an error.
	assert.Empty(t, s.State().Council.Error)
}

func TestSession_TerminateKeepingSettings(t *testing.T) {
	store, err := prefs.NewStore(t.TempDir() + "/prefs.json")
	require.NoError(t, err)

	s := New(&fakeClient{}, testOptions(), store, nil)
	openSession(t, s)

	require.NoError(t, s.Scatter().SetRayModel(s.State().Scatter.Rays[0].ID, "model-c"))
	s.TerminateKeepingSettings()

	st := s.State()
	assert.Empty(t, st.SessionID)
	assert.False(t, st.InputReady)

	// The model selection survives into the store for the next open.
	assert.Equal(t, []string{"model-c", "model-b"}, store.LastModels())

	// Accepting after termination is rejected.
	require.ErrorIs(t, s.AcceptCouncil(), ErrNoContent)
}

func TestSession_CurrentFusion(t *testing.T) {
	s := New(&fakeClient{}, testOptions(), nil, nil)
	openSession(t, s)

	st := s.State()
	// The first catalog fusion is current by default.
	require.NotEmpty(t, st.CurrentFusion)
	assert.Equal(t, st.Fusions[0].ID, st.CurrentFusion)

	require.NoError(t, s.SelectFusion(st.Fusions[2].ID))
	assert.Equal(t, st.Fusions[2].ID, s.State().CurrentFusion)

	require.ErrorIs(t, s.SelectFusion("missing"), fuse.ErrFusionNotFound)
}

func TestSession_Terminate_KeepsFactorySelection(t *testing.T) {
	s := New(&fakeClient{}, testOptions(), nil, nil)
	openSession(t, s)

	var guidedID string
	for _, f := range s.State().Fusions {
		if f.FactoryID == fuse.FactoryGuided {
			guidedID = f.ID
		}
	}
	require.NoError(t, s.SelectFusion(guidedID))
	s.TerminateKeepingSettings()

	openSession(t, s)
	st := s.State()
	current, ok := s.Fuse().Fusion(st.CurrentFusion)
	require.True(t, ok)
	assert.Equal(t, fuse.FactoryGuided, current.FactoryID)
}

func TestSession_Reopen_ResetsState(t *testing.T) {
	client := &fakeClient{text: "answer"}
	s := New(client, testOptions(), nil, nil)
	openSession(t, s)

	s.Scatter().ImportMessage("model-a", "stale")
	first := s.State()
	require.Len(t, first.Scatter.Rays, 2)

	// A second open gets a fresh session id and fresh rays.
	openSession(t, s)
	second := s.State()
	assert.NotEqual(t, first.SessionID, second.SessionID)
	for _, ray := range second.Scatter.Rays {
		assert.False(t, ray.HasContent())
	}
}
