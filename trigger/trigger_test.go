package trigger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/aqueduct/internal/profile"
	"github.com/hrygo/aqueduct/store"
	"github.com/hrygo/aqueduct/store/db/sqlite"
	"github.com/hrygo/aqueduct/task"
)

type fakeCreator struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeCreator) CreatePipeline(_ context.Context, workflowName string, _ *task.Context) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, workflowName)
	return uuid.New(), nil
}

func (f *fakeCreator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "engine.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// completePipeline runs one pipeline of the watched workflow to
// Completed with the given final context.
func completePipeline(t *testing.T, st *store.Store, workflowName string, finalContext map[string]any) {
	t.Helper()
	ctx := context.Background()

	p, err := st.CreatePipelineExecution(ctx, &store.CreatePipelineExecution{
		WorkflowName: workflowName, WorkflowVersion: "v1", TaskNames: []string{"t"},
	})
	require.NoError(t, err)

	c := task.NewContext()
	for k, v := range finalContext {
		require.NoError(t, c.Set(k, v))
	}
	data, err := c.ToJSON()
	require.NoError(t, err)
	contextID, err := st.CreateContext(ctx, data)
	require.NoError(t, err)

	require.NoError(t, st.MarkTasksReady(ctx, p.ID, []string{"t"}))
	claims, err := st.ClaimReadyTasks(ctx, 1, "w")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.NoError(t, st.CompleteTaskExecution(ctx, claims[0].TaskExecutionID, &contextID))
	require.NoError(t, st.CompletePipelineExecution(ctx, p.ID, &contextID))
}

func TestAddRuleRejectsBadExpressions(t *testing.T) {
	s, err := New(newTestStore(t), &fakeCreator{}, Config{})
	require.NoError(t, err)

	require.Error(t, s.AddRule(Rule{Name: "r", WorkflowName: "wf", Expression: `context[`}))
	require.Error(t, s.AddRule(Rule{Name: "", WorkflowName: "wf", Expression: `true`}))
	require.NoError(t, s.AddRule(Rule{Name: "r", WorkflowName: "wf", Expression: `"ready" in context`}))
}

func TestEvaluateFiresOnPredicate(t *testing.T) {
	st := newTestStore(t)
	creator := &fakeCreator{}
	s, err := New(st, creator, Config{})
	require.NoError(t, err)

	require.NoError(t, s.AddRule(Rule{
		Name:          "on_ready",
		WorkflowName:  "downstream",
		WatchWorkflow: "upstream",
		Expression:    `"ready" in context && context["ready"] == true`,
	}))

	// No committed state yet: predicate false, nothing fires.
	fired, err := s.Evaluate(context.Background())
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Zero(t, creator.count())

	completePipeline(t, st, "upstream", map[string]any{"ready": true})

	fired, err = s.Evaluate(context.Background())
	require.NoError(t, err)
	assert.True(t, fired)
	require.Equal(t, 1, creator.count())
	assert.Equal(t, "downstream", creator.started[0])
}

func TestEvaluateIsEdgeTriggered(t *testing.T) {
	st := newTestStore(t)
	creator := &fakeCreator{}
	s, err := New(st, creator, Config{})
	require.NoError(t, err)

	require.NoError(t, s.AddRule(Rule{
		Name:          "edge",
		WorkflowName:  "downstream",
		WatchWorkflow: "upstream",
		Expression:    `"ready" in context`,
	}))

	completePipeline(t, st, "upstream", map[string]any{"ready": true})

	fired, err := s.Evaluate(context.Background())
	require.NoError(t, err)
	assert.True(t, fired)

	// The predicate stays true, but the rule does not re-fire.
	fired, err = s.Evaluate(context.Background())
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Equal(t, 1, creator.count())
}

func TestEvaluateNonBooleanExpression(t *testing.T) {
	st := newTestStore(t)
	creator := &fakeCreator{}
	s, err := New(st, creator, Config{PollTimeout: time.Second})
	require.NoError(t, err)

	require.NoError(t, s.AddRule(Rule{
		Name:         "weird",
		WorkflowName: "downstream",
		Expression:   `1 + 1`,
	}))

	fired, err := s.Evaluate(context.Background())
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Zero(t, creator.count())
}
