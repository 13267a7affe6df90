package swarm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/swarmd/internal/completion"
	"github.com/fyrsmithlabs/swarmd/internal/model"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

func newPipelineStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.New(store.Config{DSN: filepath.Join(t.TempDir(), "swarmd.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// seedTask persists a task and its full output matrix in phase pending.
func seedTask(t *testing.T, st store.Store, writers, editors, evaluators []string, maxEditCycles, finalistCount int) *model.Task {
	t.Helper()

	task := &model.Task{
		ID:             uuid.New().String(),
		ConversationID: "conv-1",
		UserID:         "user-1",
		OrgID:          "org-1",
		Topic:          "spring launch campaign",
		Writers:        writers,
		Editors:        editors,
		Evaluators:     evaluators,
		MaxEditCycles:  maxEditCycles,
		FinalistCount:  finalistCount,
		Phase:          model.PhasePending,
	}
	outputs, err := BuildMatrix(task)
	require.NoError(t, err)
	require.NoError(t, st.CreateTask(context.Background(), task))
	require.NoError(t, st.CreateOutputs(context.Background(), outputs))
	return task
}

func fastConfig() ProcessorConfig {
	return ProcessorConfig{
		Workers:         4,
		MaxRetries:      0,
		RetryBackoff:    time.Millisecond,
		ConflictRetries: 3,
	}
}

func TestProcessorCompletesFullPipeline(t *testing.T) {
	st := newPipelineStore(t)
	mock := completion.NewMockClient()
	mock.Respond("editor persona", "APPROVE\nReads well.")
	collector := NewCollectorEmitter()

	task := seedTask(t, st,
		[]string{"w1", "w2"}, []string{"e1", "e2"}, []string{"v1"}, 1, 2)

	p, err := NewProcessor(fastConfig(), st, mock, collector, nil)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background(), task.ID))

	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseCompleted, got.Phase)

	outputs, err := st.OutputsForTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 4)

	finalists := 0
	ranks := map[int]bool{}
	for _, out := range outputs {
		assert.Equal(t, model.StatusOutputCompleted, out.Status)
		assert.NotEmpty(t, out.Content)
		assert.False(t, ranks[out.InitialRank], "duplicate initial rank %d", out.InitialRank)
		ranks[out.InitialRank] = true
		assert.GreaterOrEqual(t, out.InitialRank, 1)
		assert.LessOrEqual(t, out.InitialRank, 4)
		if out.IsFinalist {
			finalists++
			assert.GreaterOrEqual(t, out.FinalRank, 1)
			assert.LessOrEqual(t, out.FinalRank, 2)
		} else {
			assert.Zero(t, out.FinalRank)
		}
	}
	assert.Equal(t, 2, finalists)

	// One initial evaluation per output plus one final per finalist.
	evals, err := st.EvaluationsForTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Len(t, evals, 6)
}

func TestProcessorRanksByEvaluatorScore(t *testing.T) {
	st := newPipelineStore(t)
	mock := completion.NewMockClient()
	mock.Respond(`writer persona "w1"`, "alpha copy")
	mock.Respond(`writer persona "w2"`, "beta copy")
	mock.Respond("editor persona", "APPROVE")
	mock.Respond("alpha copy", "SCORE: 9\nSharp and on-message.")
	mock.Respond("beta copy", "SCORE: 5\nServiceable but flat.")
	collector := NewCollectorEmitter()

	task := seedTask(t, st,
		[]string{"w1", "w2"}, []string{"e1"}, []string{"v1"}, 0, 1)

	p, err := NewProcessor(fastConfig(), st, mock, collector, nil)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background(), task.ID))

	outputs, err := st.OutputsForTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	byWriter := map[string]*model.Output{}
	for _, out := range outputs {
		byWriter[out.WriterID] = out
	}

	alpha, beta := byWriter["w1"], byWriter["w2"]
	require.NotNil(t, alpha)
	require.NotNil(t, beta)

	assert.InDelta(t, 9.0, alpha.InitialAvgScore, 0.001)
	assert.InDelta(t, 5.0, beta.InitialAvgScore, 0.001)
	assert.Equal(t, 1, alpha.InitialRank)
	assert.Equal(t, 2, beta.InitialRank)

	assert.True(t, alpha.IsFinalist)
	assert.False(t, beta.IsFinalist)
	assert.Equal(t, 1, alpha.FinalRank)
	assert.InDelta(t, 9.0, alpha.FinalTotalScore, 0.001)
	assert.Zero(t, beta.FinalRank)
	assert.Equal(t, model.StatusOutputCompleted, beta.Status)
}

func TestProcessorIsolatesOutputFailure(t *testing.T) {
	st := newPipelineStore(t)
	mock := completion.NewMockClient()
	// Three attempts per call budget; serialized workers make one w2 cell
	// absorb every injected failure.
	mock.FailTimes(`writer persona "w2"`, 3, "late draft")
	mock.Respond("editor persona", "APPROVE")
	collector := NewCollectorEmitter()

	task := seedTask(t, st,
		[]string{"w1", "w2"}, []string{"e1", "e2"}, []string{"v1"}, 0, 2)

	cfg := fastConfig()
	cfg.Workers = 1
	cfg.MaxRetries = 2

	p, err := NewProcessor(cfg, st, mock, collector, nil)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background(), task.ID))

	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseCompleted, got.Phase)

	outputs, err := st.OutputsForTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 4)

	var failed, completed, finalists int
	for _, out := range outputs {
		switch out.Status {
		case model.StatusOutputFailed:
			failed++
			assert.Equal(t, "w2", out.WriterID)
			assert.NotEmpty(t, out.FailureReason)
			assert.False(t, out.IsFinalist)
		case model.StatusOutputCompleted:
			completed++
		default:
			t.Fatalf("unexpected terminal status %s", out.Status)
		}
		if out.IsFinalist {
			finalists++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 3, completed)
	assert.Equal(t, 2, finalists)
}

func TestProcessorBoundsEditCycles(t *testing.T) {
	st := newPipelineStore(t)
	mock := completion.NewMockClient()
	mock.Respond("editor persona", "Needs more punch.")
	collector := NewCollectorEmitter()

	task := seedTask(t, st,
		[]string{"w1"}, []string{"e1"}, []string{"v1"}, 2, 1)

	p, err := NewProcessor(fastConfig(), st, mock, collector, nil)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background(), task.ID))

	out, err := st.OutputsForTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, out, 1)

	// The editor never approves; the cycle budget forces promotion.
	assert.Equal(t, 2, out[0].EditCycle)
	assert.Equal(t, "Needs more punch.", out[0].EditorFeedback)
	assert.Equal(t, model.StatusOutputCompleted, out[0].Status)
	assert.True(t, out[0].IsFinalist)
}

func TestProcessorStatusesAdvanceMonotonically(t *testing.T) {
	st := newPipelineStore(t)
	mock := completion.NewMockClient()
	mock.Respond("editor persona", "APPROVE")
	collector := NewCollectorEmitter()

	task := seedTask(t, st,
		[]string{"w1", "w2"}, []string{"e1"}, []string{"v1"}, 1, 1)

	p, err := NewProcessor(fastConfig(), st, mock, collector, nil)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background(), task.ID))

	lastRank := map[string]int{}
	for _, ev := range collector.ByType(EventOutputUpdated) {
		require.Len(t, ev.Outputs, 1)
		out := ev.Outputs[0]
		rank, ok := out.Status.Rank()
		require.True(t, ok, "status %s outside the stage ordering", out.Status)
		assert.GreaterOrEqual(t, rank, lastRank[out.ID],
			"output %s regressed to %s", out.ID, out.Status)
		lastRank[out.ID] = rank
	}
	assert.NotEmpty(t, lastRank)
}

func TestProcessorEmitsPhaseSequence(t *testing.T) {
	st := newPipelineStore(t)
	mock := completion.NewMockClient()
	mock.Respond("editor persona", "APPROVE")
	collector := NewCollectorEmitter()

	task := seedTask(t, st,
		[]string{"w1"}, []string{"e1"}, []string{"v1"}, 0, 1)

	p, err := NewProcessor(fastConfig(), st, mock, collector, nil)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background(), task.ID))

	var phases []model.Phase
	for _, ev := range collector.ByType(EventPhaseChanged) {
		require.NotNil(t, ev.Task)
		phases = append(phases, ev.Task.Phase)
	}
	assert.Equal(t, []model.Phase{
		model.PhaseWriting,
		model.PhaseEditing,
		model.PhaseEvaluating,
		model.PhaseSelecting,
		model.PhaseFinalEvaluating,
		model.PhaseRanking,
		model.PhaseCompleted,
	}, phases)
}

func TestProcessorCompletesDegradedWhenAllEvaluatorsFail(t *testing.T) {
	st := newPipelineStore(t)
	mock := completion.NewMockClient()
	mock.Respond("editor persona", "APPROVE")
	mock.FailAlways("evaluator persona")
	collector := NewCollectorEmitter()

	task := seedTask(t, st,
		[]string{"w1"}, []string{"e1"}, []string{"v1", "v2"}, 0, 1)

	p, err := NewProcessor(fastConfig(), st, mock, collector, nil)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background(), task.ID))

	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseCompleted, got.Phase)

	outputs, err := st.OutputsForTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, model.StatusOutputFailed, outputs[0].Status)
	assert.False(t, outputs[0].IsFinalist)
}

// cancellingClient cancels the run on its first completion call.
type cancellingClient struct {
	inner  completion.Client
	cancel context.CancelFunc
}

func (c *cancellingClient) Complete(ctx context.Context, systemPrompt, userPrompt string, capsule model.Capsule) (*completion.Result, error) {
	c.cancel()
	return c.inner.Complete(ctx, systemPrompt, userPrompt, capsule)
}

func TestProcessorCancelledRunFailsTask(t *testing.T) {
	st := newPipelineStore(t)
	collector := NewCollectorEmitter()

	task := seedTask(t, st,
		[]string{"w1"}, []string{"e1"}, []string{"v1"}, 0, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &cancellingClient{inner: completion.NewMockClient(), cancel: cancel}

	p, err := NewProcessor(fastConfig(), st, client, collector, nil)
	require.NoError(t, err)
	require.Error(t, p.Run(ctx, task.ID))

	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseFailed, got.Phase)
	assert.NotEmpty(t, got.FailureReason)
}
