package swarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/completion"
	"github.com/fyrsmithlabs/swarmd/internal/model"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/swarmd/internal/swarm"

// ProcessorConfig tunes the per-task pipeline.
type ProcessorConfig struct {
	// Workers bounds concurrent completion calls per task.
	Workers int

	// MaxRetries is the number of retries after the first failed
	// completion call for one stage action.
	MaxRetries int

	// RetryBackoff is the initial backoff between retries, doubled per
	// attempt.
	RetryBackoff time.Duration

	// ConflictRetries bounds immediate retries on a concurrent
	// modification conflict.
	ConflictRetries int
}

// DefaultProcessorConfig returns sensible defaults. Workers is sized to
// stay under typical provider rate limits for a single task.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Workers:         4,
		MaxRetries:      2,
		RetryBackoff:    500 * time.Millisecond,
		ConflictRetries: 3,
	}
}

// Processor drives every output of a task through the dual-track pipeline:
// draft, bounded edit cycles, initial evaluation, finalist selection, final
// evaluation, ranking. Outputs run concurrently under a per-task worker
// bound; the task-level phase advances only at stage-wide barriers.
//
// Output-level failures are recovered locally: the output is marked failed
// and the task proceeds with the surviving subset. Only store
// unavailability (or cancellation) fails the task itself.
type Processor struct {
	cfg     ProcessorConfig
	store   store.Store
	client  completion.Client
	emitter Emitter
	logger  *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	completionCalls   metric.Int64Counter
	completionRetries metric.Int64Counter
	outputFailures    metric.Int64Counter
}

// NewProcessor wires a processor over its collaborators.
func NewProcessor(cfg ProcessorConfig, st store.Store, client completion.Client, emitter Emitter, logger *zap.Logger) (*Processor, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if client == nil {
		return nil, errors.New("completion client is required")
	}
	if emitter == nil {
		emitter = NewCollectorEmitter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultProcessorConfig().Workers
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultProcessorConfig().RetryBackoff
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = DefaultProcessorConfig().ConflictRetries
	}

	p := &Processor{
		cfg:     cfg,
		store:   st,
		client:  client,
		emitter: emitter,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	p.initMetrics()
	return p, nil
}

func (p *Processor) initMetrics() {
	var err error

	p.completionCalls, err = p.meter.Int64Counter(
		"swarmd.completion.calls_total",
		metric.WithDescription("Total completion provider calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		p.logger.Warn("failed to create completion call counter", zap.Error(err))
	}

	p.completionRetries, err = p.meter.Int64Counter(
		"swarmd.completion.retries_total",
		metric.WithDescription("Total completion call retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		p.logger.Warn("failed to create retry counter", zap.Error(err))
	}

	p.outputFailures, err = p.meter.Int64Counter(
		"swarmd.outputs.failures_total",
		metric.WithDescription("Total outputs marked failed"),
		metric.WithUnit("{output}"),
	)
	if err != nil {
		p.logger.Warn("failed to create output failure counter", zap.Error(err))
	}
}

// Run drives one task to a terminal phase. It returns the error that
// failed the task, or nil when the task completed (possibly degraded).
func (p *Processor) Run(ctx context.Context, taskID string) error {
	ctx, span := p.tracer.Start(ctx, "swarm.run")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", taskID))

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("load task: %w", err)
	}

	log := p.logger.With(
		zap.String("task_id", task.ID),
		zap.String("org_id", task.OrgID),
	)

	if err := p.run(ctx, task, log); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.failTask(task, err, log)
		return err
	}

	log.Info("task completed", zap.String("phase", string(model.PhaseCompleted)))
	return nil
}

func (p *Processor) run(ctx context.Context, task *model.Task, log *zap.Logger) error {
	// Draft generation.
	task, err := p.advancePhase(ctx, task, model.PhaseWriting)
	if err != nil {
		return err
	}
	if err := p.forEach(ctx, task, model.StatusPendingWrite, p.writeStage, log); err != nil {
		return err
	}
	if err := p.barrier(ctx, task, model.StatusPendingEdit, log); err != nil {
		return err
	}

	// Edit cycles.
	task, err = p.advancePhase(ctx, task, model.PhaseEditing)
	if err != nil {
		return err
	}
	if err := p.forEach(ctx, task, model.StatusPendingEdit, p.editStage, log); err != nil {
		return err
	}
	if err := p.barrier(ctx, task, model.StatusPendingEval, log); err != nil {
		return err
	}

	// Initial evaluation and ranking over the full matrix.
	task, err = p.advancePhase(ctx, task, model.PhaseEvaluating)
	if err != nil {
		return err
	}
	if err := p.forEach(ctx, task, model.StatusPendingEval, p.initialEvalStage, log); err != nil {
		return err
	}
	if err := p.rankInitial(ctx, task, log); err != nil {
		return err
	}

	// Finalist selection.
	task, err = p.advancePhase(ctx, task, model.PhaseSelecting)
	if err != nil {
		return err
	}
	if err := p.selectFinalists(ctx, task, log); err != nil {
		return err
	}

	// Final evaluation over finalists only.
	task, err = p.advancePhase(ctx, task, model.PhaseFinalEvaluating)
	if err != nil {
		return err
	}
	if err := p.forEach(ctx, task, model.StatusFinalistPending, p.finalEvalStage, log); err != nil {
		return err
	}

	// Final ranking.
	task, err = p.advancePhase(ctx, task, model.PhaseRanking)
	if err != nil {
		return err
	}
	if err := p.rankFinal(ctx, task, log); err != nil {
		return err
	}

	_, err = p.advancePhase(ctx, task, model.PhaseCompleted)
	return err
}

// advancePhase moves the task forward one phase and emits phase_changed.
func (p *Processor) advancePhase(ctx context.Context, task *model.Task, next model.Phase) (*model.Task, error) {
	updated, err := p.store.AdvanceTaskPhase(ctx, task.ID, next, "")
	if err != nil {
		return nil, fmt.Errorf("advance phase to %s: %w", next, err)
	}
	p.emitter.Emit(ctx, Event{
		TaskID: updated.ID,
		OrgID:  updated.OrgID,
		Type:   EventPhaseChanged,
		Task:   updated,
	})
	return updated, nil
}

// failTask moves the task to failed and emits the terminal phase_changed.
// The last good partial state stays readable in the store.
func (p *Processor) failTask(task *model.Task, cause error, log *zap.Logger) {
	// The run context may already be cancelled; the terminal write gets
	// its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Error("task failed", zap.Error(cause))

	updated, err := p.store.AdvanceTaskPhase(ctx, task.ID, model.PhaseFailed, cause.Error())
	if err != nil {
		log.Error("failed to record task failure", zap.Error(err))
		return
	}
	p.emitter.Emit(ctx, Event{
		TaskID: updated.ID,
		OrgID:  updated.OrgID,
		Type:   EventPhaseChanged,
		Task:   updated,
	})
}

// stageFunc runs one pipeline stage for one output. The passed output is a
// fresh copy from the store.
type stageFunc func(ctx context.Context, task *model.Task, out *model.Output, log *zap.Logger) error

// forEach fans one stage out over every output currently at the given
// status, bounded by the per-task worker semaphore. Stage errors mark the
// output failed and the task continues; store unavailability aborts.
func (p *Processor) forEach(ctx context.Context, task *model.Task, status model.OutputStatus, stage stageFunc, log *zap.Logger) error {
	outputs, err := p.store.OutputsForTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("load outputs: %w", err)
	}

	semaphore := make(chan struct{}, p.cfg.Workers)
	fatal := make(chan error, len(outputs))
	var wg sync.WaitGroup

	for _, out := range outputs {
		if out.Status != status {
			continue
		}
		if ctx.Err() != nil {
			// Cancellation stops scheduling new stage work.
			break
		}

		wg.Add(1)
		go func(out *model.Output) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if ctx.Err() != nil {
				return
			}

			olog := log.With(
				zap.String("output_id", out.ID),
				zap.String("writer_id", out.WriterID),
				zap.String("editor_id", out.EditorID),
			)

			if err := stage(ctx, task, out, olog); err != nil {
				if errors.Is(err, store.ErrUnavailable) {
					fatal <- err
					return
				}
				if ctx.Err() != nil {
					return
				}
				p.markOutputFailed(ctx, task, out, err, olog)
			}
		}(out)
	}

	wg.Wait()
	close(fatal)
	if err := <-fatal; err != nil {
		return err
	}
	return ctx.Err()
}

// barrier checks that every output in the task has reached the given stage
// (or failed). Stage functions complete synchronously, so the barrier
// normally passes on the first check; it also derives the degraded state.
func (p *Processor) barrier(ctx context.Context, task *model.Task, stage model.OutputStatus, log *zap.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	reached, err := p.store.OutputsAtOrPast(ctx, task.ID, stage)
	if err != nil {
		return fmt.Errorf("barrier check: %w", err)
	}

	total := task.MatrixSize()
	if len(reached) < total {
		return fmt.Errorf("barrier at %s incomplete: %d of %d outputs", stage, len(reached), total)
	}

	surviving := 0
	for _, out := range reached {
		if out.Status != model.StatusOutputFailed {
			surviving++
		}
	}
	if surviving < total {
		log.Warn("degraded completion: proceeding with surviving subset",
			zap.String("stage", string(stage)),
			zap.Int("surviving", surviving),
			zap.Int("total", total))
	}
	return nil
}

// markOutputFailed records an output-level failure. Never escalated to the
// task.
func (p *Processor) markOutputFailed(ctx context.Context, task *model.Task, out *model.Output, cause error, log *zap.Logger) {
	log.Warn("output failed", zap.Error(cause))
	if p.outputFailures != nil {
		p.outputFailures.Add(ctx, 1)
	}

	updated, err := p.saveOutput(ctx, out.ID, func(o *model.Output) {
		o.Status = model.StatusOutputFailed
		o.FailureReason = cause.Error()
	})
	if err != nil {
		log.Error("failed to mark output failed", zap.Error(err))
		return
	}
	p.emitOutput(ctx, task, updated)
}

// saveOutput applies mutate to a fresh copy of the output and persists it,
// retrying immediately on a concurrent modification conflict.
func (p *Processor) saveOutput(ctx context.Context, outputID string, mutate func(*model.Output)) (*model.Output, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.ConflictRetries; attempt++ {
		current, err := p.store.GetOutput(ctx, outputID)
		if err != nil {
			return nil, err
		}
		mutate(current)
		if err := p.store.UpdateOutput(ctx, current); err != nil {
			if errors.Is(err, store.ErrConcurrentModification) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return current, nil
	}
	return nil, lastErr
}

func (p *Processor) emitOutput(ctx context.Context, task *model.Task, out *model.Output) {
	p.emitter.Emit(ctx, Event{
		TaskID:  task.ID,
		OrgID:   task.OrgID,
		Type:    EventOutputUpdated,
		Outputs: []*model.Output{out},
	})
}

// complete calls the provider with bounded retries and exponential backoff.
// New attempts stop on cancellation, but an in-flight call is never
// interrupted: it runs on a detached context under the client's own
// per-call timeout.
func (p *Processor) complete(ctx context.Context, task *model.Task, systemPrompt, userPrompt string) (*completion.Result, error) {
	callCtx := context.WithoutCancel(ctx)
	capsule := task.Capsule()

	backoff := p.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			if p.completionRetries != nil {
				p.completionRetries.Add(ctx, 1)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		if p.completionCalls != nil {
			p.completionCalls.Add(ctx, 1)
		}
		res, err := p.client.Complete(callCtx, systemPrompt, userPrompt, capsule)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// writeStage generates the first draft: pending_write -> pending_edit.
func (p *Processor) writeStage(ctx context.Context, task *model.Task, out *model.Output, log *zap.Logger) error {
	res, err := p.complete(ctx, task, writerSystemPrompt(out.WriterID), draftPrompt(task.Topic))
	if err != nil {
		return &StageError{Stage: "write", OutputID: out.ID, Err: err}
	}
	log.Debug("draft generated",
		zap.Int("prompt_tokens", res.Usage.PromptTokens),
		zap.Int("completion_tokens", res.Usage.CompletionTokens))

	updated, err := p.saveOutput(ctx, out.ID, func(o *model.Output) {
		o.Status = model.StatusPendingEdit
		o.Content = res.Text
	})
	if err != nil {
		return &StageError{Stage: "write", OutputID: out.ID, Err: err}
	}
	p.emitOutput(ctx, task, updated)
	return nil
}

// editStage runs the bounded editor/writer revision loop:
// pending_edit -> pending_edit (cycle++) | pending_eval.
func (p *Processor) editStage(ctx context.Context, task *model.Task, out *model.Output, log *zap.Logger) error {
	current, err := p.store.GetOutput(ctx, out.ID)
	if err != nil {
		return &StageError{Stage: "edit", OutputID: out.ID, Err: err}
	}

	for {
		res, err := p.complete(ctx, task, editorSystemPrompt(current.EditorID), reviewPrompt(task.Topic, current.Content))
		if err != nil {
			return &StageError{Stage: "edit", OutputID: out.ID, Err: err}
		}

		approved, feedback := parseReview(res.Text)
		if approved || current.EditCycle >= task.MaxEditCycles {
			updated, err := p.saveOutput(ctx, out.ID, func(o *model.Output) {
				o.Status = model.StatusPendingEval
				o.EditorFeedback = feedback
			})
			if err != nil {
				return &StageError{Stage: "edit", OutputID: out.ID, Err: err}
			}
			p.emitOutput(ctx, task, updated)
			return nil
		}

		// Revision requested and the cycle budget allows one more pass.
		revised, err := p.complete(ctx, task, writerSystemPrompt(current.WriterID), revisePrompt(task.Topic, current.Content, feedback))
		if err != nil {
			return &StageError{Stage: "edit", OutputID: out.ID, Err: err}
		}

		current, err = p.saveOutput(ctx, out.ID, func(o *model.Output) {
			o.Status = model.StatusPendingEdit
			o.Content = revised.Text
			o.EditorFeedback = feedback
			o.EditCycle++
		})
		if err != nil {
			return &StageError{Stage: "edit", OutputID: out.ID, Err: err}
		}
		p.emitOutput(ctx, task, current)
		log.Debug("revision cycle", zap.Int("edit_cycle", current.EditCycle))
	}
}

// runEvaluators scores one output with every configured evaluator at the
// given stage, writing one evaluation row per evaluator. Individual
// evaluator failures are tolerated as long as at least one score lands.
func (p *Processor) runEvaluators(ctx context.Context, task *model.Task, out *model.Output, stage model.EvalStage, log *zap.Logger) ([]float64, error) {
	scores := make([]float64, 0, len(task.Evaluators))
	for _, evaluatorID := range task.Evaluators {
		res, err := p.complete(ctx, task, evaluatorSystemPrompt(evaluatorID), scorePrompt(task.Topic, out.Content))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("evaluator call failed",
				zap.String("evaluator_id", evaluatorID),
				zap.String("stage", string(stage)),
				zap.Error(err))
			continue
		}

		score, rationale := parseScore(res.Text)
		eval := &model.Evaluation{
			ID:          newEvaluationID(),
			OutputID:    out.ID,
			TaskID:      task.ID,
			EvaluatorID: evaluatorID,
			Stage:       stage,
			Score:       score,
			Rationale:   rationale,
		}
		if err := p.store.CreateEvaluation(ctx, eval); err != nil {
			return nil, err
		}
		scores = append(scores, score)

		p.emitter.Emit(ctx, Event{
			TaskID:      task.ID,
			OrgID:       task.OrgID,
			Type:        EventEvaluationUpdated,
			Outputs:     []*model.Output{out},
			Evaluations: []*model.Evaluation{eval},
		})
	}

	if len(scores) == 0 {
		return nil, fmt.Errorf("all %s evaluators failed", stage)
	}
	return scores, nil
}

// initialEvalStage scores one output over the full evaluator set and
// records the per-output average.
func (p *Processor) initialEvalStage(ctx context.Context, task *model.Task, out *model.Output, log *zap.Logger) error {
	scores, err := p.runEvaluators(ctx, task, out, model.StageInitial, log)
	if err != nil {
		return &StageError{Stage: "initial_eval", OutputID: out.ID, Err: err}
	}

	avg := 0.0
	for _, s := range scores {
		avg += s
	}
	avg /= float64(len(scores))

	updated, err := p.saveOutput(ctx, out.ID, func(o *model.Output) {
		o.InitialAvgScore = avg
	})
	if err != nil {
		return &StageError{Stage: "initial_eval", OutputID: out.ID, Err: err}
	}
	p.emitOutput(ctx, task, updated)
	return nil
}

// rankInitial orders all scored outputs by average score descending, ties
// broken by earliest matrix index.
func (p *Processor) rankInitial(ctx context.Context, task *model.Task, log *zap.Logger) error {
	outputs, err := p.store.OutputsForTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("load outputs for ranking: %w", err)
	}

	ranked := survivors(outputs, model.StatusPendingEval)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].InitialAvgScore != ranked[j].InitialAvgScore {
			return ranked[i].InitialAvgScore > ranked[j].InitialAvgScore
		}
		return ranked[i].MatrixIndex < ranked[j].MatrixIndex
	})

	updated := make([]*model.Output, 0, len(ranked))
	for i, out := range ranked {
		rank := i + 1
		o, err := p.saveOutput(ctx, out.ID, func(o *model.Output) {
			o.InitialRank = rank
		})
		if err != nil {
			return fmt.Errorf("persist initial rank: %w", err)
		}
		updated = append(updated, o)
	}

	p.emitter.Emit(ctx, Event{
		TaskID:  task.ID,
		OrgID:   task.OrgID,
		Type:    EventRankingUpdated,
		Outputs: updated,
	})
	return nil
}

// selectFinalists flags the top-K scored outputs and settles everyone
// else: finalists move to is_finalist_pending, the rest to completed.
func (p *Processor) selectFinalists(ctx context.Context, task *model.Task, log *zap.Logger) error {
	outputs, err := p.store.OutputsForTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("load outputs for selection: %w", err)
	}

	candidates := survivors(outputs, model.StatusPendingEval)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].InitialRank < candidates[j].InitialRank
	})

	k := task.FinalistCount
	if k > len(candidates) {
		k = len(candidates)
	}
	if len(candidates) == 0 {
		log.Warn("no surviving outputs at finalist selection; completing with zero finalists")
	}

	updated := make([]*model.Output, 0, len(candidates))
	for i, out := range candidates {
		finalist := i < k
		o, err := p.saveOutput(ctx, out.ID, func(o *model.Output) {
			o.IsFinalist = finalist
			if finalist {
				o.Status = model.StatusFinalistPending
			} else {
				o.Status = model.StatusOutputCompleted
			}
		})
		if err != nil {
			return fmt.Errorf("persist finalist selection: %w", err)
		}
		updated = append(updated, o)
	}

	log.Info("finalists selected", zap.Int("finalists", k), zap.Int("candidates", len(candidates)))

	p.emitter.Emit(ctx, Event{
		TaskID:  task.ID,
		OrgID:   task.OrgID,
		Type:    EventFinalistsSelected,
		Outputs: updated,
	})
	return nil
}

// finalEvalStage re-scores one finalist with the same evaluator set at
// stage final. The total is a sum, not an average, so evaluator consensus
// is rewarded.
func (p *Processor) finalEvalStage(ctx context.Context, task *model.Task, out *model.Output, log *zap.Logger) error {
	scores, err := p.runEvaluators(ctx, task, out, model.StageFinal, log)
	if err != nil {
		return &StageError{Stage: "final_eval", OutputID: out.ID, Err: err}
	}

	total := 0.0
	for _, s := range scores {
		total += s
	}

	updated, err := p.saveOutput(ctx, out.ID, func(o *model.Output) {
		o.FinalTotalScore = total
	})
	if err != nil {
		return &StageError{Stage: "final_eval", OutputID: out.ID, Err: err}
	}
	p.emitOutput(ctx, task, updated)
	return nil
}

// rankFinal orders finalists by final total score descending and settles
// them to completed.
func (p *Processor) rankFinal(ctx context.Context, task *model.Task, log *zap.Logger) error {
	outputs, err := p.store.OutputsForTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("load outputs for final ranking: %w", err)
	}

	finalists := survivors(outputs, model.StatusFinalistPending)
	sort.SliceStable(finalists, func(i, j int) bool {
		if finalists[i].FinalTotalScore != finalists[j].FinalTotalScore {
			return finalists[i].FinalTotalScore > finalists[j].FinalTotalScore
		}
		return finalists[i].MatrixIndex < finalists[j].MatrixIndex
	})

	updated := make([]*model.Output, 0, len(finalists))
	for i, out := range finalists {
		rank := i + 1
		o, err := p.saveOutput(ctx, out.ID, func(o *model.Output) {
			o.FinalRank = rank
			o.Status = model.StatusOutputCompleted
		})
		if err != nil {
			return fmt.Errorf("persist final rank: %w", err)
		}
		updated = append(updated, o)
	}

	p.emitter.Emit(ctx, Event{
		TaskID:  task.ID,
		OrgID:   task.OrgID,
		Type:    EventRankingUpdated,
		Outputs: updated,
	})
	return nil
}

// survivors filters outputs to those currently at the given status.
func survivors(outputs []*model.Output, status model.OutputStatus) []*model.Output {
	filtered := make([]*model.Output, 0, len(outputs))
	for _, out := range outputs {
		if out.Status == status {
			filtered = append(filtered, out)
		}
	}
	return filtered
}
