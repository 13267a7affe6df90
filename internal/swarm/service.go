package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/model"
	"github.com/fyrsmithlabs/swarmd/internal/store"
)

// SubmitRequest is the task submission contract. The capsule is carried
// whole into every downstream call.
type SubmitRequest struct {
	Capsule       model.Capsule `json:"capsule"`
	Topic         string        `json:"topic"`
	Writers       []string      `json:"writers"`
	Editors       []string      `json:"editors"`
	Evaluators    []string      `json:"evaluators"`
	MaxEditCycles int           `json:"max_edit_cycles"`
	FinalistCount int           `json:"finalist_count"`
}

// Validate rejects malformed submissions before any persistence.
func (r *SubmitRequest) Validate() error {
	if err := r.Capsule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if r.Topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfiguration)
	}
	if len(r.Writers) == 0 {
		return fmt.Errorf("%w: writer list is empty", ErrInvalidConfiguration)
	}
	if len(r.Editors) == 0 {
		return fmt.Errorf("%w: editor list is empty", ErrInvalidConfiguration)
	}
	if len(r.Evaluators) == 0 {
		return fmt.Errorf("%w: evaluator list is empty", ErrInvalidConfiguration)
	}
	if r.MaxEditCycles < 0 {
		return fmt.Errorf("%w: max edit cycles must be >= 0", ErrInvalidConfiguration)
	}
	if r.FinalistCount < 1 {
		return fmt.Errorf("%w: finalist count must be >= 1", ErrInvalidConfiguration)
	}
	return nil
}

// Service is the public entry point of the engine: it creates tasks,
// starts processors, and serves state snapshots for clients reconnecting
// mid-run.
type Service struct {
	store     store.Store
	processor *Processor
	emitter   Emitter
	logger    *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	tasksSubmitted metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewService wires the task service.
func NewService(st store.Store, processor *Processor, emitter Emitter, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if emitter == nil {
		emitter = NewCollectorEmitter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:     st,
		processor: processor,
		emitter:   emitter,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
		cancels:   make(map[string]context.CancelFunc),
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error

	s.tasksSubmitted, err = s.meter.Int64Counter(
		"swarmd.tasks.submitted_total",
		metric.WithDescription("Total tasks submitted"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		s.logger.Warn("failed to create submit counter", zap.Error(err))
	}

	s.tasksCompleted, err = s.meter.Int64Counter(
		"swarmd.tasks.completed_total",
		metric.WithDescription("Total tasks completed"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		s.logger.Warn("failed to create completed counter", zap.Error(err))
	}

	s.tasksFailed, err = s.meter.Int64Counter(
		"swarmd.tasks.failed_total",
		metric.WithDescription("Total tasks failed"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		s.logger.Warn("failed to create failed counter", zap.Error(err))
	}
}

// Submit validates the request, persists the task and its output matrix,
// starts the processor asynchronously, and returns the task id
// immediately.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "swarm.submit")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	task := &model.Task{
		ID:             uuid.New().String(),
		ConversationID: req.Capsule.ConversationID,
		UserID:         req.Capsule.UserID,
		OrgID:          req.Capsule.OrgID,
		Topic:          req.Topic,
		Writers:        req.Writers,
		Editors:        req.Editors,
		Evaluators:     req.Evaluators,
		MaxEditCycles:  req.MaxEditCycles,
		FinalistCount:  req.FinalistCount,
		Phase:          model.PhasePending,
	}
	span.SetAttributes(
		attribute.String("task_id", task.ID),
		attribute.Int("matrix_size", task.MatrixSize()),
	)

	outputs, err := BuildMatrix(task)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("persist task: %w", err)
	}
	if err := s.store.CreateOutputs(ctx, outputs); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("persist output matrix: %w", err)
	}

	s.emitter.Emit(ctx, Event{
		TaskID:  task.ID,
		OrgID:   task.OrgID,
		Type:    EventQueueBuilt,
		Task:    task,
		Outputs: outputs,
	})

	if s.tasksSubmitted != nil {
		s.tasksSubmitted.Add(ctx, 1)
	}
	s.logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("org_id", task.OrgID),
		zap.Int("matrix_size", task.MatrixSize()))

	s.start(task.ID)
	return task.ID, nil
}

// start launches the processor for one task on a cancellable background
// context. The submit request context must not bound the run.
func (s *Service) start(taskID string) {
	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.cancels[taskID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, taskID)
			s.mu.Unlock()
			cancel()
		}()

		if err := s.processor.Run(runCtx, taskID); err != nil {
			if s.tasksFailed != nil {
				s.tasksFailed.Add(runCtx, 1)
			}
			return
		}
		if s.tasksCompleted != nil {
			s.tasksCompleted.Add(runCtx, 1)
		}
	}()
}

// GetState returns the full materialized state of a task: the task row
// plus all outputs and evaluations in one call, in deterministic order.
// Repeated calls with no intervening writes return identical snapshots.
func (s *Service) GetState(ctx context.Context, taskID string) (*model.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "swarm.get_state")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", taskID))

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("load task: %w", err)
	}

	outputs, err := s.store.OutputsForTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load outputs: %w", err)
	}

	evaluations, err := s.store.EvaluationsForTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load evaluations: %w", err)
	}

	return &model.Snapshot{
		Task:        task,
		Outputs:     outputs,
		Evaluations: evaluations,
	}, nil
}

// Cancel requests cooperative cancellation of a running task: no new stage
// work is scheduled, in-flight provider calls finish or time out normally.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	cancel, running := s.cancels[taskID]
	s.mu.Unlock()

	if running {
		s.logger.Info("task cancellation requested", zap.String("task_id", taskID))
		cancel()
		return nil
	}

	// Not running here; report whether the task exists at all.
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return err
	}
	return nil
}

// Close cancels all running tasks and waits for their processors to wind
// down.
func (s *Service) Close() error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
