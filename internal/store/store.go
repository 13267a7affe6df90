// Package store provides the durable state layer for the swarm engine.
//
// Every pipeline transition is persisted as a row update; the store is the
// single source of truth for "what phase are we in". Status and phase
// transitions are validated here against the model transition tables rather
// than left to caller discipline. Writers to the same output are serialized
// with an optimistic version check; a losing writer gets
// ErrConcurrentModification, which callers treat as retryable.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fyrsmithlabs/swarmd/internal/model"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConcurrentModification indicates another writer updated the row
	// first. Retryable: reload and reapply.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrInvalidTransition indicates a status or phase write that would
	// move the row backward through its lifecycle.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnavailable indicates the backing database could not serve the
	// request. Fatal to the task that hits it.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the persistence contract the processor and task service depend on.
type Store interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	AdvanceTaskPhase(ctx context.Context, taskID string, next model.Phase, reason string) (*model.Task, error)

	CreateOutputs(ctx context.Context, outputs []*model.Output) error
	GetOutput(ctx context.Context, outputID string) (*model.Output, error)
	UpdateOutput(ctx context.Context, output *model.Output) error
	OutputsForTask(ctx context.Context, taskID string) ([]*model.Output, error)
	OutputsAtOrPast(ctx context.Context, taskID string, stage model.OutputStatus) ([]*model.Output, error)

	CreateEvaluation(ctx context.Context, eval *model.Evaluation) error
	EvaluationsForTask(ctx context.Context, taskID string) ([]*model.Evaluation, error)

	Close() error
}

// Config configures the gorm-backed store.
type Config struct {
	// DSN is the database source name. Defaults to a local SQLite file.
	DSN string

	// MaxOpenConns bounds the shared connection pool.
	MaxOpenConns int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DSN:          "swarmd.db",
		MaxOpenConns: 10,
	}
}

type gormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New opens the database, runs migrations, and returns a Store.
func New(cfg Config, log *zap.Logger) (Store, error) {
	if cfg.DSN == "" {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access connection pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.AutoMigrate(&model.Task{}, &model.Output{}, &model.Evaluation{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	log.Info("store opened", zap.String("dsn", cfg.DSN))

	return &gormStore{db: db, logger: log}, nil
}

// classify maps gorm errors onto the store taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *gormStore) CreateTask(ctx context.Context, task *model.Task) error {
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return classify(err)
	}
	return nil
}

func (s *gormStore) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	var task model.Task
	if err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		return nil, classify(err)
	}
	return &task, nil
}

// AdvanceTaskPhase moves the task to the next phase after validating the
// transition. The reason is recorded only on the failed phase.
func (s *gormStore) AdvanceTaskPhase(ctx context.Context, taskID string, next model.Phase, reason string) (*model.Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Phase.CanAdvanceTo(next) {
		return nil, fmt.Errorf("%w: task %s phase %s -> %s", ErrInvalidTransition, taskID, task.Phase, next)
	}

	updates := map[string]any{"phase": next, "updated_at": time.Now().UTC()}
	if next == model.PhaseFailed {
		updates["failure_reason"] = reason
	}
	if err := s.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
		return nil, classify(err)
	}
	return s.GetTask(ctx, taskID)
}

func (s *gormStore) CreateOutputs(ctx context.Context, outputs []*model.Output) error {
	if len(outputs) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(outputs).Error; err != nil {
		return classify(err)
	}
	return nil
}

func (s *gormStore) GetOutput(ctx context.Context, outputID string) (*model.Output, error) {
	var out model.Output
	if err := s.db.WithContext(ctx).First(&out, "id = ?", outputID).Error; err != nil {
		return nil, classify(err)
	}
	return &out, nil
}

// UpdateOutput persists the full output row guarded by the optimistic
// version check. The caller's copy must hold the version it read; on
// success the version is bumped in place.
func (s *gormStore) UpdateOutput(ctx context.Context, output *model.Output) error {
	current, err := s.GetOutput(ctx, output.ID)
	if err != nil {
		return err
	}
	if current.Status != output.Status && !current.Status.CanTransitionTo(output.Status) {
		return fmt.Errorf("%w: output %s status %s -> %s", ErrInvalidTransition, output.ID, current.Status, output.Status)
	}

	output.UpdatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&model.Output{}).
		Where("id = ? AND version = ?", output.ID, output.Version).
		Updates(map[string]any{
			"status":            output.Status,
			"content":           output.Content,
			"edit_cycle":        output.EditCycle,
			"editor_feedback":   output.EditorFeedback,
			"initial_avg_score": output.InitialAvgScore,
			"initial_rank":      output.InitialRank,
			"is_finalist":       output.IsFinalist,
			"final_total_score": output.FinalTotalScore,
			"final_rank":        output.FinalRank,
			"failure_reason":    output.FailureReason,
			"version":           output.Version + 1,
			"updated_at":        output.UpdatedAt,
		})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: output %s version %d", ErrConcurrentModification, output.ID, output.Version)
	}
	output.Version++
	return nil
}

// OutputsForTask returns all outputs of a task in matrix order.
func (s *gormStore) OutputsForTask(ctx context.Context, taskID string) ([]*model.Output, error) {
	var outputs []*model.Output
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("matrix_index ASC").
		Find(&outputs).Error
	if err != nil {
		return nil, classify(err)
	}
	return outputs, nil
}

// OutputsAtOrPast returns the outputs that have reached the given stage,
// including failed outputs, which never block a barrier.
func (s *gormStore) OutputsAtOrPast(ctx context.Context, taskID string, stage model.OutputStatus) ([]*model.Output, error) {
	var outputs []*model.Output
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND status IN ?", taskID, model.AtOrPast(stage)).
		Order("matrix_index ASC").
		Find(&outputs).Error
	if err != nil {
		return nil, classify(err)
	}
	return outputs, nil
}

func (s *gormStore) CreateEvaluation(ctx context.Context, eval *model.Evaluation) error {
	if eval.CreatedAt.IsZero() {
		eval.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(eval).Error; err != nil {
		return classify(err)
	}
	return nil
}

// EvaluationsForTask returns all evaluations of a task in a deterministic
// order so state snapshots are stable between reads.
func (s *gormStore) EvaluationsForTask(ctx context.Context, taskID string) ([]*model.Evaluation, error) {
	var evals []*model.Evaluation
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("output_id ASC, stage ASC, evaluator_id ASC").
		Find(&evals).Error
	if err != nil {
		return nil, classify(err)
	}
	return evals, nil
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
