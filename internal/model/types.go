// Package model defines the persistent entities of the swarm engine:
// tasks, outputs, and evaluations, together with their phase and status
// enums and the checked transition tables the store enforces on write.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Phase is the task-level lifecycle phase. It advances in lockstep with
// the stage barriers of the processor and never moves backward.
type Phase string

const (
	PhasePending         Phase = "pending"
	PhaseWriting         Phase = "writing"
	PhaseEditing         Phase = "editing"
	PhaseEvaluating      Phase = "evaluating"
	PhaseSelecting       Phase = "selecting"
	PhaseFinalEvaluating Phase = "final_evaluating"
	PhaseRanking         Phase = "ranking"
	PhaseCompleted       Phase = "completed"
	PhaseFailed          Phase = "failed"
)

// phaseOrder maps each non-failed phase to its position in the pipeline.
var phaseOrder = map[Phase]int{
	PhasePending:         0,
	PhaseWriting:         1,
	PhaseEditing:         2,
	PhaseEvaluating:      3,
	PhaseSelecting:       4,
	PhaseFinalEvaluating: 5,
	PhaseRanking:         6,
	PhaseCompleted:       7,
}

// Terminal reports whether the phase is a terminal state.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// CanAdvanceTo reports whether a task may move from p to next. Forward-only:
// the only legal moves are one step ahead in the pipeline, or to failed from
// any non-terminal phase.
func (p Phase) CanAdvanceTo(next Phase) bool {
	if p.Terminal() {
		return false
	}
	if next == PhaseFailed {
		return true
	}
	cur, ok := phaseOrder[p]
	if !ok {
		return false
	}
	nxt, ok := phaseOrder[next]
	if !ok {
		return false
	}
	return nxt == cur+1
}

// OutputStatus is the per-output stage within the pipeline.
type OutputStatus string

const (
	StatusPendingWrite    OutputStatus = "pending_write"
	StatusPendingEdit     OutputStatus = "pending_edit"
	StatusPendingEval     OutputStatus = "pending_eval"
	StatusFinalistPending OutputStatus = "is_finalist_pending"
	StatusOutputCompleted OutputStatus = "completed"
	StatusOutputFailed    OutputStatus = "failed"
)

// statusOrder defines the monotonic stage ordering for outputs. Failed is
// handled separately: it is reachable from any non-terminal status and
// counts as "past" every barrier so a dead output never blocks the task.
var statusOrder = map[OutputStatus]int{
	StatusPendingWrite:    0,
	StatusPendingEdit:     1,
	StatusPendingEval:     2,
	StatusFinalistPending: 3,
	StatusOutputCompleted: 4,
}

// Terminal reports whether the status is a terminal state.
func (s OutputStatus) Terminal() bool {
	return s == StatusOutputCompleted || s == StatusOutputFailed
}

// Rank returns the position of s in the stage ordering and whether s
// participates in that ordering (failed does not).
func (s OutputStatus) Rank() (int, bool) {
	r, ok := statusOrder[s]
	return r, ok
}

// CanTransitionTo reports whether an output may move from s to next.
// Transitions are strictly forward except the bounded edit cycle, which
// re-enters pending_edit.
func (s OutputStatus) CanTransitionTo(next OutputStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusOutputFailed {
		return true
	}
	if s == StatusPendingEdit && next == StatusPendingEdit {
		return true
	}
	cur, ok := statusOrder[s]
	if !ok {
		return false
	}
	nxt, ok := statusOrder[next]
	if !ok {
		return false
	}
	// pending_eval skips the finalist stage for non-finalists.
	if s == StatusPendingEval && next == StatusOutputCompleted {
		return true
	}
	return nxt == cur+1
}

// AtOrPast returns the statuses that satisfy "at or past" the given stage,
// for barrier queries. Failed outputs always satisfy the barrier.
func AtOrPast(stage OutputStatus) []OutputStatus {
	floor, ok := statusOrder[stage]
	if !ok {
		return []OutputStatus{stage}
	}
	statuses := make([]OutputStatus, 0, len(statusOrder))
	for s, r := range statusOrder {
		if r >= floor {
			statuses = append(statuses, s)
		}
	}
	return append(statuses, StatusOutputFailed)
}

// EvalStage tags an evaluation as belonging to the initial pass over the
// full matrix or the final pass over finalists.
type EvalStage string

const (
	StageInitial EvalStage = "initial"
	StageFinal   EvalStage = "final"
)

// Capsule is the identity/routing context attached to a task at submission.
// It is passed whole through every component boundary and never
// destructured into individual fields on the way down.
type Capsule struct {
	OrgID          string `json:"org_id"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// Validate checks the capsule carries the identifiers downstream calls need.
func (c Capsule) Validate() error {
	if c.OrgID == "" {
		return fmt.Errorf("org id is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	return nil
}

// StringList is a JSON-encoded list of persona identifiers stored in a
// single text column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type %T for StringList", value)
	}
}

// Task is one generation run over a writer/editor matrix.
type Task struct {
	ID             string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ConversationID string     `gorm:"type:varchar(128);index" json:"conversation_id"`
	UserID         string     `gorm:"type:varchar(128);index" json:"user_id"`
	OrgID          string     `gorm:"type:varchar(128);index" json:"org_id"`
	Topic          string     `gorm:"type:text" json:"topic"`
	Writers        StringList `gorm:"type:text" json:"writers"`
	Editors        StringList `gorm:"type:text" json:"editors"`
	Evaluators     StringList `gorm:"type:text" json:"evaluators"`
	MaxEditCycles  int        `json:"max_edit_cycles"`
	FinalistCount  int        `json:"finalist_count"`
	Phase          Phase      `gorm:"type:varchar(32);index" json:"phase"`
	FailureReason  string     `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Capsule reconstructs the context capsule persisted with the task.
func (t *Task) Capsule() Capsule {
	return Capsule{
		OrgID:          t.OrgID,
		UserID:         t.UserID,
		ConversationID: t.ConversationID,
	}
}

// MatrixSize is the number of outputs the task expands to.
func (t *Task) MatrixSize() int {
	return len(t.Writers) * len(t.Editors)
}

// Output is one (writer, editor) cell of the task matrix and its evolving
// draft. Version backs the optimistic concurrency check in the store.
type Output struct {
	ID              string       `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TaskID          string       `gorm:"type:varchar(64);index;not null" json:"task_id"`
	WriterID        string       `gorm:"type:varchar(128);not null" json:"writer_id"`
	EditorID        string       `gorm:"type:varchar(128);not null" json:"editor_id"`
	MatrixIndex     int          `json:"matrix_index"`
	Status          OutputStatus `gorm:"type:varchar(32);index" json:"status"`
	Content         string       `gorm:"type:text" json:"content"`
	EditCycle       int          `json:"edit_cycle"`
	EditorFeedback  string       `gorm:"type:text" json:"editor_feedback"`
	InitialAvgScore float64      `json:"initial_avg_score"`
	InitialRank     int          `json:"initial_rank"`
	IsFinalist      bool         `json:"is_finalist"`
	FinalTotalScore float64      `json:"final_total_score"`
	FinalRank       int          `json:"final_rank"`
	FailureReason   string       `gorm:"type:text" json:"failure_reason,omitempty"`
	Version         int64        `gorm:"not null;default:0" json:"version"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Evaluation is one scoring event against an output. Rows are immutable
// once written; uniqueness per (output, evaluator, stage) is enforced by
// the store.
type Evaluation struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OutputID    string    `gorm:"type:varchar(64);index;not null;uniqueIndex:idx_eval_once,priority:1" json:"output_id"`
	TaskID      string    `gorm:"type:varchar(64);index;not null" json:"task_id"`
	EvaluatorID string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_eval_once,priority:2" json:"evaluator_id"`
	Stage       EvalStage `gorm:"type:varchar(16);not null;uniqueIndex:idx_eval_once,priority:3" json:"stage"`
	Score       float64   `json:"score"`
	Rationale   string    `gorm:"type:text" json:"rationale"`
	CreatedAt   time.Time `json:"created_at"`
}

// Snapshot is the full materialized state of a task, returned by the task
// service in a single call so a late-joining client can reconstruct
// progress without replaying the event stream.
type Snapshot struct {
	Task        *Task         `json:"task"`
	Outputs     []*Output     `json:"outputs"`
	Evaluations []*Evaluation `json:"evaluations"`
}
