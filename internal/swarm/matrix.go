package swarm

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/swarmd/internal/model"
)

// BuildMatrix expands a task configuration into its full writer x editor
// cross product, one output seed per pair. Ordering is writer-major,
// editor-minor; the matrix index recorded on each seed keeps observability
// payloads stable across reads.
//
// Pure function: persisting the seeds is the caller's responsibility.
func BuildMatrix(task *model.Task) ([]*model.Output, error) {
	if len(task.Writers) == 0 {
		return nil, fmt.Errorf("%w: writer list is empty", ErrInvalidConfiguration)
	}
	if len(task.Editors) == 0 {
		return nil, fmt.Errorf("%w: editor list is empty", ErrInvalidConfiguration)
	}

	outputs := make([]*model.Output, 0, len(task.Writers)*len(task.Editors))
	for wi, writer := range task.Writers {
		for ei, editor := range task.Editors {
			outputs = append(outputs, &model.Output{
				ID:          uuid.New().String(),
				TaskID:      task.ID,
				WriterID:    writer,
				EditorID:    editor,
				MatrixIndex: wi*len(task.Editors) + ei,
				Status:      model.StatusPendingWrite,
				EditCycle:   0,
			})
		}
	}
	return outputs, nil
}
