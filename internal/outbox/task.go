package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskDrain is the asynq task type the scheduler enqueues periodically when
// the worker runs in asynq mode.
const TaskDrain = "outbox:drain"

type drainPayload struct {
	BatchSize int `json:"batch_size,omitempty"`
}

func NewDrainTask(batchSize int) (*asynq.Task, error) {
	data, err := json.Marshal(drainPayload{BatchSize: batchSize})
	if err != nil {
		return nil, fmt.Errorf("marshal drain payload: %w", err)
	}
	return asynq.NewTask(TaskDrain, data), nil
}

// HandleDrainTask runs one drain. A failed drain is not retried by asynq:
// the next scheduled task picks the same rows up.
func (w *Worker) HandleDrainTask(ctx context.Context, t *asynq.Task) error {
	var p drainPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
	}

	report, err := w.Drain(ctx, p.BatchSize)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	w.logReport(report)
	return nil
}
