package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/galpao-wms/galpao-wms/internal/intake"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskMirrorRetry re-drives a mirror write that the intake engine parked.
	TaskMirrorRetry = "intake:mirror_retry"
	// TaskSessionSweep expires stale entries of the active-session directory.
	TaskSessionSweep = "intake:session_sweep"
)

// NewMirrorRetryTask constructs an Asynq task carrying the parked write.
func NewMirrorRetryTask(p intake.PendingMirror) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMirrorRetry, data), nil
}

// NewSessionSweepTask constructs the periodic directory sweep task.
func NewSessionSweepTask() *asynq.Task {
	return asynq.NewTask(TaskSessionSweep, nil)
}
