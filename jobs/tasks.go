package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAccessExpire is the one-shot expiry task for a single grant.
	TaskAccessExpire = "access:expire"
	// TaskAccessSweep is the periodic sweep over all expired grants.
	TaskAccessSweep = "access:sweep"
)

// AccessExpirePayload identifies the grant to expire.
type AccessExpirePayload struct {
	GrantID uuid.UUID `json:"grant_id"`
}

// NewAccessExpireTask constructs the one-shot expiry task for a grant.
// Tasks carry a deterministic ID so rescheduling after a restart does not
// double-enqueue the same grant.
func NewAccessExpireTask(grantID uuid.UUID, at time.Time) (*asynq.Task, []asynq.Option, error) {
	body, err := json.Marshal(AccessExpirePayload{GrantID: grantID})
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(QueueDefault),
		asynq.TaskID("access:expire:" + grantID.String()),
		asynq.ProcessAt(at),
	}
	return asynq.NewTask(TaskAccessExpire, body), opts, nil
}

// NewAccessSweepTask constructs the periodic sweep task.
func NewAccessSweepTask() *asynq.Task {
	return asynq.NewTask(TaskAccessSweep, nil, asynq.Queue(QueueDefault))
}
