package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/orderdesk/orderdesk/internal/timeline"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTimelineBackfill synthesizes creation events for legacy orders.
	TaskTimelineBackfill = "timeline:backfill"
	// TaskTimelineAudit counts orders whose history has no creation event.
	TaskTimelineAudit = "timeline:audit"
	// TaskOrderNotify emails the people affected by an order event.
	TaskOrderNotify = "orders:notify"
)

// BackfillPayload configures a backfill run.
type BackfillPayload struct {
	DryRun bool `json:"dry_run"`
}

// NotifyPayload carries the committed event to announce.
type NotifyPayload struct {
	Event timeline.Event `json:"event"`
}

// NewBackfillTask constructs a timeline backfill task.
func NewBackfillTask(dryRun bool) (*asynq.Task, error) {
	data, err := json.Marshal(BackfillPayload{DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTimelineBackfill, data), nil
}

// NewAuditTask constructs the timeline audit task.
func NewAuditTask() *asynq.Task {
	return asynq.NewTask(TaskTimelineAudit, nil)
}

// NewNotifyTask constructs a notification task for ev.
func NewNotifyTask(ev timeline.Event) (*asynq.Task, error) {
	data, err := json.Marshal(NotifyPayload{Event: ev})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOrderNotify, data), nil
}
