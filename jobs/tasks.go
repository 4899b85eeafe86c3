package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerReconcile schedules the nightly ledger reconciliation pass.
	TaskLedgerReconcile = "ledger:reconcile"
)

// LedgerReconcilePayload bounds the reconciliation window.
type LedgerReconcilePayload struct {
	WindowDays    int  `json:"window_days"`
	IncludeErrors bool `json:"include_errors"`
}

// NewLedgerReconcileTask constructs an Asynq task for the reconciliation pass.
func NewLedgerReconcileTask(payload LedgerReconcilePayload) (*asynq.Task, error) {
	if payload.WindowDays <= 0 {
		payload.WindowDays = 7
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, body, asynq.Queue(QueueDefault)), nil
}
