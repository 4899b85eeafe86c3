package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-erp/meridian/internal/jobs"
	"github.com/meridian-erp/meridian/internal/ledger"
)

// ReconcileService describes the behaviour required to diff local lines
// against the external accounting system.
type ReconcileService interface {
	Reconcile(ctx context.Context, input ledger.ReconcileInput) (ledger.ReconcileReport, error)
}

// LedgerReconcileJob coordinates the scheduled reconciliation pass.
type LedgerReconcileJob struct {
	Service ReconcileService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerReconcileJob constructs the job handler.
func NewLedgerReconcileJob(service ReconcileService, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerReconcileJob {
	return &LedgerReconcileJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the reconciliation job.
func (j *LedgerReconcileJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("ledger reconcile: dependencies not configured")
	}
	var payload LedgerReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.WindowDays <= 0 {
		payload.WindowDays = 7
	}

	tracker := j.metrics().Track(TaskLedgerReconcile)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	now := j.now()
	report, err := j.Service.Reconcile(ctx, ledger.ReconcileInput{
		From:          now.AddDate(0, 0, -payload.WindowDays),
		To:            now,
		IncludeErrors: payload.IncludeErrors,
	})
	if err != nil {
		resultErr = err
		j.log().Error("ledger reconciliation failed", slog.Any("error", err))
		return resultErr
	}

	counts := map[ledger.DiscrepancyKind]int{}
	for _, d := range report.Discrepancies {
		counts[d.Kind]++
	}
	for kind, count := range counts {
		j.metrics().AddDiscrepancies(string(kind), count)
	}

	j.log().Info("ledger reconciliation finished",
		slog.Int("local", report.LocalCount),
		slog.Int("remote", report.RemoteCount),
		slog.Int("matched", report.MatchedCount),
		slog.Int("discrepancies", len(report.Discrepancies)),
	)
	return nil
}

func (j *LedgerReconcileJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *LedgerReconcileJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *LedgerReconcileJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
