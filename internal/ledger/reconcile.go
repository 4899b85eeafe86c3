package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian/internal/extacct"
)

// DiscrepancyKind labels the ways a local line can fail to match remotely.
type DiscrepancyKind string

const (
	// NotFoundRemotely means the composite key has no remote counterpart.
	NotFoundRemotely DiscrepancyKind = "NOT_FOUND_REMOTELY"
	// AmbiguousMatch means two or more local lines collapse onto the same
	// composite key; the match cannot be attributed to either line.
	AmbiguousMatch DiscrepancyKind = "AMBIGUOUS_MATCH"
)

// Discrepancy is one unmatched or unattributable local line.
type Discrepancy struct {
	LineID   uuid.UUID       `json:"lineId"`
	GroupKey string          `json:"groupKey"`
	Kind     DiscrepancyKind `json:"kind"`
	Key      string          `json:"key"`
}

// ReconcileInput bounds the audit window and optional remote filters.
type ReconcileInput struct {
	From          time.Time
	To            time.Time
	IncludeErrors bool
	AccountID     int64
	Movement      MovementType
	EntryDate     time.Time
}

// ReconcileReport summarises a reconciliation pass. Discrepancies are data,
// not errors; a report with discrepancies is still a successful pass.
type ReconcileReport struct {
	LocalCount    int           `json:"localCount"`
	RemoteCount   int           `json:"remoteCount"`
	MatchedCount  int           `json:"matchedCount"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// Reconcile diffs local pending (optionally failed) lines against the
// external system's own listing for the same window. The external system
// exposes no stable foreign key back to a local line, so correlation uses
// the composite (account, entryDate, amount, movement) key. Local lines that
// share a composite key are reported as ambiguous rather than matched
// arbitrarily.
func (s *Service) Reconcile(ctx context.Context, input ReconcileInput) (ReconcileReport, error) {
	statuses := []Status{StatusPending}
	if input.IncludeErrors {
		statuses = append(statuses, StatusError)
	}
	local, err := s.repo.List(ctx, Filter{
		Statuses: statuses,
		Movement: input.Movement,
		DateFrom: input.From,
		DateTo:   input.To,
	})
	if err != nil {
		return ReconcileReport{}, err
	}

	remote, err := s.ExternalEntries(ctx, extacct.ListFilter{
		StartDate: input.From,
		EndDate:   input.To,
		EntryDate: input.EntryDate,
		AccountID: input.AccountID,
		Movement:  string(input.Movement),
	})
	if err != nil {
		return ReconcileReport{}, err
	}

	remoteKeys := make(map[string]int, len(remote))
	for _, entry := range remote {
		remoteKeys[remoteCompositeKey(entry)]++
	}
	localKeys := make(map[string]int, len(local))
	for _, line := range local {
		localKeys[compositeKey(line)]++
	}

	report := ReconcileReport{LocalCount: len(local), RemoteCount: len(remote)}
	for _, line := range local {
		key := compositeKey(line)
		if remoteKeys[key] == 0 {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				LineID:   line.ID,
				GroupKey: line.GroupKey,
				Kind:     NotFoundRemotely,
				Key:      key,
			})
			continue
		}
		if localKeys[key] > 1 {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				LineID:   line.ID,
				GroupKey: line.GroupKey,
				Kind:     AmbiguousMatch,
				Key:      key,
			})
			continue
		}
		remoteKeys[key]--
		report.MatchedCount++
	}

	s.logger.Info("reconciliation completed",
		slog.Int("local", report.LocalCount),
		slog.Int("remote", report.RemoteCount),
		slog.Int("matched", report.MatchedCount),
		slog.Int("discrepancies", len(report.Discrepancies)))
	return report, nil
}

// compositeKey builds the correlation key for a local line.
func compositeKey(line Line) string {
	return fmt.Sprintf("%s|%s|%s|%s", line.AccountCode, line.EntryDate.Format("2006-01-02"), line.Amount.StringFixed(2), line.Movement)
}

// remoteCompositeKey builds the same key from an external entry. Remote
// entry dates may carry a time component; only the calendar date counts.
func remoteCompositeKey(entry extacct.Entry) string {
	date := entry.EntryDate
	if len(date) > 10 {
		date = date[:10]
	}
	return fmt.Sprintf("%s|%s|%s|%s", strconv.FormatInt(entry.AccountID, 10), date, entry.Amount.StringFixed(2), entry.Movement)
}
