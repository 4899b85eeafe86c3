package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian/internal/extacct"
	"github.com/meridian-erp/meridian/internal/orders"
	"github.com/meridian-erp/meridian/internal/shared"
)

// RepositoryPort describes the ledger line store used by Service.
type RepositoryPort interface {
	CreateGroup(ctx context.Context, lines []Line) error
	GetLine(ctx context.Context, id uuid.UUID) (Line, error)
	ListByOrder(ctx context.Context, orderID int64) ([]Line, error)
	ListByGroup(ctx context.Context, groupKey string) ([]Line, error)
	List(ctx context.Context, filter Filter) ([]Line, error)
	Transition(ctx context.Context, id uuid.UUID, from, to Status, externalID *int64, cause string) error
}

// OrdersPort exposes the purchase-order reads the generator needs.
type OrdersPort interface {
	GetOrder(ctx context.Context, id int64) (orders.PurchaseOrder, error)
}

// ExternalPort talks to the external accounting service.
type ExternalPort interface {
	EnsureCredentials(ctx context.Context) error
	InvalidateCredentials()
	CreateEntry(ctx context.Context, in extacct.EntryInput) (int64, error)
	ListEntries(ctx context.Context, filter extacct.ListFilter) ([]extacct.Entry, error)
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// PostingMetrics counts per-line posting outcomes.
type PostingMetrics interface {
	RecordPostingOutcome(outcome string)
}

// Service generates ledger lines from approved purchase orders and drives
// their posting state machine against the external accounting service.
type Service struct {
	repo     RepositoryPort
	orders   OrdersPort
	external ExternalPort
	locks    *shared.KeyedMutex
	audit    AuditPort
	metrics  PostingMetrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, ordersPort OrdersPort, external ExternalPort, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		orders:   ordersPort,
		external: external,
		locks:    shared.NewKeyedMutex(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithAudit attaches an audit recorder.
func (s *Service) WithAudit(audit AuditPort) *Service {
	s.audit = audit
	return s
}

// WithMetrics attaches posting outcome metrics.
func (s *Service) WithMetrics(metrics PostingMetrics) *Service {
	s.metrics = metrics
	return s
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// GroupKeyForOrder derives the group key from the order's human-readable
// number, matching the external system's entry naming convention.
func GroupKeyForOrder(number string) string {
	return fmt.Sprintf("PO-%s", number)
}

// GenerateFromOrder emits the balanced two-line group for an approved order:
// a debit against goods purchased and a credit against accounts payable,
// both carrying the order total. Generation is all-or-nothing and idempotent
// per order.
func (s *Service) GenerateFromOrder(ctx context.Context, orderID int64) ([]Line, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if order.Status != orders.StatusApproved {
		return nil, ErrOrderNotApproved
	}
	billable := false
	for _, item := range order.Items {
		if item.Quantity.IsPositive() && item.UnitCost.IsPositive() {
			billable = true
			break
		}
	}
	if !billable {
		return nil, ErrOrderNoItems
	}
	total := order.Total()
	if !total.IsPositive() {
		return nil, ErrOrderNoItems
	}

	existing, err := s.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrDuplicateGeneration
	}

	entryDate := order.OrderDate
	if entryDate.IsZero() {
		entryDate = s.now()
	}
	entryDate = entryDate.Truncate(24 * time.Hour)

	groupKey := GroupKeyForOrder(order.Number)
	supplier := order.SupplierName
	if supplier == "" {
		supplier = "N/A"
	}
	lines := []Line{
		{
			ID:            uuid.New(),
			GroupKey:      groupKey,
			SourceOrderID: &orderID,
			Label:         fmt.Sprintf("Goods purchase - order %s", order.Number),
			AuxiliaryCode: DefaultAuxiliaryCode,
			AccountCode:   AccountGoodsPurchased,
			Movement:      MovementDebit,
			EntryDate:     entryDate,
			Amount:        total,
			Status:        StatusPending,
		},
		{
			ID:            uuid.New(),
			GroupKey:      groupKey,
			SourceOrderID: &orderID,
			Label:         fmt.Sprintf("Accounts payable %s - order %s", supplier, order.Number),
			AuxiliaryCode: DefaultAuxiliaryCode,
			AccountCode:   AccountPayable,
			Movement:      MovementCredit,
			EntryDate:     entryDate,
			Amount:        total,
			Status:        StatusPending,
		},
	}
	if err := s.repo.CreateGroup(ctx, lines); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, "ledger.generate", groupKey, map[string]any{"order_id": orderID, "total": total.String()})
	s.logger.Info("ledger group generated",
		slog.String("group", groupKey),
		slog.Int64("order_id", orderID),
		slog.String("total", total.String()))
	return lines, nil
}

// LineResult reports the outcome of posting one line.
type LineResult struct {
	LineID     uuid.UUID `json:"lineId"`
	Outcome    Status    `json:"outcome"`
	Message    string    `json:"message,omitempty"`
	ExternalID *int64    `json:"externalId,omitempty"`
}

// GroupResult aggregates per-line outcomes; Success only when every
// qualifying line reached CONFIRMED.
type GroupResult struct {
	GroupKey string       `json:"groupKey"`
	Success  bool         `json:"success"`
	Lines    []LineResult `json:"lines"`
}

// PostGroup runs the posting sequence for one group: validate the qualifying
// set against a fresh snapshot, record SENT intent, submit each line
// independently, and write back terminal statuses. At most one posting pass
// runs per group at any time.
func (s *Service) PostGroup(ctx context.Context, groupKey string) (GroupResult, error) {
	if !s.locks.TryLock(groupKey) {
		return GroupResult{}, ErrPostingInProgress
	}
	defer s.locks.Unlock(groupKey)
	return s.postGroupLocked(ctx, groupKey)
}

func (s *Service) postGroupLocked(ctx context.Context, groupKey string) (GroupResult, error) {
	lines, err := s.repo.ListByGroup(ctx, groupKey)
	if err != nil {
		return GroupResult{}, err
	}
	if len(lines) == 0 {
		return GroupResult{}, ErrNotFound
	}

	var qualifying []Line
	for _, line := range lines {
		if line.Status.Qualifies() {
			qualifying = append(qualifying, line)
		}
	}
	// Validation runs before any mutation so an invalid group never strands
	// sibling lines in SENT. Balance is checked across the whole group:
	// a confirmed leg still counterweights the qualifying leg being retried.
	if !GroupBalanced(lines) {
		return GroupResult{}, fmt.Errorf("%w: group %s has %d debit/credit lines", ErrUnbalancedGroup, groupKey, len(lines))
	}
	if len(qualifying) == 0 {
		return GroupResult{}, fmt.Errorf("%w: group %s has no lines eligible for posting", ErrStateTransition, groupKey)
	}

	result := GroupResult{GroupKey: groupKey, Success: true}

	// Authentication failures are retryable: the lines stay in their current
	// qualifying status instead of burning an ERROR transition.
	if err := s.external.EnsureCredentials(ctx); err != nil {
		cause := fmt.Sprintf("authentication failed: %v", err)
		for _, line := range qualifying {
			result.Lines = append(result.Lines, LineResult{LineID: line.ID, Outcome: line.Status, Message: cause})
			s.countOutcome("auth_error")
		}
		result.Success = false
		return result, nil
	}

	// Record intent before any network call; a crash mid-flight leaves SENT
	// evidence instead of a silently stuck PENDING line.
	sent := make([]Line, 0, len(qualifying))
	for _, line := range qualifying {
		if err := s.repo.Transition(ctx, line.ID, line.Status, StatusSent, nil, ""); err != nil {
			return GroupResult{}, fmt.Errorf("ledger: flip %s to sent: %w", line.ID, err)
		}
		line.Status = StatusSent
		sent = append(sent, line)
	}

	for _, line := range sent {
		outcome := s.postLine(ctx, line)
		if outcome.Outcome != StatusConfirmed {
			result.Success = false
		}
		result.Lines = append(result.Lines, outcome)
	}

	s.recordAudit(ctx, "ledger.post", groupKey, map[string]any{"success": result.Success, "lines": len(result.Lines)})
	return result, nil
}

// postLine submits one SENT line and writes its terminal status.
func (s *Service) postLine(ctx context.Context, line Line) LineResult {
	accountID, err := parseCode(line.AccountCode)
	if err != nil {
		cause := fmt.Sprintf("invalid account code %q", line.AccountCode)
		_ = s.repo.Transition(ctx, line.ID, StatusSent, StatusError, nil, cause)
		s.countOutcome("error")
		return LineResult{LineID: line.ID, Outcome: StatusError, Message: cause}
	}
	auxiliaryID, err := parseCode(line.AuxiliaryCode)
	if err != nil {
		auxiliaryID, _ = parseCode(DefaultAuxiliaryCode)
	}

	remoteID, err := s.external.CreateEntry(ctx, extacct.EntryInput{
		Description: line.Label,
		AccountID:   accountID,
		Movement:    string(line.Movement),
		Amount:      line.Amount,
		EntryDate:   line.EntryDate,
		AuxiliaryID: auxiliaryID,
	})
	if err != nil {
		if errors.Is(err, extacct.ErrUnauthorized) {
			s.external.InvalidateCredentials()
		}
		cause := err.Error()
		if terr := s.repo.Transition(ctx, line.ID, StatusSent, StatusError, nil, cause); terr != nil {
			s.logger.Error("mark line error", slog.String("line", line.ID.String()), slog.Any("error", terr))
		}
		s.countOutcome("error")
		s.logger.Warn("ledger line rejected",
			slog.String("line", line.ID.String()),
			slog.String("group", line.GroupKey),
			slog.Any("error", err))
		return LineResult{LineID: line.ID, Outcome: StatusError, Message: cause}
	}

	if terr := s.repo.Transition(ctx, line.ID, StatusSent, StatusConfirmed, &remoteID, ""); terr != nil {
		s.logger.Error("confirm line", slog.String("line", line.ID.String()), slog.Any("error", terr))
		return LineResult{LineID: line.ID, Outcome: StatusSent, Message: terr.Error()}
	}
	s.countOutcome("confirmed")
	s.logger.Info("ledger line confirmed",
		slog.String("line", line.ID.String()),
		slog.String("group", line.GroupKey),
		slog.Int64("external_id", remoteID))
	return LineResult{LineID: line.ID, Outcome: StatusConfirmed, ExternalID: &remoteID}
}

// PostAllForOrder runs the posting sequence for every group of the order
// that still contains qualifying lines.
func (s *Service) PostAllForOrder(ctx context.Context, orderID int64) ([]GroupResult, error) {
	lines, err := s.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrNotFound
	}

	seen := make(map[string]bool)
	var groups []string
	for _, line := range lines {
		if seen[line.GroupKey] {
			continue
		}
		seen[line.GroupKey] = true
		if line.Status.Qualifies() {
			groups = append(groups, line.GroupKey)
			continue
		}
		// Another line of an already-seen group may still qualify.
		for _, other := range lines {
			if other.GroupKey == line.GroupKey && other.Status.Qualifies() {
				groups = append(groups, line.GroupKey)
				break
			}
		}
	}

	results := make([]GroupResult, 0, len(groups))
	for _, groupKey := range groups {
		result, err := s.PostGroup(ctx, groupKey)
		if err != nil {
			results = append(results, GroupResult{
				GroupKey: groupKey,
				Success:  false,
				Lines:    []LineResult{{Message: err.Error()}},
			})
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// PostLine reposts the group owning one line, resetting the line to PENDING
// first when it previously failed. This is the operator-facing retry of a
// single entry.
func (s *Service) PostLine(ctx context.Context, lineID uuid.UUID) (GroupResult, error) {
	line, err := s.repo.GetLine(ctx, lineID)
	if err != nil {
		return GroupResult{}, err
	}
	if !line.Status.Qualifies() {
		return GroupResult{}, fmt.Errorf("%w: cannot post a line in status %s", ErrStateTransition, line.Status)
	}
	if line.Status == StatusError {
		if _, err := s.RetryLine(ctx, lineID); err != nil {
			return GroupResult{}, err
		}
	}
	return s.PostGroup(ctx, line.GroupKey)
}

// RetryLine resets one ERROR line to PENDING. This is the only path back
// into the qualifying set that clears the recorded cause; it never runs
// automatically.
func (s *Service) RetryLine(ctx context.Context, lineID uuid.UUID) (Line, error) {
	line, err := s.repo.GetLine(ctx, lineID)
	if err != nil {
		return Line{}, err
	}
	if line.Status != StatusError {
		return Line{}, fmt.Errorf("%w: %s is %s", ErrStateTransition, lineID, line.Status)
	}
	if err := s.repo.Transition(ctx, lineID, StatusError, StatusPending, nil, ""); err != nil {
		return Line{}, err
	}
	return s.repo.GetLine(ctx, lineID)
}

// GetLine exposes single-line lookup to the HTTP layer.
func (s *Service) GetLine(ctx context.Context, lineID uuid.UUID) (Line, error) {
	return s.repo.GetLine(ctx, lineID)
}

// ListLines exposes filtered listing to the HTTP layer.
func (s *Service) ListLines(ctx context.Context, filter Filter) ([]Line, error) {
	return s.repo.List(ctx, filter)
}

// ListByOrder returns the lines generated from one order.
func (s *Service) ListByOrder(ctx context.Context, orderID int64) ([]Line, error) {
	return s.repo.ListByOrder(ctx, orderID)
}

// PendingTransactions lists lines awaiting posting in the date range,
// optionally including failed lines so operators can retry them.
func (s *Service) PendingTransactions(ctx context.Context, from, to time.Time, includeErrors bool) ([]Line, error) {
	statuses := []Status{StatusPending}
	if includeErrors {
		statuses = append(statuses, StatusError)
	}
	return s.repo.List(ctx, Filter{Statuses: statuses, DateFrom: from, DateTo: to})
}

// ExternalEntries proxies the external listing endpoint.
func (s *Service) ExternalEntries(ctx context.Context, filter extacct.ListFilter) ([]extacct.Entry, error) {
	entries, err := s.external.ListEntries(ctx, filter)
	if err != nil {
		if errors.Is(err, extacct.ErrUnauthorized) {
			s.external.InvalidateCredentials()
		}
		return nil, err
	}
	return entries, nil
}

func (s *Service) countOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordPostingOutcome(outcome)
	}
}

func (s *Service) recordAudit(ctx context.Context, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{Action: action, Entity: "ledger_line_group", EntityID: entityID, Meta: meta, At: s.now()})
}

func parseCode(code string) (int64, error) {
	id, err := strconv.ParseInt(code, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("ledger: non-numeric code %q", code)
	}
	return id, nil
}
