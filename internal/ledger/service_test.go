package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian/internal/extacct"
	"github.com/meridian-erp/meridian/internal/orders"
	"github.com/meridian-erp/meridian/internal/shared"
)

type memoryLedgerRepo struct {
	mu    sync.Mutex
	lines map[uuid.UUID]Line
	order []uuid.UUID
}

func newMemoryLedgerRepo() *memoryLedgerRepo {
	return &memoryLedgerRepo{lines: make(map[uuid.UUID]Line)}
}

func (r *memoryLedgerRepo) CreateGroup(ctx context.Context, lines []Line) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range lines {
		if line.SourceOrderID == nil {
			continue
		}
		for _, existing := range r.lines {
			if existing.SourceOrderID != nil && *existing.SourceOrderID == *line.SourceOrderID && existing.Movement == line.Movement {
				return ErrDuplicateGeneration
			}
		}
	}
	for _, line := range lines {
		r.lines[line.ID] = line
		r.order = append(r.order, line.ID)
	}
	return nil
}

func (r *memoryLedgerRepo) GetLine(ctx context.Context, id uuid.UUID) (Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line, ok := r.lines[id]
	if !ok {
		return Line{}, ErrNotFound
	}
	return line, nil
}

func (r *memoryLedgerRepo) ListByOrder(ctx context.Context, orderID int64) ([]Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Line
	for _, id := range r.order {
		line := r.lines[id]
		if line.SourceOrderID != nil && *line.SourceOrderID == orderID {
			out = append(out, line)
		}
	}
	return out, nil
}

func (r *memoryLedgerRepo) ListByGroup(ctx context.Context, groupKey string) ([]Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Line
	for _, id := range r.order {
		if line := r.lines[id]; line.GroupKey == groupKey {
			out = append(out, line)
		}
	}
	return out, nil
}

func (r *memoryLedgerRepo) List(ctx context.Context, filter Filter) ([]Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Line
	for _, id := range r.order {
		line := r.lines[id]
		if len(filter.Statuses) > 0 {
			found := false
			for _, status := range filter.Statuses {
				if line.Status == status {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if filter.Movement != "" && line.Movement != filter.Movement {
			continue
		}
		if !filter.DateFrom.IsZero() && line.EntryDate.Before(filter.DateFrom) {
			continue
		}
		if !filter.DateTo.IsZero() && line.EntryDate.After(filter.DateTo) {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

func (r *memoryLedgerRepo) Transition(ctx context.Context, id uuid.UUID, from, to Status, externalID *int64, cause string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	line, ok := r.lines[id]
	if !ok {
		return ErrNotFound
	}
	if line.Status != from || !from.CanTransitionTo(to) {
		return ErrStateTransition
	}
	line.Status = to
	line.LastError = cause
	if externalID != nil {
		line.ExternalID = externalID
	}
	r.lines[id] = line
	return nil
}

func (r *memoryLedgerRepo) seed(line Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[line.ID] = line
	r.order = append(r.order, line.ID)
}

type memoryOrders struct {
	orders map[int64]orders.PurchaseOrder
}

func (o *memoryOrders) GetOrder(ctx context.Context, id int64) (orders.PurchaseOrder, error) {
	order, ok := o.orders[id]
	if !ok {
		return orders.PurchaseOrder{}, shared.ErrNotFound
	}
	return order, nil
}

type fakeExternal struct {
	mu          sync.Mutex
	authErr     error
	createFn    func(in extacct.EntryInput) (int64, error)
	created     []extacct.EntryInput
	invalidated int
	entries     []extacct.Entry
	listErr     error
}

func (f *fakeExternal) EnsureCredentials(ctx context.Context) error {
	return f.authErr
}

func (f *fakeExternal) InvalidateCredentials() {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

func (f *fakeExternal) CreateEntry(ctx context.Context, in extacct.EntryInput) (int64, error) {
	f.mu.Lock()
	f.created = append(f.created, in)
	f.mu.Unlock()
	if f.createFn != nil {
		return f.createFn(in)
	}
	return int64(100 + len(f.created)), nil
}

func (f *fakeExternal) ListEntries(ctx context.Context, filter extacct.ListFilter) ([]extacct.Entry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.entries, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func approvedOrder(id int64) orders.PurchaseOrder {
	return orders.PurchaseOrder{
		ID:           id,
		Number:       "2024-0042",
		SupplierName: "Acme Supplies",
		Status:       orders.StatusApproved,
		OrderDate:    time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC),
		Items: []orders.Item{
			{ID: 1, ArticleID: 11, Quantity: decimal.NewFromInt(10), UnitCost: decimal.RequireFromString("150.00")},
			{ID: 2, ArticleID: 12, Quantity: decimal.NewFromInt(5), UnitCost: decimal.RequireFromString("200.00")},
		},
	}
}

func newTestService(repo *memoryLedgerRepo, ord *memoryOrders, ext *fakeExternal) *Service {
	return NewService(repo, ord, ext, testLogger())
}

func TestGenerateFromOrder(t *testing.T) {
	repo := newMemoryLedgerRepo()
	ord := &memoryOrders{orders: map[int64]orders.PurchaseOrder{42: approvedOrder(42)}}
	svc := newTestService(repo, ord, &fakeExternal{})

	lines, err := svc.GenerateFromOrder(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	debit, credit := lines[0], lines[1]
	require.Equal(t, MovementDebit, debit.Movement)
	require.Equal(t, AccountGoodsPurchased, debit.AccountCode)
	require.Equal(t, MovementCredit, credit.Movement)
	require.Equal(t, AccountPayable, credit.AccountCode)

	total := decimal.RequireFromString("2500.00")
	require.True(t, debit.Amount.Equal(total), "debit amount %s", debit.Amount)
	require.True(t, credit.Amount.Equal(total), "credit amount %s", credit.Amount)

	require.Equal(t, "PO-2024-0042", debit.GroupKey)
	require.Equal(t, debit.GroupKey, credit.GroupKey)
	require.Equal(t, StatusPending, debit.Status)
	require.Equal(t, StatusPending, credit.Status)
	require.True(t, debit.EntryDate.Equal(credit.EntryDate))
	require.Equal(t, DefaultAuxiliaryCode, debit.AuxiliaryCode)
	require.Contains(t, credit.Label, "Acme Supplies")
}

func TestGenerateFromOrderRejectsUnapproved(t *testing.T) {
	order := approvedOrder(7)
	order.Status = orders.StatusPending
	repo := newMemoryLedgerRepo()
	ord := &memoryOrders{orders: map[int64]orders.PurchaseOrder{7: order}}
	svc := newTestService(repo, ord, &fakeExternal{})

	_, err := svc.GenerateFromOrder(context.Background(), 7)
	require.ErrorIs(t, err, ErrOrderNotApproved)
}

func TestGenerateFromOrderRejectsEmptyOrder(t *testing.T) {
	order := approvedOrder(8)
	order.Items = []orders.Item{{ID: 1, Quantity: decimal.Zero, UnitCost: decimal.RequireFromString("10.00")}}
	repo := newMemoryLedgerRepo()
	ord := &memoryOrders{orders: map[int64]orders.PurchaseOrder{8: order}}
	svc := newTestService(repo, ord, &fakeExternal{})

	_, err := svc.GenerateFromOrder(context.Background(), 8)
	require.ErrorIs(t, err, ErrOrderNoItems)
}

func TestGenerateFromOrderIsIdempotent(t *testing.T) {
	repo := newMemoryLedgerRepo()
	ord := &memoryOrders{orders: map[int64]orders.PurchaseOrder{42: approvedOrder(42)}}
	svc := newTestService(repo, ord, &fakeExternal{})

	_, err := svc.GenerateFromOrder(context.Background(), 42)
	require.NoError(t, err)

	_, err = svc.GenerateFromOrder(context.Background(), 42)
	require.ErrorIs(t, err, ErrDuplicateGeneration)

	lines, err := svc.ListByOrder(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, lines, 2)
}

func TestGenerateFromOrderUnknownOrder(t *testing.T) {
	svc := newTestService(newMemoryLedgerRepo(), &memoryOrders{orders: map[int64]orders.PurchaseOrder{}}, &fakeExternal{})

	_, err := svc.GenerateFromOrder(context.Background(), 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostGroupConfirmsAllLines(t *testing.T) {
	repo := newMemoryLedgerRepo()
	ord := &memoryOrders{orders: map[int64]orders.PurchaseOrder{42: approvedOrder(42)}}
	ext := &fakeExternal{}
	svc := newTestService(repo, ord, ext)

	lines, err := svc.GenerateFromOrder(context.Background(), 42)
	require.NoError(t, err)

	result, err := svc.PostGroup(context.Background(), lines[0].GroupKey)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Lines, 2)
	for _, lr := range result.Lines {
		require.Equal(t, StatusConfirmed, lr.Outcome)
		require.NotNil(t, lr.ExternalID)
	}

	stored, err := svc.ListByOrder(context.Background(), 42)
	require.NoError(t, err)
	for _, line := range stored {
		require.Equal(t, StatusConfirmed, line.Status)
		require.NotNil(t, line.ExternalID)
	}
	require.Len(t, ext.created, 2)
}

func TestPostGroupPartialFailureThenRetry(t *testing.T) {
	repo := newMemoryLedgerRepo()
	ord := &memoryOrders{orders: map[int64]orders.PurchaseOrder{42: approvedOrder(42)}}
	calls := 0
	ext := &fakeExternal{}
	ext.createFn = func(in extacct.EntryInput) (int64, error) {
		calls++
		if calls == 1 {
			return 77, nil
		}
		return 0, errors.New("insert failed: constraint violation")
	}
	svc := newTestService(repo, ord, ext)

	lines, err := svc.GenerateFromOrder(context.Background(), 42)
	require.NoError(t, err)
	groupKey := lines[0].GroupKey

	result, err := svc.PostGroup(context.Background(), groupKey)
	require.NoError(t, err)
	require.False(t, result.Success)

	stored, err := svc.ListByOrder(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, stored[0].Status)
	require.NotNil(t, stored[0].ExternalID)
	require.Equal(t, int64(77), *stored[0].ExternalID)
	require.Equal(t, StatusError, stored[1].Status)
	require.Contains(t, stored[1].LastError, "constraint violation")

	// A second pass must not resubmit the confirmed line.
	ext.createFn = func(in extacct.EntryInput) (int64, error) {
		return 78, nil
	}
	before := len(ext.created)
	result, err = svc.PostGroup(context.Background(), groupKey)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, before+1, len(ext.created))

	stored, err = svc.ListByOrder(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, stored[1].Status)
	require.Equal(t, int64(78), *stored[1].ExternalID)
}

func TestPostGroupRejectsUnbalancedSet(t *testing.T) {
	repo := newMemoryLedgerRepo()
	orderID := int64(9)
	lone := Line{
		ID:            uuid.New(),
		GroupKey:      "PO-lone",
		SourceOrderID: &orderID,
		AccountCode:   AccountGoodsPurchased,
		Movement:      MovementDebit,
		EntryDate:     time.Now().UTC(),
		Amount:        decimal.RequireFromString("10.00"),
		Status:        StatusPending,
	}
	repo.seed(lone)
	ext := &fakeExternal{}
	svc := newTestService(repo, &memoryOrders{}, ext)

	_, err := svc.PostGroup(context.Background(), "PO-lone")
	require.ErrorIs(t, err, ErrUnbalancedGroup)

	stored, err := svc.GetLine(context.Background(), lone.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.Empty(t, ext.created)
}

func TestPostGroupAuthFailureLeavesLinesUntouched(t *testing.T) {
	repo := newMemoryLedgerRepo()
	ord := &memoryOrders{orders: map[int64]orders.PurchaseOrder{42: approvedOrder(42)}}
	ext := &fakeExternal{authErr: extacct.ErrAuthRejected}
	svc := newTestService(repo, ord, ext)

	lines, err := svc.GenerateFromOrder(context.Background(), 42)
	require.NoError(t, err)

	result, err := svc.PostGroup(context.Background(), lines[0].GroupKey)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Len(t, result.Lines, 2)
	for _, lr := range result.Lines {
		require.Equal(t, StatusPending, lr.Outcome)
		require.Contains(t, lr.Message, "authentication failed")
	}

	stored, err := svc.ListByOrder(context.Background(), 42)
	require.NoError(t, err)
	for _, line := range stored {
		require.Equal(t, StatusPending, line.Status)
	}
	require.Empty(t, ext.created)
}

func TestPostGroupConcurrentPassRejected(t *testing.T) {
	repo := newMemoryLedgerRepo()
	ord := &memoryOrders{orders: map[int64]orders.PurchaseOrder{42: approvedOrder(42)}}
	started := make(chan struct{})
	release := make(chan struct{})
	first := true
	ext := &fakeExternal{}
	ext.createFn = func(in extacct.EntryInput) (int64, error) {
		if first {
			first = false
			close(started)
			<-release
		}
		return 100, nil
	}
	svc := newTestService(repo, ord, ext)

	lines, err := svc.GenerateFromOrder(context.Background(), 42)
	require.NoError(t, err)
	groupKey := lines[0].GroupKey

	done := make(chan error, 1)
	go func() {
		_, err := svc.PostGroup(context.Background(), groupKey)
		done <- err
	}()

	<-started
	_, err = svc.PostGroup(context.Background(), groupKey)
	require.ErrorIs(t, err, ErrPostingInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestPostLineUnauthorizedInvalidatesCredentials(t *testing.T) {
	repo := newMemoryLedgerRepo()
	ord := &memoryOrders{orders: map[int64]orders.PurchaseOrder{42: approvedOrder(42)}}
	ext := &fakeExternal{}
	ext.createFn = func(in extacct.EntryInput) (int64, error) {
		return 0, extacct.ErrUnauthorized
	}
	svc := newTestService(repo, ord, ext)

	lines, err := svc.GenerateFromOrder(context.Background(), 42)
	require.NoError(t, err)

	result, err := svc.PostGroup(context.Background(), lines[0].GroupKey)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, 2, ext.invalidated)

	stored, err := svc.ListByOrder(context.Background(), 42)
	require.NoError(t, err)
	for _, line := range stored {
		require.Equal(t, StatusError, line.Status)
	}
}

func TestRetryLineResetsFailedLine(t *testing.T) {
	repo := newMemoryLedgerRepo()
	failed := Line{
		ID:          uuid.New(),
		GroupKey:    "PO-retry",
		AccountCode: AccountGoodsPurchased,
		Movement:    MovementDebit,
		Amount:      decimal.RequireFromString("5.00"),
		Status:      StatusError,
		LastError:   "remote rejected",
	}
	repo.seed(failed)
	svc := newTestService(repo, &memoryOrders{}, &fakeExternal{})

	line, err := svc.RetryLine(context.Background(), failed.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, line.Status)
	require.Empty(t, line.LastError)
}

func TestRetryLineRejectsConfirmed(t *testing.T) {
	repo := newMemoryLedgerRepo()
	confirmed := Line{
		ID:       uuid.New(),
		GroupKey: "PO-done",
		Movement: MovementDebit,
		Amount:   decimal.RequireFromString("5.00"),
		Status:   StatusConfirmed,
	}
	repo.seed(confirmed)
	svc := newTestService(repo, &memoryOrders{}, &fakeExternal{})

	_, err := svc.RetryLine(context.Background(), confirmed.ID)
	require.ErrorIs(t, err, ErrStateTransition)
}

func TestPostLineRepostsWholeGroup(t *testing.T) {
	repo := newMemoryLedgerRepo()
	ord := &memoryOrders{orders: map[int64]orders.PurchaseOrder{42: approvedOrder(42)}}
	calls := 0
	ext := &fakeExternal{}
	ext.createFn = func(in extacct.EntryInput) (int64, error) {
		calls++
		if calls == 2 {
			return 0, errors.New("rejected")
		}
		return int64(200 + calls), nil
	}
	svc := newTestService(repo, ord, ext)

	lines, err := svc.GenerateFromOrder(context.Background(), 42)
	require.NoError(t, err)
	_, err = svc.PostGroup(context.Background(), lines[0].GroupKey)
	require.NoError(t, err)

	stored, err := svc.ListByOrder(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, StatusError, stored[1].Status)

	result, err := svc.PostLine(context.Background(), stored[1].ID)
	require.NoError(t, err)
	require.True(t, result.Success)

	stored, err = svc.ListByOrder(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, stored[1].Status)
}

func TestPostLineRejectsConfirmedLine(t *testing.T) {
	repo := newMemoryLedgerRepo()
	confirmed := Line{
		ID:       uuid.New(),
		GroupKey: "PO-done",
		Movement: MovementDebit,
		Amount:   decimal.RequireFromString("5.00"),
		Status:   StatusConfirmed,
	}
	repo.seed(confirmed)
	svc := newTestService(repo, &memoryOrders{}, &fakeExternal{})

	_, err := svc.PostLine(context.Background(), confirmed.ID)
	require.ErrorIs(t, err, ErrStateTransition)
}

func TestPostAllForOrder(t *testing.T) {
	repo := newMemoryLedgerRepo()
	ord := &memoryOrders{orders: map[int64]orders.PurchaseOrder{42: approvedOrder(42)}}
	ext := &fakeExternal{}
	svc := newTestService(repo, ord, ext)

	_, err := svc.GenerateFromOrder(context.Background(), 42)
	require.NoError(t, err)

	results, err := svc.PostAllForOrder(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)

	// A second pass sees no qualifying groups.
	results, err = svc.PostAllForOrder(context.Background(), 42)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestPendingTransactions(t *testing.T) {
	repo := newMemoryLedgerRepo()
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	pending := Line{ID: uuid.New(), GroupKey: "PO-a", Movement: MovementDebit, EntryDate: now, Amount: decimal.New(1, 0), Status: StatusPending}
	failed := Line{ID: uuid.New(), GroupKey: "PO-b", Movement: MovementCredit, EntryDate: now, Amount: decimal.New(1, 0), Status: StatusError}
	confirmed := Line{ID: uuid.New(), GroupKey: "PO-c", Movement: MovementDebit, EntryDate: now, Amount: decimal.New(1, 0), Status: StatusConfirmed}
	repo.seed(pending)
	repo.seed(failed)
	repo.seed(confirmed)
	svc := newTestService(repo, &memoryOrders{}, &fakeExternal{})

	lines, err := svc.PendingTransactions(context.Background(), now.AddDate(0, 0, -1), now.AddDate(0, 0, 1), false)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, pending.ID, lines[0].ID)

	lines, err = svc.PendingTransactions(context.Background(), now.AddDate(0, 0, -1), now.AddDate(0, 0, 1), true)
	require.NoError(t, err)
	require.Len(t, lines, 2)
}
