package ledger

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian/internal/extacct"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// GenerateRequest asks for ledger lines from one approved order.
type GenerateRequest struct {
	OrderID int64 `json:"orderId" validate:"required,gt=0"`
}

// reconcileParams carries the parsed reconciliation query.
type reconcileParams struct {
	From          time.Time
	To            time.Time
	IncludeErrors bool
	AccountID     int64
	Movement      string `validate:"omitempty,oneof=DB CR"`
	EntryDate     time.Time
}

const dateLayout = "2006-01-02"

var errBadDate = errors.New("dates must use the YYYY-MM-DD format")

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, errBadDate
	}
	return parsed, nil
}

func parseReconcileParams(r *http.Request) (reconcileParams, error) {
	q := r.URL.Query()
	var params reconcileParams
	var err error
	if params.From, err = parseDate(q.Get("from")); err != nil {
		return params, err
	}
	if params.To, err = parseDate(q.Get("to")); err != nil {
		return params, err
	}
	if params.From.IsZero() || params.To.IsZero() {
		return params, errors.New("from and to query parameters are required")
	}
	if params.EntryDate, err = parseDate(q.Get("entryDate")); err != nil {
		return params, err
	}
	params.IncludeErrors = q.Get("includeErrors") == "true"
	if raw := q.Get("accountId"); raw != "" {
		params.AccountID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return params, errors.New("accountId must be numeric")
		}
	}
	params.Movement = q.Get("movementType")
	if err := validate.Struct(params); err != nil {
		return params, err
	}
	return params, nil
}

func parseListFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	var filter Filter
	if raw := q.Get("status"); raw != "" {
		filter.Statuses = []Status{Status(raw)}
	}
	if raw := q.Get("orderId"); raw != "" {
		orderID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, errors.New("orderId must be numeric")
		}
		filter.SourceOrderID = &orderID
	}
	if raw := q.Get("movementType"); raw != "" {
		movement := MovementType(raw)
		if !movement.Valid() {
			return filter, errors.New("movementType must be DB or CR")
		}
		filter.Movement = movement
	}
	var err error
	if filter.DateFrom, err = parseDate(q.Get("from")); err != nil {
		return filter, err
	}
	if filter.DateTo, err = parseDate(q.Get("to")); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseExternalFilter(r *http.Request) (extacct.ListFilter, error) {
	q := r.URL.Query()
	var filter extacct.ListFilter
	var err error
	if filter.StartDate, err = parseDate(q.Get("from")); err != nil {
		return filter, err
	}
	if filter.EndDate, err = parseDate(q.Get("to")); err != nil {
		return filter, err
	}
	if filter.EntryDate, err = parseDate(q.Get("entryDate")); err != nil {
		return filter, err
	}
	if raw := q.Get("accountId"); raw != "" {
		filter.AccountID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, errors.New("accountId must be numeric")
		}
	}
	filter.Movement = q.Get("movementType")
	if filter.Movement != "" && !MovementType(filter.Movement).Valid() {
		return filter, errors.New("movementType must be DB or CR")
	}
	return filter, nil
}

// lineView is the JSON projection of a ledger line.
type lineView struct {
	ID            string `json:"id"`
	GroupKey      string `json:"groupKey"`
	SourceOrderID *int64 `json:"sourceOrderId,omitempty"`
	Label         string `json:"label"`
	AuxiliaryCode string `json:"auxiliaryCode"`
	AccountCode   string `json:"accountCode"`
	MovementType  string `json:"movementType"`
	EntryDate     string `json:"entryDate"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	ExternalID    *int64 `json:"externalId,omitempty"`
	LastError     string `json:"lastError,omitempty"`
}

func toLineView(line Line) lineView {
	return lineView{
		ID:            line.ID.String(),
		GroupKey:      line.GroupKey,
		SourceOrderID: line.SourceOrderID,
		Label:         line.Label,
		AuxiliaryCode: line.AuxiliaryCode,
		AccountCode:   line.AccountCode,
		MovementType:  string(line.Movement),
		EntryDate:     line.EntryDate.Format(dateLayout),
		Amount:        line.Amount.StringFixed(2),
		Status:        string(line.Status),
		ExternalID:    line.ExternalID,
		LastError:     line.LastError,
	}
}

func toLineViews(lines []Line) []lineView {
	views := make([]lineView, 0, len(lines))
	for _, line := range lines {
		views = append(views, toLineView(line))
	}
	return views
}
