package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MovementType enumerates the debit/credit axis of a ledger line.
type MovementType string

const (
	MovementDebit  MovementType = "DB"
	MovementCredit MovementType = "CR"
)

// Valid reports whether the movement type is one of the two known values.
func (m MovementType) Valid() bool {
	return m == MovementDebit || m == MovementCredit
}

// Status enumerates ledger line lifecycle values.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusConfirmed Status = "CONFIRMED"
	StatusError     Status = "ERROR"
)

// transitions is the closed set of legal status moves. CONFIRMED is terminal.
// ERROR -> PENDING exists only for explicit operator retries; ERROR -> SENT
// lets a retry pass re-submit failed lines without the intermediate reset.
var transitions = map[Status][]Status{
	StatusPending: {StatusSent},
	StatusSent:    {StatusConfirmed, StatusError},
	StatusError:   {StatusPending, StatusSent},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Qualifies reports whether a line in this status participates in the next
// posting pass.
func (s Status) Qualifies() bool {
	return s == StatusPending || s == StatusError
}

// Well-known codes from the external chart of accounts.
const (
	AccountGoodsPurchased = "80"
	AccountPayable        = "82"
	// DefaultAuxiliaryCode is the purchases sub-ledger in the external system.
	DefaultAuxiliaryCode = "7"
)

// Line is one debit or credit row destined for the external ledger.
// Amount is immutable after creation; corrections are new groups.
type Line struct {
	ID            uuid.UUID
	GroupKey      string
	SourceOrderID *int64
	Label         string
	AuxiliaryCode string
	AccountCode   string
	Movement      MovementType
	EntryDate     time.Time
	Amount        decimal.Decimal
	Status        Status
	ExternalID    *int64
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Filter narrows ledger line listings.
type Filter struct {
	Statuses      []Status
	SourceOrderID *int64
	Movement      MovementType
	DateFrom      time.Time
	DateTo        time.Time
}

var (
	// ErrNotFound indicates a missing ledger line or order.
	ErrNotFound = errors.New("ledger: not found")
	// ErrOrderNotApproved indicates generation for a non-approved order.
	ErrOrderNotApproved = errors.New("ledger: order is not approved")
	// ErrOrderNoItems indicates the order has no billable items.
	ErrOrderNoItems = errors.New("ledger: order has no items with positive quantity and cost")
	// ErrDuplicateGeneration indicates lines already exist for the order.
	ErrDuplicateGeneration = errors.New("ledger: entries already generated for this order")
	// ErrUnbalancedGroup indicates the qualifying set cannot be posted.
	ErrUnbalancedGroup = errors.New("ledger: group requires at least one debit and one credit line")
	// ErrPostingInProgress indicates a concurrent posting pass holds the group.
	ErrPostingInProgress = errors.New("ledger: posting already in progress for this group")
	// ErrStateTransition indicates an illegal status move was attempted.
	ErrStateTransition = errors.New("ledger: illegal status transition")
)

// GroupBalanced reports whether a group is structurally postable: at least
// two lines with at least one debit and one credit. All statuses count,
// otherwise a group whose debit leg is already CONFIRMED could never retry
// its failed credit leg.
func GroupBalanced(lines []Line) bool {
	var debits, credits int
	for _, line := range lines {
		switch line.Movement {
		case MovementDebit:
			debits++
		case MovementCredit:
			credits++
		}
	}
	return debits+credits >= 2 && debits >= 1 && credits >= 1
}
