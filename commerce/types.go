/*
Package commerce provides the core order fulfillment engine.

PURPOSE:
  This package contains the domain types and the state machine that takes
  a paid-for store order from "pending" to a delivered entitlement (an
  externally-granted role), while keeping the monetary ledger consistent
  under partial failure. Compensating actions (reject, refund) credit the
  buyer's wallet exactly once.

KEY CONCEPTS IN THIS FILE (types.go):
  - Order: a store purchase with a status lifecycle and audit fields
  - OrderItem: a line item referencing the role to be granted
  - LedgerEntry: an immutable record of a balance-affecting event
  - BalanceRecord: the cached wallet balance per (guild, user)
  - Role / Identity: typed views of the external authorization domain

DESIGN PRINCIPLES:
  1. Immutability: ledger entries are never modified, only appended
  2. Precision: decimal.Decimal for all money, rounded to 2 places
  3. Source of truth: the ledger is authoritative; balances are a cache
  4. Typed boundary: raw API shapes never leak past the entitlement client

SEE ALSO:
  - workflow.go: the approve/reject/refund state machine
  - errors.go: failure taxonomy and caller-facing error codes
  - store.go: persistence and collaborator interfaces
*/
package commerce

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ORDER - Store purchase lifecycle
// =============================================================================

// OrderStatus is the order's position in the fulfillment state machine.
//
// Transitions:
//
//	pending -> paid      (approve, entitlement delivered)
//	pending -> failed    (reject, or delivery failure during approve)
//	failed  -> refunded  (refund)
//
// paid and refunded are terminal. No transition leaves either.
type OrderStatus string

const (
	StatusPending  OrderStatus = "pending"
	StatusPaid     OrderStatus = "paid"
	StatusFailed   OrderStatus = "failed"
	StatusRefunded OrderStatus = "refunded"
)

// Order is a store purchase. Orders are created by the checkout
// collaborator in status pending and mutated only by the Workflow.
// They are never physically deleted; they are the financial audit record.
type Order struct {
	ID      string
	GuildID string
	UserID  string // beneficiary of the entitlement
	Amount  decimal.Decimal
	Status  OrderStatus

	ItemTitle    string
	RoleID       string // optional granted-role reference (summary; items carry the full list)
	DurationDays int    // optional entitlement duration, 0 = permanent

	// AppliedAt is set only when entitlement delivery fully succeeded.
	// An order with Status == paid and AppliedAt == nil is "stuck": it was
	// interrupted mid-fulfillment and needs operator attention. It is never
	// silently retried.
	AppliedAt *time.Time

	// FailureReason holds a classified reason code on the approve path
	// (see errors.go) or the operator-supplied text on the reject path.
	FailureReason string

	// Diagnostic detail captured when the external grant call was rejected.
	FailureCode     int
	FailureResponse string

	// Version is the optimistic concurrency column. Every status transition
	// is a compare-and-swap; a lost race performs no side effect.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stuck reports whether the order is paid but has no confirmed delivery.
func (o *Order) Stuck() bool {
	return o.Status == StatusPaid && o.AppliedAt == nil
}

// OrderItem is a single entitlement line item. Items with an empty RoleID
// carry no entitlement and are skipped during delivery.
type OrderItem struct {
	ID           int64
	OrderID      string
	Title        string
	RoleID       string
	DurationDays int
}

// OrderFilter selects which orders ListOrders returns.
type OrderFilter string

const (
	FilterPending OrderFilter = "pending"
	FilterStuck   OrderFilter = "stuck" // paid AND applied_at IS NULL
	FilterFailed  OrderFilter = "failed"
	FilterAll     OrderFilter = "all"
)

// ValidFilter reports whether f is one of the known filters.
func ValidFilter(f OrderFilter) bool {
	switch f {
	case FilterPending, FilterStuck, FilterFailed, FilterAll:
		return true
	}
	return false
}

// =============================================================================
// LEDGER - Append-only record of balance-affecting events
// =============================================================================

type LedgerType string

const (
	// LedgerRefund credits an order's amount back to the buyer. It is the
	// only entry type this workflow writes: approval spends funds that were
	// already escrowed at checkout and therefore never touches the ledger.
	LedgerRefund LedgerType = "refund"
)

// LedgerEntry is an immutable balance-affecting event. Entries are
// append-only: no update, no delete. The current balance for a
// (guild, user) pair always equals BalanceAfter of that pair's most
// recent entry; the balances table is a cache of this fact.
type LedgerEntry struct {
	ID           string
	GuildID      string
	UserID       string
	Amount       decimal.Decimal // signed; positive = credit
	Type         LedgerType
	BalanceAfter decimal.Decimal
	Metadata     map[string]string // order id, human-readable reason
	CreatedAt    time.Time
}

// BalanceRecord is the cached wallet balance, keyed by (guild, user).
// Derived from the ledger, upserted on every compensating transition.
type BalanceRecord struct {
	GuildID   string
	UserID    string
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// Round2 normalizes a monetary value to 2 fraction digits. All balances
// are rounded before being persisted or compared.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// =============================================================================
// ENTITLEMENT AUTHORITY - Typed views of the external authorization domain
// =============================================================================

// Permission bits of the external authorization system that matter here.
const (
	PermAdministrator uint64 = 1 << 3
	PermManageRoles   uint64 = 1 << 28
)

// Role is a role within a guild's authorization domain, read-only to this
// system. Position is the rank in a strict total order: an actor may only
// grant roles positioned strictly below its own highest role.
type Role struct {
	ID          string
	Name        string
	Position    int
	Permissions uint64
}

// CanManageRoles reports whether the role carries the manage-roles
// capability (directly or via administrator).
func (r Role) CanManageRoles() bool {
	return r.Permissions&(PermManageRoles|PermAdministrator) != 0
}

// Identity is the authority actor's own identity (the bot user).
type Identity struct {
	ID       string
	Username string
}

// UserProfile is a display-level view of a user, used when addressing
// notifications. Not part of the fulfillment decision logic.
type UserProfile struct {
	ID          string
	DisplayName string
	AvatarURL   string
}
