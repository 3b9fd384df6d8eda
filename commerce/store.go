/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  The workflow coordinates three independently-failable stores (orders,
  balances, ledger) plus one external call (the role grant) that cannot be
  rolled back. Each dependency is an interface so the workflow is testable
  with fakes and the stores can be swapped (SQLite in production, memory
  in tests).

ORDERING DISCIPLINE (who may fail after whom):
  - The role grant is resolved BEFORE the order is marked paid, so "paid"
    is only ever set after delivery is confirmed.
  - On reject/refund, the balance upsert is confirmed BEFORE the ledger
    append, so a crash between the two leaves the ledger one entry behind
    the true balance, never ahead of it.
  - Compensation is confirmed before success is reported to the caller.

SEE ALSO:
  - workflow.go: the only mutator of orders
  - store/memory.go: in-memory implementations
  - ../store/sqlite: production implementation
*/
package commerce

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORES
// =============================================================================

// OrderStore persists orders and their line items.
type OrderStore interface {
	// CreateOrder inserts a new order with its items. Used by the checkout
	// collaborator and demo seeding; the workflow itself never creates.
	CreateOrder(ctx context.Context, o *Order, items []OrderItem) error

	// GetOrder returns the order, or nil if it does not exist in the guild.
	GetOrder(ctx context.Context, guildID, orderID string) (*Order, error)

	// GetOrderItems returns the order's line items in insertion order.
	// Delivery grants roles in exactly this order.
	GetOrderItems(ctx context.Context, orderID string) ([]OrderItem, error)

	// ListOrders returns orders matching the filter, newest first.
	ListOrders(ctx context.Context, guildID string, filter OrderFilter) ([]Order, error)

	// UpdateOrder persists a status transition. The write is a
	// compare-and-swap on o.Version: if the stored version differs,
	// ErrConcurrentModification is returned and nothing changes.
	// On success o.Version is incremented.
	UpdateOrder(ctx context.Context, o *Order) error
}

// BalanceStore is the cached wallet balance per (guild, user).
type BalanceStore interface {
	// GetBalance returns the current balance, zero if no record exists.
	GetBalance(ctx context.Context, guildID, userID string) (decimal.Decimal, error)

	// UpsertBalance writes the new balance by conflict key (guild, user).
	UpsertBalance(ctx context.Context, guildID, userID string, balance decimal.Decimal) error
}

// LedgerStore is the append-only record of balance-affecting events.
// No update, no delete. Ever.
type LedgerStore interface {
	AppendEntry(ctx context.Context, e LedgerEntry) error

	// Entries returns a pair's entries, oldest first, for balance
	// reconstruction and wallet history.
	Entries(ctx context.Context, guildID, userID string) ([]LedgerEntry, error)
}

// =============================================================================
// ENTITLEMENT AUTHORITY CLIENT
// =============================================================================

// EntitlementClient isolates every external call needed to grant a role.
// Implementations surface typed errors so the workflow can distinguish
// "could not determine state" (fail safe, do not grant) from "grant
// attempted, external side rejected it" (*GrantError).
//
// Role configuration is fetched live on every fulfillment attempt; nothing
// is cached across attempts, because guild role configuration can change
// between orders.
type EntitlementClient interface {
	FetchRoles(ctx context.Context, guildID string) ([]Role, error)
	FetchActorIdentity(ctx context.Context) (*Identity, error)
	FetchActorMembership(ctx context.Context, guildID, actorID string) ([]string, error)
	GrantRole(ctx context.Context, guildID, userID, roleID string) error
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// NotificationSink delivers user-facing messages on terminal transitions.
// Delivery is fire-and-forget: failures are logged, never rolled back into
// the already-confirmed financial transition.
type NotificationSink interface {
	Notify(ctx context.Context, guildID, userID, title, body string) error
}

// EventSink records audit events for operator tooling.
type EventSink interface {
	LogEvent(ctx context.Context, event, status, actorID, guildID string, metadata map[string]string)
}

// UserDirectory resolves user ids to display profiles for notification
// authorship. Lookups are best-effort.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (*UserProfile, error)
}
