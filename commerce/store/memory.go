// Package store provides in-memory implementations of the commerce
// storage interfaces, for tests and local development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commerce-engine/commerce"
)

// =============================================================================
// MEMORY ORDER STORE
// =============================================================================

type MemoryOrders struct {
	mu     sync.RWMutex
	orders map[string]commerce.Order // keyed by order id
	items  map[string][]commerce.OrderItem
	nextID int64
}

func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{
		orders: make(map[string]commerce.Order),
		items:  make(map[string][]commerce.OrderItem),
	}
}

func (m *MemoryOrders) CreateOrder(_ context.Context, o *commerce.Order, items []commerce.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.UpdatedAt = o.CreatedAt
	o.Version = 1
	m.orders[o.ID] = *o

	for _, item := range items {
		m.nextID++
		item.ID = m.nextID
		item.OrderID = o.ID
		m.items[o.ID] = append(m.items[o.ID], item)
	}
	return nil
}

func (m *MemoryOrders) GetOrder(_ context.Context, guildID, orderID string) (*commerce.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok || o.GuildID != guildID {
		return nil, nil
	}
	cp := o
	return &cp, nil
}

func (m *MemoryOrders) GetOrderItems(_ context.Context, orderID string) ([]commerce.OrderItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]commerce.OrderItem, len(m.items[orderID]))
	copy(items, m.items[orderID])
	return items, nil
}

func (m *MemoryOrders) ListOrders(_ context.Context, guildID string, filter commerce.OrderFilter) ([]commerce.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []commerce.Order
	for _, o := range m.orders {
		if o.GuildID != guildID {
			continue
		}
		switch filter {
		case commerce.FilterPending:
			if o.Status != commerce.StatusPending {
				continue
			}
		case commerce.FilterStuck:
			if !o.Stuck() {
				continue
			}
		case commerce.FilterFailed:
			if o.Status != commerce.StatusFailed {
				continue
			}
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateOrder is a compare-and-swap on Version, mirroring the SQLite
// store's optimistic concurrency behavior.
func (m *MemoryOrders) UpdateOrder(_ context.Context, o *commerce.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[o.ID]
	if !ok || stored.GuildID != o.GuildID {
		return commerce.ErrOrderNotFound
	}
	if stored.Version != o.Version {
		return commerce.ErrConcurrentModification
	}
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	m.orders[o.ID] = *o
	return nil
}

// =============================================================================
// MEMORY BALANCE STORE
// =============================================================================

type balanceKey struct {
	GuildID string
	UserID  string
}

type MemoryBalances struct {
	mu       sync.RWMutex
	balances map[balanceKey]decimal.Decimal
}

func NewMemoryBalances() *MemoryBalances {
	return &MemoryBalances{balances: make(map[balanceKey]decimal.Decimal)}
}

func (m *MemoryBalances) GetBalance(_ context.Context, guildID, userID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[balanceKey{guildID, userID}], nil
}

func (m *MemoryBalances) UpsertBalance(_ context.Context, guildID, userID string, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey{guildID, userID}] = balance
	return nil
}

// =============================================================================
// MEMORY LEDGER STORE - Append-only
// =============================================================================

type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[balanceKey][]commerce.LedgerEntry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[balanceKey][]commerce.LedgerEntry)}
}

func (m *MemoryLedger) AppendEntry(_ context.Context, e commerce.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := balanceKey{e.GuildID, e.UserID}
	m.entries[k] = append(m.entries[k], e)
	return nil
}

func (m *MemoryLedger) Entries(_ context.Context, guildID, userID string) ([]commerce.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k := balanceKey{guildID, userID}
	out := make([]commerce.LedgerEntry, len(m.entries[k]))
	copy(out, m.entries[k])
	return out, nil
}
