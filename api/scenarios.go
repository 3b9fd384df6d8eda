/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Pre-built scenarios that populate the database with realistic data for
  demos and manual testing: pending orders awaiting fulfillment, failed
  orders awaiting refund, wallet balances with ledger history.

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: writeJSON/writeError helpers
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commerce-engine/commerce"
)

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "pending-orders",
		Name:        "Pending Orders",
		Description: "Three pending role purchases awaiting operator action",
	},
	{
		ID:          "failed-delivery",
		Name:        "Failed Delivery",
		Description: "A delivery-failed order ready to be refunded, with wallet history",
	},
}

// ListScenarios returns the available demo scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scenarios": scenarios})
}

// LoadScenario resets the database and seeds the named scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "role_precheck_error", err)
		return
	}

	var err error
	switch req.Name {
	case "pending-orders":
		err = loadPendingOrdersScenario(ctx, h)
	case "failed-delivery":
		err = loadFailedDeliveryScenario(ctx, h)
	default:
		writeError(w, http.StatusBadRequest, "invalid_payload", fmt.Errorf("unknown scenario %q", req.Name))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "role_precheck_error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scenario": req.Name})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

const demoGuild = "demo-guild"

func loadPendingOrdersScenario(ctx context.Context, h *Handler) error {
	now := time.Now().UTC()
	orders := []struct {
		id, user, title, role string
		amount                string
		days                  int
	}{
		{"order-demo-1", "user-alpha", "VIP Role (30 days)", "role-vip", "25.00", 30},
		{"order-demo-2", "user-beta", "Supporter Role", "role-supporter", "10.50", 0},
		{"order-demo-3", "user-alpha", "Color Pack", "role-color", "5.00", 90},
	}

	for i, o := range orders {
		amount, _ := decimal.NewFromString(o.amount)
		order := &commerce.Order{
			ID:        o.id,
			GuildID:   demoGuild,
			UserID:    o.user,
			Amount:    amount,
			Status:    commerce.StatusPending,
			ItemTitle: o.title,
			RoleID:    o.role,
			CreatedAt: now.Add(-time.Duration(i+1) * time.Hour),
		}
		items := []commerce.OrderItem{
			{Title: o.title, RoleID: o.role, DurationDays: o.days},
		}
		if err := h.Store.CreateOrder(ctx, order, items); err != nil {
			return err
		}
	}
	return nil
}

func loadFailedDeliveryScenario(ctx context.Context, h *Handler) error {
	now := time.Now().UTC()
	amount := decimal.NewFromFloat(25)

	order := &commerce.Order{
		ID:              "order-demo-failed",
		GuildID:         demoGuild,
		UserID:          "user-gamma",
		Amount:          amount,
		Status:          commerce.StatusFailed,
		ItemTitle:       "VIP Role (30 days)",
		RoleID:          "role-vip",
		FailureReason:   string(commerce.ReasonRoleAssignFailed),
		FailureCode:     403,
		FailureResponse: `{"message": "Missing Permissions", "code": 50013}`,
		CreatedAt:       now.Add(-24 * time.Hour),
	}
	items := []commerce.OrderItem{
		{Title: "VIP Role (30 days)", RoleID: "role-vip", DurationDays: 30},
	}
	if err := h.Store.CreateOrder(ctx, order, items); err != nil {
		return err
	}

	// Give the buyer some existing wallet history.
	balance := decimal.NewFromFloat(10)
	if err := h.Store.UpsertBalance(ctx, demoGuild, "user-gamma", balance); err != nil {
		return err
	}
	return h.Store.AppendEntry(ctx, commerce.LedgerEntry{
		ID:           "ledger-demo-1",
		GuildID:      demoGuild,
		UserID:       "user-gamma",
		Amount:       balance,
		Type:         commerce.LedgerRefund,
		BalanceAfter: balance,
		Metadata:     map[string]string{"reason": "demo seed"},
		CreatedAt:    now.Add(-48 * time.Hour),
	})
}
