/*
handlers.go - HTTP handlers for the fulfillment workflow

PURPOSE:
  Exposes the fulfillment workflow via REST. Handles HTTP request/response,
  JSON serialization, and delegates every decision to the workflow.

ENDPOINTS:
  Orders:
    GET  /api/guilds/{guildID}/orders?filter=pending|stuck|failed|all
    POST /api/guilds/{guildID}/orders/{id}/approve
    POST /api/guilds/{guildID}/orders/{id}/reject     body: {reason}
    POST /api/guilds/{guildID}/orders/{id}/refund

  Wallet:
    GET  /api/guilds/{guildID}/users/{userID}/balance
    GET  /api/guilds/{guildID}/users/{userID}/ledger

ERROR HANDLING:
  Workflow errors carry a stable code; the code is mapped onto the HTTP
  status by class:
  - 400: invalid_payload, order_missing_details, role_assign_failed
  - 403: forbidden, bot_missing_manage_roles, bot_role_hierarchy,
         missing_bot_token
  - 404: order_not_found, server_not_found, invalid_role_id
  - 409: invalid_status
  - 500: roles_fetch_failed, role_precheck_error, balance_update_failed

SEE ALSO:
  - dto.go: request/response structures
  - server.go: router setup and middleware
  - ../commerce/workflow.go: the state machine behind every action
*/
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/warp/commerce-engine/commerce"
	"github.com/warp/commerce-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    *sqlite.Store
	Workflow *commerce.Workflow
}

// NewHandler creates a handler around the store and workflow.
func NewHandler(store *sqlite.Store, workflow *commerce.Workflow) *Handler {
	return &Handler{Store: store, Workflow: workflow}
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// ListOrders returns the guild's orders for a filter.
// GET /api/guilds/{guildID}/orders?filter=pending|stuck|failed|all
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	filter := commerce.OrderFilter(r.URL.Query().Get("filter"))

	orders, err := h.Workflow.ListOrders(r.Context(), guildID, filter)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}

	dtos := make([]OrderDTO, 0, len(orders))
	for _, o := range orders {
		dtos = append(dtos, toOrderDTO(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": dtos})
}

// ApproveOrder delivers the order's entitlements.
// POST /api/guilds/{guildID}/orders/{id}/approve
func (h *Handler) ApproveOrder(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	orderID := chi.URLParam(r, "id")
	req := decodeAction(r)

	order, err := h.Workflow.Approve(r.Context(), guildID, orderID, req.ActorID)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Status: "ok", Order: toOrderDTO(*order)})
}

// RejectOrder fails a pending order and credits the buyer back.
// POST /api/guilds/{guildID}/orders/{id}/reject
func (h *Handler) RejectOrder(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	orderID := chi.URLParam(r, "id")
	req := decodeAction(r)

	order, err := h.Workflow.Reject(r.Context(), guildID, orderID, req.ActorID, req.Reason)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Status: "ok", Order: toOrderDTO(*order)})
}

// RefundOrder refunds a failed order.
// POST /api/guilds/{guildID}/orders/{id}/refund
func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	orderID := chi.URLParam(r, "id")
	req := decodeAction(r)

	order, err := h.Workflow.Refund(r.Context(), guildID, orderID, req.ActorID)
	if err != nil {
		writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Status: "ok", Order: toOrderDTO(*order)})
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// GetBalance returns a user's cached wallet balance.
// GET /api/guilds/{guildID}/users/{userID}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	userID := chi.URLParam(r, "userID")

	balance, err := h.Store.GetBalance(r.Context(), guildID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "role_precheck_error", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		GuildID: guildID,
		UserID:  userID,
		Balance: commerce.Round2(balance).StringFixed(2),
	})
}

// GetLedger returns a user's ledger history, oldest first.
// GET /api/guilds/{guildID}/users/{userID}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	userID := chi.URLParam(r, "userID")

	entries, err := h.Store.Entries(r.Context(), guildID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "role_precheck_error", err)
		return
	}

	dtos := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, LedgerEntryDTO{
			ID:           e.ID,
			Amount:       commerce.Round2(e.Amount).StringFixed(2),
			Type:         string(e.Type),
			BalanceAfter: commerce.Round2(e.BalanceAfter).StringFixed(2),
			Metadata:     e.Metadata,
			CreatedAt:    e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": dtos})
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeAction(r *http.Request) ActionRequest {
	var req ActionRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ActorID == "" {
		req.ActorID = "admin"
	}
	return req
}

// httpStatusFor maps a workflow error code onto an HTTP status per the
// failure taxonomy.
func httpStatusFor(code commerce.ErrorCode) int {
	switch code {
	case commerce.CodeInvalidPayload, commerce.CodeOrderMissingDetails, commerce.CodeRoleAssignFailed:
		return http.StatusBadRequest
	case commerce.CodeForbidden, commerce.CodeBotMissingManageRoles, commerce.CodeBotRoleHierarchy, commerce.CodeMissingBotToken:
		return http.StatusForbidden
	case commerce.CodeOrderNotFound, commerce.CodeServerNotFound, commerce.CodeInvalidRoleID:
		return http.StatusNotFound
	case commerce.CodeInvalidStatus:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeWorkflowError(w http.ResponseWriter, err error) {
	code := commerce.CodeOf(err)
	resp := ErrorResponse{Error: string(code)}
	if err != nil {
		resp.Message = err.Error()
	}
	writeJSON(w, httpStatusFor(code), resp)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	resp := ErrorResponse{Error: code}
	if err != nil {
		resp.Message = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
