/*
workflow.go - The order fulfillment state machine

PURPOSE:
  Orchestrates order store, balance store, ledger store and the
  entitlement authority client to process approve/reject/refund actions.

STATE MACHINE:
  pending -> paid      Approve: grant every line item's role, then mark
                       paid with applied_at set. All-or-nothing: a partial
                       grant still reports the order failed.
  pending -> failed    Reject: mark failed with the operator's reason and
                       credit the escrowed amount back.
  failed  -> refunded  Refund: mark refunded, clear the reason, credit the
                       amount back.

MONEY RULES:
  - Approval NEVER touches balances: funds were escrowed at checkout.
  - Reject/refund credit the order amount exactly once:
    read balance -> round -> upsert balance -> append ledger entry carrying
    that exact balance_after.
  - A compensation failure aborts the action loudly; success is never
    reported while money is not restored.

CONCURRENCY:
  Every transition is a compare-and-swap on the order's version column.
  Two concurrent approves may both attempt grants (granting an already-held
  role is a no-op on the external side) but only one flips the status; the
  loser reports invalid_status and writes nothing. This rules out double
  ledger writes on concurrent reject/refund.

SEE ALSO:
  - errors.go: the failure taxonomy this file maps onto
  - store.go: the ordering discipline across the three stores
*/
package commerce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultRejectReason = "rejected by operator"

// Workflow is the only mutator of orders. Invoked synchronously per admin
// action; callers should serialize per-order actions, though the version
// CAS makes a lost race harmless.
type Workflow struct {
	Orders    OrderStore
	Balances  BalanceStore
	Ledger    LedgerStore
	Authority EntitlementClient
	Notifier  NotificationSink
	Events    EventSink
	Users     UserDirectory

	now func() time.Time
}

// NewWorkflow wires a workflow. Notifier, Events and Users may be nil;
// notification and audit are best-effort.
func NewWorkflow(orders OrderStore, balances BalanceStore, ledger LedgerStore, authority EntitlementClient) *Workflow {
	return &Workflow{
		Orders:    orders,
		Balances:  balances,
		Ledger:    ledger,
		Authority: authority,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ListOrders returns the guild's orders for the given filter.
// "stuck" = status paid with no confirmed delivery.
func (w *Workflow) ListOrders(ctx context.Context, guildID string, filter OrderFilter) ([]Order, error) {
	if guildID == "" {
		return nil, &WorkflowError{Code: CodeServerNotFound, Err: ErrServerNotFound}
	}
	if filter == "" {
		filter = FilterAll
	}
	if !ValidFilter(filter) {
		return nil, &WorkflowError{Code: CodeInvalidPayload, Err: fmt.Errorf("%w: unknown filter %q", ErrInvalidPayload, filter)}
	}
	orders, err := w.Orders.ListOrders(ctx, guildID, filter)
	if err != nil {
		return nil, &WorkflowError{Code: CodeRolePrecheckError, Err: err}
	}
	return orders, nil
}

// =============================================================================
// APPROVE (pending -> paid)
// =============================================================================

// Approve delivers the order's entitlements and marks it paid.
//
// The role grant is irreversible on the external side, so it is resolved
// before the status is touched: "paid" is only ever written after every
// line item's role is confirmed granted. Any delivery problem moves the
// order to failed with a classified reason; no funds move on this path.
func (w *Workflow) Approve(ctx context.Context, guildID, orderID, actorID string) (*Order, error) {
	order, err := w.loadOrder(ctx, guildID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusPending {
		return nil, &WorkflowError{Code: CodeInvalidStatus, Err: fmt.Errorf("%w: order is %s", ErrInvalidStatus, order.Status)}
	}

	items, err := w.Orders.GetOrderItems(ctx, order.ID)
	if err == nil && len(items) == 0 {
		err = errors.New("order has no line items")
	}
	if err != nil {
		w.failOrder(ctx, order, string(ReasonOrderMissingDetails), actorID, err)
		return nil, &WorkflowError{Code: CodeOrderMissingDetails, Err: err}
	}

	actor, err := w.resolveActor(ctx, order.GuildID)
	if err != nil {
		reason, code := ReasonRolesFetchFailed, CodeRolesFetchFailed
		if errors.Is(err, ErrMissingBotToken) {
			reason, code = ReasonMissingBotToken, CodeMissingBotToken
		}
		w.failOrder(ctx, order, string(reason), actorID, err)
		return nil, &WorkflowError{Code: code, Err: err}
	}

	// Grant in fixed (insertion) order. A retried approve would re-grant
	// already-held roles, which the external API treats as a no-op.
	for _, item := range items {
		if item.RoleID == "" {
			continue
		}
		if gerr := w.grantItem(ctx, order, actor, item, actorID); gerr != nil {
			return nil, gerr
		}
	}

	now := w.now()
	order.Status = StatusPaid
	order.AppliedAt = &now
	order.FailureReason = ""
	order.FailureCode = 0
	order.FailureResponse = ""
	if err := w.Orders.UpdateOrder(ctx, order); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return nil, &WorkflowError{Code: CodeInvalidStatus, Err: err}
		}
		// Roles were granted but the order could not be flipped: the order
		// stays pending and a re-approve is safe. Surface loudly.
		w.logEvent(ctx, "order_approve", "stuck_write", actorID, order.GuildID, map[string]string{
			"order_id": order.ID, "error": err.Error(),
		})
		return nil, &WorkflowError{Code: CodeRolePrecheckError, Err: err}
	}

	w.logEvent(ctx, "order_approve", "ok", actorID, order.GuildID, map[string]string{"order_id": order.ID})
	return order, nil
}

// actorContext is the authority actor's operating view for one attempt:
// the guild's role list, the actor's highest rank and merged permissions.
// Recomputed per attempt, never cached.
type actorContext struct {
	roles       map[string]Role
	topPosition int
	permissions uint64
}

func (w *Workflow) resolveActor(ctx context.Context, guildID string) (*actorContext, error) {
	roles, err := w.Authority.FetchRoles(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("fetch roles: %w", err)
	}
	identity, err := w.Authority.FetchActorIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch actor identity: %w", err)
	}
	memberRoles, err := w.Authority.FetchActorMembership(ctx, guildID, identity.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch actor membership: %w", err)
	}

	ac := &actorContext{roles: make(map[string]Role, len(roles)), topPosition: -1}
	for _, r := range roles {
		ac.roles[r.ID] = r
	}
	for _, id := range memberRoles {
		r, ok := ac.roles[id]
		if !ok {
			continue
		}
		ac.permissions |= r.Permissions
		if r.Position > ac.topPosition {
			ac.topPosition = r.Position
		}
	}
	return ac, nil
}

func (w *Workflow) grantItem(ctx context.Context, order *Order, actor *actorContext, item OrderItem, actorID string) error {
	role, ok := actor.roles[item.RoleID]
	if !ok {
		err := fmt.Errorf("role %s not found in guild %s", item.RoleID, order.GuildID)
		w.failOrder(ctx, order, string(ReasonInvalidRoleID), actorID, err)
		return &WorkflowError{Code: CodeInvalidRoleID, Err: err}
	}
	if actor.permissions&(PermManageRoles|PermAdministrator) == 0 {
		err := errors.New("authority actor lacks manage-roles permission")
		w.failOrder(ctx, order, string(ReasonBotMissingManageRoles), actorID, err)
		return &WorkflowError{Code: CodeBotMissingManageRoles, Err: err}
	}
	// The external system forbids granting a role at or above the actor's
	// own highest rank. Strictly-above is required.
	if actor.topPosition <= role.Position {
		err := fmt.Errorf("actor rank %d not above role %q rank %d", actor.topPosition, role.Name, role.Position)
		w.failOrder(ctx, order, string(ReasonBotRoleHierarchy), actorID, err)
		return &WorkflowError{Code: CodeBotRoleHierarchy, Err: err}
	}

	if err := w.Authority.GrantRole(ctx, order.GuildID, order.UserID, item.RoleID); err != nil {
		var ge *GrantError
		if errors.As(err, &ge) {
			order.FailureCode = ge.StatusCode
			order.FailureResponse = ge.Body
			w.failOrder(ctx, order, string(ReasonRoleAssignFailed), actorID, err)
			w.notifyDeliveryFailure(ctx, order, item)
			return &WorkflowError{Code: CodeRoleAssignFailed, Err: err}
		}
		w.failOrder(ctx, order, string(ReasonRolePrecheckError), actorID, err)
		return &WorkflowError{Code: CodeRolePrecheckError, Err: err}
	}
	return nil
}

// =============================================================================
// REJECT (pending -> failed)
// =============================================================================

// Reject marks a pending order failed with the operator's reason and
// credits the escrowed amount back to the buyer's wallet. The order flip
// and the compensation must both be confirmed before success is reported.
func (w *Workflow) Reject(ctx context.Context, guildID, orderID, actorID, reason string) (*Order, error) {
	order, err := w.loadOrder(ctx, guildID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusPending {
		return nil, &WorkflowError{Code: CodeInvalidStatus, Err: fmt.Errorf("%w: order is %s", ErrInvalidStatus, order.Status)}
	}
	if reason == "" {
		reason = defaultRejectReason
	}

	if err := w.transitionAndCredit(ctx, order, StatusFailed, reason, reason, actorID); err != nil {
		return nil, err
	}

	w.notify(ctx, order, "Purchase rejected",
		fmt.Sprintf("Your purchase of %q from %s was rejected: %s. %s has been credited back to your wallet.",
			order.ItemTitle, order.CreatedAt.Format("January 2, 2006"), reason, formatAmount(order.Amount)))
	w.logEvent(ctx, "order_reject", "ok", actorID, order.GuildID, map[string]string{
		"order_id": order.ID, "reason": reason,
	})
	return order, nil
}

// =============================================================================
// REFUND (failed -> refunded)
// =============================================================================

// Refund moves a failed order to refunded, clears the failure reason and
// credits the amount back. Worded to the user as a technical failure, not
// an operator decision.
func (w *Workflow) Refund(ctx context.Context, guildID, orderID, actorID string) (*Order, error) {
	order, err := w.loadOrder(ctx, guildID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusFailed {
		return nil, &WorkflowError{Code: CodeInvalidStatus, Err: fmt.Errorf("%w: order is %s", ErrInvalidStatus, order.Status)}
	}

	if err := w.transitionAndCredit(ctx, order, StatusRefunded, "", "failed order refund", actorID); err != nil {
		return nil, err
	}

	w.notify(ctx, order, "Purchase refunded",
		fmt.Sprintf("We could not deliver your purchase of %q from %s due to a technical problem. %s was refunded to your wallet on %s.",
			order.ItemTitle, order.CreatedAt.Format("January 2, 2006"),
			formatAmount(order.Amount), w.now().Format("January 2, 2006")))
	w.logEvent(ctx, "order_refund", "ok", actorID, order.GuildID, map[string]string{"order_id": order.ID})
	return order, nil
}

// =============================================================================
// COMPENSATION
// =============================================================================

// transitionAndCredit flips the order status (CAS, which serializes
// concurrent compensators) and then credits the order amount. If the
// balance upsert fails, the flip is rolled back best-effort and
// balance_update_failed is reported; the caller never sees success while
// money is not restored.
func (w *Workflow) transitionAndCredit(ctx context.Context, order *Order, to OrderStatus, failureReason, ledgerReason, actorID string) error {
	prevStatus, prevReason := order.Status, order.FailureReason
	order.Status = to
	order.FailureReason = failureReason
	if err := w.Orders.UpdateOrder(ctx, order); err != nil {
		order.Status, order.FailureReason = prevStatus, prevReason
		if errors.Is(err, ErrConcurrentModification) {
			return &WorkflowError{Code: CodeInvalidStatus, Err: err}
		}
		return &WorkflowError{Code: CodeBalanceUpdateFailed, Err: fmt.Errorf("update order: %w", err)}
	}

	if err := w.credit(ctx, order, ledgerReason); err != nil {
		// Money did not move. Restore the order so it is not left failed
		// (or refunded) without compensation.
		order.Status, order.FailureReason = prevStatus, prevReason
		if rerr := w.Orders.UpdateOrder(ctx, order); rerr != nil {
			w.logEvent(ctx, "order_compensation", "mismatch", actorID, order.GuildID, map[string]string{
				"order_id": order.ID, "credit_error": err.Error(), "restore_error": rerr.Error(),
			})
		}
		return &WorkflowError{Code: CodeBalanceUpdateFailed, Err: err}
	}
	return nil
}

// credit performs the compensating sequence: read balance, add the order
// amount (2-decimal rounding), upsert the balance, then append the ledger
// entry carrying that exact balance_after. The ledger write comes last so
// a crash between the steps leaves the ledger behind the true balance,
// never ahead of it.
func (w *Workflow) credit(ctx context.Context, order *Order, reason string) error {
	balance, err := w.Balances.GetBalance(ctx, order.GuildID, order.UserID)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	amount := Round2(order.Amount)
	newBalance := Round2(balance.Add(amount))
	if err := w.Balances.UpsertBalance(ctx, order.GuildID, order.UserID, newBalance); err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}

	entry := LedgerEntry{
		ID:           uuid.NewString(),
		GuildID:      order.GuildID,
		UserID:       order.UserID,
		Amount:       amount,
		Type:         LedgerRefund,
		BalanceAfter: newBalance,
		Metadata: map[string]string{
			"order_id": order.ID,
			"reason":   reason,
		},
		CreatedAt: w.now(),
	}
	if err := w.Ledger.AppendEntry(ctx, entry); err != nil {
		// The balance is already credited; the ledger is now one entry
		// behind. Reconciliation can reconstruct forward from the last
		// entry, but the gap must be visible to operators.
		w.logEvent(ctx, "ledger_append", "failed", "", order.GuildID, map[string]string{
			"order_id": order.ID, "error": err.Error(),
		})
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (w *Workflow) loadOrder(ctx context.Context, guildID, orderID string) (*Order, error) {
	if guildID == "" || orderID == "" {
		return nil, &WorkflowError{Code: CodeInvalidPayload, Err: ErrInvalidPayload}
	}
	order, err := w.Orders.GetOrder(ctx, guildID, orderID)
	if err != nil {
		return nil, &WorkflowError{Code: CodeRolePrecheckError, Err: fmt.Errorf("load order: %w", err)}
	}
	if order == nil {
		return nil, &WorkflowError{Code: CodeOrderNotFound, Err: ErrOrderNotFound}
	}
	return order, nil
}

// failOrder records a terminal delivery failure on the order itself. The
// order record is the primary error ledger for operators; a write failure
// here is logged but does not mask the original cause.
func (w *Workflow) failOrder(ctx context.Context, order *Order, reason, actorID string, cause error) {
	order.Status = StatusFailed
	order.FailureReason = reason
	if err := w.Orders.UpdateOrder(ctx, order); err != nil {
		w.logEvent(ctx, "order_fulfillment", "fail_write_error", actorID, order.GuildID, map[string]string{
			"order_id": order.ID, "reason": reason, "error": err.Error(),
		})
		return
	}
	w.logEvent(ctx, "order_fulfillment", "failed", actorID, order.GuildID, map[string]string{
		"order_id": order.ID, "reason": reason, "cause": cause.Error(),
	})
}

func (w *Workflow) notifyDeliveryFailure(ctx context.Context, order *Order, item OrderItem) {
	w.notify(ctx, order, "Delivery failed",
		fmt.Sprintf("We could not deliver %q for your purchase of %q. You can request a refund at /store/orders/%s/refund.",
			item.Title, order.ItemTitle, order.ID))
}

// notify is best-effort: a failed delivery is logged and never rolls back
// the already-confirmed transition.
func (w *Workflow) notify(ctx context.Context, order *Order, title, body string) {
	if w.Notifier == nil {
		return
	}
	if w.Users != nil {
		if profile, err := w.Users.Lookup(ctx, order.UserID); err == nil && profile != nil && profile.DisplayName != "" {
			body = fmt.Sprintf("Hi %s! %s", profile.DisplayName, body)
		}
	}
	if err := w.Notifier.Notify(ctx, order.GuildID, order.UserID, title, body); err != nil {
		w.logEvent(ctx, "notification", "failed", "", order.GuildID, map[string]string{
			"order_id": order.ID, "user_id": order.UserID, "error": err.Error(),
		})
	}
}

func (w *Workflow) logEvent(ctx context.Context, event, status, actorID, guildID string, metadata map[string]string) {
	if w.Events == nil {
		return
	}
	w.Events.LogEvent(ctx, event, status, actorID, guildID, metadata)
}

func formatAmount(d decimal.Decimal) string {
	return Round2(d).StringFixed(2)
}
