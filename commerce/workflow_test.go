package commerce_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commerce-engine/commerce"
	"github.com/warp/commerce-engine/commerce/store"
)

// =============================================================================
// TEST FAKES
// =============================================================================

type fakeAuthority struct {
	roles         []commerce.Role
	memberRoles   []string
	rolesErr      error
	identityErr   error
	membershipErr error
	grantErrs     map[string]error // roleID -> error
	grants        []string         // roleIDs granted, in order
}

func (f *fakeAuthority) FetchRoles(_ context.Context, _ string) ([]commerce.Role, error) {
	if f.rolesErr != nil {
		return nil, f.rolesErr
	}
	return f.roles, nil
}

func (f *fakeAuthority) FetchActorIdentity(_ context.Context) (*commerce.Identity, error) {
	if f.identityErr != nil {
		return nil, f.identityErr
	}
	return &commerce.Identity{ID: "bot-1", Username: "store-bot"}, nil
}

func (f *fakeAuthority) FetchActorMembership(_ context.Context, _, _ string) ([]string, error) {
	if f.membershipErr != nil {
		return nil, f.membershipErr
	}
	return f.memberRoles, nil
}

func (f *fakeAuthority) GrantRole(_ context.Context, _, _, roleID string) error {
	if err, ok := f.grantErrs[roleID]; ok {
		return err
	}
	f.grants = append(f.grants, roleID)
	return nil
}

type fakeNotifier struct {
	titles []string
	bodies []string
	err    error
}

func (f *fakeNotifier) Notify(_ context.Context, _, _, title, body string) error {
	if f.err != nil {
		return f.err
	}
	f.titles = append(f.titles, title)
	f.bodies = append(f.bodies, body)
	return nil
}

type fakeEvents struct {
	events []string
}

func (f *fakeEvents) LogEvent(_ context.Context, event, status, _, _ string, _ map[string]string) {
	f.events = append(f.events, event+":"+status)
}

type env struct {
	workflow  *commerce.Workflow
	orders    *store.MemoryOrders
	balances  *store.MemoryBalances
	ledger    *store.MemoryLedger
	authority *fakeAuthority
	notifier  *fakeNotifier
	events    *fakeEvents
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		orders:   store.NewMemoryOrders(),
		balances: store.NewMemoryBalances(),
		ledger:   store.NewMemoryLedger(),
		authority: &fakeAuthority{
			// Actor holds a top role at position 10 with manage-roles.
			roles: []commerce.Role{
				{ID: "role-bot", Name: "Store Bot", Position: 10, Permissions: commerce.PermManageRoles},
				{ID: "role-vip", Name: "VIP", Position: 5},
				{ID: "role-color", Name: "Color", Position: 3},
			},
			memberRoles: []string{"role-bot"},
		},
		notifier: &fakeNotifier{},
		events:   &fakeEvents{},
	}
	e.workflow = commerce.NewWorkflow(e.orders, e.balances, e.ledger, e.authority)
	e.workflow.Notifier = e.notifier
	e.workflow.Events = e.events
	return e
}

func (e *env) createOrder(t *testing.T, status commerce.OrderStatus, amount string, items ...commerce.OrderItem) *commerce.Order {
	t.Helper()

	order := &commerce.Order{
		ID:        "order-1",
		GuildID:   "guild-1",
		UserID:    "user-1",
		Amount:    decimal.RequireFromString(amount),
		Status:    status,
		ItemTitle: "VIP Role",
		RoleID:    "role-vip",
		CreatedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	if len(items) == 0 {
		items = []commerce.OrderItem{{Title: "VIP Role", RoleID: "role-vip"}}
	}
	require.NoError(t, e.orders.CreateOrder(context.Background(), order, items))
	return order
}

func (e *env) setBalance(t *testing.T, amount string) {
	t.Helper()
	require.NoError(t, e.balances.UpsertBalance(context.Background(), "guild-1", "user-1", decimal.RequireFromString(amount)))
}

func (e *env) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := e.balances.GetBalance(context.Background(), "guild-1", "user-1")
	require.NoError(t, err)
	return b
}

func (e *env) ledgerEntries(t *testing.T) []commerce.LedgerEntry {
	t.Helper()
	entries, err := e.ledger.Entries(context.Background(), "guild-1", "user-1")
	require.NoError(t, err)
	return entries
}

func (e *env) reload(t *testing.T) *commerce.Order {
	t.Helper()
	o, err := e.orders.GetOrder(context.Background(), "guild-1", "order-1")
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

// =============================================================================
// APPROVE TESTS
// =============================================================================

func TestApprove_Success(t *testing.T) {
	// GIVEN: a pending order whose role ranks below the actor's top role
	e := newEnv(t)
	e.createOrder(t, commerce.StatusPending, "25.00")

	// WHEN: approving
	order, err := e.workflow.Approve(context.Background(), "guild-1", "order-1", "admin")

	// THEN: paid, applied_at set, reason cleared, no money moved
	require.NoError(t, err)
	assert.Equal(t, commerce.StatusPaid, order.Status)
	require.NotNil(t, order.AppliedAt)
	assert.Empty(t, order.FailureReason)
	assert.False(t, order.Stuck())
	assert.Equal(t, []string{"role-vip"}, e.authority.grants)
	assert.Empty(t, e.ledgerEntries(t), "approval must never write the ledger")
	assert.True(t, e.balance(t).IsZero(), "approval must never touch balances")

	stored := e.reload(t)
	assert.Equal(t, commerce.StatusPaid, stored.Status)
	require.NotNil(t, stored.AppliedAt)
}

func TestApprove_AllOrNothing(t *testing.T) {
	// GIVEN: two line items where the second grant is rejected externally
	e := newEnv(t)
	e.createOrder(t, commerce.StatusPending, "25.00",
		commerce.OrderItem{Title: "VIP Role", RoleID: "role-vip"},
		commerce.OrderItem{Title: "Color Pack", RoleID: "role-color"},
	)
	e.authority.grantErrs = map[string]error{
		"role-color": &commerce.GrantError{StatusCode: 403, Body: `{"message":"Missing Permissions"}`},
	}

	// WHEN: approving
	_, err := e.workflow.Approve(context.Background(), "guild-1", "order-1", "admin")

	// THEN: failed, diagnostics captured, nothing credited
	require.Error(t, err)
	assert.Equal(t, commerce.CodeRoleAssignFailed, commerce.CodeOf(err))

	stored := e.reload(t)
	assert.Equal(t, commerce.StatusFailed, stored.Status)
	assert.Equal(t, string(commerce.ReasonRoleAssignFailed), stored.FailureReason)
	assert.Equal(t, 403, stored.FailureCode)
	assert.Contains(t, stored.FailureResponse, "Missing Permissions")
	assert.Nil(t, stored.AppliedAt)
	assert.Empty(t, e.ledgerEntries(t))
	assert.True(t, e.balance(t).IsZero())

	// First grant went through; the external grant is idempotent so a
	// later manual retry is safe.
	assert.Equal(t, []string{"role-vip"}, e.authority.grants)

	// User gets a delivery-failure notification with a refund path.
	require.Len(t, e.notifier.bodies, 1)
	assert.Contains(t, e.notifier.bodies[0], "/store/orders/order-1/refund")
}

func TestApprove_HierarchyEnforced(t *testing.T) {
	// GIVEN: the actor's highest rank equals the target role's rank
	e := newEnv(t)
	e.authority.roles = []commerce.Role{
		{ID: "role-bot", Name: "Store Bot", Position: 5, Permissions: commerce.PermManageRoles},
		{ID: "role-vip", Name: "VIP", Position: 5},
	}
	e.createOrder(t, commerce.StatusPending, "25.00")

	// WHEN: approving
	_, err := e.workflow.Approve(context.Background(), "guild-1", "order-1", "admin")

	// THEN: bot_role_hierarchy, and no grant call was attempted
	require.Error(t, err)
	assert.Equal(t, commerce.CodeBotRoleHierarchy, commerce.CodeOf(err))
	assert.Empty(t, e.authority.grants)
	assert.Equal(t, string(commerce.ReasonBotRoleHierarchy), e.reload(t).FailureReason)
}

func TestApprove_MissingManageRoles(t *testing.T) {
	e := newEnv(t)
	e.authority.roles = []commerce.Role{
		{ID: "role-bot", Name: "Store Bot", Position: 10}, // no permissions
		{ID: "role-vip", Name: "VIP", Position: 5},
	}
	e.createOrder(t, commerce.StatusPending, "25.00")

	_, err := e.workflow.Approve(context.Background(), "guild-1", "order-1", "admin")

	require.Error(t, err)
	assert.Equal(t, commerce.CodeBotMissingManageRoles, commerce.CodeOf(err))
	assert.Empty(t, e.authority.grants)
}

func TestApprove_InvalidRoleID(t *testing.T) {
	e := newEnv(t)
	e.createOrder(t, commerce.StatusPending, "25.00",
		commerce.OrderItem{Title: "Ghost Role", RoleID: "role-deleted"})

	_, err := e.workflow.Approve(context.Background(), "guild-1", "order-1", "admin")

	require.Error(t, err)
	assert.Equal(t, commerce.CodeInvalidRoleID, commerce.CodeOf(err))
	assert.Equal(t, string(commerce.ReasonInvalidRoleID), e.reload(t).FailureReason)
}

func TestApprove_RolesFetchFailed(t *testing.T) {
	e := newEnv(t)
	e.authority.rolesErr = errors.New("connection refused")
	e.createOrder(t, commerce.StatusPending, "25.00")

	_, err := e.workflow.Approve(context.Background(), "guild-1", "order-1", "admin")

	require.Error(t, err)
	assert.Equal(t, commerce.CodeRolesFetchFailed, commerce.CodeOf(err))
	assert.Equal(t, string(commerce.ReasonRolesFetchFailed), e.reload(t).FailureReason)
	assert.Empty(t, e.authority.grants, "no grant without a consistent view of ranks")
}

func TestApprove_MissingBotToken(t *testing.T) {
	e := newEnv(t)
	e.authority.rolesErr = commerce.ErrMissingBotToken
	e.createOrder(t, commerce.StatusPending, "25.00")

	_, err := e.workflow.Approve(context.Background(), "guild-1", "order-1", "admin")

	require.Error(t, err)
	assert.Equal(t, commerce.CodeMissingBotToken, commerce.CodeOf(err))
	assert.Equal(t, string(commerce.ReasonMissingBotToken), e.reload(t).FailureReason)
}

func TestApprove_OrderMissingDetails(t *testing.T) {
	// GIVEN: an order whose line items cannot be loaded (none exist)
	e := newEnv(t)
	order := &commerce.Order{
		ID:      "order-1",
		GuildID: "guild-1",
		UserID:  "user-1",
		Amount:  decimal.RequireFromString("25.00"),
		Status:  commerce.StatusPending,
	}
	require.NoError(t, e.orders.CreateOrder(context.Background(), order, nil))

	_, err := e.workflow.Approve(context.Background(), "guild-1", "order-1", "admin")

	require.Error(t, err)
	assert.Equal(t, commerce.CodeOrderMissingDetails, commerce.CodeOf(err))
	assert.Equal(t, commerce.StatusFailed, e.reload(t).Status)
}

func TestApprove_InvalidStatus(t *testing.T) {
	e := newEnv(t)
	e.createOrder(t, commerce.StatusPaid, "25.00")

	_, err := e.workflow.Approve(context.Background(), "guild-1", "order-1", "admin")

	require.Error(t, err)
	assert.Equal(t, commerce.CodeInvalidStatus, commerce.CodeOf(err))
	assert.Empty(t, e.authority.grants)
}

func TestApprove_OrderNotFound(t *testing.T) {
	e := newEnv(t)

	_, err := e.workflow.Approve(context.Background(), "guild-1", "nope", "admin")

	require.Error(t, err)
	assert.Equal(t, commerce.CodeOrderNotFound, commerce.CodeOf(err))
}

// =============================================================================
// REJECT TESTS
// =============================================================================

func TestReject_CreditsBalanceOnce(t *testing.T) {
	// GIVEN: a pending 25.00 order and a starting balance of 10.00
	e := newEnv(t)
	e.createOrder(t, commerce.StatusPending, "25.00")
	e.setBalance(t, "10.00")

	// WHEN: rejecting with a reason
	order, err := e.workflow.Reject(context.Background(), "guild-1", "order-1", "admin", "test")

	// THEN: failed with the reason, balance 35.00, exactly one ledger row
	require.NoError(t, err)
	assert.Equal(t, commerce.StatusFailed, order.Status)
	assert.Equal(t, "test", order.FailureReason)
	assert.True(t, e.balance(t).Equal(decimal.RequireFromString("35.00")), "balance = %s", e.balance(t))

	entries := e.ledgerEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, commerce.LedgerRefund, entries[0].Type)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("25.00")))
	assert.True(t, entries[0].BalanceAfter.Equal(decimal.RequireFromString("35.00")))
	assert.Equal(t, "order-1", entries[0].Metadata["order_id"])
	assert.Equal(t, "test", entries[0].Metadata["reason"])

	// The user is told what happened and how much came back.
	require.Len(t, e.notifier.titles, 1)
	assert.Equal(t, "Purchase rejected", e.notifier.titles[0])
	assert.Contains(t, e.notifier.bodies[0], "25.00")
	assert.Contains(t, e.notifier.bodies[0], "March 10, 2026")
}

func TestReject_DefaultReason(t *testing.T) {
	e := newEnv(t)
	e.createOrder(t, commerce.StatusPending, "25.00")

	order, err := e.workflow.Reject(context.Background(), "guild-1", "order-1", "admin", "")

	require.NoError(t, err)
	assert.Equal(t, "rejected by operator", order.FailureReason)
}

func TestReject_InvalidStatus_NoSideEffects(t *testing.T) {
	// GIVEN: a paid order
	e := newEnv(t)
	e.createOrder(t, commerce.StatusPaid, "25.00")
	e.setBalance(t, "10.00")

	// WHEN: rejecting
	_, err := e.workflow.Reject(context.Background(), "guild-1", "order-1", "admin", "test")

	// THEN: invalid_status, order unchanged, no ledger row, no credit
	require.Error(t, err)
	assert.Equal(t, commerce.CodeInvalidStatus, commerce.CodeOf(err))
	assert.Equal(t, commerce.StatusPaid, e.reload(t).Status)
	assert.True(t, e.balance(t).Equal(decimal.RequireFromString("10.00")))
	assert.Empty(t, e.ledgerEntries(t))
	assert.Empty(t, e.notifier.titles)
}

func TestReject_BalanceFailure_RestoresOrder(t *testing.T) {
	// GIVEN: a balance store that rejects writes
	e := newEnv(t)
	e.createOrder(t, commerce.StatusPending, "25.00")
	failing := &failingBalances{err: errors.New("disk full")}
	e.workflow.Balances = failing

	// WHEN: rejecting
	_, err := e.workflow.Reject(context.Background(), "guild-1", "order-1", "admin", "test")

	// THEN: balance_update_failed, and the order is NOT left failed
	// without compensation
	require.Error(t, err)
	assert.Equal(t, commerce.CodeBalanceUpdateFailed, commerce.CodeOf(err))
	assert.Equal(t, commerce.StatusPending, e.reload(t).Status)
	assert.Empty(t, e.ledgerEntries(t))
}

type failingBalances struct {
	err error
}

func (f *failingBalances) GetBalance(_ context.Context, _, _ string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *failingBalances) UpsertBalance(_ context.Context, _, _ string, _ decimal.Decimal) error {
	return f.err
}

// =============================================================================
// REFUND TESTS
// =============================================================================

func TestRefund_AfterFailedDelivery(t *testing.T) {
	// GIVEN: a delivery-failed 25.00 order and a balance of 10.00
	e := newEnv(t)
	order := e.createOrder(t, commerce.StatusFailed, "25.00")
	order.FailureReason = string(commerce.ReasonRoleAssignFailed)
	require.NoError(t, e.orders.UpdateOrder(context.Background(), order))
	e.setBalance(t, "10.00")

	// WHEN: refunding
	refunded, err := e.workflow.Refund(context.Background(), "guild-1", "order-1", "admin")

	// THEN: refunded, reason cleared, balance 35.00, ledger metadata says so
	require.NoError(t, err)
	assert.Equal(t, commerce.StatusRefunded, refunded.Status)
	assert.Empty(t, refunded.FailureReason)
	assert.True(t, e.balance(t).Equal(decimal.RequireFromString("35.00")))

	entries := e.ledgerEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "failed order refund", entries[0].Metadata["reason"])
	assert.True(t, entries[0].BalanceAfter.Equal(decimal.RequireFromString("35.00")))

	// Worded as a technical failure, with purchase and refund dates.
	require.Len(t, e.notifier.titles, 1)
	assert.Equal(t, "Purchase refunded", e.notifier.titles[0])
	assert.Contains(t, e.notifier.bodies[0], "technical problem")
	assert.Contains(t, e.notifier.bodies[0], "March 10, 2026")
}

func TestRefund_NoDoubleCompensation(t *testing.T) {
	// GIVEN: a failed order refunded once already
	e := newEnv(t)
	e.createOrder(t, commerce.StatusFailed, "25.00")
	e.setBalance(t, "10.00")

	_, err := e.workflow.Refund(context.Background(), "guild-1", "order-1", "admin")
	require.NoError(t, err)

	// WHEN: refunding again
	_, err = e.workflow.Refund(context.Background(), "guild-1", "order-1", "admin")

	// THEN: invalid_status, balance credited exactly once
	require.Error(t, err)
	assert.Equal(t, commerce.CodeInvalidStatus, commerce.CodeOf(err))
	assert.True(t, e.balance(t).Equal(decimal.RequireFromString("35.00")))
	assert.Len(t, e.ledgerEntries(t), 1)
}

func TestRefund_PendingOrder_Rejected(t *testing.T) {
	e := newEnv(t)
	e.createOrder(t, commerce.StatusPending, "25.00")

	_, err := e.workflow.Refund(context.Background(), "guild-1", "order-1", "admin")

	require.Error(t, err)
	assert.Equal(t, commerce.CodeInvalidStatus, commerce.CodeOf(err))
	assert.Empty(t, e.ledgerEntries(t))
}

// =============================================================================
// LEDGER / BALANCE INVARIANT
// =============================================================================

func TestLedger_MatchesBalanceAfterCompensations(t *testing.T) {
	// Two compensations on different orders for the same user: the latest
	// ledger row's balance_after must equal the cached balance each time.
	e := newEnv(t)
	e.setBalance(t, "1.10")

	for i, amount := range []string{"2.25", "7.40"} {
		order := &commerce.Order{
			ID:      "order-" + string(rune('a'+i)),
			GuildID: "guild-1",
			UserID:  "user-1",
			Amount:  decimal.RequireFromString(amount),
			Status:  commerce.StatusFailed,
		}
		require.NoError(t, e.orders.CreateOrder(context.Background(), order, []commerce.OrderItem{{RoleID: "role-vip"}}))

		_, err := e.workflow.Refund(context.Background(), "guild-1", order.ID, "admin")
		require.NoError(t, err)

		entries := e.ledgerEntries(t)
		require.NotEmpty(t, entries)
		last := entries[len(entries)-1]
		assert.True(t, last.BalanceAfter.Equal(e.balance(t)),
			"balance %s must equal last balance_after %s", e.balance(t), last.BalanceAfter)
	}
	assert.True(t, e.balance(t).Equal(decimal.RequireFromString("10.75")))
}

// =============================================================================
// LIST / STUCK FILTER
// =============================================================================

func TestListOrders_StuckFilter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	applied := time.Now().UTC()
	fixtures := []*commerce.Order{
		{ID: "o-pending", Status: commerce.StatusPending},
		{ID: "o-stuck", Status: commerce.StatusPaid}, // paid, applied_at nil
		{ID: "o-delivered", Status: commerce.StatusPaid, AppliedAt: &applied},
		{ID: "o-failed", Status: commerce.StatusFailed},
	}
	for _, o := range fixtures {
		o.GuildID = "guild-1"
		o.UserID = "user-1"
		o.Amount = decimal.RequireFromString("1.00")
		require.NoError(t, e.orders.CreateOrder(ctx, o, nil))
	}

	stuck, err := e.workflow.ListOrders(ctx, "guild-1", commerce.FilterStuck)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "o-stuck", stuck[0].ID)
	assert.True(t, stuck[0].Stuck())

	pending, err := e.workflow.ListOrders(ctx, "guild-1", commerce.FilterPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "o-pending", pending[0].ID)

	all, err := e.workflow.ListOrders(ctx, "guild-1", commerce.FilterAll)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	_, err = e.workflow.ListOrders(ctx, "guild-1", commerce.OrderFilter("bogus"))
	require.Error(t, err)
	assert.Equal(t, commerce.CodeInvalidPayload, commerce.CodeOf(err))
}

// =============================================================================
// NOTIFICATION IS BEST-EFFORT
// =============================================================================

func TestReject_NotificationFailureDoesNotRollBack(t *testing.T) {
	e := newEnv(t)
	e.createOrder(t, commerce.StatusPending, "25.00")
	e.notifier.err = errors.New("dm closed")

	order, err := e.workflow.Reject(context.Background(), "guild-1", "order-1", "admin", "test")

	require.NoError(t, err, "money-correctness is not best-effort; notification is")
	assert.Equal(t, commerce.StatusFailed, order.Status)
	assert.True(t, e.balance(t).Equal(decimal.RequireFromString("25.00")))
	assert.Contains(t, e.events.events, "notification:failed")
}
