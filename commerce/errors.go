/*
errors.go - Failure taxonomy for the fulfillment workflow

PURPOSE:
  All error types in one place. The workflow distinguishes four classes:

  1. Input/authorization errors - rejected immediately, no side effects
  2. Configuration errors       - order moved to failed with a reason code
                                  so an operator can fix guild/role setup
  3. Delivery failures          - order moved to failed, HTTP diagnostics
                                  captured, user notified with a refund path
  4. Internal errors            - workflow or infrastructure unhealthy

  Classified reasons are a closed set of stable string codes. They are
  stored on the order itself: the order record is the primary error ledger
  for operators, not the logs.

SEE ALSO:
  - workflow.go: maps each failure to a reason and caller code
  - types.go: Order.FailureReason / FailureCode / FailureResponse
*/
package commerce

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrOrderNotFound is returned when the order does not exist in the guild.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidStatus is returned when an action's precondition on the
	// order's current status fails. No side effect is performed.
	ErrInvalidStatus = errors.New("invalid order status for action")

	// ErrInvalidPayload is returned for malformed caller input.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrForbidden is returned when the acting operator is not allowed
	// to manage the guild's orders.
	ErrForbidden = errors.New("forbidden")

	// ErrServerNotFound is returned when the guild is unknown to the
	// entitlement authority.
	ErrServerNotFound = errors.New("server not found")

	// ErrMissingBotToken is returned when no authority credential is
	// configured. Delivery cannot even be attempted.
	ErrMissingBotToken = errors.New("missing bot token")

	// ErrConcurrentModification is returned when the optimistic version
	// check on an order fails. The loser performed no side effect.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// FAILURE REASONS - Closed set of codes persisted on failed orders
// =============================================================================

// FailureReason is the classified reason stored in Order.FailureReason on
// the approve path. The reject path stores free-form operator text in the
// same field instead.
type FailureReason string

const (
	ReasonOrderMissingDetails   FailureReason = "order_missing_details"
	ReasonMissingBotToken       FailureReason = "missing_bot_token"
	ReasonRolesFetchFailed      FailureReason = "roles_fetch_failed"
	ReasonInvalidRoleID         FailureReason = "invalid_role_id"
	ReasonBotMissingManageRoles FailureReason = "bot_missing_manage_roles"
	ReasonBotRoleHierarchy      FailureReason = "bot_role_hierarchy"
	ReasonRoleAssignFailed      FailureReason = "role_assign_failed"
	ReasonRolePrecheckError     FailureReason = "role_precheck_error"
)

// =============================================================================
// CALLER-FACING ERROR CODES
// =============================================================================

// ErrorCode is the stable code returned to workflow callers.
type ErrorCode string

const (
	CodeForbidden             ErrorCode = "forbidden"
	CodeOrderNotFound         ErrorCode = "order_not_found"
	CodeInvalidStatus         ErrorCode = "invalid_status"
	CodeInvalidPayload        ErrorCode = "invalid_payload"
	CodeServerNotFound        ErrorCode = "server_not_found"
	CodeOrderMissingDetails   ErrorCode = "order_missing_details"
	CodeMissingBotToken       ErrorCode = "missing_bot_token"
	CodeRolesFetchFailed      ErrorCode = "roles_fetch_failed"
	CodeInvalidRoleID         ErrorCode = "invalid_role_id"
	CodeBotMissingManageRoles ErrorCode = "bot_missing_manage_roles"
	CodeBotRoleHierarchy      ErrorCode = "bot_role_hierarchy"
	CodeRoleAssignFailed      ErrorCode = "role_assign_failed"
	CodeRolePrecheckError     ErrorCode = "role_precheck_error"
	CodeBalanceUpdateFailed   ErrorCode = "balance_update_failed"
)

// WorkflowError is the error type every workflow operation returns on
// failure. Code is stable for callers; Err carries the underlying cause.
type WorkflowError struct {
	Code ErrorCode
	Err  error
}

func (e *WorkflowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// CodeOf extracts the caller-facing code from err, or
// CodeRolePrecheckError when the error was never classified.
func CodeOf(err error) ErrorCode {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Code
	}
	return CodeRolePrecheckError
}

// =============================================================================
// ENTITLEMENT GRANT ERRORS
// =============================================================================

// GrantError reports that a grant was attempted and the external side
// rejected it. StatusCode and Body are captured verbatim as diagnostics
// on the failed order.
type GrantError struct {
	StatusCode int
	Body       string
}

func (e *GrantError) Error() string {
	return fmt.Sprintf("role grant rejected: status %d: %s", e.StatusCode, e.Body)
}

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsClientError reports whether the error is due to invalid caller input
// (4xx-class: no workflow or infrastructure fault).
func IsClientError(err error) bool {
	switch CodeOf(err) {
	case CodeForbidden, CodeOrderNotFound, CodeInvalidStatus, CodeInvalidPayload,
		CodeServerNotFound, CodeMissingBotToken, CodeInvalidRoleID,
		CodeBotMissingManageRoles, CodeBotRoleHierarchy, CodeRoleAssignFailed,
		CodeOrderMissingDetails:
		return true
	}
	return false
}

// IsInternal reports whether the error indicates the workflow or its
// infrastructure is unhealthy (5xx-class).
func IsInternal(err error) bool {
	switch CodeOf(err) {
	case CodeRolePrecheckError, CodeBalanceUpdateFailed, CodeRolesFetchFailed:
		return true
	}
	return false
}

// IsRetryable reports whether the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
