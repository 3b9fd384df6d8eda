/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for API communication, decoupling the domain model from
  the external contract.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients

VALIDATION:
  Done in handlers; DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/warp/commerce-engine/commerce"
)

// OrderDTO represents an order in API responses.
type OrderDTO struct {
	ID              string  `json:"id"`
	GuildID         string  `json:"guild_id"`
	UserID          string  `json:"user_id"`
	Amount          string  `json:"amount"`
	Status          string  `json:"status"`
	ItemTitle       string  `json:"item_title"`
	RoleID          string  `json:"role_id,omitempty"`
	DurationDays    int     `json:"duration_days,omitempty"`
	AppliedAt       *string `json:"applied_at"`
	FailureReason   string  `json:"failure_reason,omitempty"`
	FailureCode     int     `json:"failure_code,omitempty"`
	FailureResponse string  `json:"failure_response,omitempty"`
	Stuck           bool    `json:"stuck"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func toOrderDTO(o commerce.Order) OrderDTO {
	dto := OrderDTO{
		ID:              o.ID,
		GuildID:         o.GuildID,
		UserID:          o.UserID,
		Amount:          commerce.Round2(o.Amount).StringFixed(2),
		Status:          string(o.Status),
		ItemTitle:       o.ItemTitle,
		RoleID:          o.RoleID,
		DurationDays:    o.DurationDays,
		FailureReason:   o.FailureReason,
		FailureCode:     o.FailureCode,
		FailureResponse: o.FailureResponse,
		Stuck:           o.Stuck(),
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       o.UpdatedAt.Format(time.RFC3339),
	}
	if o.AppliedAt != nil {
		s := o.AppliedAt.Format(time.RFC3339)
		dto.AppliedAt = &s
	}
	return dto
}

// ActionRequest is the optional body of a reject action.
type ActionRequest struct {
	Reason  string `json:"reason,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
}

// ActionResponse is returned on a successful order action.
type ActionResponse struct {
	Status string   `json:"status"`
	Order  OrderDTO `json:"order"`
}

// BalanceDTO represents a wallet balance.
type BalanceDTO struct {
	GuildID string `json:"guild_id"`
	UserID  string `json:"user_id"`
	Balance string `json:"balance"`
}

// LedgerEntryDTO represents one ledger row.
type LedgerEntryDTO struct {
	ID           string            `json:"id"`
	Amount       string            `json:"amount"`
	Type         string            `json:"type"`
	BalanceAfter string            `json:"balance_after"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"created_at"`
}

// ErrorResponse is the JSON error envelope. Error holds the stable
// workflow error code; Message is human-readable detail.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// LoadScenarioRequest selects a demo scenario to seed.
type LoadScenarioRequest struct {
	Name string `json:"name"`
}
