/*
Package entitlement wraps the external role-management API (Discord).

PURPOSE:
  Isolates every external call needed to grant a role so the workflow
  never touches raw API shapes. The untyped JSON the API returns (roles,
  members) is converted to the typed commerce.Role / commerce.Identity
  pair at this boundary.

ERROR CONTRACT:
  - "could not determine state" (network failure, non-2xx on a fetch):
    returned as a wrapped error; the workflow fails safe and grants
    nothing without a consistent view of ranks and permissions.
  - "grant attempted, external side rejected it": returned as
    *commerce.GrantError carrying the HTTP status and response body,
    which the workflow captures as diagnostics on the failed order.
  - missing credential: commerce.ErrMissingBotToken, before any call.

RETRIES:
  Transient failures (network errors, 5xx, 429) are retried with a small
  budget and a short backoff. Business rejections (4xx) are never retried.

CACHING:
  None. Role configuration is fetched live on every fulfillment attempt
  because guild setup can change between orders.
*/
package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/warp/commerce-engine/commerce"
)

const (
	// DefaultBaseURL is the Discord REST API root.
	DefaultBaseURL = "https://discord.com/api/v10"

	maxRetries     = 2
	retryBaseDelay = 250 * time.Millisecond
	requestTimeout = 10 * time.Second
)

// Client is an Entitlement Authority Client backed by the Discord REST
// API. The credential is passed in explicitly, never read from ambient
// environment, so the workflow stays testable with fakes.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root (tests point this at httptest).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client with the given bot token. The token may be empty;
// every call will then fail with commerce.ErrMissingBotToken.
func New(token string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// WIRE SHAPES - Never leave this package
// =============================================================================

type roleJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Position    int    `json:"position"`
	Permissions string `json:"permissions"` // bitmask serialized as string
}

type userJSON struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type memberJSON struct {
	Roles []string `json:"roles"`
	User  userJSON `json:"user"`
}

// =============================================================================
// FETCHES
// =============================================================================

// FetchRoles returns the guild's full role list.
func (c *Client) FetchRoles(ctx context.Context, guildID string) ([]commerce.Role, error) {
	var raw []roleJSON
	err := c.get(ctx, fmt.Sprintf("/guilds/%s/roles", guildID), &raw)
	if err != nil {
		return nil, err
	}

	roles := make([]commerce.Role, 0, len(raw))
	for _, r := range raw {
		perms, _ := strconv.ParseUint(r.Permissions, 10, 64)
		roles = append(roles, commerce.Role{
			ID:          r.ID,
			Name:        r.Name,
			Position:    r.Position,
			Permissions: perms,
		})
	}
	return roles, nil
}

// FetchActorIdentity returns the authority actor's own identity.
func (c *Client) FetchActorIdentity(ctx context.Context) (*commerce.Identity, error) {
	var raw userJSON
	if err := c.get(ctx, "/users/@me", &raw); err != nil {
		return nil, err
	}
	return &commerce.Identity{ID: raw.ID, Username: raw.Username}, nil
}

// FetchActorMembership returns the role ids the actor holds in the guild.
func (c *Client) FetchActorMembership(ctx context.Context, guildID, actorID string) ([]string, error) {
	var raw memberJSON
	if err := c.get(ctx, fmt.Sprintf("/guilds/%s/members/%s", guildID, actorID), &raw); err != nil {
		return nil, err
	}
	return raw.Roles, nil
}

// Lookup resolves a user id to a display profile. Implements
// commerce.UserDirectory for notification authorship.
func (c *Client) Lookup(ctx context.Context, userID string) (*commerce.UserProfile, error) {
	var raw userJSON
	if err := c.get(ctx, fmt.Sprintf("/users/%s", userID), &raw); err != nil {
		return nil, err
	}
	return &commerce.UserProfile{
		ID:          raw.ID,
		DisplayName: raw.Username,
		AvatarURL:   fmt.Sprintf("https://cdn.discordapp.com/avatars/%s.png", raw.ID),
	}, nil
}

// =============================================================================
// GRANT
// =============================================================================

// GrantRole assigns the role to the user. Granting an already-held role is
// a no-op on the external side, which is what makes a retried approve
// idempotent. A rejection comes back as *commerce.GrantError.
func (c *Client) GrantRole(ctx context.Context, guildID, userID, roleID string) error {
	if c.token == "" {
		return commerce.ErrMissingBotToken
	}

	url := fmt.Sprintf("%s/guilds/%s/members/%s/roles/%s", c.baseURL, guildID, userID, roleID)
	resp, err := c.do(ctx, http.MethodPut, url, nil)
	if err != nil {
		return fmt.Errorf("grant role %s: %w", roleID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &commerce.GrantError{StatusCode: resp.StatusCode, Body: string(body)}
}

// =============================================================================
// HTTP PLUMBING
// =============================================================================

func (c *Client) get(ctx context.Context, path string, out any) error {
	if c.token == "" {
		return commerce.ErrMissingBotToken
	}

	resp, err := c.do(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("GET %s: %w", path, commerce.ErrServerNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

// do issues the request, retrying transient failures (network errors,
// 5xx, 429) within the retry budget. 4xx responses are returned to the
// caller on the first attempt.
func (c *Client) do(ctx context.Context, method, url string, payload []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBaseDelay * time.Duration(attempt)):
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bot "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("after %d attempts: %w", maxRetries+1, lastErr)
}
