/*
Package notify provides the user notification sink and the audit event sink.

Notification delivery is fire-and-forget by contract: the workflow confirms
money movements before notifying, and a failed notification never rolls back
the financial transition.
*/
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/warp/commerce-engine/commerce"
)

// =============================================================================
// DISCORD DM SINK
// =============================================================================

// DiscordSink delivers notifications as direct messages via the Discord
// REST API: open (or reuse) the DM channel, then post an embed.
type DiscordSink struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewDiscordSink creates a DM sink. baseURL may be empty to use the
// public API root.
func NewDiscordSink(token, baseURL string) *DiscordSink {
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}
	return &DiscordSink{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type dmChannelJSON struct {
	ID string `json:"id"`
}

// Notify opens a DM channel to the user and posts the message.
func (s *DiscordSink) Notify(ctx context.Context, guildID, userID, title, body string) error {
	if s.token == "" {
		return commerce.ErrMissingBotToken
	}

	var channel dmChannelJSON
	err := s.post(ctx, "/users/@me/channels", map[string]any{"recipient_id": userID}, &channel)
	if err != nil {
		return fmt.Errorf("open dm channel: %w", err)
	}

	message := map[string]any{
		"embeds": []map[string]any{{
			"title":       title,
			"description": body,
		}},
	}
	if err := s.post(ctx, fmt.Sprintf("/channels/%s/messages", channel.ID), message, nil); err != nil {
		return fmt.Errorf("send dm: %w", err)
	}
	return nil
}

func (s *DiscordSink) post(ctx context.Context, path string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, body)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// =============================================================================
// SLOG EVENT SINK
// =============================================================================

// SlogEvents records audit events through a structured logger.
type SlogEvents struct {
	log *slog.Logger
}

func NewSlogEvents(log *slog.Logger) *SlogEvents {
	if log == nil {
		log = slog.Default()
	}
	return &SlogEvents{log: log}
}

func (s *SlogEvents) LogEvent(ctx context.Context, event, status, actorID, guildID string, metadata map[string]string) {
	attrs := []any{
		slog.String("event", event),
		slog.String("status", status),
		slog.String("actor_id", actorID),
		slog.String("guild_id", guildID),
	}
	for k, v := range metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	s.log.InfoContext(ctx, "audit", attrs...)
}
