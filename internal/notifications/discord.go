// Package notifications posts operator notices to a Discord webhook.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
	wg         sync.WaitGroup
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger.WithPrefix("discord"),
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d != nil && d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to Discord webhook asynchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}

	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Error("failed to marshal message", "err", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Error("failed to create request", "err", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Warn("failed to send webhook", "err", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Warn("webhook returned error status", "status", resp.StatusCode)
		}
	}()
}

// Wait blocks until in-flight webhook posts are done.
func (d *Discord) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// NotifyConversationComplete reports a session that went through every stage.
func (d *Discord) NotifyConversationComplete(ctx context.Context, sessionID string, turns int, started time.Time) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Conversation complete",
			Description: fmt.Sprintf("Session `%s` finished all stages.", sessionID),
			Color:       0x00FF00, // Green
			Fields: []embedField{
				{Name: "Turns", Value: fmt.Sprintf("%d", turns), Inline: true},
				{Name: "Duration", Value: time.Since(started).Round(time.Second).String(), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

// NotifyStoreUnavailable alerts that sessions cannot be persisted.
func (d *Discord) NotifyStoreUnavailable(ctx context.Context, sessionID string, cause error) {
	msg := discordMessage{
		Content: "@here", // Ping everyone
		Embeds: []discordEmbed{{
			Title:       "Session store unavailable",
			Description: "A conversation was closed because its session could not be loaded or saved.",
			Color:       0xFF0000, // Red
			Fields: []embedField{
				{Name: "Session", Value: fmt.Sprintf("`%s`", sessionID), Inline: true},
				{Name: "Error", Value: cause.Error()},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}
