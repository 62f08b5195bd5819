// Package slack sends batch purge reports to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/culler/internal/triage"
)

const (
	maxErrorLen = 2000
	httpTimeout = 10 * time.Second
)

// Notifier sends purge reports to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	client := &http.Client{
		Timeout:   httpTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     client,
		logger:     logger,
	}
}

// Send posts a purge report to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, report *triage.PurgeReport) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(report)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "purge report sent to slack", "purge_id", report.ID)
	return nil
}

func buildMessage(r *triage.PurgeReport) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(r),
			{"type": "divider"},
			fieldsBlock(r),
			detailBlock(r),
			contextBlock(r),
		},
	}
}

func headerBlock(r *triage.PurgeReport) map[string]any {
	text := fmt.Sprintf("%s Purged %d %s", outcomeEmoji(r), r.Requested, plural(r.Requested, "photo", "photos"))
	if r.Failed() {
		text = fmt.Sprintf("%s Purge of %d %s reported a failure", outcomeEmoji(r), r.Requested, plural(r.Requested, "photo", "photos"))
	}

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(r *triage.PurgeReport) map[string]any {
	outcome := "success"
	if r.Failed() {
		outcome = "failed"
	}

	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Outcome:* %s", outcome),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Requested:* %d", r.Requested),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %.1fs", r.Duration),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func detailBlock(r *triage.PurgeReport) map[string]any {
	text := "The trashed photos were handed to the library and cleared from the trash."
	if r.Failed() {
		text = fmt.Sprintf("*Library error*\n\n```%s```\nThe submitted photos were still cleared from the trash.", truncate(r.Error, maxErrorLen))
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func contextBlock(r *triage.PurgeReport) map[string]any {
	ts := r.CompletedAt
	if ts.IsZero() {
		ts = r.StartedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("culler • purge %s • %s", r.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func outcomeEmoji(r *triage.PurgeReport) string {
	if r.Failed() {
		return "\U0001f534" // red circle
	}
	return "\U0001f7e2" // green circle
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
