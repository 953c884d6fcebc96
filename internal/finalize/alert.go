package finalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// WebhookAlerter posts finalization failures to an operations endpoint
// (mail relay, chat webhook). Delivery is best effort: a failed alert is
// logged and dropped, never raised back into the pipeline.
type WebhookAlerter struct {
	url     string
	subject string
	client  *http.Client
	logger  *slog.Logger
}

func NewWebhookAlerter(url, subject string, client *http.Client, logger *slog.Logger) *WebhookAlerter {
	return &WebhookAlerter{
		url:     url,
		subject: subject,
		client:  client,
		logger:  logger,
	}
}

type alertMessage struct {
	Subject string            `json:"subject"`
	Error   string            `json:"error"`
	Context map[string]string `json:"context,omitempty"`
}

func (a *WebhookAlerter) Notify(ctx context.Context, alertErr error, fields map[string]string) {
	msg := alertMessage{
		Subject: a.subject,
		Error:   alertErr.Error(),
		Context: fields,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		a.logger.Error("failed to marshal alert", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(data))
	if err != nil {
		a.logger.Error("failed to create alert request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Error("failed to deliver alert", "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		a.logger.Error("alert endpoint rejected notification", "status", resp.StatusCode)
	}
}

// LogAlerter writes alerts to the structured log only. Used when no
// webhook is configured.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Notify(_ context.Context, alertErr error, fields map[string]string) {
	attrs := make([]any, 0, 2+len(fields)*2)
	attrs = append(attrs, "error", alertErr)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	a.logger.Error(fmt.Sprintf("operator alert: %v", alertErr), attrs...)
}
