package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/athena-dhcpd/dhcpwatch/internal/metrics"
)

// WebhookSender sends events to webhook endpoints with retry and HMAC signing.
type WebhookSender struct {
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// WebhookConfig describes a single webhook binding.
type WebhookConfig struct {
	Name         string
	Events       []string
	URL          string
	Method       string
	Headers      map[string]string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	Secret       string // HMAC secret for signing
	Template     string // "slack", "teams", or empty for raw JSON
}

// NewWebhookSender creates a new webhook sender with a shared HTTP client pool.
func NewWebhookSender(timeout time.Duration, logger *slog.Logger) *WebhookSender {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Send delivers an event to a webhook endpoint in a goroutine.
func (w *WebhookSender) Send(cfg WebhookConfig, evt Event) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sendWithRetry(cfg, evt)
	}()
}

// sendWithRetry attempts to deliver the webhook with exponential backoff.
func (w *WebhookSender) sendWithRetry(cfg WebhookConfig, evt Event) {
	var body []byte
	var err error

	switch cfg.Template {
	case "slack":
		body, err = buildSlackPayload(evt)
	case "teams":
		body, err = buildTeamsPayload(evt)
	default:
		body, err = json.Marshal(evt)
	}
	if err != nil {
		w.logger.Error("failed to marshal webhook payload",
			"hook_name", cfg.Name,
			"error", err)
		return
	}

	method := cfg.Method
	if method == "" {
		method = "POST"
	}

	retries := cfg.Retries
	if retries <= 0 {
		retries = 1
	}
	backoff := cfg.RetryBackoff
	if backoff == 0 {
		backoff = time.Second
	}

	start := time.Now()

	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			sleepDuration := backoff * time.Duration(1<<uint(attempt-1))
			time.Sleep(sleepDuration)
		}

		err = w.doRequest(cfg, method, evt.Type, body)
		if err == nil {
			metrics.HookExecutions.WithLabelValues("webhook", "success").Inc()
			metrics.HookDuration.WithLabelValues("webhook").Observe(time.Since(start).Seconds())
			w.logger.Debug("webhook delivered",
				"hook_name", cfg.Name,
				"url", cfg.URL,
				"event", string(evt.Type),
				"attempt", attempt+1)
			return
		}

		w.logger.Warn("webhook delivery failed, retrying",
			"hook_name", cfg.Name,
			"url", cfg.URL,
			"attempt", attempt+1,
			"max_retries", retries,
			"error", err)
	}

	metrics.HookExecutions.WithLabelValues("webhook", "error").Inc()
	metrics.HookDuration.WithLabelValues("webhook").Observe(time.Since(start).Seconds())

	w.logger.Error("webhook delivery failed after all retries",
		"hook_name", cfg.Name,
		"url", cfg.URL,
		"retries", retries,
		"error", err)
}

// doRequest performs a single HTTP request. cfg.Timeout, when set, bounds
// this attempt in addition to the client timeout.
func (w *WebhookSender) doRequest(cfg WebhookConfig, method string, evtType EventType, body []byte) error {
	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dhcpwatch-Event", string(evtType))
	req.Header.Set("User-Agent", "dhcpwatch/1.0")

	// Custom headers
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	// HMAC signature
	if cfg.Secret != "" {
		sig := computeHMAC(body, cfg.Secret)
		req.Header.Set("X-Dhcpwatch-Signature", "sha256="+sig)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
}

// computeHMAC computes HMAC-SHA256 of the payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Wait blocks until all pending webhooks complete.
func (w *WebhookSender) Wait() {
	w.wg.Wait()
}

// summaryLines renders the human-readable fields shared by the chat templates.
func summaryLines(evt Event) []string {
	var lines []string
	if m := evt.Message; m != nil {
		lines = append(lines,
			"Type: "+m.TypeLabel(),
			"MAC: "+m.CHAddr.Address,
			fmt.Sprintf("XID: 0x%08x", m.XID))
		if h := m.Hostname(); h != "" {
			lines = append(lines, "Hostname: "+h)
		}
		if ip := m.RequestedIP(); ip != nil {
			lines = append(lines, "Requested IP: "+ip.String())
		}
		if vc := m.VendorClassID(); vc != "" {
			lines = append(lines, "Vendor class: "+vc)
		}
	}
	if r := evt.Rejection; r != nil {
		lines = append(lines,
			"Error: "+r.Kind,
			fmt.Sprintf("Size: %d bytes", r.Size))
	}
	if f := evt.Fingerprint; f != nil {
		lines = append(lines, "Client: "+f.ClientID, "Fingerprint: "+f.Hash)
		if f.PrevHash != "" {
			lines = append(lines, "Previous: "+f.PrevHash)
		}
	}
	if r := evt.Rogue; r != nil {
		lines = append(lines, "Server: "+r.ServerID, fmt.Sprintf("Replies seen: %d", r.Count))
		if r.OfferedIP != "" {
			lines = append(lines, "Offered IP: "+r.OfferedIP)
		}
		if r.ClientMAC != "" {
			lines = append(lines, "Client MAC: "+r.ClientMAC)
		}
	}
	if a := evt.Anomaly; a != nil {
		lines = append(lines,
			"Segment: "+a.Segment,
			"Anomaly: "+a.Kind,
			fmt.Sprintf("Rate: %.1f/window (baseline %.1f)", a.Rate, a.Baseline))
	}
	if evt.Source != nil {
		if evt.Source.Addr != "" {
			lines = append(lines, "Source: "+evt.Source.Addr)
		}
		if evt.Source.Interface != "" {
			lines = append(lines, "Interface: "+evt.Source.Interface)
		}
	}
	if evt.Reason != "" && evt.Rejection == nil {
		lines = append(lines, "Reason: "+evt.Reason)
	}
	return lines
}

// buildSlackPayload creates a Slack-formatted webhook payload.
func buildSlackPayload(evt Event) ([]byte, error) {
	text := fmt.Sprintf("*%s*", evt.Type)
	for _, line := range summaryLines(evt) {
		k, v, _ := strings.Cut(line, ": ")
		text += fmt.Sprintf("\n%s: `%s`", k, v)
	}

	payload := map[string]string{"text": text}
	return json.Marshal(payload)
}

// buildTeamsPayload creates a Microsoft Teams-formatted webhook payload.
func buildTeamsPayload(evt Event) ([]byte, error) {
	title := string(evt.Type)
	text := fmt.Sprintf("Event: **%s** at %s", evt.Type, evt.Timestamp.Format(time.RFC3339))
	for _, line := range summaryLines(evt) {
		text += "<br>" + line
	}

	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"summary":    title,
		"themeColor": "0076D7",
		"title":      "dhcpwatch: " + title,
		"text":       text,
	}
	return json.Marshal(payload)
}
