// Package notify delivers human-facing alerts. Providers implement the
// notifier plugin slot; the router fans notifications out to the providers
// configured for each priority and swallows their failures, so a broken
// webhook can never stall supervision.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/events"
	"github.com/gg-salo/fleet-commander/internal/plugin"
)

const (
	typeLog     = "log"
	typeWebhook = "webhook"
	typeDesktop = "desktop"

	webhookTimeout = 10 * time.Second
	desktopTimeout = 10000 // milliseconds shown on screen
)

// New builds a notifier instance from its config section. The instance name
// is the key under which it was configured, not its type; two webhooks with
// different URLs are two notifiers.
func New(name string, cfg config.NotifierConfig, log *logger.Logger) (plugin.Notifier, error) {
	switch cfg.Type {
	case typeLog:
		return NewLogNotifier(name, log), nil
	case typeWebhook:
		return NewWebhookNotifier(name, cfg.Config)
	case typeDesktop:
		return NewDesktopNotifier(name, cfg.Config), nil
	default:
		return nil, fmt.Errorf("unknown notifier type %q for %q", cfg.Type, name)
	}
}

// LogNotifier writes notifications to the supervisor log. It is the default
// route for everything and the safety net when nothing else is configured.
type LogNotifier struct {
	name   string
	logger *logger.Logger
}

func NewLogNotifier(name string, log *logger.Logger) *LogNotifier {
	return &LogNotifier{name: name, logger: log.WithFields(zap.String("notifier", name))}
}

func (l *LogNotifier) Name() string { return l.name }

func (l *LogNotifier) Notify(_ context.Context, n plugin.Notification) error {
	fields := []zap.Field{
		zap.String("priority", string(n.Priority)),
		zap.String("title", n.Title),
		zap.String("session_id", n.SessionID),
		zap.String("project_id", n.ProjectID),
	}
	if n.URL != "" {
		fields = append(fields, zap.String("url", n.URL))
	}
	switch n.Priority {
	case events.PriorityUrgent, events.PriorityWarning:
		l.logger.Warn(n.Message, fields...)
	default:
		l.logger.Info(n.Message, fields...)
	}
	return nil
}

// WebhookNotifier POSTs the notification as JSON to a configured URL. Extra
// headers (tokens, routing hints) come straight from the config map.
type WebhookNotifier struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookNotifier(name string, raw map[string]any) (*WebhookNotifier, error) {
	url, _ := raw["url"].(string)
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("notifier %q: webhook url is required", name)
	}

	headers := make(map[string]string)
	if hs, ok := raw["headers"].(map[string]any); ok {
		for k, v := range hs {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	return &WebhookNotifier{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: webhookTimeout},
	}, nil
}

func (w *WebhookNotifier) Name() string { return w.name }

// webhookPayload is the wire shape delivered to webhook receivers.
type webhookPayload struct {
	plugin.Notification
	Timestamp time.Time `json:"timestamp"`
}

func (w *WebhookNotifier) Notify(ctx context.Context, n plugin.Notification) error {
	body, err := json.Marshal(webhookPayload{Notification: n, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", w.name, resp.StatusCode)
	}
	return nil
}

// DesktopNotifier raises an OS notification on the supervisor host. Darwin
// uses osascript; Linux uses notify-send with a zenity fallback.
type DesktopNotifier struct {
	name      string
	timeoutMS int
}

func NewDesktopNotifier(name string, raw map[string]any) *DesktopNotifier {
	timeout := desktopTimeout
	switch v := raw["timeoutMs"].(type) {
	case int:
		if v > 0 {
			timeout = v
		}
	case float64:
		if v > 0 {
			timeout = int(v)
		}
	}
	return &DesktopNotifier{name: name, timeoutMS: timeout}
}

func (d *DesktopNotifier) Name() string { return d.name }

func (d *DesktopNotifier) Notify(ctx context.Context, n plugin.Notification) error {
	body := n.Message
	if n.URL != "" {
		body += "\n" + n.URL
	}

	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %s with title %s",
			appleScriptString(body), appleScriptString(n.Title))
		return runCommand(ctx, "osascript", "-e", script)
	case "linux":
		if _, err := exec.LookPath("notify-send"); err == nil {
			return runCommand(ctx, "notify-send", "-t", strconv.Itoa(d.timeoutMS), n.Title, body)
		}
		if _, err := exec.LookPath("zenity"); err == nil {
			text := strings.TrimSpace(n.Title + "\n" + body)
			return runCommand(ctx, "zenity", "--notification", "--text", text)
		}
		return fmt.Errorf("notifier %q: notify-send or zenity is required", d.name)
	default:
		return fmt.Errorf("notifier %q: desktop notifications not supported on %s", d.name, runtime.GOOS)
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func appleScriptString(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
