package events

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/athena-dhcpd/dhcpwatch/internal/config"
)

// Dispatcher routes events from the bus to script hooks and webhooks.
// It subscribes to the event bus and dispatches matching events to the
// appropriate hook runners. Hook failures never reach the listener.
type Dispatcher struct {
	bus         *Bus
	scripts     *ScriptRunner
	webhooks    *WebhookSender
	logger      *slog.Logger
	mu          sync.RWMutex
	scriptCfgs  []ScriptConfig
	webhookCfgs []WebhookConfig
	ch          chan Event
	done        chan struct{}
}

// NewDispatcher creates a new event dispatcher.
func NewDispatcher(bus *Bus, logger *slog.Logger, scriptConcurrency int, webhookTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		bus:      bus,
		scripts:  NewScriptRunner(scriptConcurrency, logger),
		webhooks: NewWebhookSender(webhookTimeout, logger),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// AddScript registers a script hook.
func (d *Dispatcher) AddScript(cfg ScriptConfig) {
	d.mu.Lock()
	d.scriptCfgs = append(d.scriptCfgs, cfg)
	d.mu.Unlock()
}

// AddWebhook registers a webhook hook.
func (d *Dispatcher) AddWebhook(cfg WebhookConfig) {
	d.mu.Lock()
	d.webhookCfgs = append(d.webhookCfgs, cfg)
	d.mu.Unlock()
}

// SetHooks replaces every registered hook, used on config reload.
func (d *Dispatcher) SetHooks(scripts []ScriptConfig, webhooks []WebhookConfig) {
	d.mu.Lock()
	d.scriptCfgs = scripts
	d.webhookCfgs = webhooks
	d.mu.Unlock()
}

// Subscribe attaches the dispatcher to the bus. Start calls it when needed;
// calling it first guarantees no event published afterwards is missed.
func (d *Dispatcher) Subscribe() {
	if d.ch == nil {
		d.ch = d.bus.Subscribe(1000)
	}
}

// Start subscribes to the event bus and begins dispatching. Call in a goroutine.
func (d *Dispatcher) Start() {
	d.Subscribe()

	d.mu.RLock()
	d.logger.Info("event dispatcher started",
		"script_hooks", len(d.scriptCfgs),
		"webhook_hooks", len(d.webhookCfgs))
	d.mu.RUnlock()

	for {
		select {
		case evt, ok := <-d.ch:
			if !ok {
				return
			}
			d.dispatch(evt)
		case <-d.done:
			return
		}
	}
}

// Stop shuts down the dispatcher and waits for pending hooks.
func (d *Dispatcher) Stop() {
	close(d.done)
	if d.ch != nil {
		d.bus.Unsubscribe(d.ch)
	}
	d.scripts.Close()
	d.webhooks.Wait()
	d.logger.Info("event dispatcher stopped")
}

// dispatch routes a single event to matching hooks.
func (d *Dispatcher) dispatch(evt Event) {
	evtType := string(evt.Type)

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, cfg := range d.scriptCfgs {
		if cfg.Matches(evt) {
			d.scripts.Run(cfg, evt)
		}
	}

	for _, cfg := range d.webhookCfgs {
		if matchesEvent(cfg.Events, evtType) {
			d.webhooks.Send(cfg, evt)
		}
	}
}

// matchesEvent checks if the event type matches any of the configured patterns.
// Supports exact match and wildcard patterns (e.g., "message.*", "*").
func matchesEvent(patterns []string, eventType string) bool {
	if len(patterns) == 0 {
		return true // No filter = match all
	}
	for _, p := range patterns {
		if p == "*" {
			return true
		}
		if p == eventType {
			return true
		}
		// Wildcard suffix: "message.*" matches "message.received" and "message.rejected"
		if strings.HasSuffix(p, ".*") {
			prefix := strings.TrimSuffix(p, ".*")
			if strings.HasPrefix(eventType, prefix+".") {
				return true
			}
		}
	}
	return false
}

// Matches reports whether the event type matches any of patterns, with
// the same rules as hook event filters. No patterns matches everything.
func (e *Event) Matches(patterns []string) bool {
	return matchesEvent(patterns, string(e.Type))
}

// matchesInterface checks the event's receiving interface against the hook's filter.
func matchesInterface(interfaces []string, evt Event) bool {
	if len(interfaces) == 0 {
		return true
	}

	iface := evt.Interface()
	if iface == "" {
		return true // No interface in event = match all
	}

	for _, name := range interfaces {
		if name == iface {
			return true
		}
	}
	return false
}

// HooksFromConfig converts configured hooks into runner configs.
// Durations were validated at load time; bad values fall back to defaults.
func HooksFromConfig(cfg config.HooksConfig) ([]ScriptConfig, []WebhookConfig) {
	scriptTimeout := config.ParseDuration(cfg.ScriptTimeout, config.DefaultScriptTimeout)

	scripts := make([]ScriptConfig, 0, len(cfg.Scripts))
	for _, s := range cfg.Scripts {
		scripts = append(scripts, ScriptConfig{
			Name:         s.Name,
			Events:       s.Events,
			Command:      s.Command,
			Timeout:      config.ParseDuration(s.Timeout, scriptTimeout),
			Interfaces:   s.Interfaces,
			Segments:     s.Segments,
			MessageTypes: s.MessageTypes,
		})
	}

	webhooks := make([]WebhookConfig, 0, len(cfg.Webhooks))
	for _, w := range cfg.Webhooks {
		webhooks = append(webhooks, WebhookConfig{
			Name:         w.Name,
			Events:       w.Events,
			URL:          w.URL,
			Method:       w.Method,
			Headers:      w.Headers,
			Timeout:      config.ParseDuration(w.Timeout, 0),
			Retries:      w.Retries,
			RetryBackoff: config.ParseDuration(w.RetryBackoff, config.DefaultWebhookRetryBackoff),
			Secret:       w.Secret,
			Template:     w.Template,
		})
	}
	return scripts, webhooks
}
