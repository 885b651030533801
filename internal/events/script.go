package events

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/athena-dhcpd/dhcpwatch/internal/config"
	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp"
	"github.com/athena-dhcpd/dhcpwatch/internal/metrics"
	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

// scriptQueuePerWorker bounds how many executions may wait for a worker.
const scriptQueuePerWorker = 4

// maxScriptOutput caps how much script output is kept for logging.
const maxScriptOutput = 512

// ScriptConfig describes a single script hook binding. Empty filters match
// everything.
type ScriptConfig struct {
	Name         string
	Events       []string
	Command      string
	Timeout      time.Duration
	Interfaces   []string // receiving interface names
	Segments     []string // "relay:<giaddr>", an interface name, or "local"
	MessageTypes []string // "DHCPDISCOVER" ... "DHCPINFORM", or "BOOTP"
}

// Matches reports whether evt passes every filter on the hook. A message
// type filter only matches events that carry a decoded message.
func (c ScriptConfig) Matches(evt Event) bool {
	if !matchesEvent(c.Events, string(evt.Type)) || !matchesInterface(c.Interfaces, evt) {
		return false
	}
	if len(c.Segments) > 0 && !slices.Contains(c.Segments, evt.Segment()) {
		return false
	}
	if len(c.MessageTypes) > 0 {
		if evt.Message == nil {
			return false
		}
		label := evt.Message.TypeLabel()
		if !slices.ContainsFunc(c.MessageTypes, func(t string) bool { return strings.EqualFold(t, label) }) {
			return false
		}
	}
	return true
}

type scriptJob struct {
	cfg ScriptConfig
	evt Event
}

// ScriptRunner executes script hooks on a fixed set of workers fed by a
// bounded queue. Executions that find the queue full are dropped.
type ScriptRunner struct {
	logger  *slog.Logger
	jobs    chan scriptJob
	pending sync.WaitGroup
	workers sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewScriptRunner starts concurrency workers.
func NewScriptRunner(concurrency int, logger *slog.Logger) *ScriptRunner {
	if concurrency <= 0 {
		concurrency = config.DefaultScriptConcurrency
	}
	r := &ScriptRunner{
		logger: logger,
		jobs:   make(chan scriptJob, concurrency*scriptQueuePerWorker),
	}
	for range concurrency {
		r.workers.Add(1)
		go r.work()
	}
	return r
}

// Run queues one execution of cfg for evt. It reports false when the
// execution was dropped because the queue is full or the runner is closed.
func (r *ScriptRunner) Run(cfg ScriptConfig, evt Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	r.pending.Add(1)
	select {
	case r.jobs <- scriptJob{cfg: cfg, evt: evt}:
		return true
	default:
		r.pending.Done()
		metrics.HookExecutions.WithLabelValues("script", "dropped").Inc()
		r.logger.Warn("script hook queue full, dropping execution",
			"hook_name", cfg.Name,
			"event", string(evt.Type))
		return false
	}
}

func (r *ScriptRunner) work() {
	defer r.workers.Done()
	for job := range r.jobs {
		r.execute(job.cfg, job.evt)
		r.pending.Done()
	}
}

// Wait blocks until every queued execution has finished.
func (r *ScriptRunner) Wait() {
	r.pending.Wait()
}

// Close stops accepting executions, drains the queue and stops the workers.
func (r *ScriptRunner) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()
	r.workers.Wait()
}

// execute runs the command under /bin/sh with the event in its environment
// and as JSON on stdin.
func (r *ScriptRunner) execute(cfg ScriptConfig, evt Event) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultScriptTimeout
	}
	log := r.logger.With("hook_name", cfg.Name, "event", string(evt.Type))

	stdin, err := json.Marshal(evt)
	if err != nil {
		log.Error("failed to marshal event for script stdin", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cfg.Command)
	// Children of the shell may hold stdout open after it is killed.
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(), scriptEnv(cfg.Name, evt)...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	result := "success"
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result = "timeout"
		log.Error("script hook timed out, killed",
			"command", cfg.Command,
			"timeout", timeout.String())
	case err != nil:
		result = "error"
		log.Error("script hook failed",
			"command", cfg.Command,
			"error", err,
			"stderr", clip(stderr.Bytes()),
			"duration", duration.String())
	default:
		log.Debug("script hook completed",
			"duration", duration.String(),
			"output", clip(stdout.Bytes()))
	}
	metrics.HookExecutions.WithLabelValues("script", result).Inc()
	metrics.HookDuration.WithLabelValues("script").Observe(duration.Seconds())
}

// scriptEnv renders evt as sorted KEY=VALUE pairs: the event variables, the
// hook name, the segment, and every decoded option as DHCPWATCH_OPT_<code>
// with DHCPWATCH_OPTIONS listing the codes present.
func scriptEnv(hook string, evt Event) []string {
	vars := evt.ToEnvVars()
	vars["DHCPWATCH_HOOK_NAME"] = hook
	if _, ok := vars["DHCPWATCH_SEGMENT"]; !ok && (evt.Message != nil || evt.Rejection != nil) {
		vars["DHCPWATCH_SEGMENT"] = evt.Segment()
	}

	if m := evt.Message; m != nil {
		codes := m.Options.Codes()
		present := make([]string, len(codes))
		for i, code := range codes {
			present[i] = strconv.Itoa(int(code))
			v, _ := m.Options.Get(code)
			vars["DHCPWATCH_OPT_"+present[i]] = optionEnvValue(v)
		}
		vars["DHCPWATCH_OPTIONS"] = strings.Join(present, ",")
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// optionEnvValue flattens a decoded option value to one line. Lists are
// comma separated; vendor sub-options render as code:hex.
func optionEnvValue(v any) string {
	switch val := v.(type) {
	case net.IP:
		return val.String()
	case []net.IP:
		return strings.Join(dhcpv4.IPListToStrings(val), ",")
	case []dhcpv4.OptionCode:
		parts := make([]string, len(val))
		for i, c := range val {
			parts[i] = strconv.Itoa(int(c))
		}
		return strings.Join(parts, ",")
	case dhcp.VendorOptions:
		subs := make([]int, 0, len(val))
		for k := range val {
			subs = append(subs, int(k))
		}
		sort.Ints(subs)
		parts := make([]string, len(subs))
		for i, k := range subs {
			parts[i] = strconv.Itoa(k) + ":" + hex.EncodeToString(val[uint8(k)])
		}
		return strings.Join(parts, ",")
	case dhcp.FQDN:
		if val.Domain != "" {
			return val.Domain
		}
		return val.Name
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func clip(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxScriptOutput {
		s = s[:maxScriptOutput] + "..."
	}
	return s
}
