// Package anomaly keeps request-rate baselines per network segment and
// raises anomaly.detected when a segment floods, goes silent, or sees a
// burst of never-seen clients (a common sign of pool starvation).
package anomaly

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/athena-dhcpd/dhcpwatch/internal/events"
	"github.com/athena-dhcpd/dhcpwatch/internal/metrics"
	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

// Anomaly kinds.
const (
	KindFlood      = "flood"
	KindDrop       = "drop"
	KindSilent     = "silent"
	KindNewClients = "new_clients"
)

// learningWindows is how many windows a segment is observed before it can alert.
const learningWindows = 3

// SegmentWeather holds the current activity state for a segment.
type SegmentWeather struct {
	Segment       string  `json:"segment"`
	CurrentRate   float64 `json:"current_rate"`  // requests in the last window
	BaselineRate  float64 `json:"baseline_rate"` // EWMA of rate
	StdDev        float64 `json:"std_dev"`
	KnownClients  int     `json:"known_clients"`
	NewClients    int     `json:"new_clients"` // first seen in the last window
	Windows       int     `json:"windows"`
	LastActivity  string  `json:"last_activity"`
	SilentSeconds int     `json:"silent_seconds"`
	AnomalyScore  float64 `json:"anomaly_score"`
	AnomalyKind   string  `json:"anomaly_kind,omitempty"`
	Status        string  `json:"status"` // "learning", "normal", "elevated", "alert", "silent"
}

// Config holds anomaly detection settings.
type Config struct {
	Window             time.Duration // aggregation window
	BaselineAlpha      float64       // EWMA smoothing for the baseline
	AlertThreshold     float64       // score at which an event is published
	SilentAfter        time.Duration // silence before a busy segment alerts
	NewClientThreshold int           // never-seen clients per window that alert; 0 disables
	MaxKnownClients    int           // per-segment memory bound
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Window:             time.Minute,
		BaselineAlpha:      0.1,
		AlertThreshold:     3.0,
		SilentAfter:        10 * time.Minute,
		NewClientThreshold: 50,
		MaxKnownClients:    50000,
	}
}

// Detector monitors client request traffic and detects anomalies.
type Detector struct {
	bus    *events.Bus
	logger *slog.Logger
	ch     chan events.Event
	done   chan struct{}
	once   sync.Once

	mu       sync.RWMutex
	cfg      Config
	segments map[string]*segmentState
}

type segmentState struct {
	// Current window counters
	windowCount  int
	unknownCount int

	knownClients map[string]struct{}

	// Baseline stats (EWMA)
	windows      int
	baselineRate float64
	baselineVar  float64

	lastActivity time.Time
	lastRate     float64
	lastUnknown  int
	score        float64
	kind         string
	alertKind    string // kind of the alert currently raised, if any
}

// NewDetector creates a new anomaly detector.
func NewDetector(bus *events.Bus, cfg Config, logger *slog.Logger) *Detector {
	return &Detector{
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
		done:     make(chan struct{}),
		segments: make(map[string]*segmentState),
	}
}

// SetConfig replaces the thresholds. A new window length applies from the next tick.
func (d *Detector) SetConfig(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Detector) window() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Window
}

// Subscribe attaches the detector to the bus. Start calls it when needed.
func (d *Detector) Subscribe() {
	if d.ch == nil {
		d.ch = d.bus.Subscribe(2000)
	}
}

// Start consumes events and closes a window on every tick until Stop.
func (d *Detector) Start() {
	d.Subscribe()
	window := d.window()
	d.logger.Info("anomaly detector started", "window", window)

	ticker := time.NewTicker(window)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-d.ch:
			if !ok {
				return
			}
			d.handleEvent(evt)
		case now := <-ticker.C:
			d.processWindow(now)
			if w := d.window(); w != window {
				window = w
				ticker.Reset(window)
			}
		case <-d.done:
			return
		}
	}
}

// Stop shuts down the anomaly detector.
func (d *Detector) Stop() {
	d.once.Do(func() {
		close(d.done)
		if d.ch != nil {
			d.bus.Unsubscribe(d.ch)
		}
		d.logger.Info("anomaly detector stopped")
	})
}

// SegmentOf names the segment a message arrived from: the relay agent
// address when relayed, else the receiving interface.
func SegmentOf(evt events.Event) string {
	return evt.Segment()
}

func (d *Detector) handleEvent(evt events.Event) {
	if evt.Type != events.EventMessageReceived || evt.Message == nil {
		return
	}
	if evt.Message.Op != dhcpv4.OpCodeBootRequest {
		return
	}
	d.observe(SegmentOf(evt), evt.Message.ClientID(), time.Now())
}

func (d *Detector) observe(segment, client string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.segments[segment]
	if !ok {
		s = &segmentState{knownClients: make(map[string]struct{})}
		d.segments[segment] = s
		metrics.SegmentsMonitored.Set(float64(len(d.segments)))
	}

	s.windowCount++
	s.lastActivity = at

	if client == "" {
		return
	}
	if _, seen := s.knownClients[client]; seen {
		return
	}
	if d.cfg.MaxKnownClients > 0 && len(s.knownClients) >= d.cfg.MaxKnownClients {
		d.logger.Debug("segment client memory full, resetting", "segment", segment, "clients", len(s.knownClients))
		clear(s.knownClients)
	}
	s.knownClients[client] = struct{}{}
	s.unknownCount++
}

// processWindow closes the current window on every segment, scores it
// against the baseline, then folds it into the baseline.
func (d *Detector) processWindow(now time.Time) {
	var alerts []events.Event

	d.mu.Lock()
	cfg := d.cfg
	for segment, s := range d.segments {
		rate := float64(s.windowCount)
		score, kind := evaluate(cfg, s, rate, s.unknownCount, now)

		if s.windows == 0 {
			s.baselineRate = rate
		} else {
			diff := rate - s.baselineRate
			s.baselineRate += cfg.BaselineAlpha * diff
			s.baselineVar = cfg.BaselineAlpha*(diff*diff) + (1-cfg.BaselineAlpha)*s.baselineVar
		}
		s.windows++
		s.lastRate = rate
		s.lastUnknown = s.unknownCount
		s.score, s.kind = score, kind

		switch {
		case score >= cfg.AlertThreshold && kind != s.alertKind:
			s.alertKind = kind
			alerts = append(alerts, events.Event{
				Type:      events.EventAnomalyDetected,
				Timestamp: now,
				Reason:    describe(kind),
				Anomaly: &events.AnomalyData{
					Segment:    segment,
					Kind:       kind,
					Score:      round2(score),
					Rate:       rate,
					Baseline:   round2(s.baselineRate),
					NewClients: s.unknownCount,
				},
			})
		case score < cfg.AlertThreshold:
			s.alertKind = ""
		}

		s.windowCount = 0
		s.unknownCount = 0
	}
	d.mu.Unlock()

	for _, evt := range alerts {
		a := evt.Anomaly
		metrics.AnomaliesDetected.WithLabelValues(a.Kind).Inc()
		d.logger.Warn("anomaly detected",
			"segment", a.Segment,
			"kind", a.Kind,
			"score", a.Score,
			"rate", a.Rate,
			"baseline", a.Baseline,
			"new_clients", a.NewClients)
		d.bus.Publish(evt)
	}
}

// evaluate scores a closed window against the baseline built from earlier windows.
func evaluate(cfg Config, s *segmentState, rate float64, unknown int, now time.Time) (float64, string) {
	if s.windows < learningWindows {
		return 0, ""
	}

	if silent := now.Sub(s.lastActivity); cfg.SilentAfter > 0 && silent >= cfg.SilentAfter && s.baselineRate > 0 {
		return cfg.AlertThreshold * float64(silent) / float64(cfg.SilentAfter), KindSilent
	}

	if cfg.NewClientThreshold > 0 && unknown >= cfg.NewClientThreshold {
		return cfg.AlertThreshold * float64(unknown) / float64(cfg.NewClientThreshold), KindNewClients
	}

	// Flat baselines have no variance; fall back to a Poisson-like spread.
	stddev := math.Max(math.Sqrt(s.baselineVar), math.Max(math.Sqrt(s.baselineRate), 1))
	if z := (rate - s.baselineRate) / stddev; z > 2 {
		return z, KindFlood
	}
	if s.baselineRate > 5 && rate == 0 {
		return 2, KindDrop
	}
	return 0, ""
}

func describe(kind string) string {
	switch kind {
	case KindFlood:
		return "request rate spike"
	case KindDrop:
		return "sudden drop in requests"
	case KindSilent:
		return "segment silent"
	case KindNewClients:
		return "burst of new clients"
	}
	return kind
}

func status(cfg Config, s *segmentState) string {
	switch {
	case s.windows < learningWindows:
		return "learning"
	case s.kind == KindSilent:
		return "silent"
	case s.score >= cfg.AlertThreshold:
		return "alert"
	case s.score > 0:
		return "elevated"
	}
	return "normal"
}

// Weather returns the current state of every monitored segment, sorted by name.
func (d *Detector) Weather() []SegmentWeather {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := time.Now()
	result := make([]SegmentWeather, 0, len(d.segments))
	for segment, s := range d.segments {
		w := SegmentWeather{
			Segment:      segment,
			CurrentRate:  s.lastRate,
			BaselineRate: round2(s.baselineRate),
			StdDev:       round2(math.Sqrt(s.baselineVar)),
			KnownClients: len(s.knownClients),
			NewClients:   s.lastUnknown,
			Windows:      s.windows,
			AnomalyScore: round2(s.score),
			AnomalyKind:  s.kind,
			Status:       status(d.cfg, s),
		}
		if !s.lastActivity.IsZero() {
			w.LastActivity = s.lastActivity.Format(time.RFC3339)
			w.SilentSeconds = int(now.Sub(s.lastActivity).Seconds())
		}
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Segment < result[j].Segment })
	return result
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
