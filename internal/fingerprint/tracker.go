package fingerprint

import (
	"log/slog"
	"sync"

	"github.com/athena-dhcpd/dhcpwatch/internal/events"
	"github.com/athena-dhcpd/dhcpwatch/internal/metrics"
)

// Tracker feeds message.received events into a Store and publishes
// fingerprint.new and fingerprint.changed events back onto the bus.
type Tracker struct {
	store  *Store
	bus    *events.Bus
	logger *slog.Logger
	ch     chan events.Event
	done   chan struct{}
	once   sync.Once
}

// NewTracker creates a tracker. Call Subscribe before the bus starts
// delivering events you care about, then Start in a goroutine.
func NewTracker(store *Store, bus *events.Bus, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		bus:    bus,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Subscribe attaches the tracker to the bus. Start calls it when needed.
func (t *Tracker) Subscribe() {
	if t.ch == nil {
		t.ch = t.bus.Subscribe(1000)
	}
}

// Start consumes events until Stop.
func (t *Tracker) Start() {
	t.Subscribe()
	for {
		select {
		case evt, ok := <-t.ch:
			if !ok {
				return
			}
			t.handleEvent(evt)
		case <-t.done:
			return
		}
	}
}

// Stop detaches the tracker from the bus.
func (t *Tracker) Stop() {
	t.once.Do(func() {
		close(t.done)
		if t.ch != nil {
			t.bus.Unsubscribe(t.ch)
		}
	})
}

func (t *Tracker) handleEvent(evt events.Event) {
	if evt.Type != events.EventMessageReceived || evt.Message == nil {
		return
	}
	fp := FromMessage(evt.Message)
	if fp == nil {
		return
	}

	info, change := t.store.Record(fp)

	var typ events.EventType
	switch change {
	case New:
		typ = events.EventFingerprintNew
	case Changed:
		typ = events.EventFingerprintChanged
		metrics.FingerprintChanges.Inc()
		t.logger.Info("client fingerprint changed",
			"client_id", info.ClientID,
			"hash", info.FingerprintHash,
			"prev_hash", info.PrevHash,
			"vendor_class", info.VendorClass)
	default:
		return
	}

	t.bus.Publish(events.Event{
		Type:   typ,
		Source: evt.Source,
		Fingerprint: &events.FingerprintData{
			ClientID:    info.ClientID,
			Hash:        info.FingerprintHash,
			PrevHash:    info.PrevHash,
			ParamList:   info.ParamList,
			VendorClass: info.VendorClass,
			Hostname:    info.Hostname,
		},
	})
}
