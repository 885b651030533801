// Package capture keeps a persistent, queryable record of every decoded
// (and optionally every rejected) datagram. Records live in a BoltDB bucket
// keyed by an auto-increment ID, with a secondary index holding one nested
// bucket of record IDs per client MAC.
// The oldest records are pruned once the configured maximum is exceeded.
package capture

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/athena-dhcpd/dhcpwatch/internal/events"
	"github.com/athena-dhcpd/dhcpwatch/internal/metrics"
)

var (
	bucketCapture    = []byte("capture_log")
	bucketCaptureMAC = []byte("capture_mac_ids") // mac → bucket of record keys

	// bucketCaptureMACList held one JSON ID list per MAC; NewLog replaces it.
	bucketCaptureMACList = []byte("capture_mac_index")
)

// Record is a single capture log entry.
type Record struct {
	ID          uint64          `json:"id"`
	Timestamp   string          `json:"timestamp"`
	Event       string          `json:"event"`
	MsgType     string          `json:"msg_type,omitempty"`
	Op          string          `json:"op,omitempty"`
	XID         string          `json:"xid,omitempty"`
	MAC         string          `json:"mac,omitempty"`
	ClientID    string          `json:"client_id,omitempty"`
	Hostname    string          `json:"hostname,omitempty"`
	VendorClass string          `json:"vendor_class,omitempty"`
	RequestedIP string          `json:"requested_ip,omitempty"`
	CIAddr      string          `json:"ciaddr,omitempty"`
	YIAddr      string          `json:"yiaddr,omitempty"`
	GIAddr      string          `json:"giaddr,omitempty"`
	Src         string          `json:"src,omitempty"`
	Interface   string          `json:"interface,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Error       string          `json:"error,omitempty"`
	Size        int             `json:"size,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
}

// QueryParams holds filter parameters for querying the capture log.
type QueryParams struct {
	MAC       string    // filter by client hardware address
	XID       string    // filter by transaction ID, "0x" + 8 hex digits
	MsgType   string    // filter by message type label, e.g. DHCPDISCOVER or BOOTP
	Event     string    // filter by event type
	Interface string    // filter by receiving interface
	From      time.Time // range start (inclusive)
	To        time.Time // range end (inclusive)
	Limit     int       // max results (0 = default 1000)
}

// Log records bus events into BoltDB.
type Log struct {
	db           *bolt.DB
	bus          *events.Bus
	logger       *slog.Logger
	ch           chan events.Event
	done         chan struct{}
	mu           sync.RWMutex
	maxRecords   int
	keepRejected bool
}

// Option configures a Log.
type Option func(*Log)

// WithMaxRecords caps the number of stored records. Zero keeps everything.
func WithMaxRecords(n int) Option {
	return func(l *Log) { l.maxRecords = n }
}

// WithRejected also records message.rejected events.
func WithRejected(keep bool) Option {
	return func(l *Log) { l.keepRejected = keep }
}

// NewLog creates a new capture log backed by BoltDB.
func NewLog(db *bolt.DB, bus *events.Bus, logger *slog.Logger, opts ...Option) (*Log, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCapture); err != nil {
			return fmt.Errorf("creating capture bucket: %w", err)
		}
		if tx.Bucket(bucketCaptureMACList) != nil {
			return migrateMACIndex(tx)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketCaptureMAC); err != nil {
			return fmt.Errorf("creating capture MAC index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l := &Log{
		db:     db,
		bus:    bus,
		logger: logger,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// SetRetention updates the record cap and rejected-message policy, used on config reload.
func (l *Log) SetRetention(maxRecords int, keepRejected bool) {
	l.mu.Lock()
	l.maxRecords = maxRecords
	l.keepRejected = keepRejected
	l.mu.Unlock()
}

// Subscribe attaches the log to the bus. Start calls it when needed.
func (l *Log) Subscribe() {
	if l.ch == nil {
		l.ch = l.bus.Subscribe(2000)
	}
}

// Start consumes bus events and prunes every pruneInterval. Call in a goroutine.
func (l *Log) Start(pruneInterval time.Duration) {
	l.Subscribe()
	l.logger.Info("capture log started")

	if pruneInterval <= 0 {
		pruneInterval = 5 * time.Minute
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-l.ch:
			if !ok {
				return
			}
			l.handleEvent(evt)
		case <-ticker.C:
			l.mu.RLock()
			maxRecords := l.maxRecords
			l.mu.RUnlock()
			if n, err := l.Prune(maxRecords); err != nil {
				l.logger.Error("pruning capture log", "error", err)
			} else if n > 0 {
				l.logger.Debug("pruned capture log", "removed", n)
			}
		case <-l.done:
			return
		}
	}
}

// Stop shuts down the capture log subscriber.
func (l *Log) Stop() {
	close(l.done)
	if l.ch != nil {
		l.bus.Unsubscribe(l.ch)
	}
	l.logger.Info("capture log stopped")
}

// handleEvent converts a bus event into a capture record and persists it.
func (l *Log) handleEvent(evt events.Event) {
	l.mu.RLock()
	keepRejected := l.keepRejected
	l.mu.RUnlock()

	switch evt.Type {
	case events.EventMessageReceived:
	case events.EventMessageRejected:
		if !keepRejected {
			return
		}
	default:
		return
	}

	rec, err := RecordFromEvent(evt)
	if err != nil {
		metrics.CaptureRecords.WithLabelValues("error").Inc()
		l.logger.Error("building capture record", "event", string(evt.Type), "error", err)
		return
	}

	if err := l.Append(rec); err != nil {
		metrics.CaptureRecords.WithLabelValues("error").Inc()
		l.logger.Error("failed to write capture record",
			"event", rec.Event, "mac", rec.MAC, "xid", rec.XID, "error", err)
		return
	}
	metrics.CaptureRecords.WithLabelValues("ok").Inc()
}

// RecordFromEvent flattens a message event into a capture record.
func RecordFromEvent(evt events.Event) (Record, error) {
	rec := Record{
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339Nano),
		Event:     string(evt.Type),
	}
	if evt.Source != nil {
		rec.Src = evt.Source.Addr
		rec.Interface = evt.Source.Interface
	}

	if m := evt.Message; m != nil {
		rec.MsgType = m.TypeLabel()
		rec.Op = m.Op.String()
		rec.XID = fmt.Sprintf("0x%08x", m.XID)
		rec.MAC = m.CHAddr.Address
		rec.ClientID = m.ClientID()
		rec.Hostname = m.Hostname()
		rec.VendorClass = m.VendorClassID()
		rec.RequestedIP = ipStr(m.RequestedIP())
		rec.CIAddr = ipStr(m.CIAddr)
		rec.YIAddr = ipStr(m.YIAddr)
		rec.GIAddr = ipStr(m.GIAddr)

		data, err := json.Marshal(m)
		if err != nil {
			return Record{}, fmt.Errorf("marshalling message: %w", err)
		}
		rec.Message = data
	}

	if r := evt.Rejection; r != nil {
		rec.ErrorKind = r.Kind
		rec.Error = r.Error
		rec.Size = r.Size
	}

	return rec, nil
}

// Append persists a single record with an auto-increment ID.
func (l *Log) Append(rec Record) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCapture)

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("generating capture ID: %w", err)
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshalling capture record: %w", err)
		}

		if err := b.Put(uint64Key(id), data); err != nil {
			return fmt.Errorf("storing capture record: %w", err)
		}

		if rec.MAC != "" {
			if err := indexMAC(tx.Bucket(bucketCaptureMAC), rec.MAC, id); err != nil {
				return err
			}
		}

		return nil
	})
}

// indexMAC adds id to the MAC's ID bucket.
func indexMAC(idx *bolt.Bucket, mac string, id uint64) error {
	ids, err := idx.CreateBucketIfNotExists([]byte(strings.ToLower(mac)))
	if err != nil {
		return fmt.Errorf("creating MAC index for %s: %w", mac, err)
	}
	if err := ids.Put(uint64Key(id), []byte{}); err != nil {
		return fmt.Errorf("indexing record %d for %s: %w", id, mac, err)
	}
	return nil
}

// migrateMACIndex drops the list-per-MAC index and rebuilds the nested one
// from the stored records.
func migrateMACIndex(tx *bolt.Tx) error {
	if err := tx.DeleteBucket(bucketCaptureMACList); err != nil {
		return fmt.Errorf("dropping old capture MAC index: %w", err)
	}
	if tx.Bucket(bucketCaptureMAC) != nil {
		if err := tx.DeleteBucket(bucketCaptureMAC); err != nil {
			return fmt.Errorf("resetting capture MAC index: %w", err)
		}
	}
	idx, err := tx.CreateBucket(bucketCaptureMAC)
	if err != nil {
		return fmt.Errorf("creating capture MAC index: %w", err)
	}
	return tx.Bucket(bucketCapture).ForEach(func(k, v []byte) error {
		var rec Record
		if json.Unmarshal(v, &rec) != nil || rec.MAC == "" {
			return nil
		}
		return indexMAC(idx, rec.MAC, binary.BigEndian.Uint64(k))
	})
}

// Query searches the capture log, newest first.
func (l *Log) Query(params QueryParams) ([]Record, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 1000
	}

	// Fast path: MAC-based query using the index
	if params.MAC != "" {
		return l.queryByMAC(params, limit)
	}

	var results []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCapture).Cursor()

		for k, v := c.Last(); k != nil && len(results) < limit; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})

	return results, err
}

// queryByMAC uses the MAC index for efficient lookups.
func (l *Log) queryByMAC(params QueryParams, limit int) ([]Record, error) {
	var results []Record

	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCapture)
		ids := tx.Bucket(bucketCaptureMAC).Bucket([]byte(strings.ToLower(params.MAC)))
		if ids == nil {
			return nil
		}

		c := ids.Cursor()
		for k, _ := c.Last(); k != nil && len(results) < limit; k, _ = c.Prev() {
			data := b.Get(k)
			if data == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})

	return results, err
}

// Get returns the record with the given ID.
func (l *Log) Get(id uint64) (Record, bool, error) {
	var rec Record
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCapture).Get(uint64Key(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

// Count returns the total number of capture records.
func (l *Log) Count() int {
	var count int
	l.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketCapture).Stats().KeyN
		return nil
	})
	return count
}

// Prune deletes the oldest records so that at most maxRecords remain and
// returns how many were removed. maxRecords <= 0 disables pruning.
func (l *Log) Prune(maxRecords int) (int, error) {
	if maxRecords <= 0 {
		return 0, nil
	}

	removed := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCapture)
		excess := b.Stats().KeyN - maxRecords
		if excess <= 0 {
			return nil
		}

		var keys [][]byte
		var cutoff uint64
		macs := make(map[string]bool)
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(keys) < excess; k, v = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
			cutoff = binary.BigEndian.Uint64(k)
			var rec Record
			if json.Unmarshal(v, &rec) == nil && rec.MAC != "" {
				macs[strings.ToLower(rec.MAC)] = true
			}
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("deleting capture record: %w", err)
			}
		}

		// IDs are monotonic, so every indexed ID <= cutoff is gone.
		idx := tx.Bucket(bucketCaptureMAC)
		for mac := range macs {
			if err := pruneMACIndex(idx, []byte(mac), cutoff); err != nil {
				return err
			}
		}

		removed = len(keys)
		return nil
	})
	if removed > 0 {
		metrics.CapturePruned.Add(float64(removed))
	}
	return removed, err
}

// matchesQuery returns true if a record matches all non-zero query fields.
func matchesQuery(rec Record, params QueryParams) bool {
	if params.MAC != "" && !strings.EqualFold(rec.MAC, params.MAC) {
		return false
	}
	if params.XID != "" && !strings.EqualFold(rec.XID, params.XID) {
		return false
	}
	if params.MsgType != "" && !strings.EqualFold(rec.MsgType, params.MsgType) {
		return false
	}
	if params.Event != "" && rec.Event != params.Event {
		return false
	}
	if params.Interface != "" && rec.Interface != params.Interface {
		return false
	}

	if params.From.IsZero() && params.To.IsZero() {
		return true
	}
	recTime, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return false
	}
	if !params.From.IsZero() && recTime.Before(params.From) {
		return false
	}
	if !params.To.IsZero() && recTime.After(params.To) {
		return false
	}
	return true
}

// --- helpers ---

func uint64Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// pruneMACIndex removes IDs up to cutoff from one MAC's bucket and drops
// the bucket once it is empty.
func pruneMACIndex(idx *bolt.Bucket, mac []byte, cutoff uint64) error {
	ids := idx.Bucket(mac)
	if ids == nil {
		return nil
	}

	var stale [][]byte
	c := ids.Cursor()
	for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= cutoff; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := ids.Delete(k); err != nil {
			return fmt.Errorf("pruning MAC index for %s: %w", mac, err)
		}
	}

	if k, _ := ids.Cursor().First(); k == nil {
		if err := idx.DeleteBucket(mac); err != nil {
			return fmt.Errorf("deleting MAC index for %s: %w", mac, err)
		}
	}
	return nil
}

func ipStr(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
