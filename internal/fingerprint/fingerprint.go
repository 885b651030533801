// Package fingerprint tracks DHCP client fingerprints. A fingerprint is a
// hash of the vendor class (option 60) and the parameter request list
// (option 55); the hostname (option 12) is kept alongside but not hashed.
// Devices are classified with a local heuristic table.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/athena-dhcpd/dhcpwatch/internal/dhcp"
	"github.com/athena-dhcpd/dhcpwatch/internal/metrics"
)

var (
	bucketFingerprints = []byte("fingerprints")    // client id → DeviceInfo
	bucketFPIndex      = []byte("fingerprint_idx") // fingerprint hash → []client id
)

// Change says how a recorded fingerprint relates to what was stored before.
type Change int

const (
	Unchanged Change = iota
	New
	Changed
)

// DeviceInfo holds fingerprint and classification data for a client.
type DeviceInfo struct {
	ClientID        string    `json:"client_id"`
	MAC             string    `json:"mac"`
	FingerprintHash string    `json:"fingerprint_hash"`
	PrevHash        string    `json:"prev_hash,omitempty"`
	VendorClass     string    `json:"vendor_class,omitempty"`
	ParamList       string    `json:"param_list,omitempty"`
	Hostname        string    `json:"hostname,omitempty"`
	OUI             string    `json:"oui,omitempty"`
	Vendor          string    `json:"vendor,omitempty"`
	DeviceType      string    `json:"device_type,omitempty"`
	DeviceName      string    `json:"device_name,omitempty"`
	OS              string    `json:"os,omitempty"`
	Confidence      int       `json:"confidence"`
	Changes         int       `json:"changes"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
}

// RawFingerprint holds the raw DHCP options used for fingerprinting.
type RawFingerprint struct {
	ClientID    string
	MAC         string
	VendorClass string
	ParamList   []byte // option 55 codes in wire order
	Hostname    string
}

// FromMessage extracts the fingerprint inputs of a decoded message. It
// returns nil for messages with neither option 55 nor option 60, which
// carry nothing to fingerprint.
func FromMessage(msg *dhcp.Message) *RawFingerprint {
	prl := msg.Options.ParameterRequestList()
	vc := msg.VendorClassID()
	if len(prl) == 0 && vc == "" {
		return nil
	}
	params := make([]byte, len(prl))
	for i, c := range prl {
		params[i] = byte(c)
	}
	return &RawFingerprint{
		ClientID:    msg.ClientID(),
		MAC:         msg.CHAddr.Address,
		VendorClass: vc,
		ParamList:   params,
		Hostname:    msg.Hostname(),
	}
}

// Hash returns a stable hash of the fingerprint for deduplication.
func (rf *RawFingerprint) Hash() string {
	h := sha256.New()
	h.Write([]byte(rf.VendorClass))
	h.Write([]byte{0})
	h.Write(rf.ParamList)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// ParamListString returns the parameter request list as a comma-separated string of option codes.
func (rf *RawFingerprint) ParamListString() string {
	if len(rf.ParamList) == 0 {
		return ""
	}
	parts := make([]string, len(rf.ParamList))
	for i, b := range rf.ParamList {
		parts[i] = strconv.Itoa(int(b))
	}
	return strings.Join(parts, ",")
}

// VendorLookup names the manufacturer behind a MAC address.
type VendorLookup interface {
	Lookup(mac string) string
}

// Store provides persistent storage and lookup of client fingerprints.
type Store struct {
	db      *bolt.DB
	logger  *slog.Logger
	mu      sync.RWMutex
	cache   map[string]*DeviceInfo // client id → DeviceInfo
	vendors VendorLookup
}

// NewStore creates a new fingerprint store backed by BoltDB.
func NewStore(db *bolt.DB, logger *slog.Logger) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketFingerprints); err != nil {
			return fmt.Errorf("creating fingerprints bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketFPIndex); err != nil {
			return fmt.Errorf("creating fingerprint index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: logger,
		cache:  make(map[string]*DeviceInfo),
	}

	if err := s.loadAll(); err != nil {
		return nil, fmt.Errorf("loading fingerprints: %w", err)
	}
	metrics.FingerprintsStored.Set(float64(len(s.cache)))

	return s, nil
}

// SetVendorLookup enables vendor names for newly recorded clients. nil disables it.
func (s *Store) SetVendorLookup(v VendorLookup) {
	s.mu.Lock()
	s.vendors = v
	s.mu.Unlock()
}

func (s *Store) vendorOf(mac string) string {
	if s.vendors == nil || mac == "" {
		return ""
	}
	return s.vendors.Lookup(mac)
}

// Record stores a fingerprint and reports whether the client is new, has
// changed fingerprint, or is unchanged.
func (s *Store) Record(fp *RawFingerprint) (*DeviceInfo, Change) {
	now := time.Now()
	hash := fp.Hash()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.cache[fp.ClientID]
	if ok && existing.FingerprintHash == hash {
		existing.LastSeen = now
		if fp.Hostname != "" {
			existing.Hostname = fp.Hostname
		}
		if existing.Vendor == "" {
			existing.Vendor = s.vendorOf(existing.MAC)
		}
		s.persist(existing, "")
		cp := *existing
		return &cp, Unchanged
	}

	info := &DeviceInfo{
		ClientID:        fp.ClientID,
		MAC:             fp.MAC,
		FingerprintHash: hash,
		VendorClass:     fp.VendorClass,
		ParamList:       fp.ParamListString(),
		Hostname:        fp.Hostname,
		OUI:             ouiFromMAC(fp.MAC),
		Vendor:          s.vendorOf(fp.MAC),
		FirstSeen:       now,
		LastSeen:        now,
	}

	change := New
	oldHash := ""
	if ok {
		change = Changed
		oldHash = existing.FingerprintHash
		info.FirstSeen = existing.FirstSeen
		info.PrevHash = existing.FingerprintHash
		info.Changes = existing.Changes + 1
	}

	classify(info, fp)

	s.cache[fp.ClientID] = info
	s.persist(info, oldHash)
	metrics.FingerprintsStored.Set(float64(len(s.cache)))

	cp := *info
	return &cp, change
}

// Get returns the device info for a client ID.
func (s *Store) Get(clientID string) *DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.cache[clientID]; ok {
		cp := *info
		return &cp
	}
	return nil
}

// All returns all known fingerprints, most recently seen first.
func (s *Store) All() []DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]DeviceInfo, 0, len(s.cache))
	for _, info := range s.cache {
		result = append(result, *info)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastSeen.After(result[j].LastSeen)
	})
	return result
}

// ByHash returns the client IDs currently presenting a fingerprint hash.
func (s *Store) ByHash(hash string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFPIndex).Get([]byte(hash))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &ids)
	})
	return ids, err
}

// Count returns the number of known clients.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// persist writes a DeviceInfo to BoltDB and moves it from oldHash to its
// current hash in the index. Errors are logged, not returned.
func (s *Store) persist(info *DeviceInfo, oldHash string) {
	data, err := json.Marshal(info)
	if err != nil {
		s.logger.Error("marshalling fingerprint", "client_id", info.ClientID, "error", err)
		return
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFingerprints).Put([]byte(info.ClientID), data); err != nil {
			return err
		}
		idx := tx.Bucket(bucketFPIndex)
		if oldHash != "" {
			if err := updateIndex(idx, oldHash, info.ClientID, false); err != nil {
				return err
			}
		}
		return updateIndex(idx, info.FingerprintHash, info.ClientID, true)
	})
	if err != nil {
		s.logger.Error("persisting fingerprint", "client_id", info.ClientID, "error", err)
	}
}

func updateIndex(idx *bolt.Bucket, hash, clientID string, add bool) error {
	var ids []string
	if data := idx.Get([]byte(hash)); data != nil {
		if err := json.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("reading fingerprint index: %w", err)
		}
	}

	pos := -1
	for i, id := range ids {
		if id == clientID {
			pos = i
			break
		}
	}
	switch {
	case add && pos >= 0, !add && pos < 0:
		return nil
	case add:
		ids = append(ids, clientID)
	default:
		ids = append(ids[:pos], ids[pos+1:]...)
	}

	if len(ids) == 0 {
		return idx.Delete([]byte(hash))
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.Put([]byte(hash), data)
}

// loadAll loads all fingerprints from BoltDB into the in-memory cache.
func (s *Store) loadAll() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFingerprints)
		return b.ForEach(func(k, v []byte) error {
			var info DeviceInfo
			if err := json.Unmarshal(v, &info); err == nil {
				s.cache[info.ClientID] = &info
			}
			return nil
		})
	})
}

// ouiFromMAC extracts the OUI prefix (first 3 octets) from a colon-hex address.
func ouiFromMAC(mac string) string {
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) < 3 {
		return ""
	}
	return fmt.Sprintf("%02x:%02x:%02x", hw[0], hw[1], hw[2])
}

// classify applies local heuristic classification to a device.
func classify(info *DeviceInfo, fp *RawFingerprint) {
	vc := strings.ToLower(fp.VendorClass)
	hn := strings.ToLower(fp.Hostname)

	switch {
	case strings.HasPrefix(vc, "msft "):
		info.OS = "Windows"
		info.DeviceType = "computer"
		info.Confidence = 80
		switch {
		case strings.Contains(vc, "5.0"):
			info.DeviceName = "Windows 2000/XP"
		case strings.Contains(vc, "6.0"):
			info.DeviceName = "Windows Vista/7"
		case strings.Contains(vc, "10.0"):
			info.DeviceName = "Windows 10/11"
		}

	case strings.HasPrefix(vc, "android-dhcp"):
		info.OS = "Android"
		info.DeviceType = "phone"
		info.Confidence = 85

	case strings.HasPrefix(vc, "dhcpcd"):
		info.OS = "Linux"
		info.DeviceType = "computer"
		info.Confidence = 60

	case strings.Contains(vc, "udhcp"):
		info.OS = "Linux (embedded)"
		info.DeviceType = "embedded"
		info.Confidence = 50

	case strings.HasPrefix(vc, "pxeclient"):
		info.DeviceType = "pxe"
		info.DeviceName = "PXE boot ROM"
		info.Confidence = 90

	case strings.Contains(vc, "cisco"):
		info.DeviceType = "network"
		info.DeviceName = "Cisco"
		info.Confidence = 90

	case strings.Contains(vc, "aruba"):
		info.DeviceType = "network"
		info.DeviceName = "Aruba"
		info.Confidence = 90

	case strings.Contains(vc, "meraki"):
		info.DeviceType = "network"
		info.DeviceName = "Meraki"
		info.Confidence = 90

	case strings.Contains(vc, "ubnt"), strings.Contains(vc, "ubiquiti"):
		info.DeviceType = "network"
		info.DeviceName = "Ubiquiti"
		info.Confidence = 90
	}

	// Hostname-based hints
	if info.DeviceType == "" {
		switch {
		case strings.HasPrefix(hn, "iphone"), strings.HasPrefix(hn, "ipad"):
			info.OS = "iOS/iPadOS"
			info.DeviceType = "phone"
			info.Confidence = 70

		case strings.HasPrefix(hn, "macbook"), strings.HasPrefix(hn, "imac"), strings.HasPrefix(hn, "mac-"):
			info.OS = "macOS"
			info.DeviceType = "computer"
			info.Confidence = 70

		case strings.HasPrefix(hn, "android-"), strings.HasPrefix(hn, "galaxy"):
			info.OS = "Android"
			info.DeviceType = "phone"
			info.Confidence = 60

		case strings.Contains(hn, "printer"), strings.Contains(hn, "hp-"), strings.Contains(hn, "epson"):
			info.DeviceType = "printer"
			info.Confidence = 60

		case strings.Contains(hn, "cam"), strings.Contains(hn, "nvr"):
			info.DeviceType = "camera"
			info.Confidence = 50
		}
	}

	// Option 55 ordering hints
	if info.OS == "" && len(fp.ParamList) > 0 {
		paramStr := fp.ParamListString()
		switch {
		case strings.HasPrefix(paramStr, "1,15,3,6,44,46,47,31,33,121,249,43"):
			info.OS = "Windows"
			info.DeviceType = "computer"
			info.Confidence = 50
		case strings.HasPrefix(paramStr, "1,121,3,6,15,119,252"), strings.HasPrefix(paramStr, "1,3,6,15,119,252"):
			info.OS = "macOS/iOS"
			info.Confidence = 50
		}
	}

	// Vendor hints
	if info.OS == "" && info.Vendor != "" {
		v := strings.ToLower(info.Vendor)
		switch {
		case strings.Contains(v, "apple"):
			info.OS = "macOS/iOS"
			info.Confidence = max(info.Confidence, 40)
		case strings.Contains(v, "raspberry pi"):
			info.OS = "Linux"
			if info.DeviceType == "" {
				info.DeviceType = "embedded"
			}
			info.Confidence = max(info.Confidence, 40)
		case strings.Contains(v, "espressif"), strings.Contains(v, "tuya"):
			if info.DeviceType == "" {
				info.DeviceType = "iot"
				info.Confidence = max(info.Confidence, 40)
			}
		}
	}

	if info.DeviceType == "" {
		info.DeviceType = "unknown"
		info.Confidence = 0
	}
}
