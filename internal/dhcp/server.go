package dhcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/athena-dhcpd/dhcpwatch/internal/metrics"
	"github.com/athena-dhcpd/dhcpwatch/pkg/dhcpv4"
)

// Source describes where a datagram came from.
type Source struct {
	Addr      *net.UDPAddr
	Interface string // receiving interface, empty when the platform does not report it
	IfIndex   int
	Relay     *RelayInfo // option 82 from relayed requests
}

// Publisher receives the outcome of every datagram the listener reads.
// MessageRejected must not retain data after it returns.
type Publisher interface {
	MessageReceived(src Source, msg *Message)
	MessageRejected(src Source, data []byte, err error)
}

// bufferPool reuses datagram buffers to reduce allocations in the hot path.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, dhcpv4.MaxPacketSize)
	},
}

// GetBuffer returns a buffer from the pool.
func GetBuffer() []byte {
	return bufferPool.Get().([]byte)
}

// PutBuffer returns a buffer to the pool.
func PutBuffer(b []byte) {
	clear(b)
	bufferPool.Put(b)
}

// Server is a passive BOOTP/DHCP listener. It never replies.
type Server struct {
	conn      *ipv4.PacketConn
	decoder   atomic.Pointer[Decoder]
	publisher Publisher
	throttle  atomic.Pointer[Throttle]
	logger    *slog.Logger
	addr      string

	filterMu   sync.RWMutex
	interfaces map[string]bool // empty = accept every interface

	ifNames  sync.Map // ifindex -> name
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a listener on addr (default ":67").
func NewServer(decoder *Decoder, publisher Publisher, throttle *Throttle, addr string, logger *slog.Logger) *Server {
	if addr == "" {
		addr = fmt.Sprintf(":%d", dhcpv4.ServerPort)
	}
	s := &Server{
		publisher:  publisher,
		logger:     logger,
		addr:       addr,
		interfaces: make(map[string]bool),
		done:       make(chan struct{}),
	}
	s.decoder.Store(decoder)
	s.throttle.Store(throttle)
	return s
}

// SetDecoder swaps the decoder used for subsequent datagrams.
func (s *Server) SetDecoder(d *Decoder) {
	s.decoder.Store(d)
}

// SetThrottle swaps the publish throttle. nil disables throttling.
func (s *Server) SetThrottle(t *Throttle) {
	s.throttle.Store(t)
}

// SetInterfaces restricts the listener to datagrams received on the named
// interfaces. An empty list accepts all.
func (s *Server) SetInterfaces(names []string) {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	s.filterMu.Lock()
	s.interfaces = set
	s.filterMu.Unlock()
}

// Start begins listening for datagrams.
func (s *Server) Start(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", s.addr)
	if err != nil {
		return fmt.Errorf("resolving UDP address %s: %w", s.addr, err)
	}

	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	s.conn = ipv4.NewPacketConn(conn)
	if err := s.conn.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		// Not supported everywhere; interface filtering is then disabled.
		s.logger.Warn("receiving interface not available on this platform",
			"address", s.addr,
			"error", err)
	}

	s.logger.Info("DHCP listener started", "address", s.conn.LocalAddr().String())

	// Unblock ReadFrom when the context ends.
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-s.done:
		}
	}()

	s.wg.Add(1)
	go s.serve(ctx)

	return nil
}

// serve is the main read loop.
func (s *Server) serve(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		buf := GetBuffer()
		n, cm, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			PutBuffer(buf)
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Error("reading UDP datagram", "error", err)
			continue
		}

		src := s.source(cm, addr)
		if !s.accepts(src.Interface) {
			PutBuffer(buf)
			continue
		}

		s.wg.Add(1)
		go func(data []byte, length int) {
			defer s.wg.Done()
			defer PutBuffer(data)

			s.processDatagram(data[:length], src)
		}(buf, n)
	}
}

func (s *Server) source(cm *ipv4.ControlMessage, addr net.Addr) Source {
	src := Source{}
	if ua, ok := addr.(*net.UDPAddr); ok {
		src.Addr = ua
	}
	if cm != nil && cm.IfIndex > 0 {
		src.IfIndex = cm.IfIndex
		src.Interface = s.interfaceName(cm.IfIndex)
	}
	return src
}

func (s *Server) interfaceName(index int) string {
	if name, ok := s.ifNames.Load(index); ok {
		return name.(string)
	}
	ifi, err := net.InterfaceByIndex(index)
	if err != nil {
		return ""
	}
	s.ifNames.Store(index, ifi.Name)
	return ifi.Name
}

func (s *Server) accepts(iface string) bool {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	if len(s.interfaces) == 0 || iface == "" {
		return true
	}
	return s.interfaces[iface]
}

// processDatagram decodes one datagram and hands the result to the publisher.
func (s *Server) processDatagram(data []byte, src Source) {
	label := src.Interface
	if label == "" {
		label = "unknown"
	}
	metrics.DatagramsReceived.WithLabelValues(label).Inc()

	start := time.Now()
	msg, err := s.decoder.Load().Decode(data)
	metrics.DecodeDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.DecodeErrors.WithLabelValues(KindName(err)).Inc()
		s.logger.Warn("dropping malformed datagram",
			"error", err,
			"src", addrString(src.Addr),
			"interface", src.Interface,
			"size", len(data))
		s.publisher.MessageRejected(src, data, err)
		return
	}

	metrics.MessagesDecoded.WithLabelValues(msg.TypeLabel()).Inc()
	s.logger.Debug("decoded message",
		"msg_type", msg.TypeLabel(),
		"op", msg.Op.String(),
		"xid", fmt.Sprintf("0x%08x", msg.XID),
		"mac", msg.CHAddr.String(),
		"src", addrString(src.Addr),
		"interface", src.Interface)

	if msg.IsRelayed() {
		if ri, ok := RelayInfoFromDatagram(data); ok {
			src.Relay = &ri
		}
	}

	if !s.throttle.Load().Allow(msg.ClientID()) {
		metrics.PublishThrottled.Inc()
		return
	}
	s.publisher.MessageReceived(src, msg)
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Stop closes the socket and waits for in-flight datagrams. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
		s.wg.Wait()
		s.logger.Info("DHCP listener stopped", "address", s.addr)
	})
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// LocalAddr returns the bound socket address, or nil before Start.
func (s *Server) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}
