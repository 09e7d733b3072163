// Package transport owns the single UDP socket every LSNP frame travels
// through. It offers best-effort broadcast and unicast sends plus a
// reliable send with ACK matching and retransmission, and pumps inbound
// datagrams to the router untouched.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/protocol"
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrDeliveryFailed = errors.New("delivery failed: retries exhausted")
	ErrNoMessageID    = errors.New("reliable frame without MESSAGE_ID")
)

// Packet is one raw inbound datagram.
type Packet struct {
	Data []byte
	Addr *net.UDPAddr
}

// udpConn is the slice of *net.UDPConn the transport needs; tests swap
// in an in-memory implementation.
type udpConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	Close() error
}

// Transport is safe for concurrent use by the node and its sessions.
type Transport struct {
	conn  udpConn
	port  int
	bcast []net.IP

	packets chan Packet

	// reliable-send state, see reliable.go
	retrySchedule []time.Duration
	mu            sync.Mutex
	pending       map[string]*pendingEntry
	lanes         map[string]*lane
	closed        bool

	stats Stats

	closeOnce sync.Once
}

// Stats are cumulative transport counters.
type Stats struct {
	Sent     atomic.Uint64
	Received atomic.Uint64
	Retries  atomic.Uint64
	Acked    atomic.Uint64
	Failed   atomic.Uint64
}

// Options configure New.
type Options struct {
	Port          int
	Interface     string // restrict broadcast derivation, "" = all
	RetrySchedule []time.Duration
}

// New binds the shared UDP port with SO_BROADCAST and SO_REUSEADDR set,
// retrying the bind a few times since a restarting node often races its
// predecessor's socket teardown.
func New(opts Options) (*Transport, error) {
	var conn *net.UDPConn
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		conn, err = listenUDP(opts.Port)
		if err == nil {
			break
		}
		slog.Warn("udp bind failed, retrying", "port", opts.Port, "attempt", attempt+1, "err", err)
		time.Sleep(time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("bind udp :%d: %w", opts.Port, err)
	}
	t := newWithConn(conn, opts)
	slog.Info("transport listening", "port", opts.Port, "broadcast", fmt.Sprint(t.bcast))
	return t, nil
}

func newWithConn(conn udpConn, opts Options) *Transport {
	schedule := opts.RetrySchedule
	if len(schedule) == 0 {
		schedule = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	}
	return &Transport{
		conn:          conn,
		port:          opts.Port,
		bcast:         broadcastAddrs(opts.Interface),
		packets:       make(chan Packet, 64),
		retrySchedule: schedule,
		pending:       make(map[string]*pendingEntry),
		lanes:         make(map[string]*lane),
	}
}

func listenUDP(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if opErr != nil {
					return
				}
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// Packets is the inbound datagram stream. It is never closed; consumers
// stop via their own context.
func (t *Transport) Packets() <-chan Packet { return t.packets }

// Run reads the socket until ctx is cancelled or the socket dies. It
// also drives the retransmission clock for reliable sends.
func (t *Transport) Run(ctx context.Context) error {
	go t.retryLoop(ctx)
	go func() {
		<-ctx.Done()
		t.Close()
	}()

	buf := make([]byte, protocol.MaxFrameSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}
		t.stats.Received.Add(1)
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.packets <- Packet{Data: data, Addr: addr}:
		case <-ctx.Done():
			return nil
		}
	}
}

// Close shuts the socket and fails every in-flight reliable send.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		entries := make([]*pendingEntry, 0, len(t.pending))
		for _, e := range t.pending {
			entries = append(entries, e)
		}
		t.pending = make(map[string]*pendingEntry)
		for _, l := range t.lanes {
			for _, e := range l.queue {
				entries = append(entries, e)
			}
		}
		t.lanes = make(map[string]*lane)
		t.mu.Unlock()

		for _, e := range entries {
			e.delivery.resolve(ErrClosed)
		}
		_ = t.conn.Close()
	})
}

// Broadcast encodes the frame once and sends it to every derived
// directed broadcast address plus the limited broadcast address.
func (t *Transport) Broadcast(f *protocol.Frame) error {
	raw, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	var firstErr error
	for _, ip := range t.bcast {
		addr := &net.UDPAddr{IP: ip, Port: t.port}
		if _, err := t.conn.WriteToUDP(raw, addr); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("broadcast to %s: %w", addr, err)
		}
	}
	t.stats.Sent.Add(1)
	return firstErr
}

// Send is a best-effort unicast to the peer's well-known port.
func (t *Transport) Send(f *protocol.Frame, ip string) error {
	raw, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("unicast: bad ip %q", ip)
	}
	t.stats.Sent.Add(1)
	if _, err := t.conn.WriteToUDP(raw, &net.UDPAddr{IP: parsed, Port: t.port}); err != nil {
		return fmt.Errorf("unicast to %s: %w", ip, err)
	}
	return nil
}

// SendAck answers a reliable frame.
func (t *Transport) SendAck(messageID, ip string) error {
	ack := protocol.New(protocol.TypeAck).
		Set(protocol.KeyMessageID, messageID).
		Set(protocol.KeyStatus, "RECEIVED")
	return t.Send(ack, ip)
}

// StatsSnapshot returns the counters accumulated since the last call and
// resets them.
func (t *Transport) StatsSnapshot() (sent, received, retries, acked, failed uint64) {
	return t.stats.Sent.Swap(0), t.stats.Received.Swap(0), t.stats.Retries.Swap(0),
		t.stats.Acked.Swap(0), t.stats.Failed.Swap(0)
}

// broadcastAddrs computes one directed broadcast address per eligible
// interface. The limited broadcast address is always included last as
// the fallback the wire format promises.
func broadcastAddrs(ifaceName string) []net.IP {
	seen := map[string]bool{}
	var out []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		slog.Warn("interface enumeration failed, limited broadcast only", "err", err)
		ifaces = nil
	}
	for _, iface := range ifaces {
		if ifaceName != "" && iface.Name != ifaceName {
			continue
		}
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == 16 {
				mask = mask[12:]
			}
			bcast := make(net.IP, 4)
			for i := 0; i < 4; i++ {
				bcast[i] = ip4[i] | ^mask[i]
			}
			if !seen[bcast.String()] {
				seen[bcast.String()] = true
				out = append(out, bcast)
			}
		}
	}
	limited := net.IPv4bcast
	if !seen[limited.String()] {
		out = append(out, limited)
	}
	return out
}

// DiscoverLocalIP finds the outbound interface address by opening a
// throwaway UDP association; no packet is actually sent.
func DiscoverLocalIP() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("discover local ip: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return "", fmt.Errorf("discover local ip: unexpected address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
