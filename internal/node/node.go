// Package node is the LSNP engine: it routes inbound frames, runs the
// presence schedule, and carries out the messaging, group, file and game
// services on top of the transport. UIs talk to it through exported
// command methods and the event bus; nothing in here renders anything.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/config"
	"github.com/JeyyM/CSNETWK-MP/internal/core"
	"github.com/JeyyM/CSNETWK-MP/internal/dedupe"
	"github.com/JeyyM/CSNETWK-MP/internal/event"
	"github.com/JeyyM/CSNETWK-MP/internal/protocol"
	"github.com/JeyyM/CSNETWK-MP/internal/token"
	"github.com/JeyyM/CSNETWK-MP/internal/transport"
)

// wire is what the node needs from the transport layer.
type wire interface {
	Broadcast(f *protocol.Frame) error
	Send(f *protocol.Frame, ip string) error
	SendAck(messageID, ip string) error
	SendReliable(f *protocol.Frame, ip, lane string, maxInflight int) (*transport.Delivery, error)
	HandleAck(messageID string) bool
	Packets() <-chan transport.Packet
}

// Node is one LSNP peer. All exported methods are safe for concurrent
// use; the HTTP and websocket surfaces call them directly.
type Node struct {
	cfg  *config.Config
	self string // name@ip
	ip   string

	tr       wire
	verifier *token.Verifier
	seen     *dedupe.Cache
	bus      *event.Bus

	Registry      *core.Registry
	Timeline      *core.Timeline
	Conversations *core.Conversations
	Groups        *core.Groups
	Follows       *core.Follows

	// mu guards the profile fields, game table and transfer table.
	mu          sync.Mutex
	displayName string
	status      string
	avatarType  string
	avatar      []byte
	games       map[string]*game
	transfers   map[string]*transfer

	drops   dropCounters
	handled atomic.Uint64

	now func() time.Time

	ctx      context.Context
	started  chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

type dropCounters struct {
	Malformed      atomic.Uint64
	UnknownType    atomic.Uint64
	Duplicate      atomic.Uint64
	Unauthorized   atomic.Uint64
	SpoofedSource  atomic.Uint64
	Violation      atomic.Uint64
	UnknownSession atomic.Uint64
	Expired        atomic.Uint64
	Self           atomic.Uint64
}

// New assembles a node for the given local user. ip is the outbound
// interface address that becomes part of the UserID.
func New(cfg *config.Config, ip string, tr wire) (*Node, error) {
	self := protocol.FormatUserID(cfg.Node.Name, ip)
	if _, _, err := protocol.ParseUserID(self); err != nil {
		return nil, fmt.Errorf("local user id: %w", err)
	}
	seen, err := dedupe.New(cfg.Proto.DedupeCap, cfg.Proto.DedupeWindow.Std())
	if err != nil {
		return nil, err
	}
	display := cfg.Node.Name
	return &Node{
		cfg:           cfg,
		self:          self,
		ip:            ip,
		tr:            tr,
		verifier:      token.NewVerifier(cfg.Proto.TokenTTL.Std()),
		seen:          seen,
		bus:           event.NewBus(256),
		Registry:      core.NewRegistry(cfg.Proto.StaleThreshold.Std(), cfg.Proto.EvictThreshold.Std()),
		Timeline:      core.NewTimeline(),
		Conversations: core.NewConversations(),
		Groups:        core.NewGroups(),
		Follows:       core.NewFollows(),
		displayName:   display,
		status:        cfg.Node.Status,
		games:         make(map[string]*game),
		transfers:     make(map[string]*transfer),
		now:           time.Now,
		started:       make(chan struct{}),
		quit:          make(chan struct{}),
	}, nil
}

// Self returns the local UserID.
func (n *Node) Self() string { return n.self }

// Events is the UI notification stream.
func (n *Node) Events() <-chan event.Event { return n.bus.C() }

// RequestShutdown asks the host process to stop the node. It is the
// backing for the UI shutdown command and is safe to call repeatedly.
func (n *Node) RequestShutdown() {
	n.quitOnce.Do(func() { close(n.quit) })
}

// ShutdownRequested fires once RequestShutdown has been called.
func (n *Node) ShutdownRequested() <-chan struct{} { return n.quit }

// Run processes inbound frames and drives the periodic work: PROFILE
// and PING announcements, staleness sweeps and session timeouts. It
// blocks until ctx is cancelled, then broadcasts a REVOKE so the LAN
// drops this node immediately instead of waiting out the thresholds.
func (n *Node) Run(ctx context.Context) error {
	n.ctx = ctx
	close(n.started)

	profileTick := time.NewTicker(n.cfg.Proto.ProfileInterval.Std())
	defer profileTick.Stop()
	pingTick := time.NewTicker(n.cfg.Proto.PingInterval.Std())
	defer pingTick.Stop()
	sweepTick := time.NewTicker(time.Second)
	defer sweepTick.Stop()

	// Initial burst so a fresh node is discovered within one ping
	// interval rather than a full profile interval.
	n.announceProfile()
	n.announcePing()

	slog.Info("node running", "self", n.self)

	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return nil
		case p := <-n.tr.Packets():
			n.handlePacket(p)
		case <-profileTick.C:
			n.announceProfile()
		case <-pingTick.C:
			n.announcePing()
		case now := <-sweepTick.C:
			n.sweep(now)
		}
	}
}

func (n *Node) shutdown() {
	revoke := protocol.New(protocol.TypeRevoke).Set(protocol.KeyUserID, n.self)
	if err := n.tr.Broadcast(revoke); err != nil {
		slog.Warn("revoke broadcast failed", "err", err)
	}
	slog.Info("node stopped", "self", n.self)
}

// mintToken issues a fresh token for one outbound frame.
func (n *Node) mintToken(scope string) string {
	return token.Mint(n.self, scope, n.cfg.Proto.TokenTTL.Std(), n.now()).String()
}

// runCtx returns the lifecycle context, or Background before Run.
func (n *Node) runCtx() context.Context {
	select {
	case <-n.started:
		return n.ctx
	default:
		return context.Background()
	}
}

// drop records a rejected frame. Reasons mirror the error taxonomy; in
// verbose mode each drop also reaches the UI as a verbose_log event.
func (n *Node) drop(counter *atomic.Uint64, reason string, f *protocol.Frame, cause error) {
	counter.Add(1)
	detail := ""
	if f != nil {
		detail = f.String()
	}
	if cause != nil {
		slog.Debug("frame dropped", "reason", reason, "frame", detail, "err", cause)
	} else {
		slog.Debug("frame dropped", "reason", reason, "frame", detail)
	}
	if n.cfg.Node.Verbose {
		n.bus.Emit(event.Event{
			Type:   event.VerboseLog,
			TS:     n.now().Unix(),
			Reason: reason,
			Detail: detail,
		})
	}
}

// Metrics is the counter snapshot logged periodically by the host.
type Metrics struct {
	Handled        uint64
	Malformed      uint64
	UnknownType    uint64
	Duplicate      uint64
	Unauthorized   uint64
	SpoofedSource  uint64
	Violation      uint64
	UnknownSession uint64
	Expired        uint64
	Self           uint64
	EventsDropped  uint64
	Peers          int
	ActivePeers    int
	Posts          int
}

// MetricsSnapshot returns counters accumulated since the last call.
func (n *Node) MetricsSnapshot() Metrics {
	total, active := n.Registry.Count()
	return Metrics{
		Handled:        n.handled.Swap(0),
		Malformed:      n.drops.Malformed.Swap(0),
		UnknownType:    n.drops.UnknownType.Swap(0),
		Duplicate:      n.drops.Duplicate.Swap(0),
		Unauthorized:   n.drops.Unauthorized.Swap(0),
		SpoofedSource:  n.drops.SpoofedSource.Swap(0),
		Violation:      n.drops.Violation.Swap(0),
		UnknownSession: n.drops.UnknownSession.Swap(0),
		Expired:        n.drops.Expired.Swap(0),
		Self:           n.drops.Self.Swap(0),
		EventsDropped:  n.bus.Dropped(),
		Peers:          total,
		ActivePeers:    active,
		Posts:          n.Timeline.Len(),
	}
}

// Posts returns the timeline, optionally restricted to authors the
// local user follows.
func (n *Node) Posts(onlyFollowed bool) []core.PostView {
	if onlyFollowed {
		return n.Timeline.Snapshot(n.Follows.FollowingSet())
	}
	return n.Timeline.Snapshot(nil)
}

// Profile returns the local profile fields.
func (n *Node) Profile() (displayName, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.displayName, n.status
}

// UpdateProfile changes the local profile and announces it immediately.
// A nil avatar keeps the current one.
func (n *Node) UpdateProfile(displayName, status, avatarType string, avatar []byte) {
	n.mu.Lock()
	if displayName != "" {
		n.displayName = displayName
	}
	if status != "" {
		n.status = status
	}
	if avatar != nil {
		n.avatarType = avatarType
		n.avatar = append([]byte(nil), avatar...)
	}
	n.mu.Unlock()
	n.announceProfile()
}
