package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/protocol"
)

// Lane names. Reliable frames to the same destination and lane are
// transmitted strictly in order, one at a time; file lanes widen the
// limit to the transfer window so chunks can overlap. Lanes are
// independent, so a bulk transfer never starves chat.
const (
	LaneChat    = "chat"
	LaneControl = "ctl"
)

// FileLane is the per-transfer lane carrying FILE_DATA chunks.
func FileLane(transferID string) string { return "file:" + transferID }

// GameLane orders the frames of one game session.
func GameLane(gameID string) string { return "game:" + gameID }

// Delivery is the future of one reliable send. Exactly one of a nil
// error (acked) or a non-nil error (failed, closed) resolves it.
type Delivery struct {
	MessageID string

	done chan error
	once sync.Once
}

func newDelivery(id string) *Delivery {
	return &Delivery{MessageID: id, done: make(chan error, 1)}
}

// NewLocalDelivery returns a delivery resolved by the caller instead of
// by an ACK. In-process transports and test doubles hand these out so
// consumers keep working with the same future type.
func NewLocalDelivery(id string) (*Delivery, func(error)) {
	d := newDelivery(id)
	return d, d.resolve
}

// Done yields the resolution. It fires exactly once.
func (d *Delivery) Done() <-chan error { return d.done }

// Wait blocks for resolution or context cancellation.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case err := <-d.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Delivery) resolve(err error) {
	d.once.Do(func() { d.done <- err })
}

type pendingEntry struct {
	id       string
	raw      []byte
	addr     *net.UDPAddr
	laneKey  string
	attempts int // transmissions performed
	nextSend time.Time
	delivery *Delivery
}

type lane struct {
	key         string
	maxInflight int
	inflight    int
	queue       []*pendingEntry
}

// SendReliable queues the frame for the (ip, laneName) lane and returns
// its delivery future. The frame must already carry a MESSAGE_ID; the
// matching ACK discharges it. maxInflight below 1 is treated as 1.
func (t *Transport) SendReliable(f *protocol.Frame, ip, laneName string, maxInflight int) (*Delivery, error) {
	id := f.Get(protocol.KeyMessageID)
	if id == "" {
		return nil, ErrNoMessageID
	}
	raw, err := protocol.Encode(f)
	if err != nil {
		return nil, err
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("reliable send: bad ip %q", ip)
	}
	if maxInflight < 1 {
		maxInflight = 1
	}

	e := &pendingEntry{
		id:       id,
		raw:      raw,
		addr:     &net.UDPAddr{IP: parsed, Port: t.port},
		delivery: newDelivery(id),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		e.delivery.resolve(ErrClosed)
		return e.delivery, nil
	}
	key := ip + "|" + laneName
	l := t.lanes[key]
	if l == nil {
		l = &lane{key: key, maxInflight: maxInflight}
		t.lanes[key] = l
	}
	e.laneKey = key
	l.queue = append(l.queue, e)
	ready := t.pumpLaneLocked(l)
	t.mu.Unlock()

	t.transmit(ready)
	return e.delivery, nil
}

// pumpLaneLocked moves queued entries into flight up to the lane limit
// and registers them for retransmission. The caller holds t.mu and must
// transmit the returned entries after unlocking. Idle lanes are removed.
func (t *Transport) pumpLaneLocked(l *lane) []*pendingEntry {
	var ready []*pendingEntry
	now := time.Now()
	for l.inflight < l.maxInflight && len(l.queue) > 0 {
		e := l.queue[0]
		l.queue = l.queue[1:]
		l.inflight++
		e.attempts = 1
		e.nextSend = now.Add(t.retrySchedule[0])
		t.pending[e.id] = e
		ready = append(ready, e)
	}
	if l.inflight == 0 && len(l.queue) == 0 {
		delete(t.lanes, l.key)
	}
	return ready
}

func (t *Transport) transmit(entries []*pendingEntry) {
	for _, e := range entries {
		t.stats.Sent.Add(1)
		if _, err := t.conn.WriteToUDP(e.raw, e.addr); err != nil {
			// The retry clock covers transient send failures.
			slog.Debug("reliable transmit failed", "id", e.id, "err", err)
		}
	}
}

// HandleAck discharges the pending entry for messageID and reports
// whether one existed. A duplicate ACK finds nothing and is a no-op.
func (t *Transport) HandleAck(messageID string) bool {
	t.mu.Lock()
	e, ok := t.pending[messageID]
	var ready []*pendingEntry
	if ok {
		delete(t.pending, messageID)
		if l := t.lanes[e.laneKey]; l != nil {
			l.inflight--
			ready = t.pumpLaneLocked(l)
		}
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.stats.Acked.Add(1)
	e.delivery.resolve(nil)
	t.transmit(ready)
	return true
}

// PendingCount reports in-flight reliable sends, for the metrics log.
func (t *Transport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// retryLoop wakes on a coarse tick and retransmits or expires pending
// entries. The schedule spaces transmissions; when it is spent the
// delivery fails, so the whole lifecycle resolves within the schedule
// sum plus one tick.
func (t *Transport) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.sweepPending(now)
		}
	}
}

func (t *Transport) sweepPending(now time.Time) {
	t.mu.Lock()
	var resend, failed, ready []*pendingEntry
	for id, e := range t.pending {
		if now.Before(e.nextSend) {
			continue
		}
		if e.attempts >= len(t.retrySchedule) {
			delete(t.pending, id)
			if l := t.lanes[e.laneKey]; l != nil {
				l.inflight--
				ready = append(ready, t.pumpLaneLocked(l)...)
			}
			failed = append(failed, e)
			continue
		}
		e.attempts++
		e.nextSend = now.Add(t.retrySchedule[e.attempts-1])
		resend = append(resend, e)
	}
	t.mu.Unlock()

	for _, e := range failed {
		t.stats.Failed.Add(1)
		e.delivery.resolve(fmt.Errorf("%w: %s", ErrDeliveryFailed, e.id))
	}
	if len(resend) > 0 {
		t.stats.Retries.Add(uint64(len(resend)))
	}
	t.transmit(append(resend, ready...))
}
