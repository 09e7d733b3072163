package node

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/blob"
	"github.com/JeyyM/CSNETWK-MP/internal/event"
	"github.com/JeyyM/CSNETWK-MP/internal/protocol"
	"github.com/JeyyM/CSNETWK-MP/internal/transport"
)

// Transfer lifecycle states.
const (
	TransferOffered   = "offered"
	TransferSending   = "sending"
	TransferReceiving = "receiving"
	TransferCompleted = "completed"
	TransferRejected  = "rejected"
	TransferCancelled = "cancelled"
	TransferFailed    = "failed"
)

var (
	ErrUnknownTransfer = errors.New("unknown transfer")
	ErrTransferState   = errors.New("transfer not awaiting that action")
)

type tmKind int

const (
	tmAccept tmKind = iota // remote FILE_ACCEPT
	tmReject               // remote FILE_REJECT
	tmComplete             // remote FILE_COMPLETE
	tmCancel               // remote FILE_CANCEL
	tmData                 // remote FILE_DATA chunk
	tmChunkDone            // a sent chunk's delivery resolved
	tmLocalAccept
	tmLocalReject
	tmLocalCancel
)

type tmsg struct {
	kind  tmKind
	index int
	body  []byte
	err   error
}

// transfer is one file session. A dedicated goroutine owns the disk
// state; the router and the command surface only push messages into
// its mailbox. The view fields are guarded by n.mu for the UI.
type transfer struct {
	n           *Node
	id          string
	peer        string
	peerIP      string
	direction   string // "send" or "recv"
	filename    string
	size        int64
	chunkSize   int
	chunkCount  int
	description string

	mailbox chan tmsg

	state string
	done  int
	path  string
}

// TransferView is the UI copy of one transfer.
type TransferView struct {
	TransferID string `json:"transfer_id"`
	Peer       string `json:"peer"`
	Direction  string `json:"direction"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	ChunkCount int    `json:"chunk_count"`
	ChunksDone int    `json:"chunks_done"`
	State      string `json:"state"`
	Path       string `json:"path,omitempty"`
}

func (t *transfer) view() TransferView {
	return TransferView{
		TransferID: t.id,
		Peer:       t.peer,
		Direction:  t.direction,
		Filename:   t.filename,
		Size:       t.size,
		ChunkCount: t.chunkCount,
		ChunksDone: t.done,
		State:      t.state,
		Path:       t.path,
	}
}

func (t *transfer) setState(state string) {
	t.n.mu.Lock()
	t.state = state
	t.n.mu.Unlock()
}

func (t *transfer) setProgress(done int) {
	t.n.mu.Lock()
	t.done = done
	count := t.chunkCount
	dir := t.direction
	t.n.mu.Unlock()
	t.n.bus.Emit(event.Event{
		Type:       event.FileProgress,
		TS:         t.n.now().Unix(),
		TransferID: t.id,
		Direction:  dir,
		ChunksDone: done,
		ChunkCount: count,
	})
}

func (t *transfer) finish(state, path string) {
	t.n.mu.Lock()
	t.state = state
	t.path = path
	t.n.mu.Unlock()
	t.n.bus.Emit(event.Event{
		Type:       event.FileCompleted,
		TS:         t.n.now().Unix(),
		TransferID: t.id,
		Peer:       t.peer,
		Filename:   t.filename,
		Direction:  t.direction,
		Path:       path,
	})
}

func (t *transfer) fail(state, reason string) {
	t.setState(state)
	t.n.bus.Emit(event.Event{
		Type:       event.FileFailed,
		TS:         t.n.now().Unix(),
		TransferID: t.id,
		Peer:       t.peer,
		Filename:   t.filename,
		Direction:  t.direction,
		Reason:     reason,
	})
}

// control sends a session control frame (accept, reject, complete,
// cancel) reliably and returns without waiting for the ack.
func (t *transfer) control(typ string) {
	f := protocol.New(typ).
		Set(protocol.KeyTransferID, t.id).
		Set(protocol.KeyFrom, t.n.self).
		Set(protocol.KeyTo, t.peer).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyToken, t.n.mintToken(protocol.ScopeFile))
	t.n.tr.SendReliable(f, t.peerIP, transport.LaneControl, 1)
}

// OfferFile proposes sending the file at path to peer and returns the
// transfer id. The offer expires if unanswered.
func (n *Node) OfferFile(peer, path, description string) (string, error) {
	_, ip, err := protocol.ParseUserID(peer)
	if err != nil {
		return "", fmt.Errorf("recipient: %w", err)
	}
	src, err := blob.OpenSource(path, n.cfg.Proto.ChunkSize)
	if err != nil {
		return "", err
	}
	t := &transfer{
		n:           n,
		id:          protocol.NewMessageID(),
		peer:        peer,
		peerIP:      ip,
		direction:   "send",
		filename:    src.Name,
		size:        src.Size,
		chunkSize:   src.ChunkSize,
		chunkCount:  src.Count,
		description: description,
		mailbox:     make(chan tmsg, 2*n.cfg.Proto.FileWindow+16),
		state:       TransferOffered,
	}
	n.mu.Lock()
	n.transfers[t.id] = t
	n.mu.Unlock()

	now := n.now()
	f := protocol.New(protocol.TypeFileOffer).
		Set(protocol.KeyTransferID, t.id).
		Set(protocol.KeyFrom, n.self).
		Set(protocol.KeyTo, peer).
		Set(protocol.KeyFilename, src.Name).
		SetInt(protocol.KeySize, src.Size).
		SetInt(protocol.KeyChunkSize, int64(src.ChunkSize)).
		SetInt(protocol.KeyChunkCount, int64(src.Count)).
		SetInt(protocol.KeyTimestamp, now.Unix()).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyToken, n.mintToken(protocol.ScopeFile))
	if description != "" {
		f.Set(protocol.KeyDescription, description)
	}
	if ft := mime.TypeByExtension(filepath.Ext(src.Name)); ft != "" {
		f.Set(protocol.KeyFileType, ft)
	}
	d, err := n.tr.SendReliable(f, ip, transport.LaneControl, 1)
	if err != nil {
		src.Close()
		n.removeTransfer(t.id)
		return "", err
	}
	go t.runSend(src, d)
	return t.id, nil
}

func (n *Node) removeTransfer(id string) {
	n.mu.Lock()
	delete(n.transfers, id)
	n.mu.Unlock()
}

// runSend drives the sending half: wait for the peer's decision, then
// stream chunks with a fixed window of unacked frames in flight.
func (t *transfer) runSend(src *blob.Source, offer *transport.Delivery) {
	defer src.Close()
	ctx := t.n.runCtx()
	timeout := time.NewTimer(t.n.cfg.Proto.OfferTimeout.Std())
	defer timeout.Stop()

	select {
	case err := <-offer.Done():
		if err != nil {
			t.fail(TransferFailed, "offer undeliverable")
			return
		}
	case <-timeout.C:
		t.control(protocol.TypeFileCancel)
		t.fail(TransferCancelled, "offer timed out")
		return
	case <-ctx.Done():
		return
	}

	for {
		select {
		case m := <-t.mailbox:
			switch m.kind {
			case tmAccept:
				t.setState(TransferSending)
				t.pumpChunks(ctx, src)
				return
			case tmReject:
				t.fail(TransferRejected, "rejected by peer")
				return
			case tmCancel:
				t.fail(TransferCancelled, "cancelled by peer")
				return
			case tmLocalCancel:
				t.control(protocol.TypeFileCancel)
				t.fail(TransferCancelled, "cancelled")
				return
			}
		case <-timeout.C:
			t.control(protocol.TypeFileCancel)
			t.fail(TransferCancelled, "offer timed out")
			return
		case <-ctx.Done():
			return
		}
	}
}

// pumpChunks keeps up to the configured window of chunks in flight.
// Each chunk rides the transfer's own lane, so the window applies even
// when the transport batches, and a watcher goroutine funnels each
// delivery back into the mailbox.
func (t *transfer) pumpChunks(ctx context.Context, src *blob.Source) {
	window := t.n.cfg.Proto.FileWindow
	next := 0
	submit := func() error {
		data, err := src.Chunk(next)
		if err != nil {
			return err
		}
		f := protocol.New(protocol.TypeFileData).
			Set(protocol.KeyTransferID, t.id).
			SetInt(protocol.KeyChunkIndex, int64(next)).
			Set(protocol.KeyMessageID, protocol.ChunkMessageID(t.id, next)).
			Set(protocol.KeyToken, t.n.mintToken(protocol.ScopeFile))
		f.Body = data
		d, err := t.n.tr.SendReliable(f, t.peerIP, transport.FileLane(t.id), window)
		if err != nil {
			return err
		}
		idx := next
		go func() {
			err := d.Wait(ctx)
			select {
			case t.mailbox <- tmsg{kind: tmChunkDone, index: idx, err: err}:
			case <-ctx.Done():
			}
		}()
		next++
		return nil
	}

	for inflight := 0; inflight < window && next < t.chunkCount; inflight++ {
		if err := submit(); err != nil {
			t.control(protocol.TypeFileCancel)
			t.fail(TransferFailed, "read failed: "+err.Error())
			return
		}
	}
	for done := 0; done < t.chunkCount; {
		select {
		case m := <-t.mailbox:
			switch m.kind {
			case tmChunkDone:
				if m.err != nil {
					t.control(protocol.TypeFileCancel)
					t.fail(TransferFailed, "chunk undeliverable")
					return
				}
				done++
				t.setProgress(done)
				if next < t.chunkCount {
					if err := submit(); err != nil {
						t.control(protocol.TypeFileCancel)
						t.fail(TransferFailed, "read failed: "+err.Error())
						return
					}
				}
			case tmCancel:
				t.fail(TransferCancelled, "cancelled by peer")
				return
			case tmLocalCancel:
				t.control(protocol.TypeFileCancel)
				t.fail(TransferCancelled, "cancelled")
				return
			}
		case <-ctx.Done():
			return
		}
	}
	t.control(protocol.TypeFileComplete)
	t.finish(TransferCompleted, "")
}

func (n *Node) handleFileOffer(f *protocol.Frame, sender string, now time.Time) {
	id := f.Get(protocol.KeyTransferID)
	size, serr := strconv.ParseInt(f.Get(protocol.KeySize), 10, 64)
	chunkSize, cerr := strconv.Atoi(f.Get(protocol.KeyChunkSize))
	count, nerr := strconv.Atoi(f.Get(protocol.KeyChunkCount))
	if serr != nil || cerr != nil || nerr != nil || size < 0 || chunkSize <= 0 || count <= 0 {
		n.drop(&n.drops.Malformed, "malformed_frame", f, nil)
		return
	}
	want := int((size + int64(chunkSize) - 1) / int64(chunkSize))
	if want == 0 {
		want = 1
	}
	if count != want {
		n.drop(&n.drops.Violation, "chunk_count_mismatch", f, nil)
		return
	}
	n.mu.Lock()
	if _, ok := n.transfers[id]; ok {
		n.mu.Unlock()
		n.drop(&n.drops.Violation, "duplicate_transfer", f, nil)
		return
	}
	t := &transfer{
		n:           n,
		id:          id,
		peer:        sender,
		peerIP:      protocol.UserIDHost(sender),
		direction:   "recv",
		filename:    f.Get(protocol.KeyFilename),
		size:        size,
		chunkSize:   chunkSize,
		chunkCount:  count,
		description: f.Get(protocol.KeyDescription),
		mailbox:     make(chan tmsg, 2*n.cfg.Proto.FileWindow+16),
		state:       TransferOffered,
	}
	n.transfers[id] = t
	n.mu.Unlock()

	go t.runRecv()
	n.bus.Emit(event.Event{
		Type:       event.FileOffered,
		TS:         now.Unix(),
		TransferID: id,
		Peer:       sender,
		Filename:   t.filename,
		FileSize:   size,
		ChunkCount: count,
		Direction:  "recv",
		Text:       t.description,
	})
}

// runRecv drives the receiving half: wait for the local decision, then
// assemble chunks until the sender confirms completion. One idle timer
// covers both the unanswered offer and a mid-transfer stall.
func (t *transfer) runRecv() {
	ctx := t.n.runCtx()
	idle := time.NewTimer(t.n.cfg.Proto.OfferTimeout.Std())
	defer idle.Stop()

	var asm *blob.Assembly
	abort := func() {
		if asm != nil {
			asm.Abort()
		}
	}
	completeRequested := false
	done := 0
	for {
		select {
		case m := <-t.mailbox:
			switch m.kind {
			case tmLocalAccept:
				if asm != nil {
					continue
				}
				a, err := blob.NewAssembly(t.n.cfg.Files.DownloadDir, t.filename, t.size, t.chunkSize, t.chunkCount)
				if err != nil {
					t.control(protocol.TypeFileReject)
					t.fail(TransferFailed, "cannot write download: "+err.Error())
					return
				}
				asm = a
				t.control(protocol.TypeFileAccept)
				t.setState(TransferReceiving)
				idle.Reset(t.n.cfg.Proto.OfferTimeout.Std())
			case tmLocalReject:
				t.control(protocol.TypeFileReject)
				t.fail(TransferRejected, "rejected")
				return
			case tmLocalCancel:
				t.control(protocol.TypeFileCancel)
				abort()
				t.fail(TransferCancelled, "cancelled")
				return
			case tmCancel:
				abort()
				t.fail(TransferCancelled, "cancelled by peer")
				return
			case tmData:
				if asm == nil {
					continue
				}
				dup, err := asm.Put(m.index, m.body)
				if err != nil || dup {
					continue
				}
				done++
				t.setProgress(done)
				idle.Reset(t.n.cfg.Proto.OfferTimeout.Std())
				if completeRequested && asm.Complete() {
					t.finalize(asm)
					return
				}
			case tmComplete:
				if asm == nil {
					continue
				}
				if asm.Complete() {
					t.finalize(asm)
					return
				}
				completeRequested = true
			}
		case <-idle.C:
			if asm == nil {
				t.control(protocol.TypeFileReject)
				t.fail(TransferCancelled, "offer timed out")
				return
			}
			abort()
			t.fail(TransferFailed, "transfer stalled")
			return
		case <-ctx.Done():
			abort()
			return
		}
	}
}

func (t *transfer) finalize(asm *blob.Assembly) {
	path, err := asm.Finalize()
	if err != nil {
		t.fail(TransferFailed, "finalize failed: "+err.Error())
		return
	}
	t.finish(TransferCompleted, path)
}

// AcceptFile accepts an inbound offer and starts receiving.
func (n *Node) AcceptFile(transferID string) error {
	return n.pushTransfer(transferID, "recv", TransferOffered, tmsg{kind: tmLocalAccept})
}

// RejectFile declines an inbound offer.
func (n *Node) RejectFile(transferID string) error {
	return n.pushTransfer(transferID, "recv", TransferOffered, tmsg{kind: tmLocalReject})
}

// CancelTransfer tears down a transfer in either direction.
func (n *Node) CancelTransfer(transferID string) error {
	return n.pushTransfer(transferID, "", "", tmsg{kind: tmLocalCancel})
}

// pushTransfer hands a command to a session after checking it is still
// in a state that can honor it.
func (n *Node) pushTransfer(id, wantDir, wantState string, m tmsg) error {
	n.mu.Lock()
	t, ok := n.transfers[id]
	if !ok {
		n.mu.Unlock()
		return ErrUnknownTransfer
	}
	if wantDir != "" && t.direction != wantDir {
		n.mu.Unlock()
		return ErrTransferState
	}
	if wantState != "" && t.state != wantState {
		n.mu.Unlock()
		return ErrTransferState
	}
	switch t.state {
	case TransferCompleted, TransferRejected, TransferCancelled, TransferFailed:
		n.mu.Unlock()
		return ErrTransferState
	}
	n.mu.Unlock()
	select {
	case t.mailbox <- m:
		return nil
	default:
		return ErrTransferState
	}
}

// relayTransfer forwards a session control frame into its mailbox.
func (n *Node) relayTransfer(f *protocol.Frame, sender string, kind tmKind) {
	n.mu.Lock()
	t, ok := n.transfers[f.Get(protocol.KeyTransferID)]
	n.mu.Unlock()
	if !ok {
		n.drop(&n.drops.UnknownSession, "unknown_transfer", f, nil)
		return
	}
	if t.peer != sender {
		n.drop(&n.drops.Violation, "wrong_peer", f, nil)
		return
	}
	select {
	case t.mailbox <- tmsg{kind: kind}:
	default:
		n.drop(&n.drops.Violation, "session_backlogged", f, nil)
	}
}

func (n *Node) handleFileData(f *protocol.Frame, sender string) {
	n.mu.Lock()
	t, ok := n.transfers[f.Get(protocol.KeyTransferID)]
	n.mu.Unlock()
	if !ok {
		n.drop(&n.drops.UnknownSession, "unknown_transfer", f, nil)
		return
	}
	if t.peer != sender {
		n.drop(&n.drops.Violation, "wrong_peer", f, nil)
		return
	}
	index, err := strconv.Atoi(f.Get(protocol.KeyChunkIndex))
	if err != nil || index < 0 {
		n.drop(&n.drops.Malformed, "malformed_frame", f, err)
		return
	}
	select {
	case t.mailbox <- tmsg{kind: tmData, index: index, body: f.Body}:
	default:
		n.drop(&n.drops.Violation, "session_backlogged", f, nil)
	}
}

// Transfers lists every transfer, live and finished, sorted by id.
func (n *Node) Transfers() []TransferView {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]TransferView, 0, len(n.transfers))
	for _, t := range n.transfers {
		out = append(out, t.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransferID < out[j].TransferID })
	return out
}
