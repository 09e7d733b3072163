// Package ws bridges the node to browser UIs: one websocket per UI,
// node events fanned out to every connection, and a JSON command
// envelope for everything a UI can ask the node to do.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/event"
	"github.com/JeyyM/CSNETWK-MP/internal/node"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 64
)

// Command is one inbound request from a UI. Type selects the action;
// the other fields carry its arguments.
type Command struct {
	Type string `json:"type"`

	Peer        string   `json:"peer,omitempty"`
	Text        string   `json:"text,omitempty"`
	PostID      string   `json:"post_id,omitempty"`
	Unlike      bool     `json:"unlike,omitempty"`
	Name        string   `json:"name,omitempty"`
	Members     []string `json:"members,omitempty"`
	GroupID     string   `json:"group_id,omitempty"`
	Add         []string `json:"add,omitempty"`
	Remove      []string `json:"remove,omitempty"`
	Path        string   `json:"path,omitempty"`
	Description string   `json:"description,omitempty"`
	TransferID  string   `json:"transfer_id,omitempty"`
	GameID      string   `json:"game_id,omitempty"`
	Symbol      string   `json:"symbol,omitempty"`
	Accept      bool     `json:"accept,omitempty"`
	Position    int      `json:"position,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Status      string   `json:"status,omitempty"`
	TS          int64    `json:"ts,omitempty"`
}

// reply acknowledges one command. ID carries the identifier of whatever
// the command created (message, post, group, transfer, game).
type reply struct {
	Type  string `json:"type"` // "ok", "error", "pong" or "hello"
	Cmd   string `json:"cmd,omitempty"`
	ID    string `json:"id,omitempty"`
	Self  string `json:"self,omitempty"`
	Error string `json:"error,omitempty"`
	TS    int64  `json:"ts,omitempty"`
}

// Handler owns the websocket side of the UI bridge. It is the sole
// consumer of the node's event channel; Run must be started for events
// to reach connections.
type Handler struct {
	node     *node.Node
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]chan any
}

// NewHandler creates a websocket handler bound to n.
func NewHandler(n *node.Node) *Handler {
	return &Handler{
		node: n,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]chan any),
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// Run pumps node events to every connection until ctx is cancelled.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case e := <-h.node.Events():
			h.broadcast(e)
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// broadcast queues e on every connection, skipping any whose writer has
// fallen behind. A UI that misses events resynchronizes over REST.
func (h *Handler) broadcast(e event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, send := range h.conns {
		select {
		case send <- e:
		default:
		}
	}
}

func (h *Handler) addConn(conn *websocket.Conn) chan any {
	send := make(chan any, sendBuffer)
	h.mu.Lock()
	h.conns[conn] = send
	h.mu.Unlock()
	return send
}

func (h *Handler) removeConn(conn *websocket.Conn) {
	h.mu.Lock()
	send, ok := h.conns[conn]
	if ok {
		delete(h.conns, conn)
		close(send)
	}
	h.mu.Unlock()
}

func (h *Handler) closeAll() {
	h.mu.Lock()
	for conn, send := range h.conns {
		delete(h.conns, conn)
		close(send)
		conn.Close()
	}
	h.mu.Unlock()
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	send := h.addConn(conn)
	defer h.removeConn(conn)

	go func() {
		for out := range send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}()

	h.push(send, reply{Type: "hello", Self: h.node.Self()})

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		h.handleCommand(send, cmd)
	}
}

// push queues a reply without ever blocking the read loop.
func (h *Handler) push(send chan any, r reply) {
	select {
	case send <- r:
	default:
	}
}

func (h *Handler) handleCommand(send chan any, cmd Command) {
	var (
		id  string
		err error
	)
	switch cmd.Type {
	case "ping":
		h.push(send, reply{Type: "pong", TS: cmd.TS})
		return

	case "send_chat":
		id, err = h.node.SendChat(cmd.Peer, cmd.Text)
	case "post":
		id, err = h.node.Post(cmd.Text)
	case "like":
		err = h.node.Like(cmd.PostID, cmd.Unlike)
	case "follow":
		err = h.node.Follow(cmd.Peer)
	case "unfollow":
		err = h.node.Unfollow(cmd.Peer)

	case "create_group":
		id, err = h.node.CreateGroup(cmd.Name, cmd.Members)
	case "update_group":
		err = h.node.UpdateGroup(cmd.GroupID, cmd.Name, cmd.Add, cmd.Remove)
	case "send_group_chat":
		id, err = h.node.SendGroupChat(cmd.GroupID, cmd.Text)

	case "offer_file":
		id, err = h.node.OfferFile(cmd.Peer, cmd.Path, cmd.Description)
	case "accept_file":
		err = h.node.AcceptFile(cmd.TransferID)
	case "reject_file":
		err = h.node.RejectFile(cmd.TransferID)
	case "cancel_file":
		err = h.node.CancelTransfer(cmd.TransferID)

	case "invite_game":
		id, err = h.node.InviteGame(cmd.Peer, cmd.Symbol)
	case "respond_game":
		err = h.node.RespondGame(cmd.GameID, cmd.Accept)
	case "submit_move":
		err = h.node.SubmitMove(cmd.GameID, cmd.Position)
	case "resign_game":
		err = h.node.ResignGame(cmd.GameID)

	case "update_profile":
		h.node.UpdateProfile(cmd.DisplayName, cmd.Status, "", nil)
	case "shutdown":
		h.node.RequestShutdown()

	default:
		h.push(send, reply{Type: "error", Cmd: cmd.Type, Error: "unsupported command type"})
		return
	}
	if err != nil {
		h.push(send, reply{Type: "error", Cmd: cmd.Type, Error: err.Error()})
		return
	}
	h.push(send, reply{Type: "ok", Cmd: cmd.Type, ID: id})
}
