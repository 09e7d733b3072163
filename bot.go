package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// botMsg is the slice of the websocket bridge schema the bot needs.
type botMsg struct {
	Type string `json:"type"`
	Peer string `json:"peer,omitempty"`
	Text string `json:"text,omitempty"`
	Self string `json:"self,omitempty"`
}

// RunEchoBot connects to the node's own websocket bridge and answers
// every inbound direct message with an echo. Driving the bot through
// the bridge instead of the node API exercises the same path a real UI
// uses.
func RunEchoBot(ctx context.Context, httpAddr string) {
	url := "ws://" + httpAddr + "/ws"

	// The HTTP server starts concurrently; retry the dial briefly.
	var conn *websocket.Conn
	for attempt := 0; attempt < 10; attempt++ {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			conn = c
			break
		}
		if resp != nil {
			resp.Body.Close()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
	if conn == nil {
		slog.Warn("echobot could not reach the websocket bridge", "url", url)
		return
	}
	defer conn.Close()
	slog.Info("echobot connected", "url", url)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg botMsg
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				slog.Warn("echobot disconnected", "err", err)
			}
			return
		}
		if msg.Type != "dm_received" || msg.Peer == "" {
			continue
		}
		// Never echo an echo, or two bots ping-pong forever.
		if strings.HasPrefix(msg.Text, "echo: ") {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(botMsg{Type: "send_chat", Peer: msg.Peer, Text: "echo: " + msg.Text}); err != nil {
			slog.Warn("echobot write failed", "err", err)
			return
		}
	}
}
