package node

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/event"
	"github.com/JeyyM/CSNETWK-MP/internal/protocol"
	"github.com/JeyyM/CSNETWK-MP/internal/tictactoe"
	"github.com/JeyyM/CSNETWK-MP/internal/transport"
)

// Game lifecycle states.
const (
	GameInvited   = "invited" // outbound invite awaiting an answer
	GameOffered   = "offered" // inbound invite awaiting our answer
	GameActive    = "active"
	GameWon       = "won"
	GameLost      = "lost"
	GameDrawn     = "drawn"
	GameAbandoned = "abandoned"
)

var (
	ErrUnknownGame = errors.New("unknown game")
	ErrGameState   = errors.New("game not in a playable state")
	ErrNotYourTurn = errors.New("not your turn")
)

// game is one tic-tac-toe session against a single opponent. All access
// goes through n.mu.
type game struct {
	id         string
	opponent   string
	opponentIP string
	mySymbol   tictactoe.Mark
	board      tictactoe.Board
	moveNo     int // accepted moves so far
	state      string
	inviter    bool
	deadline   time.Time // invite expiry
	lastMove   time.Time
}

// GameView is the UI copy of one game.
type GameView struct {
	GameID   string `json:"game_id"`
	Opponent string `json:"opponent"`
	Symbol   string `json:"symbol"`
	Board    string `json:"board"`
	MoveNo   int    `json:"move_no"`
	State    string `json:"state"`
	Turn     string `json:"turn,omitempty"`
}

func (g *game) view() GameView {
	v := GameView{
		GameID:   g.id,
		Opponent: g.opponent,
		Symbol:   g.mySymbol.String(),
		Board:    g.board.Encode(),
		MoveNo:   g.moveNo,
		State:    g.state,
	}
	if g.state == GameActive {
		v.Turn = g.board.Turn().String()
	}
	return v
}

// InviteGame asks peer for a game. symbol is the mark the local player
// wants ("X" moves first); empty defaults to X. Returns the game id.
func (n *Node) InviteGame(peer, symbol string) (string, error) {
	_, ip, err := protocol.ParseUserID(peer)
	if err != nil {
		return "", fmt.Errorf("peer: %w", err)
	}
	mark := tictactoe.X
	if symbol != "" {
		if mark, err = tictactoe.ParseMark(symbol); err != nil {
			return "", err
		}
	}
	now := n.now()
	g := &game{
		id:         protocol.NewMessageID(),
		opponent:   peer,
		opponentIP: ip,
		mySymbol:   mark,
		state:      GameInvited,
		inviter:    true,
		deadline:   now.Add(n.cfg.Proto.InviteTimeout.Std()),
		lastMove:   now,
	}
	n.mu.Lock()
	n.games[g.id] = g
	n.mu.Unlock()

	f := protocol.New(protocol.TypeGameInvite).
		Set(protocol.KeyGameID, g.id).
		Set(protocol.KeyFrom, n.self).
		Set(protocol.KeyTo, peer).
		Set(protocol.KeySymbol, mark.String()).
		SetInt(protocol.KeyTimestamp, now.Unix()).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyToken, n.mintToken(protocol.ScopeGame))
	d, err := n.tr.SendReliable(f, ip, transport.GameLane(g.id), 1)
	if err != nil {
		n.mu.Lock()
		delete(n.games, g.id)
		n.mu.Unlock()
		return "", err
	}
	go func() {
		if err := d.Wait(n.runCtx()); err != nil {
			n.cancelInvite(g.id, "undeliverable")
		}
	}()
	return g.id, nil
}

// cancelInvite removes a still-pending invite, in either direction.
func (n *Node) cancelInvite(gameID, reason string) {
	n.mu.Lock()
	g, ok := n.games[gameID]
	if !ok || (g.state != GameInvited && g.state != GameOffered) {
		n.mu.Unlock()
		return
	}
	delete(n.games, gameID)
	n.mu.Unlock()
	n.bus.Emit(event.Event{
		Type:   event.GameEnded,
		TS:     n.now().Unix(),
		GameID: gameID,
		Peer:   g.opponent,
		Result: "cancelled",
		Reason: reason,
	})
}

func (n *Node) handleGameInvite(f *protocol.Frame, sender string, now time.Time) {
	gameID := f.Get(protocol.KeyGameID)
	theirs := tictactoe.X
	if m, err := tictactoe.ParseMark(f.Get(protocol.KeySymbol)); err == nil {
		theirs = m
	}
	n.mu.Lock()
	if _, ok := n.games[gameID]; ok {
		n.mu.Unlock()
		n.drop(&n.drops.Violation, "duplicate_game", f, nil)
		return
	}
	n.games[gameID] = &game{
		id:         gameID,
		opponent:   sender,
		opponentIP: protocol.UserIDHost(sender),
		mySymbol:   theirs.Other(),
		state:      GameOffered,
		deadline:   now.Add(n.cfg.Proto.InviteTimeout.Std()),
		lastMove:   now,
	}
	mine := theirs.Other()
	n.mu.Unlock()
	n.bus.Emit(event.Event{
		Type:   event.GameInvited,
		TS:     now.Unix(),
		GameID: gameID,
		Peer:   sender,
		Symbol: mine.String(),
	})
}

// RespondGame answers an inbound invite.
func (n *Node) RespondGame(gameID string, accept bool) error {
	n.mu.Lock()
	g, ok := n.games[gameID]
	if !ok {
		n.mu.Unlock()
		return ErrUnknownGame
	}
	if g.state != GameOffered {
		n.mu.Unlock()
		return ErrGameState
	}
	now := n.now()
	if accept {
		g.state = GameActive
		g.lastMove = now
	} else {
		delete(n.games, gameID)
	}
	opponent, ip, mine := g.opponent, g.opponentIP, g.mySymbol
	n.mu.Unlock()

	f := protocol.New(protocol.TypeGameInviteAck).
		Set(protocol.KeyGameID, gameID).
		Set(protocol.KeyFrom, n.self).
		Set(protocol.KeyTo, opponent).
		Set(protocol.KeyAccept, strconv.FormatBool(accept)).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyToken, n.mintToken(protocol.ScopeGame))
	if _, err := n.tr.SendReliable(f, ip, transport.GameLane(gameID), 1); err != nil {
		return err
	}
	if accept {
		n.bus.Emit(event.Event{
			Type:   event.GameStarted,
			TS:     now.Unix(),
			GameID: gameID,
			Peer:   opponent,
			Symbol: mine.String(),
		})
	}
	return nil
}

func (n *Node) handleGameInviteAck(f *protocol.Frame, sender string, now time.Time) {
	n.mu.Lock()
	g, ok := n.games[f.Get(protocol.KeyGameID)]
	if !ok || g.opponent != sender || g.state != GameInvited {
		n.mu.Unlock()
		n.drop(&n.drops.UnknownSession, "unknown_game", f, nil)
		return
	}
	accepted, _ := strconv.ParseBool(f.Get(protocol.KeyAccept))
	if accepted {
		g.state = GameActive
		g.lastMove = now
	} else {
		delete(n.games, g.id)
	}
	mine := g.mySymbol
	n.mu.Unlock()

	if accepted {
		n.bus.Emit(event.Event{
			Type:   event.GameStarted,
			TS:     now.Unix(),
			GameID: f.Get(protocol.KeyGameID),
			Peer:   sender,
			Symbol: mine.String(),
		})
	} else {
		n.bus.Emit(event.Event{
			Type:   event.GameEnded,
			TS:     now.Unix(),
			GameID: f.Get(protocol.KeyGameID),
			Peer:   sender,
			Result: "declined",
		})
	}
}

// SubmitMove plays position pos (0..8) in the given game. The move is
// applied locally first; the opponent acks or answers with a resync.
func (n *Node) SubmitMove(gameID string, pos int) error {
	n.mu.Lock()
	g, ok := n.games[gameID]
	if !ok {
		n.mu.Unlock()
		return ErrUnknownGame
	}
	if g.state != GameActive {
		n.mu.Unlock()
		return ErrGameState
	}
	if g.board.Turn() != g.mySymbol {
		n.mu.Unlock()
		return ErrNotYourTurn
	}
	now := n.now()
	if err := g.board.Apply(pos, g.mySymbol); err != nil {
		n.mu.Unlock()
		return err
	}
	g.moveNo++
	g.lastMove = now
	moveNo := g.moveNo
	opponent, ip, mine := g.opponent, g.opponentIP, g.mySymbol
	board := g.board
	n.mu.Unlock()

	f := protocol.New(protocol.TypeGameMove).
		Set(protocol.KeyGameID, gameID).
		SetInt(protocol.KeyPosition, int64(pos)).
		Set(protocol.KeyPlayer, mine.String()).
		SetInt(protocol.KeyMoveNo, int64(moveNo)).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyToken, n.mintToken(protocol.ScopeGame))
	d, err := n.tr.SendReliable(f, ip, transport.GameLane(gameID), 1)
	if err == nil {
		go func() {
			if werr := d.Wait(n.runCtx()); werr != nil {
				n.bus.Emit(event.Event{
					Type:   event.VerboseLog,
					TS:     n.now().Unix(),
					Reason: "move_undelivered",
					GameID: gameID,
				})
			}
		}()
	}
	n.bus.Emit(event.Event{
		Type:     event.GameMoveApplied,
		TS:       now.Unix(),
		GameID:   gameID,
		Peer:     opponent,
		Symbol:   mine.String(),
		Position: pos,
		MoveNo:   moveNo,
		Board:    board.Encode(),
	})
	n.concludeIfOver(gameID, now, true)
	return err
}

func (n *Node) handleGameMove(f *protocol.Frame, sender string, now time.Time) {
	gameID := f.Get(protocol.KeyGameID)
	n.mu.Lock()
	g, ok := n.games[gameID]
	if !ok || g.opponent != sender {
		n.mu.Unlock()
		n.drop(&n.drops.UnknownSession, "unknown_game", f, nil)
		return
	}
	if g.state != GameActive {
		n.mu.Unlock()
		n.drop(&n.drops.Violation, "game_not_active", f, nil)
		return
	}
	pos, perr := strconv.Atoi(f.Get(protocol.KeyPosition))
	moveNo, merr := strconv.Atoi(f.Get(protocol.KeyMoveNo))
	mark, serr := tictactoe.ParseMark(f.Get(protocol.KeyPlayer))
	if perr != nil || merr != nil || serr != nil {
		n.mu.Unlock()
		n.drop(&n.drops.Malformed, "malformed_frame", f, nil)
		return
	}
	// A replayed move we already hold needs no answer.
	if moveNo <= g.moveNo {
		n.mu.Unlock()
		n.drops.Duplicate.Add(1)
		return
	}
	if moveNo != g.moveNo+1 || mark != g.mySymbol.Other() || g.board.Apply(pos, mark) != nil {
		// The boards have diverged; send ours so the peer reconciles.
		board, haveNo := g.board, g.moveNo
		n.mu.Unlock()
		n.drop(&n.drops.Violation, "move_rejected", f, nil)
		n.sendResync(gameID, sender, board, haveNo)
		return
	}
	g.moveNo = moveNo
	g.lastMove = now
	board := g.board
	n.mu.Unlock()

	n.bus.Emit(event.Event{
		Type:     event.GameMoveApplied,
		TS:       now.Unix(),
		GameID:   gameID,
		Peer:     sender,
		Symbol:   mark.String(),
		Position: pos,
		MoveNo:   moveNo,
		Board:    board.Encode(),
	})
	n.concludeIfOver(gameID, now, false)
}

// concludeIfOver settles a finished board. announce is set when the
// local player made the final move; that side also sends the
// informational GAME_RESULT.
func (n *Node) concludeIfOver(gameID string, now time.Time, announce bool) {
	n.mu.Lock()
	g, ok := n.games[gameID]
	if !ok || g.state != GameActive || !g.board.Over() {
		n.mu.Unlock()
		return
	}
	winner, won := g.board.Winner()
	result := GameDrawn
	if won {
		if winner == g.mySymbol {
			result = GameWon
		} else {
			result = GameLost
		}
	}
	g.state = result
	opponent, ip := g.opponent, g.opponentIP
	winnerStr := ""
	if won {
		winnerStr = winner.String()
	}
	n.mu.Unlock()

	if announce {
		res := "drawn"
		if won {
			res = "won"
		}
		f := protocol.New(protocol.TypeGameResult).
			Set(protocol.KeyGameID, gameID).
			Set(protocol.KeyResult, res).
			Set(protocol.KeyMessageID, protocol.NewMessageID()).
			Set(protocol.KeyToken, n.mintToken(protocol.ScopeGame))
		if winnerStr != "" {
			f.Set(protocol.KeyWinner, winnerStr)
		}
		n.tr.SendReliable(f, ip, transport.GameLane(gameID), 1)
	}
	n.bus.Emit(event.Event{
		Type:   event.GameEnded,
		TS:     now.Unix(),
		GameID: gameID,
		Peer:   opponent,
		Result: result,
		Winner: winnerStr,
	})
}

func (n *Node) sendResync(gameID, peer string, board tictactoe.Board, moveNo int) {
	f := protocol.New(protocol.TypeGameResync).
		Set(protocol.KeyGameID, gameID).
		Set(protocol.KeyBoard, board.Encode()).
		SetInt(protocol.KeyMoveNo, int64(moveNo)).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyToken, n.mintToken(protocol.ScopeGame))
	n.tr.SendReliable(f, protocol.UserIDHost(peer), transport.GameLane(gameID), 1)
}

// handleGameResync reconciles a diverged game. The snapshot with more
// moves wins; on a tie the inviter's board is authoritative.
func (n *Node) handleGameResync(f *protocol.Frame, sender string, now time.Time) {
	gameID := f.Get(protocol.KeyGameID)
	theirNo, err := strconv.Atoi(f.Get(protocol.KeyMoveNo))
	if err != nil {
		n.drop(&n.drops.Malformed, "malformed_frame", f, err)
		return
	}
	theirBoard, err := tictactoe.ParseBoard(f.Get(protocol.KeyBoard))
	if err != nil || theirBoard.MoveCount() != theirNo {
		n.drop(&n.drops.Violation, "bad_resync", f, err)
		return
	}
	n.mu.Lock()
	g, ok := n.games[gameID]
	if !ok || g.opponent != sender || g.state != GameActive {
		n.mu.Unlock()
		n.drop(&n.drops.UnknownSession, "unknown_game", f, nil)
		return
	}
	adopt := theirNo > g.moveNo || (theirNo == g.moveNo && !g.inviter)
	if theirNo == g.moveNo && theirBoard == g.board {
		n.mu.Unlock()
		return
	}
	if !adopt {
		board, haveNo := g.board, g.moveNo
		n.mu.Unlock()
		n.sendResync(gameID, sender, board, haveNo)
		return
	}
	g.board = theirBoard
	g.moveNo = theirNo
	g.lastMove = now
	n.mu.Unlock()

	n.bus.Emit(event.Event{
		Type:   event.GameMoveApplied,
		TS:     now.Unix(),
		GameID: gameID,
		Peer:   sender,
		MoveNo: theirNo,
		Board:  theirBoard.Encode(),
	})
	n.concludeIfOver(gameID, now, false)
}

func (n *Node) handleGameResult(f *protocol.Frame, sender string) {
	// Informational closure; both sides detect the end independently,
	// so usually this finds the game already settled.
	n.mu.Lock()
	g, ok := n.games[f.Get(protocol.KeyGameID)]
	if !ok || g.opponent != sender || g.state != GameActive {
		n.mu.Unlock()
		return
	}
	result := GameDrawn
	if f.Get(protocol.KeyResult) == "won" {
		result = GameLost
	}
	g.state = result
	n.mu.Unlock()
	n.bus.Emit(event.Event{
		Type:   event.GameEnded,
		TS:     n.now().Unix(),
		GameID: f.Get(protocol.KeyGameID),
		Peer:   sender,
		Result: result,
		Winner: f.Get(protocol.KeyWinner),
	})
}

// ResignGame concedes an active game.
func (n *Node) ResignGame(gameID string) error {
	n.mu.Lock()
	g, ok := n.games[gameID]
	if !ok {
		n.mu.Unlock()
		return ErrUnknownGame
	}
	if g.state != GameActive {
		n.mu.Unlock()
		return ErrGameState
	}
	g.state = GameLost
	opponent, ip, mine := g.opponent, g.opponentIP, g.mySymbol
	n.mu.Unlock()

	f := protocol.New(protocol.TypeGameResign).
		Set(protocol.KeyGameID, gameID).
		Set(protocol.KeyPlayer, mine.String()).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyToken, n.mintToken(protocol.ScopeGame))
	n.tr.SendReliable(f, ip, transport.GameLane(gameID), 1)
	n.bus.Emit(event.Event{
		Type:   event.GameEnded,
		TS:     n.now().Unix(),
		GameID: gameID,
		Peer:   opponent,
		Result: GameLost,
		Reason: "resigned",
		Winner: mine.Other().String(),
	})
	return nil
}

func (n *Node) handleGameResign(f *protocol.Frame, sender string, now time.Time) {
	n.mu.Lock()
	g, ok := n.games[f.Get(protocol.KeyGameID)]
	if !ok || g.opponent != sender || g.state != GameActive {
		n.mu.Unlock()
		n.drop(&n.drops.UnknownSession, "unknown_game", f, nil)
		return
	}
	g.state = GameWon
	mine := g.mySymbol
	n.mu.Unlock()
	n.bus.Emit(event.Event{
		Type:   event.GameEnded,
		TS:     now.Unix(),
		GameID: f.Get(protocol.KeyGameID),
		Peer:   sender,
		Result: GameWon,
		Reason: "opponent resigned",
		Winner: mine.String(),
	})
}

// sweepGames expires unanswered invites and abandons games whose
// opponent has gone quiet for twice the staleness threshold.
func (n *Node) sweepGames(now time.Time) {
	type ending struct {
		id, opponent, result, reason string
	}
	var ended []ending
	abandonAfter := 2 * n.cfg.Proto.StaleThreshold.Std()
	n.mu.Lock()
	for id, g := range n.games {
		switch g.state {
		case GameInvited, GameOffered:
			if now.After(g.deadline) {
				delete(n.games, id)
				ended = append(ended, ending{id, g.opponent, "cancelled", "invite timed out"})
			}
		case GameActive:
			if now.Sub(g.lastMove) > abandonAfter {
				g.state = GameAbandoned
				ended = append(ended, ending{id, g.opponent, GameAbandoned, "opponent unreachable"})
			}
		}
	}
	n.mu.Unlock()
	for _, e := range ended {
		n.bus.Emit(event.Event{
			Type:   event.GameEnded,
			TS:     now.Unix(),
			GameID: e.id,
			Peer:   e.opponent,
			Result: e.result,
			Reason: e.reason,
		})
	}
}

// Games lists every game, active and settled, sorted by id.
func (n *Node) Games() []GameView {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]GameView, 0, len(n.games))
	for _, g := range n.games {
		out = append(out, g.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GameID < out[j].GameID })
	return out
}
