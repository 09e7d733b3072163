package tictactoe

import (
	"errors"
	"testing"
)

func mustApply(t *testing.T, b *Board, pos int, m Mark) {
	t.Helper()
	if err := b.Apply(pos, m); err != nil {
		t.Fatalf("apply %s@%d: %v", m, pos, err)
	}
}

func TestDiagonalWin(t *testing.T) {
	var b Board
	mustApply(t, &b, 2, X)
	mustApply(t, &b, 0, O)
	mustApply(t, &b, 4, X)
	mustApply(t, &b, 8, O)
	mustApply(t, &b, 6, X)

	w, won := b.Winner()
	if !won || w != X {
		t.Fatalf("winner = %s, %v; want X win on 2-4-6", w, won)
	}
	if !b.Over() {
		t.Fatal("won game should be over")
	}
	if b.MoveCount() != 5 {
		t.Fatalf("move count = %d, want 5", b.MoveCount())
	}
}

func TestDraw(t *testing.T) {
	// X O X / X O O / O X X has no three in a row.
	b, err := ParseBoard("XOXXOOOXX")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, won := b.Winner(); won {
		t.Fatal("draw board reported a winner")
	}
	if !b.Full() || !b.Over() {
		t.Fatal("full board should be over")
	}
}

func TestApplyValidation(t *testing.T) {
	var b Board
	mustApply(t, &b, 4, X)

	if err := b.Apply(4, O); !errors.Is(err, ErrCellTaken) {
		t.Fatalf("occupied cell: err = %v", err)
	}
	if err := b.Apply(9, O); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("position 9: err = %v", err)
	}
	if err := b.Apply(-1, O); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("position -1: err = %v", err)
	}
	if err := b.Apply(0, X); !errors.Is(err, ErrOutOfTurn) {
		t.Fatalf("X twice in a row: err = %v", err)
	}
	if err := b.Apply(0, None); !errors.Is(err, ErrBadMark) {
		t.Fatalf("empty mark: err = %v", err)
	}

	// The failed attempts must not have touched the board.
	if b.MoveCount() != 1 || b[4] != X {
		t.Fatalf("board mutated by rejected moves: %s", b.Encode())
	}
}

func TestTurnAlternates(t *testing.T) {
	var b Board
	if b.Turn() != X {
		t.Fatal("X moves first")
	}
	mustApply(t, &b, 0, X)
	if b.Turn() != O {
		t.Fatal("O follows X")
	}
	mustApply(t, &b, 1, O)
	if b.Turn() != X {
		t.Fatal("turn should return to X")
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	var b Board
	mustApply(t, &b, 4, X)
	mustApply(t, &b, 0, O)
	mustApply(t, &b, 8, X)

	enc := b.Encode()
	if enc != "O___X___X" {
		t.Fatalf("encode = %q", enc)
	}
	got, err := ParseBoard(enc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != b {
		t.Fatalf("round trip mismatch: %q vs %q", got.Encode(), enc)
	}

	if _, err := ParseBoard("short"); err == nil {
		t.Fatal("short snapshot should fail")
	}
	if _, err := ParseBoard("XOXXOXXO?"); err == nil {
		t.Fatal("bad cell should fail")
	}
}
