// Package tictactoe holds the rules of the board game itself, free of
// any networking. Both peers run the same deterministic logic, so equal
// move sequences always produce equal boards and results.
package tictactoe

import (
	"errors"
	"fmt"
)

// Mark is one cell state. The zero value is an empty cell.
type Mark byte

const (
	None Mark = 0
	X    Mark = 'X'
	O    Mark = 'O'
)

var (
	ErrOutOfRange = errors.New("position out of range")
	ErrCellTaken  = errors.New("cell already taken")
	ErrOutOfTurn  = errors.New("not this player's turn")
	ErrBadMark    = errors.New("invalid player mark")
)

// Other returns the opposing mark.
func (m Mark) Other() Mark {
	if m == X {
		return O
	}
	return X
}

func (m Mark) String() string {
	switch m {
	case X, O:
		return string(byte(m))
	default:
		return "_"
	}
}

// ParseMark reads "X" or "O".
func ParseMark(s string) (Mark, error) {
	switch s {
	case "X":
		return X, nil
	case "O":
		return O, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrBadMark, s)
	}
}

// Board is the 3x3 grid, cells indexed 0..8 row-major.
type Board [9]Mark

var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // columns
	{0, 4, 8}, {2, 4, 6}, // diagonals
}

// MoveCount is the number of filled cells. It always equals the move
// number of the last accepted move.
func (b *Board) MoveCount() int {
	n := 0
	for _, c := range b {
		if c != None {
			n++
		}
	}
	return n
}

// Turn returns whose move it is. X always moves first.
func (b *Board) Turn() Mark {
	if b.MoveCount()%2 == 0 {
		return X
	}
	return O
}

// Apply places mark at pos after validating range, emptiness and turn.
func (b *Board) Apply(pos int, mark Mark) error {
	if mark != X && mark != O {
		return fmt.Errorf("%w: %d", ErrBadMark, mark)
	}
	if pos < 0 || pos > 8 {
		return fmt.Errorf("%w: %d", ErrOutOfRange, pos)
	}
	if b[pos] != None {
		return fmt.Errorf("%w: %d", ErrCellTaken, pos)
	}
	if b.Turn() != mark {
		return fmt.Errorf("%w: %s at move %d", ErrOutOfTurn, mark, b.MoveCount())
	}
	b[pos] = mark
	return nil
}

// Winner returns the winning mark, if any.
func (b *Board) Winner() (Mark, bool) {
	for _, line := range winLines {
		m := b[line[0]]
		if m != None && m == b[line[1]] && m == b[line[2]] {
			return m, true
		}
	}
	return None, false
}

// Full reports whether every cell is taken.
func (b *Board) Full() bool {
	return b.MoveCount() == 9
}

// Over reports whether the game has concluded, by win or draw.
func (b *Board) Over() bool {
	if _, won := b.Winner(); won {
		return true
	}
	return b.Full()
}

// Encode renders the board as nine characters, "_" for empty, row-major.
func (b *Board) Encode() string {
	out := make([]byte, 9)
	for i, c := range b {
		if c == None {
			out[i] = '_'
		} else {
			out[i] = byte(c)
		}
	}
	return string(out)
}

// ParseBoard reads the nine-character form produced by Encode.
func ParseBoard(s string) (Board, error) {
	var b Board
	if len(s) != 9 {
		return b, fmt.Errorf("board snapshot must be 9 cells, got %d", len(s))
	}
	for i := 0; i < 9; i++ {
		switch s[i] {
		case '_':
			b[i] = None
		case 'X':
			b[i] = X
		case 'O':
			b[i] = O
		default:
			return Board{}, fmt.Errorf("bad cell %q at %d", s[i], i)
		}
	}
	return b, nil
}
