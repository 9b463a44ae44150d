// Package tictactoe is the reference collaborator engine. It exists so the
// server ships with one fully validated game type and so tests can exercise
// the room layer with real win/draw results.
package tictactoe

import (
	"encoding/json"
	"errors"

	"github.com/gamelink/backend/pkg/proto"
)

const GameType = "tictactoe"

var (
	ErrBadPosition  = errors.New("position out of range")
	ErrCellOccupied = errors.New("cell already occupied")
)

var symbols = [2]string{"X", "O"}

// State is the serialized board. Cells are "", "X" or "O".
type State struct {
	Board [9]string `json:"board"`
	Moves int       `json:"moves"`
}

type Move struct {
	Position int `json:"position"`
}

type Engine struct{}

func (Engine) Init() json.RawMessage {
	raw, _ := json.Marshal(State{})
	return raw
}

func (Engine) Apply(state json.RawMessage, identity string, seat int, move json.RawMessage) (json.RawMessage, *proto.GameResult, error) {
	var s State
	if err := json.Unmarshal(state, &s); err != nil {
		return state, nil, err
	}
	var m Move
	if err := json.Unmarshal(move, &m); err != nil {
		return state, nil, err
	}

	if m.Position < 0 || m.Position > 8 {
		return state, nil, ErrBadPosition
	}
	if s.Board[m.Position] != "" {
		return state, nil, ErrCellOccupied
	}

	symbol := symbols[seat%2]
	s.Board[m.Position] = symbol
	s.Moves++

	raw, err := json.Marshal(s)
	if err != nil {
		return state, nil, err
	}

	if wins(s.Board, symbol) {
		return raw, &proto.GameResult{Outcome: "win", Winner: identity}, nil
	}
	if s.Moves == 9 {
		return raw, &proto.GameResult{Outcome: "draw"}, nil
	}
	return raw, nil, nil
}

var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // columns
	{0, 4, 8}, {2, 4, 6}, // diagonals
}

func wins(board [9]string, symbol string) bool {
	for _, l := range lines {
		if board[l[0]] == symbol && board[l[1]] == symbol && board[l[2]] == symbol {
			return true
		}
	}
	return false
}
