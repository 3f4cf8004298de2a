// internal/chesskit/rules.go
package chesskit

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/kingside/gambit/internal/models"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	// ErrIllegalMove is returned when a UCI string does not decode to a
	// legal move in the given position.
	ErrIllegalMove = errors.New("chesskit: illegal move")
	// ErrBadPosition is returned when the FEN cannot be parsed.
	ErrBadPosition = errors.New("chesskit: invalid board state")
)

// Outcome describes the terminal condition, if any, produced by a move.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeCheckmate
	OutcomeDraw
)

// Result is the adapter's view of a position after a move was applied.
type Result struct {
	FEN     string
	Turn    models.Color // side to move in the resulting position
	Outcome Outcome
	UCI     string
	SAN     string
}

// Apply validates and applies a single UCI move (e2e4, e7e8q) against a FEN
// position. Pure: no state is kept between calls. Legality, checkmate and
// draw detection all delegate to the chess library.
func Apply(fen, uci string) (Result, error) {
	game, err := gameFrom(fen)
	if err != nil {
		return Result{}, err
	}

	pos := game.Position()
	uci = strings.ToLower(strings.TrimSpace(uci))
	mv, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	legal := false
	for _, valid := range game.ValidMoves() {
		if valid.String() == mv.String() {
			legal = true
			break
		}
	}
	if !legal {
		return Result{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}

	res := Result{
		FEN:  game.FEN(),
		Turn: colorFrom(game.Position().Turn()),
		UCI:  uci,
		SAN:  san,
	}
	switch game.Outcome() {
	case nchess.WhiteWon, nchess.BlackWon:
		// The only decisive outcome a move itself can produce is checkmate.
		res.Outcome = OutcomeCheckmate
	case nchess.Draw:
		res.Outcome = OutcomeDraw
	}
	return res, nil
}

// TurnOf reports the side to move in a FEN position.
func TurnOf(fen string) (models.Color, error) {
	game, err := gameFrom(fen)
	if err != nil {
		return "", err
	}
	return colorFrom(game.Position().Turn()), nil
}

func gameFrom(fen string) (*nchess.Game, error) {
	if strings.TrimSpace(fen) == "" || fen == StartFEN {
		return nchess.NewGame(), nil
	}
	option, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPosition, err)
	}
	return nchess.NewGame(option), nil
}

func colorFrom(c nchess.Color) models.Color {
	if c == nchess.White {
		return models.White
	}
	return models.Black
}
