// Package session owns the lifecycle state machine for game sessions and the
// router that maps inbound interactions onto them.
package session

import "errors"

// Validation errors are recovered locally and reported to the originating
// actor only; they never change state.
var (
	ErrNoSession        = errors.New("no game is running here")
	ErrChannelBusy      = errors.New("a game is already running in this channel")
	ErrSessionOver      = errors.New("this game is over")
	ErrNotStarted       = errors.New("the game has not started yet")
	ErrAlreadyStarted   = errors.New("the game has already started")
	ErrAlreadyJoined    = errors.New("you already joined this game")
	ErrSessionFull      = errors.New("this game is full")
	ErrNotEnoughPlayers = errors.New("not enough players to start")
	ErrNotAuthorized    = errors.New("you are not allowed to do that")
	ErrNotYourTurn      = errors.New("it is not your turn")
	ErrInvalidMove      = errors.New("invalid move")
	ErrNotInSession     = errors.New("you are not in this game")
	ErrNoAutonomousPlay = errors.New("this game does not support bot players")
	ErrUnrecoverable    = errors.New("this game could not be recovered, please start a new one")
)

// IsValidation reports whether an error should be relayed to the acting
// player as a specific, immediate reply.
func IsValidation(err error) bool {
	for _, v := range []error{
		ErrNoSession, ErrChannelBusy, ErrSessionOver, ErrNotStarted,
		ErrAlreadyStarted, ErrAlreadyJoined, ErrSessionFull,
		ErrNotEnoughPlayers, ErrNotAuthorized, ErrNotYourTurn,
		ErrInvalidMove, ErrNotInSession, ErrNoAutonomousPlay,
	} {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}
