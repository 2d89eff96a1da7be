// Package game defines the pluggable game unit contract and the catalog.
// Adding a new game only requires implementing the Unit interface and
// registering a factory; the host never inspects a game's state blob.
package game

import (
	"encoding/json"
	"time"

	"chat-game-host/internal/model"
)

// AutoFillPolicy declares what the controller does when the wait window for
// human players lapses.
type AutoFillPolicy int

const (
	// AutoFillWithBots fills the roster with autonomous players up to the
	// ideal count and starts the game.
	AutoFillWithBots AutoFillPolicy = iota
	// AutoFillCancel cancels the session instead.
	AutoFillCancel
)

// ApplyResult is the outcome of applying one accepted interaction.
type ApplyResult struct {
	// State is the new opaque game state.
	State json.RawMessage
	// Ended reports that the game reached a terminal outcome.
	Ended bool
	// WinnerID names the winning seat; empty with Ended set means a draw.
	WinnerID string
	// Draw marks an ended game with no winner.
	Draw bool
	// AdvanceTurn tells the controller to move to the next active seat.
	AdvanceTurn bool
	// AwaitInput puts the session in the awaiting-input sub-state: the same
	// actor owes a follow-up interaction before the turn can advance.
	AwaitInput bool
}

// Unit is the capability contract every game implements. All state flows
// through the opaque blob: the host stores it, the unit owns its contents.
type Unit interface {
	// ID returns the identifier players use to start this game (e.g. "ttt").
	ID() string

	// Name returns the game's display name.
	Name() string

	// Description returns a brief description shown in the lobby.
	Description() string

	// MinPlayers is the smallest roster the game can start with.
	MinPlayers() int

	// MaxPlayers is the largest roster; joins beyond it are rejected.
	MaxPlayers() int

	// IdealPlayers is the roster size bot auto-fill targets.
	IdealPlayers() int

	// AutoFillWait is how long the lobby waits for humans before the
	// auto-fill policy applies.
	AutoFillWait() time.Duration

	// AutoFillPolicy declares whether a lapsed wait window fills with bots
	// or cancels the session.
	AutoFillPolicy() AutoFillPolicy

	// AllowMidGameQuit reports whether any active player may end the game;
	// otherwise only the session creator can.
	AllowMidGameQuit() bool

	// SupportsAutonomousPlay reports whether the unit can produce moves for
	// autonomous seats.
	SupportsAutonomousPlay() bool

	// OutOfTurnKinds lists interaction kinds accepted from seats other than
	// the current actor (e.g. a whole-word claim from any seat).
	OutOfTurnKinds() []string

	// CreateInitialState builds the opaque state for a fixed seating order.
	CreateInitialState(players []model.Player) (json.RawMessage, error)

	// CurrentActor resolves the acting player from the state blob. An empty
	// id defers to the controller's seating order.
	CurrentActor(state json.RawMessage) (string, error)

	// Validate checks an interaction without mutating state. A non-nil error
	// is a validation failure reported to the actor only.
	Validate(state json.RawMessage, actorID string, in model.Interaction) error

	// Apply executes a validated interaction and returns the new state and
	// outcome flags.
	Apply(state json.RawMessage, actorID string, in model.Interaction) (*ApplyResult, error)

	// Render produces the channel view of the current state. currentID is
	// the acting seat resolved by the host, empty once the game has ended.
	Render(state json.RawMessage, players []model.Player, currentID string) (*model.View, error)

	// ChooseAutonomousMove produces a legal interaction for an autonomous
	// seat. Only called when SupportsAutonomousPlay is true.
	ChooseAutonomousMove(state json.RawMessage, actorID string) (*model.Interaction, error)
}

// Factory builds a fresh Unit instance for one session.
type Factory func() Unit
