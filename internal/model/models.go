// Package model defines the data models shared across the game host.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Phase is the lifecycle state of a session.
type Phase string

const (
	PhaseWaitingForPlayers Phase = "waiting_for_players"
	PhasePlaying           Phase = "playing"
	// PhaseAwaitingInput is a game-declared sub-state (e.g. "choose a color")
	// that still belongs to exactly one actor. Turn enforcement treats it the
	// same as PhasePlaying.
	PhaseAwaitingInput Phase = "awaiting_input"
	PhaseEnded         Phase = "ended"
)

// Live reports whether the phase counts against the one-session-per-channel rule.
func (p Phase) Live() bool {
	return p != PhaseEnded
}

// ChannelRef identifies the chat surface a session renders to.
type ChannelRef struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
}

// Key returns the canonical string form used for store and queue keys.
func (c ChannelRef) Key() string {
	return c.Platform + ":" + c.ChannelID
}

// MessageRef is the delivery-surface handle of a rendered message.
type MessageRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// IsZero reports whether this ref points at nothing.
func (m MessageRef) IsZero() bool {
	return m.MessageID == ""
}

// Player is one seat in a session. Seating order is fixed once the game
// starts; a player who leaves keeps their seat but is skipped by turn
// advancement.
type Player struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	IsAutonomous bool   `json:"is_autonomous"`
	HasLeft      bool   `json:"has_left"`
}

// Session is the unit of persisted state for one running game.
type Session struct {
	ID              string          `json:"id"`
	GameID          string          `json:"game_id"`
	Channel         ChannelRef      `json:"channel"`
	CreatorID       string          `json:"creator_id"`
	Players         []Player        `json:"players"`
	TurnIndex       int             `json:"turn_index"`
	Phase           Phase           `json:"phase"`
	GameData        json.RawMessage `json:"game_data"`
	CreatedAt       time.Time       `json:"created_at"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
	RenderedMessage MessageRef      `json:"rendered_message"`
}

// ActivePlayerCount returns the number of seats that have not left.
func (s *Session) ActivePlayerCount() int {
	n := 0
	for _, p := range s.Players {
		if !p.HasLeft {
			n++
		}
	}
	return n
}

// HumanPlayerCount returns the number of non-autonomous seats that have not left.
func (s *Session) HumanPlayerCount() int {
	n := 0
	for _, p := range s.Players {
		if !p.HasLeft && !p.IsAutonomous {
			n++
		}
	}
	return n
}

// PlayerByID returns the seat for the given player id, or nil.
func (s *Session) PlayerByID(id string) *Player {
	for i := range s.Players {
		if s.Players[i].ID == id {
			return &s.Players[i]
		}
	}
	return nil
}

// CurrentPlayer returns the seat at TurnIndex, or nil when the session has no
// players or the index is out of range.
func (s *Session) CurrentPlayer() *Player {
	if s.TurnIndex < 0 || s.TurnIndex >= len(s.Players) {
		return nil
	}
	return &s.Players[s.TurnIndex]
}

// AdvanceTurn moves TurnIndex to the next seat that has not left, wrapping
// modulo the seating order. It is a no-op when no active seats remain.
func (s *Session) AdvanceTurn() {
	if s.ActivePlayerCount() == 0 || len(s.Players) == 0 {
		return
	}
	for i := 1; i <= len(s.Players); i++ {
		next := (s.TurnIndex + i) % len(s.Players)
		if !s.Players[next].HasLeft {
			s.TurnIndex = next
			return
		}
	}
}

// EnvelopeKind classifies an inbound interaction at the adapter boundary.
type EnvelopeKind string

const (
	KindJoin    EnvelopeKind = "join"
	KindMove    EnvelopeKind = "move"
	KindCommand EnvelopeKind = "command"
	KindQuit    EnvelopeKind = "quit"
)

// Envelope is the typed inbound interaction consumed by the router. Free-text
// guesses and button clicks arrive through the same shape; the adapter fills
// Kind, MoveKind, and Payload, never the core.
type Envelope struct {
	Kind      EnvelopeKind
	Channel   ChannelRef
	ActorID   string
	ActorName string
	GameID    string
	SessionID string
	// MoveKind classifies a move for turn enforcement: button data carries
	// its kind prefix, free text arrives as "text".
	MoveKind string
	Payload  string
}

// Interaction is the per-move payload handed to a game unit.
type Interaction struct {
	Kind    string `json:"kind"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload"`
	// OnTurn reports whether the actor is the session's current actor. The
	// host fills it so games that accept out-of-turn interactions can still
	// gate the on-turn ones.
	OnTurn bool `json:"on_turn"`
}

// Button is one inline control in a rendered view. Data is round-tripped back
// as the payload of a move envelope.
type Button struct {
	Label string
	Data  string
}

// View is a rendered snapshot of a session for delivery to the chat surface.
type View struct {
	Text    string
	Buttons [][]Button
}

// NewBotPlayer returns an autonomous seat with a numbered display name.
func NewBotPlayer(n int) Player {
	return Player{
		ID:           fmt.Sprintf("bot-%d", n),
		DisplayName:  fmt.Sprintf("Bot %d", n),
		IsAutonomous: true,
	}
}
