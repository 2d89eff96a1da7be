// Package tictactoe implements a two-player tic-tac-toe game unit.
package tictactoe

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"chat-game-host/internal/game"
	"chat-game-host/internal/model"
)

const (
	gameID = "ttt"

	markX = "X"
	markO = "O"
)

// state is the opaque blob persisted between turns. Board cells hold "",
// "X" or "O"; Marks fixes which player draws which symbol.
type state struct {
	Board [9]string         `json:"board"`
	Marks map[string]string `json:"marks"`
	// Next is the player id that owes the next move.
	Next string `json:"next"`
	// Order preserves the seating so the mark legend renders stably.
	Order []string `json:"order"`
}

var winningLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // columns
	{0, 4, 8}, {2, 4, 6}, // diagonals
}

// TicTacToe is the game unit. It is stateless; per-session state lives in
// the blob.
type TicTacToe struct {
	rng *rand.Rand
}

// New creates a tic-tac-toe unit.
func New() *TicTacToe {
	return &TicTacToe{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (t *TicTacToe) ID() string          { return gameID }
func (t *TicTacToe) Name() string        { return "Tic-Tac-Toe" }
func (t *TicTacToe) Description() string { return "Classic 3x3 grid. Three in a row wins." }

func (t *TicTacToe) MinPlayers() int   { return 2 }
func (t *TicTacToe) MaxPlayers() int   { return 2 }
func (t *TicTacToe) IdealPlayers() int { return 2 }

func (t *TicTacToe) AutoFillWait() time.Duration         { return 60 * time.Second }
func (t *TicTacToe) AutoFillPolicy() game.AutoFillPolicy { return game.AutoFillWithBots }
func (t *TicTacToe) AllowMidGameQuit() bool              { return false }
func (t *TicTacToe) SupportsAutonomousPlay() bool        { return true }
func (t *TicTacToe) OutOfTurnKinds() []string            { return nil }

// CreateInitialState seats the first player as X.
func (t *TicTacToe) CreateInitialState(players []model.Player) (json.RawMessage, error) {
	if len(players) != 2 {
		return nil, fmt.Errorf("tic-tac-toe needs exactly 2 players, got %d", len(players))
	}
	s := state{
		Marks: map[string]string{
			players[0].ID: markX,
			players[1].ID: markO,
		},
		Next:  players[0].ID,
		Order: []string{players[0].ID, players[1].ID},
	}
	return json.Marshal(s)
}

func (t *TicTacToe) CurrentActor(raw json.RawMessage) (string, error) {
	s, err := decode(raw)
	if err != nil {
		return "", err
	}
	return s.Next, nil
}

// Validate checks that the interaction targets an empty cell.
func (t *TicTacToe) Validate(raw json.RawMessage, actorID string, in model.Interaction) error {
	s, err := decode(raw)
	if err != nil {
		return err
	}
	cell, err := parseCell(in.Payload)
	if err != nil {
		return err
	}
	if s.Board[cell] != "" {
		return fmt.Errorf("cell %d is taken", cell+1)
	}
	return nil
}

// Apply places the actor's mark and checks for a terminal outcome.
func (t *TicTacToe) Apply(raw json.RawMessage, actorID string, in model.Interaction) (*game.ApplyResult, error) {
	s, err := decode(raw)
	if err != nil {
		return nil, err
	}
	cell, err := parseCell(in.Payload)
	if err != nil {
		return nil, err
	}
	mark, ok := s.Marks[actorID]
	if !ok {
		return nil, fmt.Errorf("unknown player %s", actorID)
	}
	if s.Board[cell] != "" {
		return nil, fmt.Errorf("cell %d is taken", cell+1)
	}

	s.Board[cell] = mark
	s.Next = s.other(actorID)

	res := &game.ApplyResult{AdvanceTurn: true}

	if winner := s.winner(); winner != "" {
		res.Ended = true
		res.AdvanceTurn = false
		for id, m := range s.Marks {
			if m == winner {
				res.WinnerID = id
			}
		}
	} else if s.full() {
		res.Ended = true
		res.AdvanceTurn = false
		res.Draw = true
	}

	out, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	res.State = out
	return res, nil
}

// Render draws the board as an inline keyboard: empty cells are playable
// buttons, taken cells show the mark.
func (t *TicTacToe) Render(raw json.RawMessage, players []model.Player, currentID string) (*model.View, error) {
	s, err := decode(raw)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("Tic-Tac-Toe\n")
	for _, id := range s.Order {
		name := id
		for _, p := range players {
			if p.ID == id {
				name = p.DisplayName
			}
		}
		b.WriteString(fmt.Sprintf("%s: %s", s.Marks[id], name))
		if id == currentID {
			b.WriteString(" ← your turn")
		}
		b.WriteString("\n")
	}

	buttons := make([][]model.Button, 3)
	for row := 0; row < 3; row++ {
		buttons[row] = make([]model.Button, 3)
		for col := 0; col < 3; col++ {
			i := row*3 + col
			label := s.Board[i]
			if label == "" {
				label = "·"
			}
			buttons[row][col] = model.Button{
				Label: label,
				Data:  "move:" + strconv.Itoa(i),
			}
		}
	}

	return &model.View{Text: b.String(), Buttons: buttons}, nil
}

// ChooseAutonomousMove picks a winning cell, then a blocking cell, then a
// random empty one.
func (t *TicTacToe) ChooseAutonomousMove(raw json.RawMessage, actorID string) (*model.Interaction, error) {
	s, err := decode(raw)
	if err != nil {
		return nil, err
	}
	mine := s.Marks[actorID]
	theirs := markX
	if mine == markX {
		theirs = markO
	}

	cell := s.lineCompleting(mine)
	if cell < 0 {
		cell = s.lineCompleting(theirs)
	}
	if cell < 0 {
		empty := s.emptyCells()
		if len(empty) == 0 {
			return nil, fmt.Errorf("no empty cells")
		}
		cell = empty[t.rng.Intn(len(empty))]
	}

	return &model.Interaction{
		Kind:    "move",
		ActorID: actorID,
		Payload: strconv.Itoa(cell),
	}, nil
}

func decode(raw json.RawMessage) (*state, error) {
	var s state
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return &s, nil
}

func parseCell(payload string) (int, error) {
	cell, err := strconv.Atoi(payload)
	if err != nil || cell < 0 || cell > 8 {
		return 0, fmt.Errorf("invalid cell %q", payload)
	}
	return cell, nil
}

func (s *state) other(actorID string) string {
	for id := range s.Marks {
		if id != actorID {
			return id
		}
	}
	return actorID
}

func (s *state) winner() string {
	for _, l := range winningLines {
		if s.Board[l[0]] != "" && s.Board[l[0]] == s.Board[l[1]] && s.Board[l[1]] == s.Board[l[2]] {
			return s.Board[l[0]]
		}
	}
	return ""
}

func (s *state) full() bool {
	for _, c := range s.Board {
		if c == "" {
			return false
		}
	}
	return true
}

func (s *state) emptyCells() []int {
	var out []int
	for i, c := range s.Board {
		if c == "" {
			out = append(out, i)
		}
	}
	return out
}

// lineCompleting finds a cell that completes a line for the given mark, or -1.
func (s *state) lineCompleting(mark string) int {
	for _, l := range winningLines {
		count, empty := 0, -1
		for _, i := range l {
			switch s.Board[i] {
			case mark:
				count++
			case "":
				empty = i
			}
		}
		if count == 2 && empty >= 0 {
			return empty
		}
	}
	return -1
}
