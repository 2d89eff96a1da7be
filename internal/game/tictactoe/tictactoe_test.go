package tictactoe

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"chat-game-host/internal/model"
)

func twoPlayers() []model.Player {
	return []model.Player{
		{ID: "alice", DisplayName: "Alice"},
		{ID: "bob", DisplayName: "Bob"},
	}
}

func move(actor, cell string) model.Interaction {
	return model.Interaction{Kind: "move", ActorID: actor, Payload: cell, OnTurn: true}
}

func TestTicTacToe_CreateInitialState(t *testing.T) {
	ttt := New()

	raw, err := ttt.CreateInitialState(twoPlayers())
	require.NoError(t, err)

	cur, err := ttt.CurrentActor(raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", cur, "first seat opens as X")

	_, err = ttt.CreateInitialState(twoPlayers()[:1])
	assert.Error(t, err, "needs exactly two players")
}

func TestTicTacToe_Validate(t *testing.T) {
	ttt := New()
	raw, err := ttt.CreateInitialState(twoPlayers())
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid cell", "4", false},
		{"first cell", "0", false},
		{"last cell", "8", false},
		{"out of range", "9", true},
		{"negative", "-1", true},
		{"garbage", "abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ttt.Validate(raw, "alice", move("alice", tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTicTacToe_ValidateTakenCell(t *testing.T) {
	ttt := New()
	raw, err := ttt.CreateInitialState(twoPlayers())
	require.NoError(t, err)

	res, err := ttt.Apply(raw, "alice", move("alice", "4"))
	require.NoError(t, err)

	assert.Error(t, ttt.Validate(res.State, "bob", move("bob", "4")))
}

func TestTicTacToe_ApplyAlternatesTurns(t *testing.T) {
	ttt := New()
	raw, err := ttt.CreateInitialState(twoPlayers())
	require.NoError(t, err)

	res, err := ttt.Apply(raw, "alice", move("alice", "0"))
	require.NoError(t, err)
	assert.True(t, res.AdvanceTurn)
	assert.False(t, res.Ended)

	cur, err := ttt.CurrentActor(res.State)
	require.NoError(t, err)
	assert.Equal(t, "bob", cur)
}

func TestTicTacToe_WinByRow(t *testing.T) {
	ttt := New()
	raw, err := ttt.CreateInitialState(twoPlayers())
	require.NoError(t, err)

	// alice: 0 1 2 (top row), bob: 3 4
	seq := []struct {
		actor string
		cell  string
	}{
		{"alice", "0"}, {"bob", "3"},
		{"alice", "1"}, {"bob", "4"},
		{"alice", "2"},
	}

	state := raw
	for i, mv := range seq {
		r, err := ttt.Apply(state, mv.actor, move(mv.actor, mv.cell))
		require.NoError(t, err, "move %d", i)
		state = r.State
		if i == len(seq)-1 {
			assert.True(t, r.Ended)
			assert.Equal(t, "alice", r.WinnerID)
			assert.False(t, r.Draw)
		} else {
			assert.False(t, r.Ended)
		}
	}
}

func TestTicTacToe_Draw(t *testing.T) {
	ttt := New()
	raw, err := ttt.CreateInitialState(twoPlayers())
	require.NoError(t, err)

	// X O X / X O O / O X X — no three in a row.
	seq := []struct {
		actor string
		cell  string
	}{
		{"alice", "0"}, {"bob", "1"},
		{"alice", "2"}, {"bob", "4"},
		{"alice", "3"}, {"bob", "5"},
		{"alice", "7"}, {"bob", "6"},
		{"alice", "8"},
	}

	state := raw
	for i, mv := range seq {
		r, err := ttt.Apply(state, mv.actor, move(mv.actor, mv.cell))
		require.NoError(t, err, "move %d", i)
		state = r.State
		if i == len(seq)-1 {
			assert.True(t, r.Ended)
			assert.True(t, r.Draw)
			assert.Empty(t, r.WinnerID)
		}
	}
}

func TestTicTacToe_Render(t *testing.T) {
	ttt := New()
	raw, err := ttt.CreateInitialState(twoPlayers())
	require.NoError(t, err)

	view, err := ttt.Render(raw, twoPlayers(), "alice")
	require.NoError(t, err)

	assert.Contains(t, view.Text, "Alice")
	assert.Contains(t, view.Text, "your turn")
	require.Len(t, view.Buttons, 3)
	for _, row := range view.Buttons {
		require.Len(t, row, 3)
	}
	assert.Equal(t, "move:0", view.Buttons[0][0].Data)
	assert.Equal(t, "move:8", view.Buttons[2][2].Data)
}

// TestTicTacToe_AutonomousMoveProperty plays random games against the bot
// move chooser and checks that every chosen move is legal until the game
// terminates.
func TestTicTacToe_AutonomousMoveProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ttt := New()
		raw, err := ttt.CreateInitialState(twoPlayers())
		if err != nil {
			t.Fatal(err)
		}

		state := raw
		actors := []string{"alice", "bob"}
		for turn := 0; turn < 9; turn++ {
			actor := actors[turn%2]

			in, err := ttt.ChooseAutonomousMove(state, actor)
			if err != nil {
				t.Fatalf("turn %d: %v", turn, err)
			}
			in.OnTurn = true

			if err := ttt.Validate(state, actor, *in); err != nil {
				t.Fatalf("turn %d: chose illegal move %q: %v", turn, in.Payload, err)
			}

			res, err := ttt.Apply(state, actor, *in)
			if err != nil {
				t.Fatalf("turn %d: %v", turn, err)
			}
			state = res.State
			if res.Ended {
				return
			}
		}
		t.Fatal("game never terminated within 9 moves")
	})
}

// TestTicTacToe_BotBlocksWin seeds a board where the opponent threatens a
// win and checks the chooser blocks it.
func TestTicTacToe_BotBlocksWin(t *testing.T) {
	s := state{
		Marks: map[string]string{"alice": markX, "bob": markO},
		Next:  "bob",
		Order: []string{"alice", "bob"},
	}
	s.Board[0] = markX
	s.Board[1] = markX

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	ttt := New()
	in, err := ttt.ChooseAutonomousMove(raw, "bob")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(2), in.Payload, "must block the top row")
}

// TestTicTacToe_BotTakesWin seeds a board where the bot can win immediately.
func TestTicTacToe_BotTakesWin(t *testing.T) {
	s := state{
		Marks: map[string]string{"alice": markX, "bob": markO},
		Next:  "bob",
		Order: []string{"alice", "bob"},
	}
	s.Board[3] = markO
	s.Board[4] = markO
	s.Board[0] = markX
	s.Board[1] = markX
	// Both 2 (blocks X) and 5 (wins for O) complete lines; winning wins.

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	ttt := New()
	in, err := ttt.ChooseAutonomousMove(raw, "bob")
	require.NoError(t, err)
	assert.Equal(t, "5", in.Payload, "must take the winning cell over the block")
}
