package game

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-game-host/internal/model"
)

// stubUnit is a minimal Unit for catalog tests.
type stubUnit struct {
	id string
}

func (s *stubUnit) ID() string                     { return s.id }
func (s *stubUnit) Name() string                   { return "Stub" }
func (s *stubUnit) Description() string            { return "stub game" }
func (s *stubUnit) MinPlayers() int                { return 2 }
func (s *stubUnit) MaxPlayers() int                { return 2 }
func (s *stubUnit) IdealPlayers() int              { return 2 }
func (s *stubUnit) AutoFillWait() time.Duration    { return time.Minute }
func (s *stubUnit) AutoFillPolicy() AutoFillPolicy { return AutoFillCancel }
func (s *stubUnit) AllowMidGameQuit() bool         { return false }
func (s *stubUnit) SupportsAutonomousPlay() bool   { return false }
func (s *stubUnit) OutOfTurnKinds() []string       { return nil }

func (s *stubUnit) CreateInitialState(players []model.Player) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (s *stubUnit) CurrentActor(state json.RawMessage) (string, error) { return "", nil }

func (s *stubUnit) Validate(state json.RawMessage, actorID string, in model.Interaction) error {
	return nil
}

func (s *stubUnit) Apply(state json.RawMessage, actorID string, in model.Interaction) (*ApplyResult, error) {
	return &ApplyResult{State: state}, nil
}

func (s *stubUnit) Render(state json.RawMessage, players []model.Player, currentID string) (*model.View, error) {
	return &model.View{Text: "stub"}, nil
}

func (s *stubUnit) ChooseAutonomousMove(state json.RawMessage, actorID string) (*model.Interaction, error) {
	return &model.Interaction{}, nil
}

func TestCatalog_RegisterAndCreate(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(func() Unit { return &stubUnit{id: "stub"} }))

	u, err := c.Create("stub")
	require.NoError(t, err)
	assert.Equal(t, "stub", u.ID())

	// Each Create returns a fresh instance.
	u2, err := c.Create("stub")
	require.NoError(t, err)
	assert.NotSame(t, u, u2)
}

func TestCatalog_CreateUnknown(t *testing.T) {
	c := NewCatalog()

	_, err := c.Create("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownGame)
}

func TestCatalog_RegisterInvalid(t *testing.T) {
	c := NewCatalog()

	assert.Error(t, c.Register(nil))
	assert.Error(t, c.Register(func() Unit { return &stubUnit{id: ""} }))
}

func TestCatalog_IDsSorted(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(func() Unit { return &stubUnit{id: "zzz"} }))
	require.NoError(t, c.Register(func() Unit { return &stubUnit{id: "aaa"} }))

	assert.Equal(t, []string{"aaa", "zzz"}, c.IDs())
	assert.Equal(t, 2, c.Count())
}
