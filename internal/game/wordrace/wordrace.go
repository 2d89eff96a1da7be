// Package wordrace implements a word-guessing race. Players take turns
// guessing letters of a hidden word; a correct letter earns another guess
// from the same player. At any moment any player may claim the whole word
// with "!<word>" — a correct claim wins instantly, a wrong one bars the
// claimant from further claims.
package wordrace

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"
	"unicode"

	"chat-game-host/internal/game"
	"chat-game-host/internal/model"
)

const gameID = "wordrace"

// letters of English ordered by frequency, used for autonomous guessing.
const frequencyOrder = "etaoinshrdlucmfwypvbgkjqxz"

var defaultWords = []string{
	"lighthouse", "umbrella", "chocolate", "festival", "mountain",
	"butterfly", "keyboard", "adventure", "telescope", "carnival",
	"hurricane", "labyrinth", "sandwich", "elephant", "treasure",
}

// state is the opaque blob persisted between turns. Turn order belongs to
// the host's seating; the unit only flags follow-up guesses.
type state struct {
	Word    string `json:"word"`
	Guessed string `json:"guessed"` // letters tried, in order
	// Bonus marks that the current guesser earned a follow-up guess.
	Bonus bool `json:"bonus"`
	// Scores counts letters revealed per player.
	Scores map[string]int `json:"scores"`
	// ClaimedOut bars players who made a wrong whole-word claim.
	ClaimedOut map[string]bool `json:"claimed_out"`
	Order      []string        `json:"order"`
}

// WordRace is the game unit.
type WordRace struct {
	rng   *rand.Rand
	words []string
}

// Option customizes a WordRace unit.
type Option func(*WordRace)

// WithWords replaces the built-in word list, mainly for tests.
func WithWords(words []string) Option {
	return func(w *WordRace) { w.words = words }
}

// WithSeed fixes the word choice, mainly for tests.
func WithSeed(seed int64) Option {
	return func(w *WordRace) { w.rng = rand.New(rand.NewSource(seed)) }
}

// New creates a word race unit.
func New(opts ...Option) *WordRace {
	w := &WordRace{
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		words: defaultWords,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WordRace) ID() string   { return gameID }
func (w *WordRace) Name() string { return "Word Race" }
func (w *WordRace) Description() string {
	return "Guess letters in turn; shout !word anytime to claim the win."
}

func (w *WordRace) MinPlayers() int   { return 2 }
func (w *WordRace) MaxPlayers() int   { return 6 }
func (w *WordRace) IdealPlayers() int { return 4 }

func (w *WordRace) AutoFillWait() time.Duration         { return 90 * time.Second }
func (w *WordRace) AutoFillPolicy() game.AutoFillPolicy { return game.AutoFillWithBots }
func (w *WordRace) AllowMidGameQuit() bool              { return true }
func (w *WordRace) SupportsAutonomousPlay() bool        { return true }

// OutOfTurnKinds admits free text from any seat: whole-word claims are legal
// off turn, and Validate rejects off-turn letter guesses itself.
func (w *WordRace) OutOfTurnKinds() []string { return []string{"text"} }

func (w *WordRace) CreateInitialState(players []model.Player) (json.RawMessage, error) {
	if len(players) < w.MinPlayers() || len(players) > w.MaxPlayers() {
		return nil, fmt.Errorf("word race needs 2-6 players, got %d", len(players))
	}
	s := state{
		Word:       w.words[w.rng.Intn(len(w.words))],
		Scores:     make(map[string]int),
		ClaimedOut: make(map[string]bool),
	}
	for _, p := range players {
		s.Order = append(s.Order, p.ID)
		s.Scores[p.ID] = 0
	}
	return json.Marshal(s)
}

// CurrentActor defers to the host's seating order.
func (w *WordRace) CurrentActor(raw json.RawMessage) (string, error) {
	return "", nil
}

func (w *WordRace) Validate(raw json.RawMessage, actorID string, in model.Interaction) error {
	s, err := decode(raw)
	if err != nil {
		return err
	}

	text := normalize(in.Payload)
	if claim, ok := strings.CutPrefix(text, "!"); ok {
		if s.ClaimedOut[actorID] {
			return fmt.Errorf("you already used your claim")
		}
		if claim == "" {
			return fmt.Errorf("claim the word like !example")
		}
		return nil
	}

	// Letter guesses are on-turn only.
	if !in.OnTurn {
		return fmt.Errorf("wait for your turn to guess a letter")
	}
	if len(text) != 1 || !unicode.IsLetter(rune(text[0])) {
		return fmt.Errorf("guess a single letter, or claim with !word")
	}
	if strings.ContainsRune(s.Guessed, rune(text[0])) {
		return fmt.Errorf("%q was already tried", text)
	}
	return nil
}

func (w *WordRace) Apply(raw json.RawMessage, actorID string, in model.Interaction) (*game.ApplyResult, error) {
	s, err := decode(raw)
	if err != nil {
		return nil, err
	}

	text := normalize(in.Payload)
	if claim, ok := strings.CutPrefix(text, "!"); ok {
		return w.applyClaim(s, actorID, claim, in.OnTurn)
	}
	if !in.OnTurn {
		return nil, fmt.Errorf("not %s's turn", actorID)
	}
	return w.applyLetter(s, actorID, text)
}

func (w *WordRace) applyClaim(s *state, actorID, claim string, onTurn bool) (*game.ApplyResult, error) {
	if claim == s.Word {
		out, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		return &game.ApplyResult{State: out, Ended: true, WinnerID: actorID}, nil
	}

	s.ClaimedOut[actorID] = true
	res := &game.ApplyResult{}
	// A wrong claim on your own turn forfeits it.
	if onTurn {
		res.AdvanceTurn = true
		s.Bonus = false
	}
	out, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	res.State = out
	return res, nil
}

func (w *WordRace) applyLetter(s *state, actorID, letter string) (*game.ApplyResult, error) {
	if len(letter) != 1 {
		return nil, fmt.Errorf("invalid letter %q", letter)
	}
	if strings.Contains(s.Guessed, letter) {
		return nil, fmt.Errorf("%q was already tried", letter)
	}

	s.Guessed += letter
	hits := strings.Count(s.Word, letter)
	res := &game.ApplyResult{}

	if hits > 0 {
		s.Scores[actorID] += hits
		if s.revealed() {
			// Fully uncovered by guessing: best letter score takes it.
			res.Ended = true
			res.WinnerID, res.Draw = s.leader()
		} else {
			// Same player owes a bonus guess.
			s.Bonus = true
			res.AwaitInput = true
		}
	} else {
		s.Bonus = false
		res.AdvanceTurn = true
	}

	out, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	res.State = out
	return res, nil
}

func (w *WordRace) Render(raw json.RawMessage, players []model.Player, currentID string) (*model.View, error) {
	s, err := decode(raw)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(players))
	for _, p := range players {
		names[p.ID] = p.DisplayName
	}

	var b strings.Builder
	b.WriteString("Word Race\n\n")
	b.WriteString(s.mask())
	b.WriteString("\n\n")
	if s.Guessed != "" {
		fmt.Fprintf(&b, "Tried: %s\n", strings.Join(strings.Split(s.Guessed, ""), " "))
	}
	for _, id := range s.Order {
		name := names[id]
		if name == "" {
			name = id
		}
		fmt.Fprintf(&b, "%s — %d", name, s.Scores[id])
		if id == currentID {
			if s.Bonus {
				b.WriteString(" ← bonus guess")
			} else {
				b.WriteString(" ← guessing")
			}
		}
		if s.ClaimedOut[id] {
			b.WriteString(" (claim spent)")
		}
		b.WriteString("\n")
	}
	b.WriteString("\nType a letter on your turn, or !word to claim.")

	return &model.View{Text: b.String()}, nil
}

// ChooseAutonomousMove guesses the most frequent untried letter.
func (w *WordRace) ChooseAutonomousMove(raw json.RawMessage, actorID string) (*model.Interaction, error) {
	s, err := decode(raw)
	if err != nil {
		return nil, err
	}

	for _, r := range frequencyOrder {
		if !strings.ContainsRune(s.Guessed, r) {
			return &model.Interaction{Kind: "text", ActorID: actorID, Payload: string(r)}, nil
		}
	}
	return nil, fmt.Errorf("no letters left to guess")
}

func decode(raw json.RawMessage) (*state, error) {
	var s state
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	if s.Scores == nil {
		s.Scores = make(map[string]int)
	}
	if s.ClaimedOut == nil {
		s.ClaimedOut = make(map[string]bool)
	}
	return &s, nil
}

func normalize(payload string) string {
	return strings.ToLower(strings.TrimSpace(payload))
}

// mask renders the word with unguessed letters hidden.
func (s *state) mask() string {
	var b strings.Builder
	for i, r := range s.Word {
		if i > 0 {
			b.WriteByte(' ')
		}
		if strings.ContainsRune(s.Guessed, r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// revealed reports whether every letter of the word has been guessed.
func (s *state) revealed() bool {
	for _, r := range s.Word {
		if !strings.ContainsRune(s.Guessed, r) {
			return false
		}
	}
	return true
}

// leader returns the top scorer, flagging a draw on a tie for first.
func (s *state) leader() (string, bool) {
	best, bestScore, tied := "", -1, false
	for _, id := range s.Order {
		sc := s.Scores[id]
		switch {
		case sc > bestScore:
			best, bestScore, tied = id, sc, false
		case sc == bestScore:
			tied = true
		}
	}
	if tied {
		return "", true
	}
	return best, false
}
