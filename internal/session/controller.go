package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"chat-game-host/internal/delivery"
	"chat-game-host/internal/game"
	"chat-game-host/internal/model"
	"chat-game-host/internal/pkg/lock"
	"chat-game-host/internal/store"
)

// Config holds session lifecycle settings.
type Config struct {
	// IdleTTL is the store TTL for live sessions and indices. Writes never
	// use a shorter expiry, so abandoned sessions self-clean.
	IdleTTL time.Duration
	// TombstoneTTL keeps an ended session loadable briefly so late
	// interactions get a "session over" reply instead of silence.
	TombstoneTTL time.Duration
	// AutoplayDelay is the human-like pause before an autonomous move.
	AutoplayDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTTL <= 0 {
		c.IdleTTL = 30 * time.Minute
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = 2 * time.Minute
	}
	if c.AutoplayDelay < 0 {
		c.AutoplayDelay = 0
	} else if c.AutoplayDelay == 0 {
		c.AutoplayDelay = 1500 * time.Millisecond
	}
	return c
}

// Controller owns the lifecycle state machine for one session. All state
// mutation happens inside the per-session critical section: load, validate,
// apply, persist. Rendering is flushed to the delivery queue after the lock
// is released and the new state is durable.
type Controller struct {
	sessionID string
	store     store.Store
	catalog   *game.Catalog
	queue     *delivery.Queue
	locks     *lock.SessionLock
	cfg       Config
	// onEnded lets the router drop its controller reference.
	onEnded func(sessionID string)
}

// pending collects renders produced inside the critical section so they can
// be submitted after the lock is released.
type pending struct {
	updates []delivery.Update
}

// Handle processes one inbound interaction for this session.
func (c *Controller) Handle(ctx context.Context, env model.Envelope) (string, error) {
	p := &pending{}
	var reply string

	err := c.locks.WithLockContext(ctx, c.sessionID, func() error {
		sess, unit, err := c.load(ctx, env.Channel, p)
		if err != nil {
			return err
		}

		switch env.Kind {
		case model.KindJoin:
			reply, err = c.join(ctx, sess, unit, env, p)
		case model.KindMove:
			reply, err = c.move(ctx, sess, unit, env, p)
		case model.KindQuit:
			reply, err = c.quit(ctx, sess, unit, env, p)
		case model.KindCommand:
			reply, err = c.command(ctx, sess, unit, env, p)
		default:
			err = fmt.Errorf("unsupported envelope kind %q", env.Kind)
		}
		return err
	})

	c.submit(p)
	return reply, err
}

// load fetches the session and its game unit. Corruption is fatal to this
// session only: it is removed, the channel is unbound and told to start a
// new game, and the caller sees ErrUnrecoverable.
func (c *Controller) load(ctx context.Context, ch model.ChannelRef, p *pending) (*model.Session, game.Unit, error) {
	sess, err := c.store.Load(ctx, c.sessionID)
	if err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			log.Error().Err(err).Str("session_id", c.sessionID).
				Msg("Session state corrupt, removing")
			if derr := c.store.Delete(ctx, c.sessionID); derr != nil {
				log.Error().Err(derr).Str("session_id", c.sessionID).Msg("Failed to delete corrupt session")
			}
			if uerr := c.store.UnbindChannel(ctx, ch); uerr != nil {
				log.Error().Err(uerr).Str("channel", ch.Key()).Msg("Failed to unbind channel")
			}
			p.updates = append(p.updates, delivery.Update{
				Channel: ch,
				View:    model.View{Text: ErrUnrecoverable.Error()},
			})
			if c.onEnded != nil {
				c.onEnded(c.sessionID)
			}
			return nil, nil, ErrUnrecoverable
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrNoSession
		}
		return nil, nil, err
	}

	unit, err := c.catalog.Create(sess.GameID)
	if err != nil {
		return nil, nil, err
	}
	return sess, unit, nil
}

// saveLive persists a live session and refreshes the TTLs of the channel
// binding and the player indices alongside it. Activity must keep every key
// that references the session alive, not just the session row: a binding that
// lapsed mid-game would let a second session start in the same channel.
func (c *Controller) saveLive(ctx context.Context, sess *model.Session) error {
	if err := c.store.Save(ctx, sess, c.cfg.IdleTTL); err != nil {
		return err
	}
	if err := c.store.BindChannel(ctx, sess.Channel, sess.ID, c.cfg.IdleTTL); err != nil {
		log.Error().Err(err).Str("channel", sess.Channel.Key()).Msg("Failed to refresh channel binding")
	}
	for _, pl := range sess.Players {
		if pl.IsAutonomous || pl.HasLeft {
			continue
		}
		if err := c.store.IndexPlayerSession(ctx, pl.ID, sess.ID, c.cfg.IdleTTL); err != nil {
			log.Error().Err(err).Str("player_id", pl.ID).Msg("Failed to refresh player index")
		}
	}
	return nil
}

func (c *Controller) join(ctx context.Context, sess *model.Session, unit game.Unit, env model.Envelope, p *pending) (string, error) {
	switch sess.Phase {
	case model.PhaseWaitingForPlayers:
	case model.PhaseEnded:
		return "", ErrSessionOver
	default:
		return "", ErrAlreadyStarted
	}

	if sess.PlayerByID(env.ActorID) != nil {
		return "", ErrAlreadyJoined
	}
	if len(sess.Players) >= unit.MaxPlayers() {
		return "", ErrSessionFull
	}

	sess.Players = append(sess.Players, model.Player{
		ID:          env.ActorID,
		DisplayName: env.ActorName,
	})
	sess.LastActivityAt = time.Now()

	if len(sess.Players) >= unit.MaxPlayers() {
		return "", c.start(ctx, sess, unit, p)
	}

	if err := c.saveLive(ctx, sess); err != nil {
		return "", err
	}
	c.renderLobby(sess, unit, p)
	return "", nil
}

// command handles lobby commands: "begin" (creator force-start) and
// "addbots" (fill to the ideal count with autonomous players).
func (c *Controller) command(ctx context.Context, sess *model.Session, unit game.Unit, env model.Envelope, p *pending) (string, error) {
	switch sess.Phase {
	case model.PhaseWaitingForPlayers:
	case model.PhaseEnded:
		return "", ErrSessionOver
	default:
		return "", ErrAlreadyStarted
	}

	if env.ActorID != sess.CreatorID {
		return "", ErrNotAuthorized
	}

	switch env.Payload {
	case "begin":
		if sess.ActivePlayerCount() < unit.MinPlayers() {
			return "", ErrNotEnoughPlayers
		}
		return "", c.start(ctx, sess, unit, p)

	case "addbots":
		if !unit.SupportsAutonomousPlay() {
			return "", ErrNoAutonomousPlay
		}
		c.fillWithBots(sess, unit)
		if sess.ActivePlayerCount() < unit.MinPlayers() {
			return "", ErrNotEnoughPlayers
		}
		return "", c.start(ctx, sess, unit, p)

	default:
		return "", fmt.Errorf("%w: unknown command %q", ErrInvalidMove, env.Payload)
	}
}

// fillWithBots appends autonomous seats up to the unit's ideal count.
func (c *Controller) fillWithBots(sess *model.Session, unit game.Unit) {
	target := unit.IdealPlayers()
	if target > unit.MaxPlayers() {
		target = unit.MaxPlayers()
	}
	if min := unit.MinPlayers(); target < min {
		target = min
	}
	n := 0
	for _, pl := range sess.Players {
		if pl.IsAutonomous {
			n++
		}
	}
	for len(sess.Players) < target {
		n++
		sess.Players = append(sess.Players, model.NewBotPlayer(n))
	}
}

// start transitions the lobby into play and schedules autoplay when the
// opening actor is autonomous.
func (c *Controller) start(ctx context.Context, sess *model.Session, unit game.Unit, p *pending) error {
	state, err := unit.CreateInitialState(sess.Players)
	if err != nil {
		return fmt.Errorf("failed to create initial state: %w", err)
	}

	sess.GameData = state
	sess.Phase = model.PhasePlaying
	sess.TurnIndex = 0
	sess.LastActivityAt = time.Now()

	if err := c.saveLive(ctx, sess); err != nil {
		return err
	}

	log.Info().Str("session_id", sess.ID).Str("game_id", sess.GameID).
		Int("players", len(sess.Players)).Msg("Session started")

	c.renderGame(sess, unit, p)
	c.scheduleAutoplay(sess, unit)
	return nil
}

// currentActorID resolves the acting player: the unit's own pointer wins,
// otherwise the controller's seating order applies. A unit that cannot read
// its own state must not be answered with a seating-order guess.
func (c *Controller) currentActorID(sess *model.Session, unit game.Unit) (string, error) {
	id, err := unit.CurrentActor(sess.GameData)
	if err != nil {
		return "", fmt.Errorf("failed to resolve current actor: %w", err)
	}
	if id != "" {
		return id, nil
	}
	if cur := sess.CurrentPlayer(); cur != nil {
		return cur.ID, nil
	}
	return "", nil
}

func outOfTurnAllowed(unit game.Unit, kind string) bool {
	for _, k := range unit.OutOfTurnKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func (c *Controller) move(ctx context.Context, sess *model.Session, unit game.Unit, env model.Envelope, p *pending) (string, error) {
	switch sess.Phase {
	case model.PhasePlaying, model.PhaseAwaitingInput:
	case model.PhaseWaitingForPlayers:
		return "", ErrNotStarted
	default:
		return "", ErrSessionOver
	}

	seat := sess.PlayerByID(env.ActorID)
	if seat == nil || seat.HasLeft {
		return "", ErrNotInSession
	}

	kind := env.MoveKind
	if kind == "" {
		kind = "move"
	}
	cur, err := c.currentActorID(sess, unit)
	if err != nil {
		return "", err
	}
	in := model.Interaction{
		Kind:    kind,
		ActorID: env.ActorID,
		Payload: env.Payload,
		OnTurn:  cur == env.ActorID,
	}

	if !in.OnTurn && !outOfTurnAllowed(unit, kind) {
		return "", ErrNotYourTurn
	}

	if err := unit.Validate(sess.GameData, env.ActorID, in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMove, err)
	}

	res, err := unit.Apply(sess.GameData, env.ActorID, in)
	if err != nil {
		return "", fmt.Errorf("failed to apply interaction: %w", err)
	}

	return "", c.applyResult(ctx, sess, unit, res, p)
}

// applyResult persists the outcome of an accepted interaction and moves the
// state machine: terminal outcomes end the session, AwaitInput enters the
// sub-state, AdvanceTurn wraps to the next active seat.
func (c *Controller) applyResult(ctx context.Context, sess *model.Session, unit game.Unit, res *game.ApplyResult, p *pending) error {
	sess.GameData = res.State
	sess.LastActivityAt = time.Now()

	if res.Ended {
		return c.end(ctx, sess, unit, outcomeText(sess, res), true, p)
	}

	if res.AwaitInput {
		sess.Phase = model.PhaseAwaitingInput
	} else {
		sess.Phase = model.PhasePlaying
	}
	if res.AdvanceTurn {
		sess.AdvanceTurn()
	}

	if err := c.saveLive(ctx, sess); err != nil {
		return err
	}

	c.renderGame(sess, unit, p)
	c.scheduleAutoplay(sess, unit)
	return nil
}

func outcomeText(sess *model.Session, res *game.ApplyResult) string {
	if res.Draw || res.WinnerID == "" {
		return "Game over: it's a draw."
	}
	if w := sess.PlayerByID(res.WinnerID); w != nil {
		return fmt.Sprintf("Game over: %s wins!", w.DisplayName)
	}
	return "Game over."
}

func (c *Controller) quit(ctx context.Context, sess *model.Session, unit game.Unit, env model.Envelope, p *pending) (string, error) {
	if sess.Phase == model.PhaseEnded {
		return "", ErrSessionOver
	}

	seat := sess.PlayerByID(env.ActorID)
	if seat == nil {
		return "", ErrNotInSession
	}

	// A non-creator leaving the lobby just gives up their seat.
	if sess.Phase == model.PhaseWaitingForPlayers && env.ActorID != sess.CreatorID {
		players := sess.Players[:0]
		for _, pl := range sess.Players {
			if pl.ID != env.ActorID {
				players = append(players, pl)
			}
		}
		sess.Players = players
		if err := c.store.RemovePlayerSession(ctx, env.ActorID, sess.ID); err != nil {
			log.Error().Err(err).Str("player_id", env.ActorID).Msg("Failed to unindex player")
		}
		if err := c.saveLive(ctx, sess); err != nil {
			return "", err
		}
		c.renderLobby(sess, unit, p)
		return "", nil
	}

	// Mid-game "leave": the seat is kept for scoring but skipped by turn
	// advancement. The game continues while enough players remain.
	if env.Payload == "leave" && sess.Phase != model.PhaseWaitingForPlayers {
		if seat.HasLeft {
			return "", ErrNotInSession
		}
		cur, err := c.currentActorID(sess, unit)
		if err != nil {
			return "", err
		}
		wasCurrent := cur == env.ActorID
		seat.HasLeft = true
		if err := c.store.RemovePlayerSession(ctx, env.ActorID, sess.ID); err != nil {
			log.Error().Err(err).Str("player_id", env.ActorID).Msg("Failed to unindex player")
		}

		if sess.ActivePlayerCount() < unit.MinPlayers() || sess.HumanPlayerCount() == 0 {
			return "", c.end(ctx, sess, unit,
				fmt.Sprintf("Game ended: %s left and too few players remain.", seat.DisplayName), true, p)
		}

		if wasCurrent {
			sess.AdvanceTurn()
		}
		sess.LastActivityAt = time.Now()
		if err := c.saveLive(ctx, sess); err != nil {
			return "", err
		}
		c.renderGame(sess, unit, p)
		c.scheduleAutoplay(sess, unit)
		return "", nil
	}

	// Cancel: forces ENDED immediately, skipping end-of-game accounting.
	authorized := env.ActorID == sess.CreatorID ||
		(unit.AllowMidGameQuit() && !seat.HasLeft)
	if !authorized {
		return "", ErrNotAuthorized
	}
	return "", c.end(ctx, sess, unit,
		fmt.Sprintf("Game ended by %s.", seat.DisplayName), false, p)
}

// end moves the session to its terminal phase: the channel binding and player
// indices are released, a short-lived tombstone keeps late interactions
// answerable, and a final render is still delivered.
func (c *Controller) end(ctx context.Context, sess *model.Session, unit game.Unit, closing string, renderBoard bool, p *pending) error {
	sess.Phase = model.PhaseEnded
	sess.LastActivityAt = time.Now()

	if err := c.store.Save(ctx, sess, c.cfg.TombstoneTTL); err != nil {
		return err
	}
	if err := c.store.UnbindChannel(ctx, sess.Channel); err != nil {
		log.Error().Err(err).Str("channel", sess.Channel.Key()).Msg("Failed to unbind channel")
	}
	for _, pl := range sess.Players {
		if pl.IsAutonomous {
			continue
		}
		if err := c.store.RemovePlayerSession(ctx, pl.ID, sess.ID); err != nil {
			log.Error().Err(err).Str("player_id", pl.ID).Msg("Failed to unindex player")
		}
	}

	text := closing
	if renderBoard && unit != nil && len(sess.GameData) > 0 {
		if view, err := unit.Render(sess.GameData, sess.Players, ""); err == nil {
			text = view.Text + "\n\n" + closing
		}
	}
	c.render(sess, model.View{Text: text}, p)

	log.Info().Str("session_id", sess.ID).Str("game_id", sess.GameID).Msg("Session ended")
	if c.onEnded != nil {
		c.onEnded(c.sessionID)
	}
	return nil
}

// scheduleAutoplay defers an autonomous move when the next actor is a bot.
// The deferred task re-validates against freshly loaded state, so a session
// that ends (or whose turn shifts) before it fires makes it a no-op.
func (c *Controller) scheduleAutoplay(sess *model.Session, unit game.Unit) {
	if sess.Phase != model.PhasePlaying && sess.Phase != model.PhaseAwaitingInput {
		return
	}
	if !unit.SupportsAutonomousPlay() {
		return
	}
	cur, err := c.currentActorID(sess, unit)
	if err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("Autoplay scheduling skipped")
		return
	}
	seat := sess.PlayerByID(cur)
	if seat == nil || !seat.IsAutonomous || seat.HasLeft {
		return
	}

	expected := cur
	time.AfterFunc(c.cfg.AutoplayDelay, func() {
		c.RunAutonomousTurn(context.Background(), expected)
	})
}

// RunAutonomousTurn applies one deferred autonomous move. It reloads the
// session inside the critical section and backs off silently when the
// session has ended, disappeared, or the expected actor no longer acts.
func (c *Controller) RunAutonomousTurn(ctx context.Context, expectedActor string) {
	p := &pending{}
	err := c.locks.WithLockContext(ctx, c.sessionID, func() error {
		sess, err := c.store.Load(ctx, c.sessionID)
		if err != nil {
			return nil // ended or evicted since scheduling
		}
		if sess.Phase != model.PhasePlaying && sess.Phase != model.PhaseAwaitingInput {
			return nil
		}
		unit, err := c.catalog.Create(sess.GameID)
		if err != nil {
			return nil
		}
		cur, err := c.currentActorID(sess, unit)
		if err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("Autonomous turn skipped")
			return nil
		}
		seat := sess.PlayerByID(cur)
		if cur != expectedActor || seat == nil || !seat.IsAutonomous || seat.HasLeft {
			return nil
		}

		in, err := unit.ChooseAutonomousMove(sess.GameData, cur)
		if err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("Autonomous move selection failed")
			return nil
		}
		in.OnTurn = true
		res, err := unit.Apply(sess.GameData, cur, *in)
		if err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("Autonomous move apply failed")
			return nil
		}
		return c.applyResult(ctx, sess, unit, res, p)
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", c.sessionID).Msg("Autonomous turn failed")
	}
	c.submit(p)
}

// RunAutoFill fires when the lobby wait window lapses. The unit's policy
// decides between filling with bots and cancelling; a session that already
// started (or ended) makes it a no-op.
func (c *Controller) RunAutoFill(ctx context.Context) {
	p := &pending{}
	err := c.locks.WithLockContext(ctx, c.sessionID, func() error {
		sess, err := c.store.Load(ctx, c.sessionID)
		if err != nil {
			return nil
		}
		if sess.Phase != model.PhaseWaitingForPlayers {
			return nil
		}
		unit, err := c.catalog.Create(sess.GameID)
		if err != nil {
			return nil
		}

		if unit.AutoFillPolicy() == game.AutoFillWithBots && unit.SupportsAutonomousPlay() {
			c.fillWithBots(sess, unit)
			if sess.ActivePlayerCount() >= unit.MinPlayers() {
				log.Info().Str("session_id", sess.ID).Msg("Lobby wait lapsed, filling with bots")
				return c.start(ctx, sess, unit, p)
			}
		}
		return c.end(ctx, sess, unit, "Game cancelled: not enough players joined.", false, p)
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", c.sessionID).Msg("Auto-fill failed")
	}
	c.submit(p)
}

// Resume reschedules the session's deferred work from persisted state: the
// lobby wait window for a WAITING session (with whatever time remains), an
// autonomous move when the current actor is a bot. In-process timers do not
// survive a restart, so a rebuilt controller must not trust them; the deferred
// tasks re-validate against fresh state, so a duplicate schedule is harmless.
func (c *Controller) Resume(ctx context.Context) {
	sess, err := c.store.Load(ctx, c.sessionID)
	if err != nil {
		return
	}
	unit, err := c.catalog.Create(sess.GameID)
	if err != nil {
		return
	}

	switch sess.Phase {
	case model.PhaseWaitingForPlayers:
		wait := unit.AutoFillWait()
		if wait <= 0 {
			return
		}
		remaining := time.Until(sess.CreatedAt.Add(wait))
		if remaining < 0 {
			remaining = 0
		}
		time.AfterFunc(remaining, func() {
			c.RunAutoFill(context.Background())
		})

	case model.PhasePlaying, model.PhaseAwaitingInput:
		c.scheduleAutoplay(sess, unit)
	}
}

// renderLobby builds the waiting-room view.
func (c *Controller) renderLobby(sess *model.Session, unit game.Unit, p *pending) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s — waiting for players (%d/%d, need %d)\n",
		unit.Name(), len(sess.Players), unit.MaxPlayers(), unit.MinPlayers())
	for _, pl := range sess.Players {
		fmt.Fprintf(&b, "• %s\n", pl.DisplayName)
	}
	b.WriteString("\nTap Join to play.")

	buttons := [][]model.Button{{
		{Label: "Join", Data: "join:"},
		{Label: "Start", Data: "begin:"},
	}}
	if unit.SupportsAutonomousPlay() {
		buttons[0] = append(buttons[0], model.Button{Label: "Add bots", Data: "addbots:"})
	}

	c.render(sess, model.View{Text: b.String(), Buttons: buttons}, p)
}

// renderGame builds the in-play view via the unit.
func (c *Controller) renderGame(sess *model.Session, unit game.Unit, p *pending) {
	cur, err := c.currentActorID(sess, unit)
	if err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("Render failed")
		return
	}
	view, err := unit.Render(sess.GameData, sess.Players, cur)
	if err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("Render failed")
		return
	}
	c.render(sess, *view, p)
}

// render queues a view for delivery: an edit of the session's rendered
// message when one exists, otherwise a fresh send whose handle is recorded.
func (c *Controller) render(sess *model.Session, view model.View, p *pending) {
	u := delivery.Update{
		Channel: sess.Channel,
		View:    view,
	}
	if !sess.RenderedMessage.IsZero() {
		u.Message = sess.RenderedMessage
	} else {
		u.OnSent = c.recordMessageRef()
	}
	p.updates = append(p.updates, u)
}

// recordMessageRef persists the handle of the first rendered message so later
// renders become edits.
func (c *Controller) recordMessageRef() func(model.MessageRef) {
	return func(ref model.MessageRef) {
		ctx := context.Background()
		err := c.locks.WithLockContext(ctx, c.sessionID, func() error {
			sess, err := c.store.Load(ctx, c.sessionID)
			if err != nil {
				return nil
			}
			if !sess.RenderedMessage.IsZero() {
				return nil
			}
			sess.RenderedMessage = ref
			if sess.Phase == model.PhaseEnded {
				return c.store.Save(ctx, sess, c.cfg.TombstoneTTL)
			}
			return c.saveLive(ctx, sess)
		})
		if err != nil {
			log.Error().Err(err).Str("session_id", c.sessionID).Msg("Failed to record message ref")
		}
	}
}

// submit flushes pending renders to the delivery queue outside the critical
// section: state is already durable, delivery must never block or undo it.
func (c *Controller) submit(p *pending) {
	for _, u := range p.updates {
		c.queue.Submit(u)
	}
}
