package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chat-game-host/internal/delivery"
	"chat-game-host/internal/game"
	"chat-game-host/internal/model"
	"chat-game-host/internal/pkg/lock"
	"chat-game-host/internal/store"
)

// Router maps inbound envelopes onto session controllers. It owns session
// creation (including the one-live-session-per-channel rule) and keeps a
// controller per live session; everything after resolution is delegated.
type Router struct {
	store   store.Store
	catalog *game.Catalog
	queue   *delivery.Queue
	locks   *lock.SessionLock
	cfg     Config

	mu          sync.RWMutex
	controllers map[string]*Controller

	// newID is swappable for deterministic tests.
	newID func() string
}

// NewRouter builds a router over the given store, catalog and delivery queue.
func NewRouter(st store.Store, catalog *game.Catalog, queue *delivery.Queue, cfg Config) *Router {
	return &Router{
		store:       st,
		catalog:     catalog,
		queue:       queue,
		locks:       lock.NewSessionLock(),
		cfg:         cfg.withDefaults(),
		controllers: make(map[string]*Controller),
		newID:       uuid.NewString,
	}
}

// Handle routes one inbound interaction. The returned string, when non-empty,
// is an ephemeral reply to the acting player (validation feedback); shared
// state changes reach the channel through the delivery queue instead.
func (r *Router) Handle(ctx context.Context, env model.Envelope) (string, error) {
	if env.Kind == model.KindCommand && env.Payload == "start" {
		return "", r.createSession(ctx, env)
	}

	sessionID, err := r.resolve(ctx, env)
	if err != nil {
		return "", err
	}
	return r.controller(sessionID).Handle(ctx, env)
}

// createSession starts a new lobby in the envelope's channel. The channel
// lock makes the busy check and the binding atomic against racing starters.
func (r *Router) createSession(ctx context.Context, env model.Envelope) error {
	unit, err := r.catalog.Create(env.GameID)
	if err != nil {
		return err
	}

	var sess *model.Session
	err = r.locks.WithLockContext(ctx, "channel:"+env.Channel.Key(), func() error {
		if _, err := r.store.ChannelSession(ctx, env.Channel); err == nil {
			return ErrChannelBusy
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		now := time.Now()
		sess = &model.Session{
			ID:        r.newID(),
			GameID:    env.GameID,
			Channel:   env.Channel,
			CreatorID: env.ActorID,
			Players: []model.Player{{
				ID:          env.ActorID,
				DisplayName: env.ActorName,
			}},
			Phase:          model.PhaseWaitingForPlayers,
			CreatedAt:      now,
			LastActivityAt: now,
		}

		if err := r.store.Save(ctx, sess, r.cfg.IdleTTL); err != nil {
			return err
		}
		if err := r.store.BindChannel(ctx, env.Channel, sess.ID, r.cfg.IdleTTL); err != nil {
			return err
		}
		return r.store.IndexPlayerSession(ctx, env.ActorID, sess.ID, r.cfg.IdleTTL)
	})
	if err != nil {
		return err
	}

	log.Info().Str("session_id", sess.ID).Str("game_id", sess.GameID).
		Str("channel", env.Channel.Key()).Msg("Session created")

	// controller() resumes the fresh session, which schedules the lobby
	// wait window.
	ctrl := r.controller(sess.ID)

	p := &pending{}
	ctrl.renderLobby(sess, unit, p)
	ctrl.submit(p)
	return nil
}

// resolve finds the session an envelope belongs to: an explicit session id
// (button data) wins, then the channel binding, then the actor's player
// index for free-text moves typed in the session's channel.
func (r *Router) resolve(ctx context.Context, env model.Envelope) (string, error) {
	if env.SessionID != "" {
		return env.SessionID, nil
	}

	id, err := r.store.ChannelSession(ctx, env.Channel)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	// The channel binding is released on game end before the tombstone
	// expires, so fall back to the actor's own sessions.
	ids, err := r.store.ListPlayerSessions(ctx, env.ActorID)
	if err != nil {
		return "", err
	}
	for _, sid := range ids {
		sess, err := r.store.Load(ctx, sid)
		if err != nil {
			continue
		}
		if sess.Channel == env.Channel {
			return sid, nil
		}
	}
	return "", ErrNoSession
}

// controller returns the keyed controller, creating it on first use. A
// restarted host rebuilds controllers lazily from the store; a freshly built
// controller resumes the session's deferred timers, since the previous
// process's AfterFuncs died with it.
func (r *Router) controller(sessionID string) *Controller {
	r.mu.RLock()
	ctrl, ok := r.controllers[sessionID]
	r.mu.RUnlock()
	if ok {
		return ctrl
	}

	r.mu.Lock()
	if ctrl, ok = r.controllers[sessionID]; ok {
		r.mu.Unlock()
		return ctrl
	}
	ctrl = &Controller{
		sessionID: sessionID,
		store:     r.store,
		catalog:   r.catalog,
		queue:     r.queue,
		locks:     r.locks,
		cfg:       r.cfg,
		onEnded:   r.release,
	}
	r.controllers[sessionID] = ctrl
	r.mu.Unlock()

	go ctrl.Resume(context.Background())
	return ctrl
}

// release drops the controller for an ended session.
func (r *Router) release(sessionID string) {
	r.mu.Lock()
	delete(r.controllers, sessionID)
	r.mu.Unlock()
}
