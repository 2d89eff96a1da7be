// Package telegram adapts Telegram traffic to and from the session router:
// inbound commands, free text and button callbacks become envelopes, and
// rendered views flow back out through the delivery queue.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"chat-game-host/internal/config"
	"chat-game-host/internal/game"
	"chat-game-host/internal/model"
	"chat-game-host/internal/session"
)

const platform = "telegram"

// Bot wraps the telebot instance and routes updates into the session layer.
type Bot struct {
	bot     *tele.Bot
	cfg     *config.Config
	router  *session.Router
	catalog *game.Catalog
}

// NewClient creates the underlying telebot instance. It is created separately
// so the delivery sender can share it with the Bot.
func NewClient(cfg *config.Config) (*tele.Bot, error) {
	if cfg.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	pref := tele.Settings{
		Token:  cfg.Bot.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return teleBot, nil
}

// New creates a Bot over the given router and catalog.
func New(cfg *config.Config, teleBot *tele.Bot, router *session.Router, catalog *game.Catalog) (*Bot, error) {
	b := &Bot{
		bot:     teleBot,
		cfg:     cfg,
		router:  router,
		catalog: catalog,
	}

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

func (b *Bot) registerMiddleware() {
	b.bot.Use(WhitelistMiddleware(b.cfg))
	b.bot.Use(LoggingMiddleware())
	b.bot.Use(RecoveryMiddleware())
}

func (b *Bot) registerHandlers() {
	b.bot.Handle("/games", b.handleGames)
	b.bot.Handle("/play", b.handlePlay)
	b.bot.Handle("/join", b.command(model.KindJoin, ""))
	b.bot.Handle("/begin", b.command(model.KindCommand, "begin"))
	b.bot.Handle("/addbots", b.command(model.KindCommand, "addbots"))
	b.bot.Handle("/leave", b.command(model.KindQuit, "leave"))
	b.bot.Handle("/cancel", b.command(model.KindQuit, "cancel"))

	b.bot.Handle(tele.OnCallback, b.handleCallback)
	b.bot.Handle(tele.OnText, b.handleText)
}

// envelope fills the common fields from a telebot context.
func envelope(c tele.Context) model.Envelope {
	env := model.Envelope{
		Channel: model.ChannelRef{
			Platform:  platform,
			ChannelID: strconv.FormatInt(c.Chat().ID, 10),
		},
	}
	if s := c.Sender(); s != nil {
		env.ActorID = strconv.FormatInt(s.ID, 10)
		env.ActorName = displayName(s)
	}
	return env
}

func displayName(u *tele.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	if name == "" {
		name = strconv.FormatInt(u.ID, 10)
	}
	return name
}

// handleGames lists the registered games.
func (b *Bot) handleGames(c tele.Context) error {
	var sb strings.Builder
	sb.WriteString("Available games:\n")
	for _, id := range b.catalog.IDs() {
		unit, err := b.catalog.Create(id)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "/play %s — %s: %s\n", id, unit.Name(), unit.Description())
	}
	return c.Reply(sb.String())
}

// handlePlay starts a new lobby: /play <game>.
func (b *Bot) handlePlay(c tele.Context) error {
	args := c.Args()
	if len(args) == 0 {
		return b.handleGames(c)
	}

	env := envelope(c)
	env.Kind = model.KindCommand
	env.Payload = "start"
	env.GameID = strings.ToLower(args[0])

	return b.dispatch(c, env)
}

// command builds a handler for fixed-kind envelopes.
func (b *Bot) command(kind model.EnvelopeKind, payload string) tele.HandlerFunc {
	return func(c tele.Context) error {
		env := envelope(c)
		env.Kind = kind
		env.Payload = payload
		return b.dispatch(c, env)
	}
}

// handleCallback maps button presses. Button data is "<kind>:<payload>";
// lobby buttons carry join/begin/addbots, everything else is a game move.
func (b *Bot) handleCallback(c tele.Context) error {
	callback := c.Callback()
	if callback == nil {
		return nil
	}

	// Telebot v3 may add a \f prefix to callback data
	data := strings.TrimPrefix(callback.Data, "\f")

	kind, payload, _ := strings.Cut(data, ":")

	env := envelope(c)
	switch kind {
	case "join":
		env.Kind = model.KindJoin
	case "begin", "addbots":
		env.Kind = model.KindCommand
		env.Payload = kind
	default:
		env.Kind = model.KindMove
		env.MoveKind = kind
		env.Payload = payload
	}

	reply, herr := b.router.Handle(context.Background(), env)
	err := b.handleResult(c, reply, herr)
	// Always answer the callback so the client stops its spinner.
	_ = c.Respond()
	return err
}

// handleText feeds free text into games that accept it. Channels with no
// running session stay silent.
func (b *Bot) handleText(c tele.Context) error {
	text := strings.TrimSpace(c.Text())
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}

	env := envelope(c)
	env.Kind = model.KindMove
	env.MoveKind = "text"
	env.Payload = text

	reply, err := b.router.Handle(context.Background(), env)
	if err != nil {
		// Ordinary chatter in a channel without a game is not an error.
		if errors.Is(err, session.ErrNoSession) {
			return nil
		}
		return b.replyError(c, err)
	}
	if reply != "" {
		return c.Reply(reply)
	}
	return nil
}

func (b *Bot) dispatch(c tele.Context, env model.Envelope) error {
	reply, err := b.router.Handle(context.Background(), env)
	return b.handleResult(c, reply, err)
}

func (b *Bot) handleResult(c tele.Context, reply string, err error) error {
	if err != nil {
		return b.replyError(c, err)
	}
	if reply != "" {
		return c.Reply(reply)
	}
	return nil
}

// replyError relays validation failures to the actor and hides internals.
func (b *Bot) replyError(c tele.Context, err error) error {
	if session.IsValidation(err) || errors.Is(err, game.ErrUnknownGame) ||
		errors.Is(err, session.ErrUnrecoverable) {
		return c.Reply(capitalize(err.Error()))
	}
	log.Error().Err(err).Int64("chat_id", c.Chat().ID).Msg("Failed to handle update")
	return c.Reply("Something went wrong, please try again.")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Start begins long polling. It blocks until Stop is called.
func (b *Bot) Start() {
	log.Info().Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}

