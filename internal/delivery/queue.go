package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"chat-game-host/internal/model"
)

// Config holds the queue's rate, retry, and eviction settings.
type Config struct {
	// SweepInterval is how often due entries are retried.
	SweepInterval time.Duration
	// EditInterval is the minimum gap between deliveries for one message key.
	EditInterval time.Duration
	// MaxAttempts evicts an entry once its attempt counter exceeds it.
	MaxAttempts int
	// MaxAge evicts an entry once it has been queued this long.
	MaxAge time.Duration
	// MaxEntries bounds the queue; the oldest entries are evicted first.
	MaxEntries int
	// BackoffBase is the first retry delay; doubled per attempt.
	BackoffBase time.Duration
	// BackoffCap is the largest retry delay.
	BackoffCap time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 500 * time.Millisecond
	}
	if c.EditInterval <= 0 {
		c.EditInterval = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 5 * time.Minute
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 512
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	return c
}

// Update is one render delivery request. A zero Message means "post a new
// message"; OnSent, when set, receives the handle of a freshly posted message.
type Update struct {
	Channel model.ChannelRef
	Message model.MessageRef
	View    model.View
	OnSent  func(model.MessageRef)
}

// key returns the queue key. Pending new-message posts collapse per channel,
// pending edits per (channel, message).
func (u Update) key() string {
	if u.Message.IsZero() {
		return u.Channel.Key() + "/new"
	}
	return u.Channel.Key() + "/" + u.Message.MessageID
}

// queuedEdit is one pending delivery. At most one exists per key; a newer
// render for the same key supersedes the payload rather than stacking.
type queuedEdit struct {
	update        Update
	gen           uint64
	attempt       int
	lastDelay     time.Duration
	nextAttemptAt time.Time
	enqueuedAt    time.Time
}

type keyLimiter struct {
	lim     *rate.Limiter
	lastUse time.Time
}

// Queue is the rate-limited retrying dispatcher.
type Queue struct {
	cfg    Config
	sender Sender
	now    func() time.Time

	mu       sync.Mutex
	entries  map[string]*queuedEdit
	limiters map[string]*keyLimiter

	done chan struct{}
	wg   sync.WaitGroup
}

// NewQueue creates a queue around a sender. Start must be called before
// queued entries are retried.
func NewQueue(sender Sender, cfg Config) *Queue {
	return &Queue{
		cfg:      cfg.withDefaults(),
		sender:   sender,
		now:      time.Now,
		entries:  make(map[string]*queuedEdit),
		limiters: make(map[string]*keyLimiter),
		done:     make(chan struct{}),
	}
}

// SetNow overrides the clock. Test hook.
func (q *Queue) SetNow(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Start launches the periodic sweep.
func (q *Queue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.Sweep()
			case <-q.done:
				return
			}
		}
	}()
}

// Stop halts the sweep loop. Queued entries are abandoned.
func (q *Queue) Stop() {
	close(q.done)
	q.wg.Wait()
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Submit delivers an update. If the key's rate limiter admits it now, the
// delivery is attempted on the caller's goroutine; otherwise the update is
// queued (overwriting any pending payload for the same key) until the
// limiter's next allowed time.
func (q *Queue) Submit(u Update) {
	k := u.key()

	q.mu.Lock()
	now := q.now()
	lim := q.limiter(k, now)

	if _, pending := q.entries[k]; !pending && lim.AllowN(now, 1) {
		q.mu.Unlock()
		if ok, hint := q.attempt(k, u); !ok {
			q.requeue(k, u, 1, hint)
		}
		return
	}

	// Rate limited or already pending: last writer wins for the key.
	if e, ok := q.entries[k]; ok {
		e.update = u
		e.gen++
		q.mu.Unlock()
		return
	}

	r := lim.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now) // only probing the earliest allowed time

	q.entries[k] = &queuedEdit{
		update:        u,
		nextAttemptAt: now.Add(wait),
		enqueuedAt:    now,
	}
	q.evictOverflowLocked()
	q.mu.Unlock()
}

// limiter returns the rate limiter for a key, creating it on first use.
// Callers must hold q.mu.
func (q *Queue) limiter(k string, now time.Time) *rate.Limiter {
	kl, ok := q.limiters[k]
	if !ok {
		kl = &keyLimiter{lim: rate.NewLimiter(rate.Every(q.cfg.EditInterval), 1)}
		q.limiters[k] = kl
	}
	kl.lastUse = now
	return kl.lim
}

// Sweep retries every due entry whose key passes the rate limiter, and
// applies age eviction. Called periodically by Start; exported so tests can
// drive it with a simulated clock.
func (q *Queue) Sweep() {
	type due struct {
		k string
		u Update
		g uint64
		a int
	}

	q.mu.Lock()
	now := q.now()
	var batch []due
	for k, e := range q.entries {
		if now.Sub(e.enqueuedAt) > q.cfg.MaxAge {
			delete(q.entries, k)
			log.Warn().Str("key", k).Int("attempts", e.attempt).
				Msg("Dropping queued edit: exceeded max age")
			continue
		}
		if e.nextAttemptAt.After(now) {
			continue
		}
		if !q.limiter(k, now).AllowN(now, 1) {
			continue
		}
		batch = append(batch, due{k: k, u: e.update, g: e.gen, a: e.attempt})
	}
	// Prune limiters for keys that have gone quiet.
	for k, kl := range q.limiters {
		if _, live := q.entries[k]; !live && now.Sub(kl.lastUse) > q.cfg.MaxAge {
			delete(q.limiters, k)
		}
	}
	q.mu.Unlock()

	for _, d := range batch {
		ok, hint := q.attempt(d.k, d.u)
		q.settle(d.k, d.g, d.a, ok, hint)
	}

	if n := q.Len(); n > 0 {
		log.Debug().Int("queued", n).Msg("Delivery queue sweep complete")
	}
}

// attempt performs one delivery. It reports success (a remote no-op counts)
// and, on failure, the upstream retry-after hint when one was given.
func (q *Queue) attempt(k string, u Update) (bool, time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var err error
	if u.Message.IsZero() {
		var ref model.MessageRef
		ref, err = q.sender.Send(ctx, u.Channel, u.View)
		if err == nil && u.OnSent != nil {
			u.OnSent(ref)
		}
	} else {
		err = q.sender.Edit(ctx, u.Message, u.View)
	}

	if err == nil || errors.Is(err, ErrNoOp) {
		return true, 0
	}

	var rl *RateLimitedError
	if errors.As(err, &rl) {
		log.Debug().Str("key", k).Dur("retry_after", rl.RetryAfter).
			Msg("Delivery rate limited upstream")
		return false, rl.RetryAfter
	}

	log.Debug().Str("key", k).Err(err).Msg("Delivery failed, will retry")
	return false, 0
}

// settle records the outcome of an attempt for a queued entry: removal on
// success, rescheduling with backoff on failure, eviction past MaxAttempts.
// A concurrent Submit that superseded the payload (gen mismatch) keeps the
// entry pending with its fresh payload.
func (q *Queue) settle(k string, gen uint64, prevAttempt int, delivered bool, hint time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[k]
	if !ok {
		return
	}

	if delivered {
		if e.gen == gen {
			delete(q.entries, k)
		}
		// Superseded while in flight: the newer payload stays queued.
		return
	}

	e.attempt = prevAttempt + 1
	if e.attempt > q.cfg.MaxAttempts {
		delete(q.entries, k)
		log.Warn().Str("key", k).Int("attempts", e.attempt).
			Msg("Dropping queued edit: exceeded max attempts")
		return
	}

	delay := q.backoffDelay(e.attempt, hint)
	if delay < e.lastDelay {
		delay = e.lastDelay
	}
	e.lastDelay = delay
	e.nextAttemptAt = q.now().Add(delay)
}

// requeue places a failed immediate Submit into the queue.
func (q *Queue) requeue(k string, u Update, attempt int, hint time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[k]; ok {
		// A newer Submit queued a fresh payload while this one was in
		// flight; the newer payload wins.
		return
	}

	now := q.now()
	delay := q.backoffDelay(attempt, hint)
	q.entries[k] = &queuedEdit{
		update:        u,
		attempt:       attempt,
		lastDelay:     delay,
		nextAttemptAt: now.Add(delay),
		enqueuedAt:    now,
	}
	q.evictOverflowLocked()
}

// backoffDelay computes the retry delay for an attempt: exponential in the
// attempt count, floored by the upstream hint scaled by attempt, capped.
func (q *Queue) backoffDelay(attempt int, hint time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	d := q.cfg.BackoffBase << uint(shift)
	if hint > 0 {
		if h := hint * time.Duration(attempt); h > d {
			d = h
		}
	}
	if d > q.cfg.BackoffCap {
		d = q.cfg.BackoffCap
	}
	return d
}

// evictOverflowLocked drops the oldest entries until the queue fits the
// ceiling. Callers must hold q.mu.
func (q *Queue) evictOverflowLocked() {
	for len(q.entries) > q.cfg.MaxEntries {
		var oldestKey string
		var oldestAt time.Time
		for k, e := range q.entries {
			if oldestKey == "" || e.enqueuedAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.enqueuedAt
			}
		}
		delete(q.entries, oldestKey)
		log.Warn().Str("key", oldestKey).Time("enqueued_at", oldestAt).
			Msg("Dropping queued edit: queue ceiling reached")
	}
}
