package pool

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/events"
	"github.com/placehunter/extraction-engine/internal/extraction"
)

// ErrDrained is returned by Acquire once the pool has been shut down.
var ErrDrained = errors.New("bot pool drained")

// Config sizes the pool and bounds session initialization.
type Config struct {
	// Size is the number of concurrent sessions. Defaults to 3.
	Size int
	// InitRetries is the open-attempt budget per session. Defaults to 3.
	InitRetries int
	// Stagger spreads parallel session opens over a random delay in
	// [0, Stagger) so the driver is not thundered. Defaults to 2s.
	Stagger time.Duration
	// Backoff paces retries of failed opens.
	Backoff extraction.ExponentialBackoff
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = extraction.DefaultMaxBots
	}
	if c.InitRetries <= 0 {
		c.InitRetries = 3
	}
	if c.Stagger <= 0 {
		c.Stagger = 2 * time.Second
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff = extraction.NewExponentialBackoff()
	}
	return c
}

// Bot couples one driver session with its pool bookkeeping. ID and the
// session are fixed once the bot reaches the free set; status and task
// assignment are guarded by the pool mutex.
type Bot struct {
	id      string
	session extraction.Session
	status  extraction.BotStatus
	taskID  string
}

// ID returns the stable bot identifier.
func (b *Bot) ID() string { return b.id }

// Session returns the underlying driver session.
func (b *Bot) Session() extraction.Session { return b.session }

// Pool owns the live bots. free holds idle bots oldest-release first;
// waiters holds blocked Acquire calls in arrival order.
type Pool struct {
	cfg    Config
	driver extraction.Driver
	bus    *events.Bus
	ids    extraction.IDGenerator
	clock  extraction.Clock
	logger *zap.Logger

	mu      sync.Mutex
	bots    []*Bot
	free    []*Bot
	waiters []chan *Bot
	drained bool
	stop    chan struct{}
}

// New constructs an empty pool. Initialize must run before Acquire.
func New(cfg Config, driver extraction.Driver, bus *events.Bus, ids extraction.IDGenerator, clock extraction.Clock, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:    cfg.withDefaults(),
		driver: driver,
		bus:    bus,
		ids:    ids,
		clock:  clock,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Initialize opens cfg.Size sessions in parallel, staggered so opens do not
// land at once. Every session gets the full retry budget; if any session
// still cannot open, the already-opened ones are closed and a fatal error is
// returned so no work begins on a partial pool.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return ErrDrained
	}
	bots := make([]*Bot, p.cfg.Size)
	for i := range bots {
		bots[i] = &Bot{
			id:     "bot-" + p.ids.NewID(),
			status: extraction.BotInitializing,
		}
	}
	p.bots = bots
	p.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(bots))
	for i, bot := range bots {
		wg.Add(1)
		go func(i int, bot *Bot) {
			defer wg.Done()
			select {
			case <-time.After(randomDelay(p.cfg.Stagger)):
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			session, err := p.openWithRetry(ctx)
			if err != nil {
				errs[i] = err
				p.mu.Lock()
				bot.status = extraction.BotErrored
				p.mu.Unlock()
				return
			}
			p.mu.Lock()
			bot.session = session
			bot.status = extraction.BotIdle
			p.free = append(p.free, bot)
			p.mu.Unlock()
			p.publishBot(events.BotInitialized, bot)
		}(i, bot)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		if derr := p.Drain(ctx); derr != nil {
			p.logger.Warn("drain after failed initialization", zap.Error(derr))
		}
		return extraction.Fatal(fmt.Errorf("pool initialization failed: %w", err))
	}
	return nil
}

func (p *Pool) openWithRetry(ctx context.Context) (extraction.Session, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.InitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.cfg.Backoff.Backoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		session, err := p.driver.Open(ctx)
		if err == nil {
			return session, nil
		}
		lastErr = err
		if extraction.Classify(err) == extraction.FailureCancelled {
			return nil, err
		}
		p.logger.Warn("bot session open failed",
			zap.Int("attempt", attempt+1),
			zap.Int("budget", p.cfg.InitRetries),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("open session after %d attempts: %w", p.cfg.InitRetries, lastErr)
}

// Acquire leases an idle bot, blocking in FIFO order behind earlier callers
// when none is free.
func (p *Pool) Acquire(ctx context.Context) (*Bot, error) {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return nil, ErrDrained
	}
	if len(p.free) > 0 {
		bot := p.free[0]
		p.free = p.free[1:]
		bot.status = extraction.BotProcessing
		p.mu.Unlock()
		return bot, nil
	}
	w := make(chan *Bot, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case bot := <-w:
		return bot, nil
	case <-p.stop:
		return nil, ErrDrained
	case <-ctx.Done():
		p.mu.Lock()
		for i, c := range p.waiters {
			if c == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// A bot may have been handed off while cancellation raced.
		select {
		case bot := <-w:
			p.Release(bot)
		default:
		}
		return nil, fmt.Errorf("acquire canceled: %w", ctx.Err())
	}
}

// Assign records which task a leased bot is working, for status queries.
func (p *Pool) Assign(bot *Bot, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bot.taskID = taskID
}

// Release returns a leased bot to the free set, or hands it directly to the
// first waiter. Releasing into a drained pool closes the session instead.
func (p *Pool) Release(bot *Bot) {
	p.mu.Lock()
	if p.drained {
		alreadyClosed := bot.status == extraction.BotClosed
		bot.status = extraction.BotClosed
		bot.taskID = ""
		p.mu.Unlock()
		if !alreadyClosed && bot.session != nil {
			p.closeSession(bot)
		}
		return
	}
	bot.taskID = ""
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		bot.status = extraction.BotProcessing
		p.mu.Unlock()
		w <- bot
		return
	}
	bot.status = extraction.BotIdle
	p.free = append(p.free, bot)
	p.mu.Unlock()
}

// Replace destroys a crashed bot's session and opens a fresh one in its
// place, keeping the configured pool size. The caller keeps the lease: the
// returned bot is already acquired. On open failure the pool shrinks and the
// error surfaces to the caller.
func (p *Pool) Replace(ctx context.Context, bot *Bot) (*Bot, error) {
	p.mu.Lock()
	for i, b := range p.bots {
		if b == bot {
			p.bots = append(p.bots[:i], p.bots[i+1:]...)
			break
		}
	}
	bot.status = extraction.BotClosed
	bot.taskID = ""
	p.mu.Unlock()

	if bot.session != nil {
		p.closeSession(bot)
	}

	session, err := p.openWithRetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("replace bot %s: %w", bot.id, err)
	}
	fresh := &Bot{
		id:      "bot-" + p.ids.NewID(),
		session: session,
		status:  extraction.BotProcessing,
	}
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		p.closeSession(fresh)
		return nil, ErrDrained
	}
	p.bots = append(p.bots, fresh)
	p.mu.Unlock()
	p.publishBot(events.BotInitialized, fresh)
	return fresh, nil
}

// Drain closes every live session and rejects future leases. Safe to call
// more than once; later calls return immediately.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return nil
	}
	p.drained = true
	close(p.stop)
	bots := p.bots
	p.bots = nil
	p.free = nil
	p.waiters = nil
	var toClose []*Bot
	for _, bot := range bots {
		if bot.session == nil || bot.status == extraction.BotClosed {
			bot.status = extraction.BotClosed
			continue
		}
		bot.status = extraction.BotClosed
		toClose = append(toClose, bot)
	}
	p.mu.Unlock()

	var firstErr error
	for _, bot := range toClose {
		if err := bot.session.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		p.publishBot(events.BotClosed, bot)
	}
	return firstErr
}

// Infos reports a point-in-time view of every bot in creation order.
func (p *Pool) Infos() []extraction.BotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]extraction.BotInfo, 0, len(p.bots))
	for _, bot := range p.bots {
		infos = append(infos, extraction.BotInfo{
			ID:     bot.id,
			Status: bot.status,
			TaskID: bot.taskID,
		})
	}
	return infos
}

// Total reports how many bots the pool currently owns.
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bots)
}

// Idle reports how many bots are free.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) closeSession(bot *Bot) {
	ctx, cancel := context.WithTimeout(context.Background(), extraction.DefaultTimeouts().Close)
	defer cancel()
	if err := bot.session.Close(ctx); err != nil {
		p.logger.Warn("bot session close failed", zap.String("bot_id", bot.id), zap.Error(err))
	}
	p.publishBot(events.BotClosed, bot)
}

func (p *Pool) publishBot(kind events.Kind, bot *Bot) {
	p.mu.Lock()
	status := bot.status
	p.mu.Unlock()
	p.bus.Publish(events.Event{
		Kind:      kind,
		TS:        p.clock.Now(),
		BotID:     bot.id,
		BotStatus: status,
	})
}

// randomDelay returns a uniform duration in [0, limit).
func randomDelay(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
