// Package orchestrator runs extraction campaigns. A run claims the campaign,
// loads its pending tasks into a queue, initializes a bot pool sized by the
// campaign config, and fans worker goroutines out over the queue. Each task
// is claimed, driven through the browser pipeline, and settled under its own
// unit of work, so a crash mid-run loses at most the in-flight tasks.
package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/blob"
	"github.com/placehunter/extraction-engine/internal/events"
	"github.com/placehunter/extraction-engine/internal/extraction"
	uuidgen "github.com/placehunter/extraction-engine/internal/id/uuid"
	"github.com/placehunter/extraction-engine/internal/pool"
	memqueue "github.com/placehunter/extraction-engine/internal/queue/memory"
)

// Config tunes campaign runs. Zero values take the documented defaults.
type Config struct {
	// MaxAttempts is the claim budget per task before it is failed for good.
	// Defaults to 2.
	MaxAttempts int
	// SnapshotInterval paces live screenshot publishing while a bot works a
	// task. Defaults to 1s.
	SnapshotInterval time.Duration
	// GracePeriod bounds how long cancellation waits for in-flight tasks
	// before the pool is drained out from under them. Defaults to 10s.
	GracePeriod time.Duration
	// PoolInitRetries is the open-attempt budget per session. Defaults to 3.
	PoolInitRetries int
	// PoolStagger spreads parallel session opens. Defaults to 2s.
	PoolStagger time.Duration
	// PoolBackoff paces retries of failed session opens.
	PoolBackoff extraction.ExponentialBackoff
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	return c
}

// Orchestrator coordinates campaign runs over a shared store, driver and
// event bus. It is safe for concurrent runs of distinct campaigns; keeping a
// single run per campaign is the caller's job.
type Orchestrator struct {
	cfg       Config
	store     extraction.Store
	driver    extraction.Driver
	bus       *events.Bus
	snapshots blob.Store
	ids       extraction.IDGenerator
	botIDs    extraction.IDGenerator
	clock     extraction.Clock
	logger    *zap.Logger

	poolMu sync.Mutex
	pools  map[string]*pool.Pool
}

// New constructs an Orchestrator. A nil snapshots store disables archiving.
func New(cfg Config, store extraction.Store, driver extraction.Driver, bus *events.Bus, snapshots blob.Store, ids extraction.IDGenerator, clock extraction.Clock, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if snapshots == nil {
		snapshots = blob.Nop{}
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     store,
		driver:    driver,
		bus:       bus,
		snapshots: snapshots,
		ids:       ids,
		botIDs:    uuidgen.New(),
		clock:     clock,
		logger:    logger.Named("orchestrator"),
		pools:     make(map[string]*pool.Pool),
	}
}

// BotReport is a point-in-time view over every live pool.
type BotReport struct {
	PoolSize int
	Free     int
	InUse    int
	Bots     []extraction.BotInfo
}

// BotReport aggregates bot state across all running campaigns.
func (o *Orchestrator) BotReport() BotReport {
	o.poolMu.Lock()
	pools := make([]*pool.Pool, 0, len(o.pools))
	for _, p := range o.pools {
		pools = append(pools, p)
	}
	o.poolMu.Unlock()

	var rep BotReport
	for _, p := range pools {
		rep.PoolSize += p.Total()
		rep.Free += p.Idle()
		rep.Bots = append(rep.Bots, p.Infos()...)
	}
	rep.InUse = rep.PoolSize - rep.Free
	slices.SortFunc(rep.Bots, func(a, b extraction.BotInfo) int {
		return strings.Compare(a.ID, b.ID)
	})
	return rep
}

func (o *Orchestrator) registerPool(campaignID string, p *pool.Pool) {
	o.poolMu.Lock()
	o.pools[campaignID] = p
	o.poolMu.Unlock()
}

func (o *Orchestrator) unregisterPool(campaignID string) {
	o.poolMu.Lock()
	delete(o.pools, campaignID)
	o.poolMu.Unlock()
}

// runState carries the per-run collaborators shared by worker goroutines.
type runState struct {
	campaign *extraction.Campaign
	pool     *pool.Pool
	queue    extraction.Queue
	cancel   context.CancelFunc

	mu    sync.Mutex
	fatal error
}

// setFatal records the first unrecoverable error and stops the run.
func (r *runState) setFatal(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *runState) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// Run executes one campaign to a terminal state and blocks until done. On
// cancellation it stops between steps, waits out the grace period, and
// returns with the campaign left IN_PROGRESS so a later resume can pick the
// unfinished tasks back up. A fatal error marks the campaign FAILED.
func (o *Orchestrator) Run(ctx context.Context, campaignID string) error {
	camp, pendingIDs, err := o.claimCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	log := o.logger.With(zap.String("campaign_id", camp.ID))
	log.Info("campaign run starting",
		zap.Int("pending_tasks", len(pendingIDs)),
		zap.Int("max_bots", camp.Config.MaxBots))

	if len(pendingIDs) == 0 {
		status, err := o.finalize(ctx, camp.ID)
		if err != nil {
			return fmt.Errorf("finalize campaign %s: %w", camp.ID, err)
		}
		log.Info("campaign had no pending tasks", zap.String("status", string(status)))
		return nil
	}

	// Bot session IDs are time-ordered UUIDs, distinct from the ULIDs used
	// for stored entities.
	bots := pool.New(pool.Config{
		Size:        camp.Config.MaxBots,
		InitRetries: o.cfg.PoolInitRetries,
		Stagger:     o.cfg.PoolStagger,
		Backoff:     o.cfg.PoolBackoff,
	}, o.driver, o.bus, o.botIDs, o.clock, o.logger)
	if err := bots.Initialize(ctx); err != nil {
		o.failCampaign(camp.ID)
		return fmt.Errorf("initialize pool: %w", err)
	}
	o.registerPool(camp.ID, bots)
	defer o.unregisterPool(camp.ID)

	queue := memqueue.NewQueue()
	if err := queue.EnqueueAll(ctx, pendingIDs); err != nil {
		o.drainPool(bots, log)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := &runState{campaign: camp, pool: bots, queue: queue, cancel: cancel}

	var wg sync.WaitGroup
	for i := 0; i < camp.Config.MaxBots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.workerLoop(runCtx, run)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Info("stop requested, waiting for in-flight tasks",
			zap.Duration("grace", o.cfg.GracePeriod))
		timer := time.NewTimer(o.cfg.GracePeriod)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			log.Warn("grace period expired, forcing pool drain")
			o.drainPool(bots, log)
			<-done
		}
	}

	o.drainPool(bots, log)

	if ferr := run.fatalErr(); ferr != nil {
		o.failCampaign(camp.ID)
		log.Error("campaign run aborted", zap.Error(ferr))
		return ferr
	}
	if ctx.Err() != nil {
		log.Info("campaign run interrupted, campaign stays in progress")
		return fmt.Errorf("run interrupted: %w", ctx.Err())
	}

	status, err := o.finalize(ctx, camp.ID)
	if err != nil {
		return fmt.Errorf("finalize campaign %s: %w", camp.ID, err)
	}
	log.Info("campaign run finished", zap.String("status", string(status)))
	return nil
}

// claimCampaign transitions the campaign into IN_PROGRESS and snapshots its
// pending task ids, all under one unit of work.
func (o *Orchestrator) claimCampaign(ctx context.Context, campaignID string) (*extraction.Campaign, []string, error) {
	var (
		camp *extraction.Campaign
		ids  []string
	)
	err := o.store.WithinTx(ctx, func(uow extraction.UnitOfWork) error {
		c, err := uow.Campaigns().Get(ctx, campaignID)
		if err != nil {
			return err
		}
		now := o.clock.Now()
		switch c.Status {
		case extraction.CampaignPending:
			if err := c.Start(now); err != nil {
				return err
			}
		case extraction.CampaignInProgress, extraction.CampaignFailed:
			if err := c.Resume(now); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: campaign %s is %s", extraction.ErrConflict, c.ID, c.Status)
		}
		pending, err := uow.Tasks().PendingOf(ctx, c.ID)
		if err != nil {
			return err
		}
		ids = make([]string, 0, len(pending))
		for _, t := range pending {
			ids = append(ids, t.ID)
		}
		if err := uow.Campaigns().Save(ctx, c); err != nil {
			return err
		}
		camp = c
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("claim campaign %s: %w", campaignID, err)
	}
	return camp, ids, nil
}

// finalize derives the campaign's terminal status from its task counts.
func (o *Orchestrator) finalize(ctx context.Context, campaignID string) (extraction.CampaignStatus, error) {
	var status extraction.CampaignStatus
	err := o.store.WithinTx(ctx, func(uow extraction.UnitOfWork) error {
		c, err := uow.Campaigns().Get(ctx, campaignID)
		if err != nil {
			return err
		}
		counts, err := uow.Tasks().StatusCounts(ctx, campaignID)
		if err != nil {
			return err
		}
		c.Finalize(counts, o.clock.Now())
		status = c.Status
		return uow.Campaigns().Save(ctx, c)
	})
	return status, err
}

// failCampaign marks the campaign FAILED outside the run context, which may
// already be cancelled by the time a fatal error surfaces.
func (o *Orchestrator) failCampaign(campaignID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := o.store.WithinTx(ctx, func(uow extraction.UnitOfWork) error {
		c, err := uow.Campaigns().Get(ctx, campaignID)
		if err != nil {
			return err
		}
		c.Fail(o.clock.Now())
		return uow.Campaigns().Save(ctx, c)
	})
	if err != nil {
		o.logger.Error("mark campaign failed",
			zap.String("campaign_id", campaignID), zap.Error(err))
	}
}

// drainPool closes every session with a fresh deadline; the run context is
// often already cancelled when drains happen.
func (o *Orchestrator) drainPool(bots *pool.Pool, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := bots.Drain(ctx); err != nil {
		log.Warn("pool drain", zap.Error(err))
	}
}
