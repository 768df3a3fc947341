package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/blob"
	"github.com/placehunter/extraction-engine/internal/events"
	"github.com/placehunter/extraction-engine/internal/extraction"
	"github.com/placehunter/extraction-engine/internal/pool"
)

// probeTimeout bounds the liveness check run against a session after a
// transient failure, to tell a flaky page from a dead browser.
const probeTimeout = 3 * time.Second

// workerLoop pulls task ids until the queue is empty or the run stops.
func (o *Orchestrator) workerLoop(ctx context.Context, run *runState) {
	for {
		if ctx.Err() != nil {
			return
		}
		taskID, ok := run.queue.Dequeue()
		if !ok {
			return
		}
		if err := o.processTask(ctx, run, taskID); err != nil {
			return
		}
	}
}

// processTask drives one claimed task through the pipeline and settles the
// outcome. A non-nil return stops the worker; task-level failures are
// absorbed into task state and return nil.
func (o *Orchestrator) processTask(ctx context.Context, run *runState, taskID string) error {
	bot, err := run.pool.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, pool.ErrDrained) && ctx.Err() == nil {
			run.setFatal(extraction.Fatal(fmt.Errorf("acquire bot: %w", err)))
		}
		return err
	}
	release := true
	defer func() {
		if release {
			run.pool.Release(bot)
		}
	}()

	task, err := o.claimTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, extraction.ErrConflict) || errors.Is(err, extraction.ErrNotFound) {
			o.logger.Warn("task not claimable, skipping",
				zap.String("task_id", taskID), zap.Error(err))
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		run.setFatal(extraction.Fatal(fmt.Errorf("claim task %s: %w", taskID, err)))
		return err
	}
	log := o.logger.With(
		zap.String("campaign_id", run.campaign.ID),
		zap.String("task_id", task.ID),
		zap.String("geoname", task.GeonameName),
		zap.String("bot_id", bot.ID()),
		zap.Int("attempt", task.Attempts))
	log.Info("task started")

	o.bus.Publish(events.Event{
		Kind:        events.TaskStarted,
		TS:          o.clock.Now(),
		CampaignID:  run.campaign.ID,
		TaskID:      task.ID,
		BotID:       bot.ID(),
		GeonameName: task.GeonameName,
	})
	run.pool.Assign(bot, task.ID)
	o.bus.Publish(events.Event{
		Kind:       events.BotTaskAssigned,
		TS:         o.clock.Now(),
		CampaignID: run.campaign.ID,
		TaskID:     task.ID,
		BotID:      bot.ID(),
		BotStatus:  extraction.BotProcessing,
	})

	result, pipeErr := o.extract(ctx, run, bot, task)
	if pipeErr == nil {
		persisted, err := o.completeTask(ctx, run, bot.ID(), task, result)
		if err != nil {
			return o.bookkeepingFailed(ctx, run, "complete task", err)
		}
		o.archiveSnapshot(run.campaign.ID, task.ID, result.image)
		log.Info("task completed", zap.Int("places", persisted))
		return nil
	}

	class := extraction.Classify(pipeErr)
	if class == extraction.FailureCancelled {
		log.Info("task interrupted mid-flight")
		return pipeErr
	}

	o.bus.Publish(events.Event{
		Kind:       events.BotError,
		TS:         o.clock.Now(),
		CampaignID: run.campaign.ID,
		TaskID:     task.ID,
		BotID:      bot.ID(),
		BotStatus:  extraction.BotErrored,
		Error:      pipeErr.Error(),
	})

	if class == extraction.FailureTransient && o.sessionDead(bot.Session()) {
		log.Warn("session unresponsive, replacing bot", zap.Error(pipeErr))
		fresh, rerr := run.pool.Replace(ctx, bot)
		if rerr != nil {
			// Replace already closed and removed the old bot.
			release = false
			if ctx.Err() == nil {
				run.setFatal(extraction.Fatal(fmt.Errorf("replace bot %s: %w", bot.ID(), rerr)))
			}
			return rerr
		}
		bot = fresh
	}

	if class == extraction.FailurePermanent || task.Exhausted(o.cfg.MaxAttempts) {
		if err := o.failTask(ctx, run, bot.ID(), task, pipeErr); err != nil {
			return o.bookkeepingFailed(ctx, run, "fail task", err)
		}
		log.Warn("task failed for good",
			zap.String("class", string(class)), zap.Error(pipeErr))
		return nil
	}

	if err := o.requeueTask(ctx, run, task, pipeErr); err != nil {
		return o.bookkeepingFailed(ctx, run, "requeue task", err)
	}
	log.Info("task requeued for retry", zap.Error(pipeErr))
	return nil
}

// bookkeepingFailed sorts a storage error out of the success and failure
// paths. Conflicts mean someone else settled the task; cancellation means
// the run is stopping; anything else poisons the whole run.
func (o *Orchestrator) bookkeepingFailed(ctx context.Context, run *runState, op string, err error) error {
	if errors.Is(err, extraction.ErrConflict) || errors.Is(err, extraction.ErrNotFound) {
		o.logger.Warn(op+" skipped", zap.Error(err))
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	run.setFatal(extraction.Fatal(fmt.Errorf("%s: %w", op, err)))
	return err
}

// claimTask moves the task to IN_PROGRESS and burns one attempt.
func (o *Orchestrator) claimTask(ctx context.Context, taskID string) (*extraction.PlaceExtractionTask, error) {
	var claimed *extraction.PlaceExtractionTask
	err := o.store.WithinTx(ctx, func(uow extraction.UnitOfWork) error {
		t, err := uow.Tasks().Get(ctx, taskID)
		if err != nil {
			return err
		}
		if err := t.Start(o.clock.Now()); err != nil {
			return err
		}
		if err := uow.Tasks().Save(ctx, t); err != nil {
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

type pipelineResult struct {
	records []extraction.PlaceRecord
	image   []byte
}

// extract drives the session through search, scroll, parse and capture. A
// background ticker publishes live snapshots between steps; the session
// mutex keeps the two from interleaving mid-call.
func (o *Orchestrator) extract(ctx context.Context, run *runState, bot *pool.Bot, task *extraction.PlaceExtractionTask) (pipelineResult, error) {
	var res pipelineResult
	session := bot.Session()
	cfg := run.campaign.Config

	var sessionMu sync.Mutex
	stopSnapshots := o.startSnapshots(ctx, &sessionMu, session, bot.ID(), run.campaign.ID, task.ID)
	defer stopSnapshots()

	step := func(fn func() error) error {
		if err := ctx.Err(); err != nil {
			return extraction.Cancelled(err)
		}
		sessionMu.Lock()
		defer sessionMu.Unlock()
		return fn()
	}

	target := extraction.BuildSearchURL(task.SearchSeed, task.GeonameName, cfg.ISOLanguage)
	if err := step(func() error { return session.Navigate(ctx, target) }); err != nil {
		return res, fmt.Errorf("navigate: %w", err)
	}
	if err := step(func() error { return session.ScrollResultList(ctx, scrollBudget(cfg.MaxResults)) }); err != nil {
		return res, fmt.Errorf("scroll results: %w", err)
	}
	if err := step(func() error {
		records, err := session.ParseResults(ctx, cfg.MaxResults)
		if err != nil {
			return err
		}
		res.records = records
		return nil
	}); err != nil {
		return res, fmt.Errorf("parse results: %w", err)
	}
	if err := step(func() error {
		image, err := session.CaptureImage(ctx)
		if err != nil {
			return err
		}
		res.image = image
		return nil
	}); err != nil {
		// The places are already in hand; losing the final frame only costs
		// the archive entry.
		o.logger.Warn("final capture failed",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	return res, nil
}

// startSnapshots spawns the live-screenshot ticker. The returned stop
// function blocks until the ticker goroutine is gone, so no snapshot is
// published after a task's terminal event.
func (o *Orchestrator) startSnapshots(ctx context.Context, mu *sync.Mutex, session extraction.Session, botID, campaignID, taskID string) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.cfg.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.publishSnapshot(ctx, mu, session, botID, campaignID, taskID)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
		})
	}
}

func (o *Orchestrator) publishSnapshot(ctx context.Context, mu *sync.Mutex, session extraction.Session, botID, campaignID, taskID string) {
	mu.Lock()
	image, err := session.CaptureImage(ctx)
	var pageURL string
	if err == nil {
		pageURL, _ = session.CurrentURL(ctx)
	}
	mu.Unlock()
	if err != nil {
		o.logger.Debug("snapshot capture failed",
			zap.String("bot_id", botID), zap.Error(err))
		return
	}
	o.bus.Publish(events.Event{
		Kind:       events.BotSnapshotCaptured,
		TS:         o.clock.Now(),
		CampaignID: campaignID,
		TaskID:     taskID,
		BotID:      botID,
		BotStatus:  extraction.BotProcessing,
		Screenshot: image,
		CurrentURL: pageURL,
	})
}

// completeTask persists the task's places and completion in one unit of
// work, then publishes the outcome. Events fire only after commit, and
// PlaceExtracted only for rows the upsert actually inserted, so retries and
// in-batch duplicates never double-announce a place. Returns how many places
// were persisted.
func (o *Orchestrator) completeTask(ctx context.Context, run *runState, botID string, task *extraction.PlaceExtractionTask, res pipelineResult) (int, error) {
	records := filterByRating(res.records, run.campaign.Config.MinRating)
	var inserted []*extraction.ExtractedPlace
	err := o.store.WithinTx(ctx, func(uow extraction.UnitOfWork) error {
		inserted = inserted[:0]
		fresh, err := uow.Tasks().Get(ctx, task.ID)
		if err != nil {
			return err
		}
		now := o.clock.Now()
		for _, rec := range records {
			place := extraction.NewExtractedPlace(o.ids.NewID(), task.ID, task.GeonameName, rec, now)
			isNew, err := uow.Places().Upsert(ctx, place)
			if err != nil {
				return err
			}
			if isNew {
				inserted = append(inserted, place)
			}
		}
		if err := fresh.Complete(now); err != nil {
			return err
		}
		if err := uow.Tasks().Save(ctx, fresh); err != nil {
			return err
		}
		c, err := uow.Campaigns().Get(ctx, run.campaign.ID)
		if err != nil {
			return err
		}
		c.RecordTaskCompleted()
		return uow.Campaigns().Save(ctx, c)
	})
	if err != nil {
		return 0, err
	}

	for _, place := range inserted {
		o.bus.Publish(events.Event{
			Kind:       events.PlaceExtracted,
			TS:         o.clock.Now(),
			CampaignID: run.campaign.ID,
			TaskID:     task.ID,
			BotID:      botID,
			Place:      place,
		})
	}
	o.bus.Publish(events.Event{
		Kind:        events.TaskCompleted,
		TS:          o.clock.Now(),
		CampaignID:  run.campaign.ID,
		TaskID:      task.ID,
		BotID:       botID,
		GeonameName: task.GeonameName,
		PlaceCount:  len(inserted),
	})
	o.bus.Publish(events.Event{
		Kind:       events.BotTaskCompleted,
		TS:         o.clock.Now(),
		CampaignID: run.campaign.ID,
		TaskID:     task.ID,
		BotID:      botID,
		BotStatus:  extraction.BotIdle,
	})
	return len(inserted), nil
}

// failTask settles a task that is out of budget or failed permanently.
func (o *Orchestrator) failTask(ctx context.Context, run *runState, botID string, task *extraction.PlaceExtractionTask, cause error) error {
	reason := cause.Error()
	err := o.store.WithinTx(ctx, func(uow extraction.UnitOfWork) error {
		fresh, err := uow.Tasks().Get(ctx, task.ID)
		if err != nil {
			return err
		}
		if err := fresh.Fail(reason, o.clock.Now()); err != nil {
			return err
		}
		if err := uow.Tasks().Save(ctx, fresh); err != nil {
			return err
		}
		c, err := uow.Campaigns().Get(ctx, run.campaign.ID)
		if err != nil {
			return err
		}
		c.RecordTaskFailed()
		return uow.Campaigns().Save(ctx, c)
	})
	if err != nil {
		return err
	}
	o.bus.Publish(events.Event{
		Kind:        events.TaskFailed,
		TS:          o.clock.Now(),
		CampaignID:  run.campaign.ID,
		TaskID:      task.ID,
		BotID:       botID,
		GeonameName: task.GeonameName,
		Error:       reason,
	})
	return nil
}

// requeueTask puts a transiently failed task back in line, keeping its
// attempt count.
func (o *Orchestrator) requeueTask(ctx context.Context, run *runState, task *extraction.PlaceExtractionTask, cause error) error {
	err := o.store.WithinTx(ctx, func(uow extraction.UnitOfWork) error {
		fresh, err := uow.Tasks().Get(ctx, task.ID)
		if err != nil {
			return err
		}
		if err := fresh.Requeue(cause.Error()); err != nil {
			return err
		}
		return uow.Tasks().Save(ctx, fresh)
	})
	if err != nil {
		return err
	}
	return run.queue.EnqueueAll(ctx, []string{task.ID})
}

// archiveSnapshot writes the task's final frame to the snapshot store. The
// archive is best effort; a miss never fails the task.
func (o *Orchestrator) archiveSnapshot(campaignID, taskID string, image []byte) {
	if len(image) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	uri, err := o.snapshots.Put(ctx, blob.SnapshotPath(campaignID, taskID), "image/png", bytes.NewReader(image))
	if err != nil {
		o.logger.Warn("snapshot archive failed",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if uri != "" {
		o.logger.Debug("snapshot archived",
			zap.String("task_id", taskID), zap.String("uri", uri))
	}
}

// sessionDead probes the session after a transient failure. A browser that
// cannot even report its URL is gone and needs replacing.
func (o *Orchestrator) sessionDead(session extraction.Session) bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	_, err := session.CurrentURL(ctx)
	return err != nil
}

// scrollBudget sizes the scroll loop; the result feed loads roughly five new
// cards per scroll.
func scrollBudget(maxResults int) int {
	n := maxResults/5 + 1
	if n < 3 {
		n = 3
	}
	if n > 20 {
		n = 20
	}
	return n
}

// filterByRating drops records whose known rating falls below the campaign
// floor. Records without a rating are kept.
func filterByRating(records []extraction.PlaceRecord, minRating float64) []extraction.PlaceRecord {
	if minRating <= 0 {
		return records
	}
	out := make([]extraction.PlaceRecord, 0, len(records))
	for _, rec := range records {
		if rec.Rating != nil && *rec.Rating < minRating {
			continue
		}
		out = append(out, rec)
	}
	return out
}
