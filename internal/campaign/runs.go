package campaign

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

// activeRun tracks one spawned orchestrator run.
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start spawns a run for the campaign. PENDING campaigns start fresh;
// FAILED and interrupted IN_PROGRESS ones pick up their remaining tasks.
func (s *Service) Start(ctx context.Context, id string) error {
	c, err := s.store.View().Campaigns().Get(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case extraction.CampaignCompleted, extraction.CampaignArchived:
		return fmt.Errorf("%w: cannot start campaign in status %s", extraction.ErrConflict, c.Status)
	}
	return s.launch(id)
}

// Resume resets interrupted and failed tasks back to PENDING under one
// transaction, then starts a run over them.
func (s *Service) Resume(ctx context.Context, id string) error {
	if s.running(id) != nil {
		return fmt.Errorf("%w: campaign %s is already running", extraction.ErrConflict, id)
	}
	err := s.store.WithinTx(ctx, func(uow extraction.UnitOfWork) error {
		c, err := uow.Campaigns().Get(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != extraction.CampaignFailed && c.Status != extraction.CampaignInProgress {
			return fmt.Errorf("%w: cannot resume campaign in status %s", extraction.ErrConflict, c.Status)
		}
		tasks, err := uow.Tasks().ListByCampaign(ctx, id)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			if task.ResetForResume() {
				if err := uow.Tasks().Save(ctx, task); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.launch(id)
}

// Pause stops the campaign's active run and keeps the campaign IN_PROGRESS
// so a later resume picks up where it left off.
func (s *Service) Pause(ctx context.Context, id string) error {
	run := s.running(id)
	if run == nil {
		return fmt.Errorf("%w: campaign %s has no active run", extraction.ErrConflict, id)
	}
	run.cancel()
	s.logger.Info("campaign run pause requested", zap.String("campaign_id", id))
	return nil
}

// Cancel stops any active run, waits for it to wind down, and finalizes the
// campaign as FAILED. A campaign whose run already reached a terminal state
// is left as it ended.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if run := s.running(id); run != nil {
		run.cancel()
		select {
		case <-run.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for campaign %s run to stop: %w", id, ctx.Err())
		}
	}
	return s.store.WithinTx(ctx, func(uow extraction.UnitOfWork) error {
		c, err := uow.Campaigns().Get(ctx, id)
		if err != nil {
			return err
		}
		switch c.Status {
		case extraction.CampaignPending, extraction.CampaignInProgress:
			c.Fail(s.clock.Now())
			return uow.Campaigns().Save(ctx, c)
		default:
			return nil
		}
	})
}

// Shutdown stops every active run and waits for each to finish, or until
// ctx expires.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	runs := make([]*activeRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}
	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Running reports whether the campaign has an active run.
func (s *Service) Running(id string) bool {
	return s.running(id) != nil
}

func (s *Service) running(id string) *activeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

// launch registers the run and spawns the runner on a context detached from
// the caller's, so an HTTP request ending does not kill the campaign.
func (s *Service) launch(id string) error {
	s.mu.Lock()
	if _, ok := s.runs[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: campaign %s is already running", extraction.ErrConflict, id)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{cancel: cancel, done: make(chan struct{})}
	s.runs[id] = run
	s.mu.Unlock()

	s.logger.Info("campaign run launched", zap.String("campaign_id", id))
	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.runs, id)
			s.mu.Unlock()
			close(run.done)
		}()
		err := s.runner.Run(runCtx, id)
		switch {
		case err == nil:
			s.logger.Info("campaign run finished", zap.String("campaign_id", id))
		case errors.Is(err, context.Canceled):
			s.logger.Info("campaign run stopped", zap.String("campaign_id", id))
		default:
			s.logger.Error("campaign run failed", zap.String("campaign_id", id), zap.Error(err))
		}
	}()
	return nil
}
