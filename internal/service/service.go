// Package service is the orchestrator: it owns the polling loop that
// keeps sessions alive, keeps one healthy tab per filter, classifies
// each page before trusting it, and pushes extracted alerts into the
// dispatch queue. Per-site failures are contained; one dead site never
// stops the others.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"arb-alerts/internal/auth"
	"arb-alerts/internal/config"
	"arb-alerts/internal/defense"
	"arb-alerts/internal/dispatch"
	"arb-alerts/internal/extract"
	"arb-alerts/internal/retry"
	"arb-alerts/internal/scheduler"
	"arb-alerts/internal/storage"
	"arb-alerts/internal/tabs"
)

// Service orchestrates sessions, tabs, defense, extraction, dispatch.
type Service struct {
	scheduler *scheduler.Scheduler
	sessions  *auth.Manager
	pool      *tabs.Manager
	detector  *defense.Detector
	tracker   *defense.Tracker
	pipeline  *extract.Pipeline
	queue     *dispatch.Queue
	backoff   retry.Policy
	alertLog  storage.AlertLogStore
	locker    storage.AdvisoryLocker
	logger    zerolog.Logger

	filters     []config.FilterConfig
	maxParallel int
	lockKey     int64
}

// New constructs the orchestrator over the selected filters. backoff is
// the bounded wait applied to captcha and rate-limited slots.
func New(cfg *config.Config, filters []config.FilterConfig, sched *scheduler.Scheduler, sessions *auth.Manager, pool *tabs.Manager, detector *defense.Detector, pipeline *extract.Pipeline, queue *dispatch.Queue, backoff retry.Policy, alertLog storage.AlertLogStore, locker storage.AdvisoryLocker, logger zerolog.Logger) *Service {
	maxParallel := cfg.Tabs.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	return &Service{
		scheduler:   sched,
		sessions:    sessions,
		pool:        pool,
		detector:    detector,
		tracker:     defense.NewTracker(cfg.Defense.RecycleAfter, cfg.Defense.EscalateAfter),
		pipeline:    pipeline,
		queue:       queue,
		backoff:     backoff,
		alertLog:    alertLog,
		locker:      locker,
		logger:      logger.With().Str("component", "service").Logger(),
		filters:     filters,
		maxParallel: maxParallel,
		lockKey:     cfg.Database.AdvisoryLockKey,
	}
}

// Run begins the polling loop and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if len(s.filters) == 0 {
		return fmt.Errorf("no filters configured")
	}
	return s.scheduler.Run(ctx, s.Cycle)
}

// Cycle runs one polling pass over every filter.
func (s *Service) Cycle(ctx context.Context, startedAt time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("cycle", startedAt).Msg("skip cycle, advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	slots := s.ensureSlots(ctx)
	if len(slots) == 0 {
		s.logger.Warn().Msg("no usable tabs this cycle")
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.maxParallel)
	for _, slot := range slots {
		slot := slot
		group.Go(func() error {
			s.processSlot(groupCtx, slot)
			return nil
		})
	}
	return group.Wait()
}

// ensureSlots makes sure every filter has a live tab, logging in first
// when the site has no valid session. Authentication failures disable
// the site's filters for this cycle only; capacity overflows skip the
// filter without evicting anyone.
func (s *Service) ensureSlots(ctx context.Context) []tabs.Slot {
	deadSites := make(map[string]bool)
	slots := make([]tabs.Slot, 0, len(s.filters))

	for _, filter := range s.filters {
		if deadSites[filter.Site] {
			continue
		}

		if _, err := s.sessions.EnsureSession(ctx, filter.Site); err != nil {
			var authErr *auth.AuthError
			if errors.As(err, &authErr) {
				s.logger.Error().Str("site", filter.Site).Str("reason", string(authErr.Reason)).Err(err).
					Msg("site authentication failed, its filters are skipped this cycle")
				deadSites[filter.Site] = true
				continue
			}
			if ctx.Err() != nil {
				return slots
			}
			s.logger.Error().Str("site", filter.Site).Err(err).Msg("session error")
			deadSites[filter.Site] = true
			continue
		}

		slot, err := s.pool.Acquire(ctx, filter.ID)
		if err != nil {
			var capErr *tabs.CapacityError
			if errors.As(err, &capErr) {
				s.logger.Warn().Str("filter", filter.ID).Str("site", capErr.Site).Int("limit", capErr.Limit).
					Msg("tab capacity reached, filter skipped")
				continue
			}
			s.logger.Error().Str("filter", filter.ID).Err(err).Msg("acquire tab failed")
			continue
		}
		slots = append(slots, slot)
	}
	return slots
}

// processSlot runs one slot through classify, recover, extract, dispatch.
func (s *Service) processSlot(ctx context.Context, slot tabs.Slot) {
	if slot.State == tabs.StateDegraded {
		s.logger.Warn().Str("filter", slot.FilterID).
			Str("classification", string(s.tracker.LastClassification(slot.ID))).
			Msg("slot degraded, operator attention required")
		return
	}

	// Classification and extraction hold the slot's operation lock, so
	// a concurrent recycle can never swap the handle mid-read.
	var verdict defense.Verdict
	var records []extract.AlertRecord
	var extractErr error
	err := s.pool.WithSlot(slot.ID, func(slot tabs.Slot) error {
		verdict = s.detector.Classify(ctx, slot)
		if verdict.Classification == defense.ClassInterstitial {
			// Interstitials are dismissible: click through and look again.
			if s.detector.DismissInterstitial(ctx, slot) {
				verdict = s.detector.Classify(ctx, slot)
			}
		}
		if verdict.Classification == defense.ClassOK {
			records, extractErr = s.pipeline.Extract(ctx, slot)
		}
		return nil
	})
	if err != nil {
		s.logger.Debug().Str("filter", slot.FilterID).Err(err).Msg("slot released before inspection")
		return
	}

	s.pool.TouchHealthCheck(slot.ID, verdict.ObservedAt)

	consecutive := s.tracker.Observe(verdict)
	if verdict.Classification != defense.ClassOK {
		s.recover(ctx, slot, verdict, consecutive)
		return
	}

	if extractErr != nil {
		s.logger.Error().Str("filter", slot.FilterID).Err(extractErr).Msg("extraction failed")
		return
	}

	for _, rec := range records {
		s.dispatchOne(ctx, rec)
	}
}

// recover applies the defense policy for a non-ok verdict. Logged-out
// pages invalidate the session before the tab is rebuilt; everything
// else backs off first and recycles only after repeated failures.
func (s *Service) recover(ctx context.Context, slot tabs.Slot, verdict defense.Verdict, consecutive int) {
	logger := s.logger.With().
		Str("filter", slot.FilterID).
		Str("classification", string(verdict.Classification)).
		Str("evidence", verdict.Evidence).
		Int("consecutive", consecutive).
		Logger()

	switch verdict.Classification {
	case defense.ClassLoggedOut:
		logger.Info().Msg("session lost, re-authenticating")
		s.sessions.Invalidate(slot.SiteID)
		if _, err := s.sessions.EnsureSession(ctx, slot.SiteID); err != nil {
			logger.Error().Err(err).Msg("re-authentication failed")
			return
		}
		s.recycle(ctx, slot, logger)
		return

	case defense.ClassCaptcha, defense.ClassRateLimited:
		// Recycling a challenged tab reproduces the challenge, so these
		// back off in place and degrade once the bound is hit.
		if s.tracker.ShouldRecycle(slot.ID) {
			s.escalate(slot, verdict, consecutive, logger)
			return
		}
		s.backOff(ctx, slot, consecutive, logger)
		return

	default:
		if s.tracker.ShouldEscalate(slot.ID) {
			s.escalate(slot, verdict, consecutive, logger)
			return
		}
		if s.tracker.ShouldRecycle(slot.ID) {
			s.recycle(ctx, slot, logger)
			return
		}
	}

	// Below the action bound: leave the tab alone and let the next
	// cycle look again.
	logger.Warn().Msg("defense page detected, waiting for the next cycle")
}

// backOff waits the bounded backoff for the current failure run, then
// looks at the page once more. A challenge that cleared on its own
// resets the run so the slot is not punished next cycle; a persisting
// one is left for the next cycle's count.
func (s *Service) backOff(ctx context.Context, slot tabs.Slot, consecutive int, logger zerolog.Logger) {
	delay := s.backoff.BackoffFor(consecutive)
	logger.Warn().Dur("backoff", delay).Msg("defense page detected, backing off")
	if err := s.backoff.Clock().Sleep(ctx, delay); err != nil {
		return
	}

	second := s.detector.Classify(ctx, slot)
	if second.Classification == defense.ClassOK {
		s.tracker.Observe(second)
		logger.Info().Msg("page recovered during backoff")
	}
}

func (s *Service) escalate(slot tabs.Slot, verdict defense.Verdict, consecutive int, logger zerolog.Logger) {
	s.pool.MarkDegraded(slot.ID)
	escalation := &defense.EscalationError{
		SlotID:         slot.ID,
		FilterID:       slot.FilterID,
		Classification: verdict.Classification,
		Consecutive:    consecutive,
	}
	logger.Error().Err(escalation).Msg("slot degraded after repeated defenses")
}

// recycle rebuilds the tab. The failure run is NOT reset here: only a
// healthy verdict clears it, so a page that stays bad after recycling
// still escalates.
func (s *Service) recycle(ctx context.Context, slot tabs.Slot, logger zerolog.Logger) {
	if _, err := s.pool.Recycle(ctx, slot.ID); err != nil {
		logger.Error().Err(err).Msg("recycle failed")
		return
	}
	logger.Info().Msg("tab recycled")
}

// dispatchOne submits the record and mirrors it into the alert log.
func (s *Service) dispatchOne(ctx context.Context, rec extract.AlertRecord) {
	delivered, err := s.queue.Submit(ctx, rec)
	if err != nil {
		s.logger.Error().Str("filter", rec.FilterID).Err(err).Msg("dispatch incomplete")
	}
	if len(delivered) == 0 {
		return
	}

	if s.alertLog != nil {
		logRec := storage.AlertLogRecord{
			Fingerprint: rec.Fingerprint(),
			SourceSite:  rec.SourceSite,
			FilterID:    rec.FilterID,
			Sport:       rec.Sport,
			Event:       rec.Event,
			Market:      rec.Market,
			ProfitPct:   rec.ProfitPct,
			Channels:    delivered,
		}
		if _, err := s.alertLog.InsertAlert(ctx, logRec); err != nil && !errors.Is(err, storage.ErrNotConfigured) {
			s.logger.Warn().Str("filter", rec.FilterID).Err(err).Msg("alert log insert failed")
		}
	}
}

// Shutdown releases tabs and probe sessions.
func (s *Service) Shutdown(ctx context.Context) {
	if s.pool != nil {
		s.pool.ReleaseAll(ctx)
	}
	if s.sessions != nil {
		s.sessions.Close(ctx)
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			return nil, true, nil
		}
		return nil, false, err
	}
	return unlock, acquired, nil
}
