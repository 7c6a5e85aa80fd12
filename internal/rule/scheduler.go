package rule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ksred/klear-liquidity/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type SchedulerOptions struct {
	// EvaluationInterval applies to rules without check_interval_seconds
	EvaluationInterval   time.Duration
	RefreshInterval      time.Duration
	ReactivationInterval time.Duration
}

type ruleTask struct {
	interval time.Duration
	cancel   context.CancelFunc
}

// Scheduler evaluates every Active rule on its own ticker and on demand
// whenever a fresh balance is stored
type Scheduler struct {
	rules     *Service
	evaluator *Evaluator
	opts      SchedulerOptions
	logger    zerolog.Logger

	mu    sync.Mutex
	tasks map[uint]ruleTask
	wg    sync.WaitGroup
}

func NewScheduler(rules *Service, evaluator *Evaluator, opts SchedulerOptions) *Scheduler {
	if opts.EvaluationInterval <= 0 {
		opts.EvaluationInterval = time.Minute
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	if opts.ReactivationInterval <= 0 {
		opts.ReactivationInterval = 5 * time.Minute
	}
	return &Scheduler{
		rules:     rules,
		evaluator: evaluator,
		opts:      opts,
		logger:    log.With().Str("component", "rule_scheduler").Logger(),
		tasks:     make(map[uint]ruleTask),
	}
}

// Start runs until ctx is done
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Dur("evaluation_interval", s.opts.EvaluationInterval).
		Dur("refresh_interval", s.opts.RefreshInterval).
		Msg("starting rule scheduler")

	s.refresh(ctx)
	s.reactivate(ctx)

	refresh := time.NewTicker(s.opts.RefreshInterval)
	defer refresh.Stop()
	reactivation := time.NewTicker(s.opts.ReactivationInterval)
	defer reactivation.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			s.logger.Info().Msg("rule scheduler stopped")
			return
		case <-refresh.C:
			s.refresh(ctx)
		case <-reactivation.C:
			s.reactivate(ctx)
		}
	}
}

func (s *Scheduler) interval(r types.LiquidityManagementRule) time.Duration {
	if r.CheckIntervalSeconds > 0 {
		return time.Duration(r.CheckIntervalSeconds) * time.Second
	}
	return s.opts.EvaluationInterval
}

// refresh starts a task for each new Active rule and stops tasks of rules
// that are gone, no longer Active or have a new interval
func (s *Scheduler) refresh(ctx context.Context) {
	active, err := s.rules.ListRules(types.RuleStatusActive)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list active rules")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[uint]time.Duration, len(active))
	for _, r := range active {
		wanted[r.ID] = s.interval(r)
	}

	for id, task := range s.tasks {
		if interval, ok := wanted[id]; !ok || interval != task.interval {
			task.cancel()
			delete(s.tasks, id)
		}
	}

	for id, interval := range wanted {
		if _, ok := s.tasks[id]; ok {
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		s.tasks[id] = ruleTask{interval: interval, cancel: cancel}
		s.wg.Add(1)
		go s.run(taskCtx, id, interval)
	}
}

// Tasks returns the number of rules currently scheduled
func (s *Scheduler) Tasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, task := range s.tasks {
		task.cancel()
		delete(s.tasks, id)
	}
}

func (s *Scheduler) run(ctx context.Context, ruleID uint, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.evaluate(ctx, ruleID)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// evaluate runs one tick for a rule. Errors and panics stay inside the tick.
func (s *Scheduler) evaluate(ctx context.Context, ruleID uint) {
	logger := s.logger.With().Uint("rule_id", ruleID).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("rule evaluation panicked")
		}
	}()

	r, err := s.rules.GetRule(ruleID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load rule")
		return
	}
	if _, err := s.evaluator.EvaluateRule(ctx, r); err != nil {
		logger.Error().Err(err).Msg("rule evaluation failed")
	}
}

func (s *Scheduler) reactivate(ctx context.Context) {
	n, err := s.rules.ReactivateRules(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("rule reactivation failed")
		return
	}
	if n > 0 {
		s.refresh(ctx)
	}
}

// OnBalance evaluates the rule watching the balance's subject. It is the
// on-demand trigger fed by the balance store.
func (s *Scheduler) OnBalance(ctx context.Context, b types.LiquidityBalance) {
	r, err := s.rules.FindActiveRule(b.Subject)
	if errors.Is(err, types.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("subject", b.Subject.String()).Msg("failed to load rule for balance")
		return
	}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error().Interface("panic", p).Uint("rule_id", r.ID).Msg("rule evaluation panicked")
		}
	}()

	if _, err := s.evaluator.Evaluate(ctx, r, &b); err != nil {
		s.logger.Error().Err(err).Uint("rule_id", r.ID).Msg("on-demand evaluation failed")
	}
}
