package rule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ksred/klear-liquidity/internal/config"
	"github.com/ksred/klear-liquidity/internal/events"
	"github.com/ksred/klear-liquidity/internal/pipeline"
	"github.com/ksred/klear-liquidity/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PipelineStarter creates and launches corrective pipelines
type PipelineStarter interface {
	PipelineChecker
	CreatePipeline(ctx context.Context, req pipeline.NewPipeline) (*types.LiquidityManagementPipeline, error)
}

// BalanceReader returns the latest observed balance of a subject
type BalanceReader interface {
	Latest(subject types.Subject) (*types.LiquidityBalance, error)
}

// Evaluator decides whether a rule's balance is out of bounds and starts at
// most one corrective pipeline per rule
type Evaluator struct {
	pipelines     PipelineStarter
	balances      BalanceReader
	events        events.Emitter
	targetPolicy  string
	maxBalanceAge time.Duration
	now           func() time.Time
	logger        zerolog.Logger

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

type EvaluatorOptions struct {
	TargetPolicy  string
	MaxBalanceAge time.Duration
}

func NewEvaluator(pipelines PipelineStarter, balances BalanceReader, emitter events.Emitter, opts EvaluatorOptions) *Evaluator {
	if opts.TargetPolicy == "" {
		opts.TargetPolicy = config.TargetPolicyOptimal
	}
	return &Evaluator{
		pipelines:     pipelines,
		balances:      balances,
		events:        emitter,
		targetPolicy:  opts.TargetPolicy,
		maxBalanceAge: opts.MaxBalanceAge,
		now:           time.Now,
		logger:        log.With().Str("component", "rule_evaluator").Logger(),
		locks:         make(map[uint]*sync.Mutex),
	}
}

func (e *Evaluator) lock(ruleID uint) func() {
	e.mu.Lock()
	l, ok := e.locks[ruleID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[ruleID] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// EvaluateRule evaluates r against the latest balance of its subject
func (e *Evaluator) EvaluateRule(ctx context.Context, r *types.LiquidityManagementRule) (*types.LiquidityManagementPipeline, error) {
	b, err := e.balances.Latest(r.Subject)
	if errors.Is(err, types.ErrNotFound) {
		e.logger.Debug().Uint("rule_id", r.ID).Str("subject", r.Subject.String()).Msg("no balance observed yet")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, r, b)
}

// Evaluate starts a pipeline when b breaches r's bounds. It returns a nil
// pipeline when there is nothing to do: the rule is not Active, the balance
// is in bounds or too old, a pipeline is already in flight, or the breached
// direction has no chain.
func (e *Evaluator) Evaluate(ctx context.Context, r *types.LiquidityManagementRule, b *types.LiquidityBalance) (*types.LiquidityManagementPipeline, error) {
	logger := e.logger.With().
		Uint("rule_id", r.ID).
		Str("subject", r.Subject.String()).
		Str("balance", b.Amount.String()).
		Logger()

	if r.Status != types.RuleStatusActive {
		return nil, nil
	}

	if e.maxBalanceAge > 0 && e.now().Sub(b.ObservedAt) > e.maxBalanceAge {
		logger.Warn().Time("observed_at", b.ObservedAt).Msg("balance too old to evaluate")
		return nil, nil
	}

	unlock := e.lock(r.ID)
	defer unlock()

	open, err := e.pipelines.HasUnterminatedPipeline(r.ID)
	if err != nil {
		return nil, err
	}
	if open {
		logger.Debug().Msg("pipeline already in flight")
		return nil, nil
	}

	var (
		kind   types.PipelineType
		head   *uint
		target decimal.Decimal
	)
	switch {
	case b.Amount.LessThan(r.Minimal):
		kind = types.PipelineTypeDeficit
		head = r.DeficitStartActionID
		target = r.Optimal.Sub(b.Amount)
		if e.targetPolicy == config.TargetPolicyBound {
			target = r.Minimal.Sub(b.Amount)
		}
	case b.Amount.GreaterThan(r.Maximal):
		kind = types.PipelineTypeRedundancy
		head = r.RedundancyStartActionID
		target = b.Amount.Sub(r.Optimal)
		if e.targetPolicy == config.TargetPolicyBound {
			target = b.Amount.Sub(r.Maximal)
		}
	default:
		return nil, nil
	}

	amount := target
	e.emit(events.Event{Type: events.RuleBreachDetected, RuleID: r.ID, Amount: &amount, Reason: string(kind)})

	if head == nil {
		logger.Warn().Str("type", string(kind)).Msg("imbalance without a configured chain")
		e.emit(events.Event{Type: events.UnresolvedImbalance, RuleID: r.ID, Amount: &amount, Reason: string(kind)})
		return nil, nil
	}

	p, err := e.pipelines.CreatePipeline(ctx, pipeline.NewPipeline{
		RuleID:       r.ID,
		Type:         kind,
		TargetAmount: target,
		HeadActionID: *head,
	})
	if errors.Is(err, types.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to start pipeline")
		return nil, err
	}
	return p, nil
}

func (e *Evaluator) emit(ev events.Event) {
	if e.events != nil {
		e.events.Emit(ev)
	}
}
