package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/klear-liquidity/internal/dispatcher"
	"github.com/ksred/klear-liquidity/internal/events"
	"github.com/ksred/klear-liquidity/internal/graph"
	"github.com/ksred/klear-liquidity/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const earlyCompletionTTL = 10 * time.Minute

const interruptedDispatchAlert = "dispatch interrupted before the venue answered; check the venue for an accepted order before retrying"

// ConnectorResolver maps an action's system to its connector
type ConnectorResolver interface {
	Get(system string) (dispatcher.Connector, error)
}

// GraphSource freezes the action chain starting at head
type GraphSource interface {
	Snapshot(head uint) (*graph.Graph, error)
}

// TerminalHook is called once a pipeline reaches Complete or Failed
type TerminalHook func(ctx context.Context, p types.LiquidityManagementPipeline)

type Options struct {
	// CompletionTimeout bounds each wait for a completion signal before the
	// connector is polled
	CompletionTimeout time.Duration
	// MaxCompletionPolls is the number of unanswered polls after which the
	// order is failed
	MaxCompletionPolls int
	ReconcileInterval  time.Duration
}

// NewPipeline is the input for starting a corrective pipeline
type NewPipeline struct {
	RuleID       uint
	Type         types.PipelineType
	TargetAmount decimal.Decimal
	HeadActionID uint
}

type earlyCompletion struct {
	outcome    dispatcher.Outcome
	receivedAt time.Time
}

// Executor drives pipelines through their action chain. Each unterminated
// pipeline is owned by at most one goroutine which dispatches one order,
// waits for its completion and follows the resulting edge.
type Executor struct {
	db         *Database
	graphs     GraphSource
	connectors ConnectorResolver
	events     events.Emitter
	opts       Options
	logger     zerolog.Logger

	mu      sync.Mutex
	root    context.Context
	running map[uint]bool // pipeline id -> rerun requested
	waiters map[uint]chan dispatcher.Outcome
	early   map[string]earlyCompletion
	hooks   []TerminalHook
	wg      sync.WaitGroup
}

func NewExecutor(gormDB *gorm.DB, graphs GraphSource, connectors ConnectorResolver, emitter events.Emitter, opts Options) *Executor {
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = 30 * time.Second
	}
	if opts.MaxCompletionPolls <= 0 {
		opts.MaxCompletionPolls = 10
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 5 * time.Minute
	}

	return &Executor{
		db:         NewDatabase(gormDB),
		graphs:     graphs,
		connectors: connectors,
		events:     emitter,
		opts:       opts,
		logger:     log.With().Str("component", "pipeline_executor").Logger(),
		root:       context.Background(),
		running:    make(map[uint]bool),
		waiters:    make(map[uint]chan dispatcher.Outcome),
		early:      make(map[string]earlyCompletion),
	}
}

// OnTerminal registers a hook; call before pipelines are launched
func (e *Executor) OnTerminal(hook TerminalHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hook)
}

// Bind sets the context every pipeline goroutine runs on. Call it before
// anything can create or launch a pipeline.
func (e *Executor) Bind(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.root = ctx
}

// Start binds ctx, resumes unterminated pipelines and then reconciles
// periodically until ctx is done.
func (e *Executor) Start(ctx context.Context) {
	e.Bind(ctx)
	e.Reconcile(ctx)

	ticker := time.NewTicker(e.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Reconcile(ctx)
		}
	}
}

// Wait blocks until every pipeline goroutine has returned
func (e *Executor) Wait() {
	e.wg.Wait()
}

// CreatePipeline snapshots the chain at req.HeadActionID, stores a Created
// pipeline and launches it. Returns types.ErrConflict when the rule already
// has an unterminated pipeline.
func (e *Executor) CreatePipeline(ctx context.Context, req NewPipeline) (*types.LiquidityManagementPipeline, error) {
	logger := e.logger.With().
		Uint("rule_id", req.RuleID).
		Str("type", string(req.Type)).
		Logger()

	g, err := e.graphs.Snapshot(req.HeadActionID)
	if err != nil {
		if errors.Is(err, types.ErrConfiguration) || errors.Is(err, types.ErrInvalidInput) || errors.Is(err, types.ErrNotFound) {
			e.emit(events.Event{
				Type:     events.ConfigurationError,
				RuleID:   req.RuleID,
				ActionID: req.HeadActionID,
				Reason:   err.Error(),
			})
			return nil, fmt.Errorf("%w: rule %d chain: %v", types.ErrConfiguration, req.RuleID, err)
		}
		return nil, err
	}

	snapshot, err := encodeSnapshot(g)
	if err != nil {
		return nil, err
	}

	head := req.HeadActionID
	p := &types.LiquidityManagementPipeline{
		RuleID:          req.RuleID,
		Type:            req.Type,
		Status:          types.PipelineStatusCreated,
		TargetAmount:    req.TargetAmount,
		CurrentActionID: &head,
		Graph:           snapshot,
	}
	if err := e.db.CreatePipeline(p); err != nil {
		return nil, err
	}

	logger.Info().
		Uint("pipeline_id", p.ID).
		Str("target_amount", p.TargetAmount.String()).
		Msg("pipeline created")

	amount := p.TargetAmount
	e.emit(events.Event{
		Type:       events.PipelineCreated,
		RuleID:     p.RuleID,
		PipelineID: p.ID,
		ActionID:   head,
		Amount:     &amount,
	})

	e.Launch(p.ID)
	return p, nil
}

// Launch makes sure a goroutine is driving the pipeline. A running goroutine
// re-reads the pipeline once its current step is done.
func (e *Executor) Launch(pipelineID uint) {
	e.launch(pipelineID, true)
}

func (e *Executor) launch(pipelineID uint, rerun bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.running[pipelineID]; ok {
		if rerun {
			e.running[pipelineID] = true
		}
		return
	}
	e.running[pipelineID] = false
	e.wg.Add(1)
	go e.run(e.root, pipelineID)
}

// Running reports whether a goroutine currently owns the pipeline
func (e *Executor) Running(pipelineID uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[pipelineID]
	return ok
}

func (e *Executor) run(ctx context.Context, pipelineID uint) {
	defer e.wg.Done()

	for {
		e.drive(ctx, pipelineID)

		e.mu.Lock()
		if e.running[pipelineID] && ctx.Err() == nil {
			e.running[pipelineID] = false
			e.mu.Unlock()
			continue
		}
		delete(e.running, pipelineID)
		e.mu.Unlock()
		return
	}
}

// drive advances the pipeline until it is terminal, the context ends or a
// storage error stops it. The reconciler picks up anything left behind.
func (e *Executor) drive(ctx context.Context, pipelineID uint) {
	logger := e.logger.With().Uint("pipeline_id", pipelineID).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("pipeline goroutine panicked")
		}
	}()

	for ctx.Err() == nil {
		p, err := e.db.GetPipeline(pipelineID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load pipeline")
			return
		}
		if p.Status.Terminal() {
			return
		}

		g, err := snapshotOf(p)
		if err != nil {
			e.failPipeline(ctx, p, err.Error(), true)
			return
		}

		order, err := e.db.OpenOrder(p.ID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load open order")
			return
		}

		switch {
		case order == nil:
			order, err = e.dispatch(ctx, p, g)
			if err != nil {
				return
			}
			if order == nil {
				// dispatch already recorded a terminal outcome
				continue
			}
		case order.Status == types.OrderStatusCreated:
			// stopped between creating the order and the connector answering;
			// the connector may still have accepted it
			logger.Warn().
				Uint("order_id", order.ID).
				Str("system", order.System).
				Str("amount", order.Amount.String()).
				Msg("order dispatch was interrupted, venue state unknown")
			e.emit(events.Event{
				Type:       events.OrderStalled,
				RuleID:     p.RuleID,
				PipelineID: p.ID,
				OrderID:    order.ID,
				ActionID:   order.ActionID,
				System:     order.System,
				Reason:     interruptedDispatchAlert,
			})
			if _, err := e.complete(ctx, order.ID, dispatcher.Failed("dispatch interrupted")); err != nil {
				return
			}
			continue
		}

		outcome, ok := e.await(ctx, order)
		if !ok {
			return
		}
		if _, err := e.complete(ctx, order.ID, outcome); err != nil {
			return
		}
	}
}

// dispatch creates an order for the current action and submits it. It returns
// a nil order when the submission was rejected and the failure recorded.
func (e *Executor) dispatch(ctx context.Context, p *types.LiquidityManagementPipeline, g *graph.Graph) (*types.LiquidityManagementOrder, error) {
	if p.CurrentActionID == nil {
		err := fmt.Errorf("%w: pipeline has no current action", types.ErrConfiguration)
		e.failPipeline(ctx, p, err.Error(), true)
		return nil, err
	}

	node, ok := g.Node(*p.CurrentActionID)
	if !ok {
		err := fmt.Errorf("%w: action %d missing from pipeline graph", types.ErrConfiguration, *p.CurrentActionID)
		e.failPipeline(ctx, p, err.Error(), true)
		return nil, err
	}

	conn, err := e.connectors.Get(node.System)
	if err != nil {
		e.failPipeline(ctx, p, err.Error(), true)
		return nil, err
	}

	logger := e.logger.With().
		Uint("pipeline_id", p.ID).
		Uint("action_id", node.ID).
		Str("system", node.System).
		Str("command", node.Command).
		Logger()

	order := &types.LiquidityManagementOrder{
		PipelineID: p.ID,
		ActionID:   node.ID,
		System:     node.System,
		Command:    node.Command,
		Amount:     p.TargetAmount,
		Status:     types.OrderStatusCreated,
	}
	if err := e.db.StartOrder(order); err != nil {
		logger.Error().Err(err).Msg("failed to create order")
		return nil, err
	}

	ref, err := conn.Execute(ctx, dispatcher.Request{
		Command: node.Command,
		Params:  node.Params,
		Amount:  order.Amount,
	})
	if err != nil {
		kind, _ := dispatcher.KindOf(err)
		logger.Warn().Err(err).Str("kind", string(kind)).Uint("order_id", order.ID).Msg("connector rejected order")
		if _, err := e.complete(ctx, order.ID, dispatcher.Failed(fmt.Sprintf("dispatch rejected: %v", err))); err != nil {
			return nil, err
		}
		return nil, nil
	}

	now := time.Now().UTC()
	e.mu.Lock()
	ch := e.waiterLocked(order.ID)
	err = e.db.MarkDispatched(order.ID, string(ref), now)
	if err == nil {
		key := refKey(node.System, string(ref))
		if early, ok := e.early[key]; ok {
			delete(e.early, key)
			ch <- early.outcome
		}
	} else {
		delete(e.waiters, order.ID)
	}
	e.mu.Unlock()

	if err != nil {
		logger.Error().Err(err).Uint("order_id", order.ID).Msg("failed to record dispatch")
		return nil, err
	}

	order.Status = types.OrderStatusInProgress
	order.ExternalRef = string(ref)
	order.DispatchedAt = &now

	logger.Info().Uint("order_id", order.ID).Str("external_ref", order.ExternalRef).Msg("order dispatched")

	amount := order.Amount
	e.emit(events.Event{
		Type:       events.OrderDispatched,
		RuleID:     p.RuleID,
		PipelineID: p.ID,
		OrderID:    order.ID,
		ActionID:   node.ID,
		System:     node.System,
		Amount:     &amount,
	})
	return order, nil
}

// await blocks until the order's outcome is known. Each silent period of
// CompletionTimeout ends in a poll of the connector; after MaxCompletionPolls
// undecided polls the order is given up on.
func (e *Executor) await(ctx context.Context, order *types.LiquidityManagementOrder) (dispatcher.Outcome, bool) {
	e.mu.Lock()
	ch := e.waiterLocked(order.ID)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.waiters, order.ID)
		e.mu.Unlock()
	}()

	logger := e.logger.With().
		Uint("pipeline_id", order.PipelineID).
		Uint("order_id", order.ID).
		Str("system", order.System).
		Logger()

	wait := e.opts.CompletionTimeout
	if order.DispatchedAt != nil {
		wait -= time.Since(*order.DispatchedAt)
		if wait < 0 {
			wait = 0
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return dispatcher.Outcome{}, false
		case outcome := <-ch:
			return outcome, true
		case <-timer.C:
		}

		polls++
		reason := "no completion signal"
		conn, err := e.connectors.Get(order.System)
		if err == nil {
			var outcome dispatcher.Outcome
			outcome, err = conn.CheckCompletion(ctx, dispatcher.Reference(order.ExternalRef))
			if err == nil && outcome.Done() {
				return outcome, true
			}
		}
		if err != nil {
			reason = err.Error()
		}

		if polls >= e.opts.MaxCompletionPolls {
			logger.Warn().Int("polls", polls).Msg("giving up on order completion")
			return dispatcher.Failed(fmt.Sprintf("completion timeout after %d polls", polls)), true
		}

		logger.Warn().Int("polls", polls).Str("reason", reason).Msg("order completion overdue")
		e.emit(events.Event{
			Type:       events.OrderStalled,
			PipelineID: order.PipelineID,
			OrderID:    order.ID,
			ActionID:   order.ActionID,
			System:     order.System,
			Reason:     reason,
		})
		timer.Reset(e.opts.CompletionTimeout)
	}
}

// complete records an order outcome and emits the resulting transitions
func (e *Executor) complete(ctx context.Context, orderID uint, outcome dispatcher.Outcome) (*CompletionResult, error) {
	success := outcome.Status == dispatcher.OutcomeSucceeded
	reason := ""
	if !success {
		reason = outcome.Reason
		if reason == "" {
			reason = "order failed"
		}
	}

	result, err := e.db.CompleteOrder(orderID, success, reason)
	if err != nil {
		e.logger.Error().Err(err).Uint("order_id", orderID).Msg("failed to record order completion")
		return nil, err
	}

	logger := e.logger.With().
		Uint("pipeline_id", result.Order.PipelineID).
		Uint("order_id", orderID).
		Logger()

	if !result.Applied {
		logger.Debug().Str("status", string(outcome.Status)).Msg("ignored completion for closed order")
		return result, nil
	}

	p := result.Pipeline
	eventType := events.OrderCompleted
	if !success {
		eventType = events.OrderFailed
	}
	logger.Info().Bool("success", success).Str("reason", reason).Msg("order completed")
	e.emit(events.Event{
		Type:       eventType,
		RuleID:     p.RuleID,
		PipelineID: p.ID,
		OrderID:    orderID,
		ActionID:   result.Order.ActionID,
		System:     result.Order.System,
		Reason:     reason,
	})

	if p.Status.Terminal() {
		e.terminal(ctx, p, false)
	}
	return result, nil
}

func (e *Executor) failPipeline(ctx context.Context, p *types.LiquidityManagementPipeline, reason string, configuration bool) {
	failed, err := e.db.FailPipeline(p.ID, reason)
	if err != nil {
		e.logger.Error().Err(err).Uint("pipeline_id", p.ID).Msg("failed to mark pipeline failed")
		return
	}
	e.terminal(ctx, failed, configuration)
}

func (e *Executor) terminal(ctx context.Context, p *types.LiquidityManagementPipeline, configuration bool) {
	logger := e.logger.With().
		Uint("pipeline_id", p.ID).
		Uint("rule_id", p.RuleID).
		Int("orders_processed", p.OrdersProcessed).
		Logger()

	var actionID uint
	if p.CurrentActionID != nil {
		actionID = *p.CurrentActionID
	}

	if configuration {
		e.emit(events.Event{
			Type:       events.ConfigurationError,
			RuleID:     p.RuleID,
			PipelineID: p.ID,
			ActionID:   actionID,
			Reason:     p.FailureReason,
		})
	}

	if p.Status == types.PipelineStatusComplete {
		logger.Info().Msg("pipeline complete")
		e.emit(events.Event{Type: events.PipelineComplete, RuleID: p.RuleID, PipelineID: p.ID, ActionID: actionID})
	} else {
		logger.Warn().Str("reason", p.FailureReason).Msg("pipeline failed")
		e.emit(events.Event{Type: events.PipelineFailed, RuleID: p.RuleID, PipelineID: p.ID, ActionID: actionID, Reason: p.FailureReason})
	}

	e.mu.Lock()
	hooks := append([]TerminalHook(nil), e.hooks...)
	e.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, *p)
	}
}

// HandleCallback applies a completion reported by an external system. An
// outcome for a reference not yet recorded is held until dispatch records it.
func (e *Executor) HandleCallback(ctx context.Context, system string, ref dispatcher.Reference, outcome dispatcher.Outcome) error {
	if !outcome.Done() {
		return nil
	}
	if ref == "" {
		return fmt.Errorf("%w: reference is required", types.ErrInvalidInput)
	}

	e.mu.Lock()
	order, err := e.db.FindOrderByRef(system, string(ref))
	if errors.Is(err, types.ErrNotFound) {
		e.early[refKey(system, string(ref))] = earlyCompletion{outcome: outcome, receivedAt: time.Now()}
		e.mu.Unlock()
		e.logger.Debug().Str("system", system).Str("external_ref", string(ref)).Msg("holding completion for unrecorded reference")
		return nil
	}
	if err != nil {
		e.mu.Unlock()
		return err
	}
	ch, waiting := e.waiters[order.ID]
	e.mu.Unlock()

	if order.Status.Terminal() {
		e.logger.Debug().Uint("order_id", order.ID).Msg("ignored duplicate completion signal")
		return nil
	}

	if waiting {
		select {
		case ch <- outcome:
		default:
		}
		return nil
	}

	// nobody is waiting, e.g. after a restart
	if _, err := e.complete(ctx, order.ID, outcome); err != nil {
		return err
	}
	e.Launch(order.PipelineID)
	return nil
}

// HandleCompletion adapts HandleCallback to dispatcher.CompletionHandler
func (e *Executor) HandleCompletion(ctx context.Context, system string, ref dispatcher.Reference, outcome dispatcher.Outcome) {
	if err := e.HandleCallback(ctx, system, ref, outcome); err != nil {
		e.logger.Error().Err(err).Str("system", system).Str("external_ref", string(ref)).Msg("failed to apply completion")
	}
}

// Interrupt wakes the goroutine waiting on orderID with a failure. Used when
// an operator has already closed the order.
func (e *Executor) Interrupt(orderID uint, reason string) {
	e.mu.Lock()
	ch, ok := e.waiters[orderID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- dispatcher.Failed(reason):
	default:
	}
}

// Reconcile launches every unterminated pipeline without a live goroutine and
// drops held completions nobody claimed
func (e *Executor) Reconcile(ctx context.Context) {
	e.mu.Lock()
	for key, early := range e.early {
		if time.Since(early.receivedAt) > earlyCompletionTTL {
			delete(e.early, key)
		}
	}
	e.mu.Unlock()

	pipelines, err := e.db.ListUnterminatedPipelines()
	if err != nil {
		e.logger.Error().Err(err).Msg("reconciliation failed")
		return
	}

	resumed := 0
	for _, p := range pipelines {
		if ctx.Err() != nil {
			return
		}
		if e.Running(p.ID) {
			continue
		}
		e.launch(p.ID, false)
		resumed++
	}
	if resumed > 0 {
		e.logger.Info().Int("resumed", resumed).Msg("resumed unattended pipelines")
	}
}

func (e *Executor) waiterLocked(orderID uint) chan dispatcher.Outcome {
	ch, ok := e.waiters[orderID]
	if !ok {
		ch = make(chan dispatcher.Outcome, 1)
		e.waiters[orderID] = ch
	}
	return ch
}

func (e *Executor) emit(ev events.Event) {
	if e.events != nil {
		e.events.Emit(ev)
	}
}

func refKey(system, ref string) string {
	return system + "|" + ref
}
