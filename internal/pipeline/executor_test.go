package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ksred/klear-liquidity/internal/database"
	"github.com/ksred/klear-liquidity/internal/dispatcher"
	"github.com/ksred/klear-liquidity/internal/events"
	"github.com/ksred/klear-liquidity/internal/graph"
	"github.com/ksred/klear-liquidity/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// scriptedConnector accepts every order and reports whatever outcome the
// test has scripted for the reference when polled
type scriptedConnector struct {
	system     string
	mu         sync.Mutex
	executeErr error
	outcomes   map[dispatcher.Reference]dispatcher.Outcome
	requests   []dispatcher.Request
	dispatched chan dispatcher.Reference
}

func newScriptedConnector(system string) *scriptedConnector {
	return &scriptedConnector{
		system:     system,
		outcomes:   make(map[dispatcher.Reference]dispatcher.Outcome),
		dispatched: make(chan dispatcher.Reference, 16),
	}
}

func (s *scriptedConnector) System() string { return s.system }

func (s *scriptedConnector) ValidateParams(command string, params map[string]interface{}) error {
	return nil
}

func (s *scriptedConnector) Execute(ctx context.Context, req dispatcher.Request) (dispatcher.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.executeErr != nil {
		return "", s.executeErr
	}
	s.requests = append(s.requests, req)
	ref := dispatcher.Reference(fmt.Sprintf("%s-%d", s.system, len(s.requests)))
	s.dispatched <- ref
	return ref, nil
}

func (s *scriptedConnector) CheckCompletion(ctx context.Context, ref dispatcher.Reference) (dispatcher.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if outcome, ok := s.outcomes[ref]; ok {
		return outcome, nil
	}
	return dispatcher.Pending(), nil
}

func (s *scriptedConnector) script(ref dispatcher.Reference, outcome dispatcher.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[ref] = outcome
}

func (s *scriptedConnector) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executeErr = err
}

func (s *scriptedConnector) amounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.Amount.String())
	}
	return out
}

type harness struct {
	db       *gorm.DB
	registry *dispatcher.Registry
	graphs   *graph.Service
	recorder *events.Recorder
	scrypt   *scriptedConnector
	kraken   *scriptedConnector
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.NewMemoryDatabase(t.Name())
	if err != nil {
		t.Fatalf("NewMemoryDatabase: %v", err)
	}

	h := &harness{
		db:       db,
		recorder: &events.Recorder{},
		scrypt:   newScriptedConnector("Scrypt"),
		kraken:   newScriptedConnector("Kraken"),
	}
	h.registry, err = dispatcher.NewRegistry(h.scrypt, h.kraken)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h.graphs = graph.NewService(db, h.registry)
	return h
}

func (h *harness) executor(opts Options) *Executor {
	return NewExecutor(h.db, h.graphs, h.registry, h.recorder, opts)
}

func (h *harness) action(t *testing.T, system string, onSuccess, onFail *uint) uint {
	t.Helper()
	a, err := h.graphs.CreateAction(graph.ActionInput{
		System:      system,
		Command:     "sell",
		Params:      map[string]interface{}{"tradeAsset": "CHF", "n": time.Now().UnixNano()},
		OnSuccessID: onSuccess,
		OnFailID:    onFail,
	})
	if err != nil {
		t.Fatalf("CreateAction: %v", err)
	}
	return a.ID
}

func nextRef(t *testing.T, c *scriptedConnector) dispatcher.Reference {
	t.Helper()
	select {
	case ref := <-c.dispatched:
		return ref
	case <-time.After(5 * time.Second):
		t.Fatalf("no order dispatched to %s", c.system)
		return ""
	}
}

func waitFor(t *testing.T, e *Executor) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline goroutines did not finish")
	}
}

// assertInvariants checks the order counter and the single open order rule
func assertInvariants(t *testing.T, e *Executor, pipelineID uint) *types.LiquidityManagementPipeline {
	t.Helper()
	p, err := e.GetPipeline(pipelineID)
	if err != nil {
		t.Fatalf("GetPipeline: %v", err)
	}
	orders, err := e.ListOrders(pipelineID)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if p.OrdersProcessed != len(orders) {
		t.Errorf("orders_processed = %d, %d orders recorded", p.OrdersProcessed, len(orders))
	}
	open := 0
	for _, o := range orders {
		if !o.Status.Terminal() {
			open++
		}
	}
	if open > 1 {
		t.Errorf("%d open orders", open)
	}
	return p
}

func uintp(v uint) *uint { return &v }

func TestSingleActionRedundancyCompletes(t *testing.T) {
	h := newHarness(t)
	a1 := h.action(t, "Scrypt", nil, nil)
	e := h.executor(Options{CompletionTimeout: time.Hour})
	ctx := context.Background()

	p, err := e.CreatePipeline(ctx, NewPipeline{
		RuleID:       1,
		Type:         types.PipelineTypeRedundancy,
		TargetAmount: decimal.NewFromInt(200),
		HeadActionID: a1,
	})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}

	ref := nextRef(t, h.scrypt)
	if err := e.HandleCallback(ctx, "Scrypt", ref, dispatcher.Succeeded()); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	waitFor(t, e)

	got := assertInvariants(t, e, p.ID)
	if got.Status != types.PipelineStatusComplete {
		t.Errorf("status = %s, want COMPLETE", got.Status)
	}
	if got.OrdersProcessed != 1 {
		t.Errorf("orders_processed = %d, want 1", got.OrdersProcessed)
	}
	if got.CurrentActionID == nil || *got.CurrentActionID != a1 {
		t.Errorf("current action = %v, want terminal action %d", got.CurrentActionID, a1)
	}
	if amounts := h.scrypt.amounts(); len(amounts) != 1 || amounts[0] != "200" {
		t.Errorf("dispatched amounts = %v, want [200]", amounts)
	}
	if h.recorder.Count(events.PipelineComplete) != 1 {
		t.Errorf("pipeline_complete events = %d", h.recorder.Count(events.PipelineComplete))
	}
}

func TestFailEdgeIsFollowed(t *testing.T) {
	tests := []struct {
		name         string
		secondResult dispatcher.Outcome
		wantStatus   types.PipelineStatus
	}{
		{"fallback succeeds", dispatcher.Succeeded(), types.PipelineStatusComplete},
		{"fallback fails", dispatcher.Failed("insufficient funds"), types.PipelineStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a2 := h.action(t, "Kraken", nil, nil)
			a1 := h.action(t, "Scrypt", nil, uintp(a2))
			e := h.executor(Options{CompletionTimeout: time.Hour})
			ctx := context.Background()

			p, err := e.CreatePipeline(ctx, NewPipeline{RuleID: 1, Type: types.PipelineTypeDeficit, TargetAmount: decimal.NewFromInt(450), HeadActionID: a1})
			if err != nil {
				t.Fatalf("CreatePipeline: %v", err)
			}

			ref := nextRef(t, h.scrypt)
			if err := e.HandleCallback(ctx, "Scrypt", ref, dispatcher.Failed("rejected by venue")); err != nil {
				t.Fatalf("HandleCallback: %v", err)
			}

			ref = nextRef(t, h.kraken)
			mid, _ := e.GetPipeline(p.ID)
			if mid.CurrentActionID == nil || *mid.CurrentActionID != a2 {
				t.Errorf("current action = %v, want %d", mid.CurrentActionID, a2)
			}
			if err := e.HandleCallback(ctx, "Kraken", ref, tt.secondResult); err != nil {
				t.Fatalf("HandleCallback: %v", err)
			}
			waitFor(t, e)

			got := assertInvariants(t, e, p.ID)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.OrdersProcessed != 2 {
				t.Errorf("orders_processed = %d, want 2", got.OrdersProcessed)
			}
		})
	}
}

func TestDuplicateCompletionIsIgnored(t *testing.T) {
	h := newHarness(t)
	a1 := h.action(t, "Scrypt", nil, nil)
	e := h.executor(Options{CompletionTimeout: time.Hour})
	ctx := context.Background()

	p, err := e.CreatePipeline(ctx, NewPipeline{RuleID: 1, Type: types.PipelineTypeDeficit, TargetAmount: decimal.NewFromInt(10), HeadActionID: a1})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	ref := nextRef(t, h.scrypt)
	if err := e.HandleCallback(ctx, "Scrypt", ref, dispatcher.Succeeded()); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	waitFor(t, e)

	if err := e.HandleCallback(ctx, "Scrypt", ref, dispatcher.Failed("late failure")); err != nil {
		t.Fatalf("duplicate HandleCallback: %v", err)
	}
	waitFor(t, e)

	got := assertInvariants(t, e, p.ID)
	if got.Status != types.PipelineStatusComplete || got.OrdersProcessed != 1 {
		t.Errorf("pipeline = %s/%d after duplicate signal, want COMPLETE/1", got.Status, got.OrdersProcessed)
	}
	orders, _ := e.ListOrders(p.ID)
	if orders[0].Status != types.OrderStatusComplete {
		t.Errorf("order status = %s, want COMPLETE", orders[0].Status)
	}
}

func TestDispatchErrorFollowsFailEdge(t *testing.T) {
	h := newHarness(t)
	h.scrypt.failWith(dispatcher.NewUnavailableError("Scrypt", errors.New("connection refused")))
	a2 := h.action(t, "Kraken", nil, nil)
	a1 := h.action(t, "Scrypt", nil, uintp(a2))
	e := h.executor(Options{CompletionTimeout: time.Hour})
	ctx := context.Background()

	p, err := e.CreatePipeline(ctx, NewPipeline{RuleID: 1, Type: types.PipelineTypeDeficit, TargetAmount: decimal.NewFromInt(10), HeadActionID: a1})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}

	ref := nextRef(t, h.kraken)
	if err := e.HandleCallback(ctx, "Kraken", ref, dispatcher.Succeeded()); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	waitFor(t, e)

	got := assertInvariants(t, e, p.ID)
	if got.Status != types.PipelineStatusComplete || got.OrdersProcessed != 2 {
		t.Errorf("pipeline = %s/%d, want COMPLETE/2", got.Status, got.OrdersProcessed)
	}
	orders, _ := e.ListOrders(p.ID)
	if orders[0].Status != types.OrderStatusFailed || orders[0].ExternalRef != "" {
		t.Errorf("rejected order = %+v", orders[0])
	}
}

func TestDispatchErrorWithoutFailEdgeFails(t *testing.T) {
	h := newHarness(t)
	h.scrypt.failWith(dispatcher.NewRateLimitedError("Scrypt", errors.New("slow down")))
	a1 := h.action(t, "Scrypt", nil, nil)
	e := h.executor(Options{CompletionTimeout: time.Hour})

	p, err := e.CreatePipeline(context.Background(), NewPipeline{RuleID: 1, Type: types.PipelineTypeDeficit, TargetAmount: decimal.NewFromInt(10), HeadActionID: a1})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	waitFor(t, e)

	got := assertInvariants(t, e, p.ID)
	if got.Status != types.PipelineStatusFailed || got.OrdersProcessed != 1 {
		t.Errorf("pipeline = %s/%d, want FAILED/1", got.Status, got.OrdersProcessed)
	}
	if h.recorder.Count(events.PipelineFailed) != 1 {
		t.Errorf("pipeline_failed events = %d, want 1", h.recorder.Count(events.PipelineFailed))
	}
}

func TestSingleFlightPerRule(t *testing.T) {
	h := newHarness(t)
	a1 := h.action(t, "Scrypt", nil, nil)
	e := h.executor(Options{CompletionTimeout: time.Hour})
	ctx := context.Background()

	req := NewPipeline{RuleID: 7, Type: types.PipelineTypeDeficit, TargetAmount: decimal.NewFromInt(10), HeadActionID: a1}
	if _, err := e.CreatePipeline(ctx, req); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if _, err := e.CreatePipeline(ctx, req); !errors.Is(err, types.ErrConflict) {
		t.Fatalf("second CreatePipeline err = %v, want ErrConflict", err)
	}

	open, err := e.HasUnterminatedPipeline(7)
	if err != nil || !open {
		t.Errorf("HasUnterminatedPipeline = %v, %v", open, err)
	}

	ref := nextRef(t, h.scrypt)
	_ = e.HandleCallback(ctx, "Scrypt", ref, dispatcher.Succeeded())
	waitFor(t, e)

	if _, err := e.CreatePipeline(ctx, req); err != nil {
		t.Errorf("CreatePipeline after completion: %v", err)
	}
}

func TestConfigurationErrorCreatesNoPipeline(t *testing.T) {
	h := newHarness(t)
	a1 := h.action(t, "Kraken", nil, nil)

	// a registry that no longer knows Kraken
	limited, err := dispatcher.NewRegistry(h.scrypt)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	e := NewExecutor(h.db, graph.NewService(h.db, limited), limited, h.recorder, Options{})

	_, err = e.CreatePipeline(context.Background(), NewPipeline{RuleID: 1, Type: types.PipelineTypeDeficit, TargetAmount: decimal.NewFromInt(10), HeadActionID: a1})
	if !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	pipelines, _ := e.ListPipelines(1, "")
	if len(pipelines) != 0 {
		t.Errorf("%d pipelines created", len(pipelines))
	}
	if h.recorder.Count(events.ConfigurationError) != 1 {
		t.Errorf("configuration_error events = %d, want 1", h.recorder.Count(events.ConfigurationError))
	}
}

func TestPollAfterTimeout(t *testing.T) {
	h := newHarness(t)
	a1 := h.action(t, "Scrypt", nil, nil)
	e := h.executor(Options{CompletionTimeout: 20 * time.Millisecond, MaxCompletionPolls: 5})

	p, err := e.CreatePipeline(context.Background(), NewPipeline{RuleID: 1, Type: types.PipelineTypeDeficit, TargetAmount: decimal.NewFromInt(10), HeadActionID: a1})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	h.scrypt.script(nextRef(t, h.scrypt), dispatcher.Succeeded())
	waitFor(t, e)

	got := assertInvariants(t, e, p.ID)
	if got.Status != types.PipelineStatusComplete {
		t.Errorf("status = %s, want COMPLETE", got.Status)
	}
}

func TestCompletionTimeoutFailsOrder(t *testing.T) {
	h := newHarness(t)
	a1 := h.action(t, "Scrypt", nil, nil)
	e := h.executor(Options{CompletionTimeout: 10 * time.Millisecond, MaxCompletionPolls: 3})

	p, err := e.CreatePipeline(context.Background(), NewPipeline{RuleID: 1, Type: types.PipelineTypeDeficit, TargetAmount: decimal.NewFromInt(10), HeadActionID: a1})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	waitFor(t, e)

	got := assertInvariants(t, e, p.ID)
	if got.Status != types.PipelineStatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.FailureReason != "completion timeout after 3 polls" {
		t.Errorf("failure reason = %q", got.FailureReason)
	}
	if n := h.recorder.Count(events.OrderStalled); n != 2 {
		t.Errorf("order_stalled events = %d, want 2", n)
	}
}

func TestReconcileResumesAfterRestart(t *testing.T) {
	h := newHarness(t)
	a1 := h.action(t, "Scrypt", nil, nil)

	first := h.executor(Options{CompletionTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	first.Bind(ctx)

	p, err := first.CreatePipeline(ctx, NewPipeline{RuleID: 1, Type: types.PipelineTypeDeficit, TargetAmount: decimal.NewFromInt(10), HeadActionID: a1})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	ref := nextRef(t, h.scrypt)
	cancel()
	waitFor(t, first)

	orders, _ := first.ListOrders(p.ID)
	if len(orders) != 1 || orders[0].Status != types.OrderStatusInProgress {
		t.Fatalf("orders after shutdown = %+v", orders)
	}

	h.scrypt.script(ref, dispatcher.Succeeded())
	second := h.executor(Options{CompletionTimeout: 20 * time.Millisecond})
	second.Reconcile(context.Background())
	waitFor(t, second)

	got := assertInvariants(t, second, p.ID)
	if got.Status != types.PipelineStatusComplete {
		t.Errorf("status = %s, want COMPLETE", got.Status)
	}
}

func TestCallbackWithoutWaiterResumesPipeline(t *testing.T) {
	h := newHarness(t)
	a2 := h.action(t, "Kraken", nil, nil)
	a1 := h.action(t, "Scrypt", uintp(a2), nil)

	first := h.executor(Options{CompletionTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	first.Bind(ctx)
	p, err := first.CreatePipeline(ctx, NewPipeline{RuleID: 1, Type: types.PipelineTypeDeficit, TargetAmount: decimal.NewFromInt(10), HeadActionID: a1})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	ref := nextRef(t, h.scrypt)
	cancel()
	waitFor(t, first)

	second := h.executor(Options{CompletionTimeout: time.Hour})
	if err := second.HandleCallback(context.Background(), "Scrypt", ref, dispatcher.Succeeded()); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	ref = nextRef(t, h.kraken)
	if err := second.HandleCallback(context.Background(), "Kraken", ref, dispatcher.Succeeded()); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	waitFor(t, second)

	got := assertInvariants(t, second, p.ID)
	if got.Status != types.PipelineStatusComplete || got.OrdersProcessed != 2 {
		t.Errorf("pipeline = %s/%d, want COMPLETE/2", got.Status, got.OrdersProcessed)
	}
}

func TestInterruptedDispatchIsFailed(t *testing.T) {
	h := newHarness(t)
	a1 := h.action(t, "Scrypt", nil, nil)
	e := h.executor(Options{CompletionTimeout: time.Hour})

	g, err := h.graphs.Snapshot(a1)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	snapshot, err := encodeSnapshot(g)
	if err != nil {
		t.Fatalf("encodeSnapshot: %v", err)
	}
	p := &types.LiquidityManagementPipeline{
		RuleID:          3,
		Type:            types.PipelineTypeDeficit,
		Status:          types.PipelineStatusCreated,
		TargetAmount:    decimal.NewFromInt(5),
		CurrentActionID: &a1,
		Graph:           snapshot,
	}
	if err := e.db.CreatePipeline(p); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if err := e.db.StartOrder(&types.LiquidityManagementOrder{PipelineID: p.ID, ActionID: a1, System: "Scrypt", Command: "sell", Amount: p.TargetAmount, Status: types.OrderStatusCreated}); err != nil {
		t.Fatalf("StartOrder: %v", err)
	}

	e.Reconcile(context.Background())
	waitFor(t, e)

	got := assertInvariants(t, e, p.ID)
	if got.Status != types.PipelineStatusFailed || got.FailureReason != "dispatch interrupted" {
		t.Errorf("pipeline = %s %q, want FAILED dispatch interrupted", got.Status, got.FailureReason)
	}

	var stalled []events.Event
	for _, ev := range h.recorder.Events() {
		if ev.Type == events.OrderStalled {
			stalled = append(stalled, ev)
		}
	}
	if len(stalled) != 1 || stalled[0].PipelineID != p.ID || stalled[0].Reason != interruptedDispatchAlert {
		t.Errorf("order_stalled events = %+v, want one alert for the interrupted order", stalled)
	}
}

func TestCancellingBoundContextStopsPipelines(t *testing.T) {
	h := newHarness(t)
	a1 := h.action(t, "Scrypt", nil, nil)
	e := h.executor(Options{CompletionTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	e.Bind(ctx)

	// created before Start runs, as the scheduler or API may do
	p, err := e.CreatePipeline(context.Background(), NewPipeline{RuleID: 1, Type: types.PipelineTypeDeficit, TargetAmount: decimal.NewFromInt(10), HeadActionID: a1})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	nextRef(t, h.scrypt)

	started := make(chan struct{})
	go func() {
		e.Start(ctx)
		close(started)
	}()

	cancel()
	waitFor(t, e)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	got, err := e.GetPipeline(p.ID)
	if err != nil {
		t.Fatalf("GetPipeline: %v", err)
	}
	if got.Status != types.PipelineStatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS left for reconciliation", got.Status)
	}
}

func TestTrajectoryFollowsSnapshot(t *testing.T) {
	h := newHarness(t)
	a2 := h.action(t, "Kraken", nil, nil)
	a1 := h.action(t, "Scrypt", uintp(a2), nil)
	e := h.executor(Options{CompletionTimeout: time.Hour})
	ctx := context.Background()

	p, err := e.CreatePipeline(ctx, NewPipeline{RuleID: 1, Type: types.PipelineTypeDeficit, TargetAmount: decimal.NewFromInt(10), HeadActionID: a1})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	ref := nextRef(t, h.scrypt)

	// cut the edge after the pipeline has started
	if _, err := h.graphs.UpdateAction(a1, graph.ActionInput{System: "Scrypt", Command: "sell", Params: map[string]interface{}{"tradeAsset": "CHF"}}); err != nil {
		t.Fatalf("UpdateAction: %v", err)
	}

	_ = e.HandleCallback(ctx, "Scrypt", ref, dispatcher.Succeeded())
	_ = e.HandleCallback(ctx, "Kraken", nextRef(t, h.kraken), dispatcher.Succeeded())
	waitFor(t, e)

	got := assertInvariants(t, e, p.ID)
	if got.OrdersProcessed != 2 || got.CurrentActionID == nil || *got.CurrentActionID != a2 {
		t.Errorf("pipeline = %+v, want two orders ending at %d", got, a2)
	}
}

func TestTerminalHookRuns(t *testing.T) {
	h := newHarness(t)
	a1 := h.action(t, "Scrypt", nil, nil)
	e := h.executor(Options{CompletionTimeout: time.Hour})

	var mu sync.Mutex
	var seen []types.PipelineStatus
	e.OnTerminal(func(ctx context.Context, p types.LiquidityManagementPipeline) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, p.Status)
	})

	ctx := context.Background()
	if _, err := e.CreatePipeline(ctx, NewPipeline{RuleID: 1, Type: types.PipelineTypeDeficit, TargetAmount: decimal.NewFromInt(10), HeadActionID: a1}); err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	_ = e.HandleCallback(ctx, "Scrypt", nextRef(t, h.scrypt), dispatcher.Failed("no"))
	waitFor(t, e)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != types.PipelineStatusFailed {
		t.Errorf("hook saw %v, want [FAILED]", seen)
	}
}
