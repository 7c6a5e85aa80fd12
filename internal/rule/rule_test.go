package rule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ksred/klear-liquidity/internal/balance"
	"github.com/ksred/klear-liquidity/internal/config"
	"github.com/ksred/klear-liquidity/internal/database"
	"github.com/ksred/klear-liquidity/internal/events"
	"github.com/ksred/klear-liquidity/internal/graph"
	"github.com/ksred/klear-liquidity/internal/pipeline"
	"github.com/ksred/klear-liquidity/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type allowSystems map[string]bool

func (a allowSystems) Validate(system, command string, params map[string]interface{}) error {
	if !a[system] {
		return fmt.Errorf("%w: unknown system %q", types.ErrConfiguration, system)
	}
	return nil
}

// fakeStarter records pipelines instead of running them
type fakeStarter struct {
	mu      sync.Mutex
	open    map[uint]bool
	created []pipeline.NewPipeline
	err     error
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{open: make(map[uint]bool)}
}

func (f *fakeStarter) HasUnterminatedPipeline(ruleID uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[ruleID], nil
}

func (f *fakeStarter) CreatePipeline(ctx context.Context, req pipeline.NewPipeline) (*types.LiquidityManagementPipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.open[req.RuleID] {
		return nil, types.ErrConflict
	}
	f.open[req.RuleID] = true
	f.created = append(f.created, req)
	head := req.HeadActionID
	return &types.LiquidityManagementPipeline{
		ID:              uint(len(f.created)),
		RuleID:          req.RuleID,
		Type:            req.Type,
		Status:          types.PipelineStatusCreated,
		TargetAmount:    req.TargetAmount,
		CurrentActionID: &head,
	}, nil
}

func (f *fakeStarter) finish(ruleID uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[ruleID] = false
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fixture struct {
	db       *gorm.DB
	graphs   *graph.Service
	balances *balance.Service
	rules    *Service
	starter  *fakeStarter
	recorder *events.Recorder
	head     uint
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewMemoryDatabase(t.Name())
	if err != nil {
		t.Fatalf("NewMemoryDatabase: %v", err)
	}

	f := &fixture{
		db:       db,
		graphs:   graph.NewService(db, allowSystems{"Scrypt": true}),
		balances: balance.NewService(db),
		starter:  newFakeStarter(),
		recorder: &events.Recorder{},
	}
	f.rules = NewService(db, f.graphs, f.starter, f.recorder)

	a, err := f.graphs.CreateAction(graph.ActionInput{System: "Scrypt", Command: "buy", Params: map[string]interface{}{"tradeAsset": "CHF"}})
	if err != nil {
		t.Fatalf("CreateAction: %v", err)
	}
	f.head = a.ID
	return f
}

func (f *fixture) evaluator(opts EvaluatorOptions) *Evaluator {
	return NewEvaluator(f.starter, f.balances, f.recorder, opts)
}

func (f *fixture) rule(t *testing.T, min, opt, max int64) *types.LiquidityManagementRule {
	t.Helper()
	assetID := uint(1)
	r, err := f.rules.CreateRule(RuleInput{
		AssetID:                 &assetID,
		Minimal:                 decimal.NewFromInt(min),
		Optimal:                 decimal.NewFromInt(opt),
		Maximal:                 decimal.NewFromInt(max),
		DeficitStartActionID:    &f.head,
		RedundancyStartActionID: &f.head,
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	return r
}

func observed(amount int64) *types.LiquidityBalance {
	return &types.LiquidityBalance{
		Subject:    types.AssetSubject(1),
		Amount:     decimal.NewFromInt(amount),
		ObservedAt: time.Now(),
	}
}

func TestEvaluateDeficit(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, 100, 500, 1000)

	p, err := f.evaluator(EvaluatorOptions{}).Evaluate(context.Background(), r, observed(50))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if p == nil {
		t.Fatal("no pipeline created")
	}
	if p.Type != types.PipelineTypeDeficit || !p.TargetAmount.Equal(decimal.NewFromInt(450)) {
		t.Errorf("pipeline = %s %s, want DEFICIT 450", p.Type, p.TargetAmount)
	}
	if p.CurrentActionID == nil || *p.CurrentActionID != f.head {
		t.Errorf("current action = %v, want %d", p.CurrentActionID, f.head)
	}
	if f.recorder.Count(events.RuleBreachDetected) != 1 {
		t.Errorf("rule_breach_detected events = %d", f.recorder.Count(events.RuleBreachDetected))
	}
}

func TestEvaluateTargetPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  string
		balance int64
		want    types.PipelineType
		target  int64
	}{
		{"optimal deficit", config.TargetPolicyOptimal, 50, types.PipelineTypeDeficit, 450},
		{"bound deficit", config.TargetPolicyBound, 50, types.PipelineTypeDeficit, 50},
		{"optimal redundancy", config.TargetPolicyOptimal, 1200, types.PipelineTypeRedundancy, 700},
		{"bound redundancy", config.TargetPolicyBound, 1200, types.PipelineTypeRedundancy, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			r := f.rule(t, 100, 500, 1000)

			p, err := f.evaluator(EvaluatorOptions{TargetPolicy: tt.policy}).Evaluate(context.Background(), r, observed(tt.balance))
			if err != nil || p == nil {
				t.Fatalf("Evaluate = %v, %v", p, err)
			}
			if p.Type != tt.want || !p.TargetAmount.Equal(decimal.NewFromInt(tt.target)) {
				t.Errorf("pipeline = %s %s, want %s %d", p.Type, p.TargetAmount, tt.want, tt.target)
			}
		})
	}
}

func TestEvaluateNoOp(t *testing.T) {
	tests := []struct {
		name    string
		balance *types.LiquidityBalance
		status  types.RuleStatus
		maxAge  time.Duration
	}{
		{"within bounds", observed(500), types.RuleStatusActive, 0},
		{"at minimal", observed(100), types.RuleStatusActive, 0},
		{"at maximal", observed(1000), types.RuleStatusActive, 0},
		{"disabled rule", observed(50), types.RuleStatusDisabled, 0},
		{"paused rule", observed(50), types.RuleStatusPaused, 0},
		{"stale balance", &types.LiquidityBalance{Subject: types.AssetSubject(1), Amount: decimal.NewFromInt(50), ObservedAt: time.Now().Add(-time.Hour)}, types.RuleStatusActive, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			r := f.rule(t, 100, 500, 1000)
			r.Status = tt.status

			p, err := f.evaluator(EvaluatorOptions{MaxBalanceAge: tt.maxAge}).Evaluate(context.Background(), r, tt.balance)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if p != nil || f.starter.count() != 0 {
				t.Errorf("pipeline created: %+v", p)
			}
		})
	}
}

func TestEvaluateIsSingleFlight(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, 100, 500, 1000)
	e := f.evaluator(EvaluatorOptions{})
	ctx := context.Background()

	if p, _ := e.Evaluate(ctx, r, observed(50)); p == nil {
		t.Fatal("first tick created no pipeline")
	}
	p, err := e.Evaluate(ctx, r, observed(40))
	if err != nil || p != nil {
		t.Fatalf("second tick = %v, %v; want no-op", p, err)
	}
	if f.starter.count() != 1 {
		t.Errorf("%d pipelines created, want 1", f.starter.count())
	}

	f.starter.finish(r.ID)
	if p, _ := e.Evaluate(ctx, r, observed(40)); p == nil {
		t.Error("no pipeline after the previous one terminated")
	}
}

func TestEvaluateConcurrentTicks(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, 100, 500, 1000)
	e := f.evaluator(EvaluatorOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Evaluate(context.Background(), r, observed(10))
		}()
	}
	wg.Wait()

	if f.starter.count() != 1 {
		t.Errorf("%d pipelines created, want 1", f.starter.count())
	}
}

func TestEvaluateWithoutChainHead(t *testing.T) {
	f := newFixture(t)
	assetID := uint(1)
	r, err := f.rules.CreateRule(RuleInput{
		AssetID:                 &assetID,
		Minimal:                 decimal.NewFromInt(100),
		Optimal:                 decimal.NewFromInt(500),
		Maximal:                 decimal.NewFromInt(1000),
		RedundancyStartActionID: &f.head,
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	p, err := f.evaluator(EvaluatorOptions{}).Evaluate(context.Background(), r, observed(50))
	if err != nil || p != nil {
		t.Fatalf("Evaluate = %v, %v; want no pipeline and no error", p, err)
	}
	if f.recorder.Count(events.UnresolvedImbalance) != 1 {
		t.Errorf("unresolved_imbalance events = %d, want 1", f.recorder.Count(events.UnresolvedImbalance))
	}
}

func TestEvaluateRuleReadsLatestBalance(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, 100, 500, 1000)
	e := f.evaluator(EvaluatorOptions{})
	ctx := context.Background()

	if p, err := e.EvaluateRule(ctx, r); err != nil || p != nil {
		t.Fatalf("EvaluateRule without balance = %v, %v", p, err)
	}

	assetID := uint(1)
	if _, err := f.balances.Observe(ctx, balance.Observation{AssetID: &assetID, Amount: decimal.NewFromInt(2000)}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	p, err := e.EvaluateRule(ctx, r)
	if err != nil || p == nil {
		t.Fatalf("EvaluateRule = %v, %v", p, err)
	}
	if p.Type != types.PipelineTypeRedundancy || !p.TargetAmount.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("pipeline = %s %s, want REDUNDANCY 1500", p.Type, p.TargetAmount)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	f := newFixture(t)
	assetID, fiatID := uint(2), uint(3)
	missing := uint(999)

	tests := []struct {
		name string
		in   RuleInput
		want error
	}{
		{"no subject", RuleInput{Minimal: decimal.NewFromInt(1), Optimal: decimal.NewFromInt(2), Maximal: decimal.NewFromInt(3)}, types.ErrInvalidInput},
		{"both subjects", RuleInput{AssetID: &assetID, FiatID: &fiatID, Minimal: decimal.NewFromInt(1), Optimal: decimal.NewFromInt(2), Maximal: decimal.NewFromInt(3)}, types.ErrInvalidInput},
		{"unordered thresholds", RuleInput{AssetID: &assetID, Minimal: decimal.NewFromInt(5), Optimal: decimal.NewFromInt(2), Maximal: decimal.NewFromInt(3)}, types.ErrInvalidInput},
		{"negative minimal", RuleInput{AssetID: &assetID, Minimal: decimal.NewFromInt(-1), Optimal: decimal.NewFromInt(2), Maximal: decimal.NewFromInt(3)}, types.ErrInvalidInput},
		{"unknown chain head", RuleInput{AssetID: &assetID, Minimal: decimal.NewFromInt(1), Optimal: decimal.NewFromInt(2), Maximal: decimal.NewFromInt(3), DeficitStartActionID: &missing}, types.ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.rules.CreateRule(tt.in); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateRuleRejectsDuplicateSubject(t *testing.T) {
	f := newFixture(t)
	f.rule(t, 1, 2, 3)

	assetID := uint(1)
	_, err := f.rules.CreateRule(RuleInput{AssetID: &assetID, Minimal: decimal.NewFromInt(1), Optimal: decimal.NewFromInt(2), Maximal: decimal.NewFromInt(3)})
	if !errors.Is(err, types.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}

	fiatID := uint(1)
	if _, err := f.rules.CreateRule(RuleInput{FiatID: &fiatID, Minimal: decimal.NewFromInt(1), Optimal: decimal.NewFromInt(2), Maximal: decimal.NewFromInt(3)}); err != nil {
		t.Errorf("fiat rule with the same id: %v", err)
	}
}

func TestUpdateRuleRefusedWhilePipelineInFlight(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, 100, 500, 1000)
	in := RuleInput{Minimal: decimal.NewFromInt(200), Optimal: decimal.NewFromInt(500), Maximal: decimal.NewFromInt(900)}

	f.starter.open[r.ID] = true
	if _, err := f.rules.UpdateRule(r.ID, in); !errors.Is(err, types.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	f.starter.finish(r.ID)
	updated, err := f.rules.UpdateRule(r.ID, in)
	if err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	if !updated.Minimal.Equal(decimal.NewFromInt(200)) || updated.Subject.String() != "asset:1" {
		t.Errorf("updated = %+v", updated)
	}
}

func TestPauseAndReactivate(t *testing.T) {
	f := newFixture(t)
	minutes := 15
	assetID := uint(1)
	r, err := f.rules.CreateRule(RuleInput{
		AssetID:              &assetID,
		Minimal:              decimal.NewFromInt(1),
		Optimal:              decimal.NewFromInt(2),
		Maximal:              decimal.NewFromInt(3),
		DeficitStartActionID: &f.head,
		ReactivationMinutes:  &minutes,
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.rules.now = func() time.Time { return now }
	ctx := context.Background()

	f.rules.HandlePipelineTerminal(ctx, types.LiquidityManagementPipeline{ID: 1, RuleID: r.ID, Status: types.PipelineStatusComplete})
	if got, _ := f.rules.GetRule(r.ID); got.Status != types.RuleStatusActive {
		t.Fatalf("status after completed pipeline = %s", got.Status)
	}

	f.rules.HandlePipelineTerminal(ctx, types.LiquidityManagementPipeline{ID: 2, RuleID: r.ID, Status: types.PipelineStatusFailed, FailureReason: "rejected"})
	got, _ := f.rules.GetRule(r.ID)
	if got.Status != types.RuleStatusPaused || got.PausedAt == nil {
		t.Fatalf("rule after failure = %s paused_at=%v", got.Status, got.PausedAt)
	}

	now = now.Add(10 * time.Minute)
	if n, err := f.rules.ReactivateRules(ctx); err != nil || n != 0 {
		t.Fatalf("early ReactivateRules = %d, %v", n, err)
	}

	now = now.Add(5 * time.Minute)
	if n, err := f.rules.ReactivateRules(ctx); err != nil || n != 1 {
		t.Fatalf("ReactivateRules = %d, %v", n, err)
	}
	got, _ = f.rules.GetRule(r.ID)
	if got.Status != types.RuleStatusActive || got.PausedAt != nil {
		t.Errorf("rule after reactivation = %s paused_at=%v", got.Status, got.PausedAt)
	}
	if f.recorder.Count(events.RulePaused) != 1 || f.recorder.Count(events.RuleReactivated) != 1 {
		t.Errorf("events = %+v", f.recorder.Events())
	}
}

func TestFailureWithoutReactivationKeepsRuleActive(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, 1, 2, 3)

	f.rules.HandlePipelineTerminal(context.Background(), types.LiquidityManagementPipeline{ID: 1, RuleID: r.ID, Status: types.PipelineStatusFailed})
	if got, _ := f.rules.GetRule(r.ID); got.Status != types.RuleStatusActive {
		t.Errorf("status = %s, want ACTIVE", got.Status)
	}
}

func TestDeactivateAndReactivateRule(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, 1, 2, 3)

	got, err := f.rules.DeactivateRule(r.ID)
	if err != nil || got.Status != types.RuleStatusDisabled {
		t.Fatalf("DeactivateRule = %v, %v", got, err)
	}
	if _, err := f.rules.FindActiveRule(types.AssetSubject(1)); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("FindActiveRule on disabled rule: %v", err)
	}

	got, err = f.rules.ReactivateRule(r.ID)
	if err != nil || got.Status != types.RuleStatusActive {
		t.Fatalf("ReactivateRule = %v, %v", got, err)
	}
	if _, err := f.rules.DeactivateRule(404); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("DeactivateRule missing = %v", err)
	}
}

func TestEvaluateSurfacesStartErrors(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, 100, 500, 1000)

	f.starter.err = errors.New("database is locked")
	p, err := f.evaluator(EvaluatorOptions{}).Evaluate(context.Background(), r, observed(50))
	if p != nil || err == nil || err.Error() != "database is locked" {
		t.Errorf("Evaluate = %v, %v; want the storage error", p, err)
	}
}
