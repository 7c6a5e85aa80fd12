package rule

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-liquidity/internal/events"
	"github.com/ksred/klear-liquidity/internal/graph"
	"github.com/ksred/klear-liquidity/internal/types"
	"github.com/ksred/klear-liquidity/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ChainValidator checks that a chain head resolves to a valid action chain
type ChainValidator interface {
	Snapshot(head uint) (*graph.Graph, error)
}

// PipelineChecker reports whether a rule still has a pipeline in flight
type PipelineChecker interface {
	HasUnterminatedPipeline(ruleID uint) (bool, error)
}

// Service is the Rule Store
type Service struct {
	db        *Database
	chains    ChainValidator
	pipelines PipelineChecker
	events    events.Emitter
	now       func() time.Time
}

func NewService(gormDB *gorm.DB, chains ChainValidator, pipelines PipelineChecker, emitter events.Emitter) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		chains:    chains,
		pipelines: pipelines,
		events:    emitter,
		now:       time.Now,
	}
}

type RuleInput struct {
	Context                 string          `json:"context"`
	AssetID                 *uint           `json:"asset_id"`
	FiatID                  *uint           `json:"fiat_id"`
	Minimal                 decimal.Decimal `json:"minimal"`
	Optimal                 decimal.Decimal `json:"optimal"`
	Maximal                 decimal.Decimal `json:"maximal"`
	DeficitStartActionID    *uint           `json:"deficit_start_action_id"`
	RedundancyStartActionID *uint           `json:"redundancy_start_action_id"`
	CheckIntervalSeconds    int             `json:"check_interval_seconds"`
	ReactivationMinutes     *int            `json:"reactivation_minutes"`
}

func (s *Service) validate(r *types.LiquidityManagementRule) error {
	if err := r.Subject.Validate(); err != nil {
		return err
	}
	if err := r.ValidateThresholds(); err != nil {
		return err
	}
	if r.CheckIntervalSeconds < 0 {
		return fmt.Errorf("%w: check_interval_seconds must not be negative", types.ErrInvalidInput)
	}
	if r.ReactivationMinutes != nil && *r.ReactivationMinutes <= 0 {
		return fmt.Errorf("%w: reactivation_minutes must be positive", types.ErrInvalidInput)
	}

	for _, head := range []*uint{r.DeficitStartActionID, r.RedundancyStartActionID} {
		if head == nil {
			continue
		}
		if _, err := s.chains.Snapshot(*head); err != nil {
			return fmt.Errorf("%w: chain at action %d: %v", types.ErrConfiguration, *head, err)
		}
	}
	return nil
}

func apply(r *types.LiquidityManagementRule, in RuleInput) {
	r.Context = in.Context
	r.Minimal = in.Minimal
	r.Optimal = in.Optimal
	r.Maximal = in.Maximal
	r.DeficitStartActionID = in.DeficitStartActionID
	r.RedundancyStartActionID = in.RedundancyStartActionID
	r.CheckIntervalSeconds = in.CheckIntervalSeconds
	r.ReactivationMinutes = in.ReactivationMinutes
}

func (s *Service) CreateRule(in RuleInput) (*types.LiquidityManagementRule, error) {
	r := &types.LiquidityManagementRule{
		Subject: types.Subject{AssetID: in.AssetID, FiatID: in.FiatID},
		Status:  types.RuleStatusActive,
	}
	apply(r, in)

	if err := s.validate(r); err != nil {
		return nil, err
	}
	if err := s.db.CreateRule(r); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "rule").
		Uint("rule_id", r.ID).
		Str("subject", r.Subject.String()).
		Msg("rule created")
	return r, nil
}

// UpdateRule replaces a rule's thresholds and chain heads. The subject cannot
// change and a rule with a pipeline in flight cannot be edited.
func (s *Service) UpdateRule(id uint, in RuleInput) (*types.LiquidityManagementRule, error) {
	r, err := s.db.GetRule(id)
	if err != nil {
		return nil, err
	}

	subject := types.Subject{AssetID: in.AssetID, FiatID: in.FiatID}
	if (subject.AssetID != nil || subject.FiatID != nil) && subject.String() != r.Subject.String() {
		return nil, fmt.Errorf("%w: the subject of a rule cannot change", types.ErrInvalidInput)
	}

	open, err := s.pipelines.HasUnterminatedPipeline(id)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, fmt.Errorf("%w: rule %d has a pipeline in flight", types.ErrConflict, id)
	}

	apply(r, in)
	if err := s.validate(r); err != nil {
		return nil, err
	}
	if err := s.db.UpdateRule(r); err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	return r, nil
}

func (s *Service) GetRule(id uint) (*types.LiquidityManagementRule, error) {
	return s.db.GetRule(id)
}

func (s *Service) ListRules(status types.RuleStatus) ([]types.LiquidityManagementRule, error) {
	return s.db.ListRules(status)
}

// FindActiveRule returns the Active rule watching subject
func (s *Service) FindActiveRule(subject types.Subject) (*types.LiquidityManagementRule, error) {
	r, err := s.db.FindBySubject(subject)
	if err != nil {
		return nil, err
	}
	if r.Status != types.RuleStatusActive {
		return nil, fmt.Errorf("%w: rule for %s is %s", types.ErrNotFound, subject, r.Status)
	}
	return r, nil
}

// DeactivateRule stops new pipelines for the rule. Pipelines in flight run
// to completion.
func (s *Service) DeactivateRule(id uint) (*types.LiquidityManagementRule, error) {
	if _, err := s.db.GetRule(id); err != nil {
		return nil, err
	}
	if _, err := s.db.SetStatus(id, types.RuleStatusDisabled, nil); err != nil {
		return nil, err
	}
	return s.db.GetRule(id)
}

func (s *Service) ReactivateRule(id uint) (*types.LiquidityManagementRule, error) {
	if _, err := s.db.GetRule(id); err != nil {
		return nil, err
	}
	if _, err := s.db.SetStatus(id, types.RuleStatusActive, nil); err != nil {
		return nil, err
	}
	return s.db.GetRule(id)
}

// HandlePipelineTerminal pauses a rule with a reactivation time once one of
// its pipelines has failed
func (s *Service) HandlePipelineTerminal(ctx context.Context, p types.LiquidityManagementPipeline) {
	if p.Status != types.PipelineStatusFailed {
		return
	}

	logger := log.With().
		Str("service", "rule").
		Uint("rule_id", p.RuleID).
		Uint("pipeline_id", p.ID).
		Logger()

	r, err := s.db.GetRule(p.RuleID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load rule of failed pipeline")
		return
	}
	if r.ReactivationMinutes == nil {
		return
	}

	now := s.now().UTC()
	paused, err := s.db.SetStatus(r.ID, types.RuleStatusPaused, &now, types.RuleStatusActive)
	if err != nil {
		logger.Error().Err(err).Msg("failed to pause rule")
		return
	}
	if !paused {
		return
	}

	logger.Warn().Int("reactivation_minutes", *r.ReactivationMinutes).Msg("rule paused after pipeline failure")
	s.emit(events.Event{Type: events.RulePaused, RuleID: r.ID, PipelineID: p.ID, Reason: p.FailureReason})
}

// ReactivateRules returns paused rules whose reactivation time has passed to
// Active
func (s *Service) ReactivateRules(ctx context.Context) (int, error) {
	paused, err := s.db.ListRules(types.RuleStatusPaused)
	if err != nil {
		return 0, err
	}

	now := s.now()
	reactivated := 0
	for _, r := range paused {
		if !r.ShouldReactivate(now) {
			continue
		}
		ok, err := s.db.SetStatus(r.ID, types.RuleStatusActive, nil, types.RuleStatusPaused)
		if err != nil {
			return reactivated, err
		}
		if !ok {
			continue
		}
		reactivated++
		log.Info().Str("service", "rule").Uint("rule_id", r.ID).Msg("rule reactivated")
		s.emit(events.Event{Type: events.RuleReactivated, RuleID: r.ID})
	}
	return reactivated, nil
}

func (s *Service) emit(e events.Event) {
	if s.events != nil {
		s.events.Emit(e)
	}
}

// GinHandlers contains HTTP handlers for rule endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) CreateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in RuleInput
		if err := c.ShouldBindJSON(&in); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		r, err := h.service.CreateRule(in)
		response.Handle(c, r, err)
	}
}

func (h *GinHandlers) UpdateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := response.ParamID(c, "rule_id")
		if !ok {
			return
		}

		var in RuleInput
		if err := c.ShouldBindJSON(&in); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		r, err := h.service.UpdateRule(id, in)
		response.Handle(c, r, err)
	}
}

func (h *GinHandlers) GetRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := response.ParamID(c, "rule_id")
		if !ok {
			return
		}

		r, err := h.service.GetRule(id)
		response.Handle(c, r, err)
	}
}

func (h *GinHandlers) ListRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := types.RuleStatus(c.Query("status"))
		if status != "" && !status.Valid() {
			response.BadRequest(c, "unknown rule status")
			return
		}

		rules, err := h.service.ListRules(status)
		response.Handle(c, rules, err)
	}
}

func (h *GinHandlers) DeactivateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := response.ParamID(c, "rule_id")
		if !ok {
			return
		}

		r, err := h.service.DeactivateRule(id)
		response.Handle(c, r, err)
	}
}

func (h *GinHandlers) ReactivateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := response.ParamID(c, "rule_id")
		if !ok {
			return
		}

		r, err := h.service.ReactivateRule(id)
		response.Handle(c, r, err)
	}
}
