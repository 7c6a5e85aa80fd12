package override

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-liquidity/internal/auth"
	"github.com/ksred/klear-liquidity/internal/events"
	"github.com/ksred/klear-liquidity/internal/graph"
	"github.com/ksred/klear-liquidity/internal/types"
	"github.com/ksred/klear-liquidity/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const supersededReason = "superseded by override"

// GraphSource freezes the action chain starting at head
type GraphSource interface {
	Snapshot(head uint) (*graph.Graph, error)
}

// Runner drives pipelines after an override
type Runner interface {
	Launch(pipelineID uint)
	Interrupt(orderID uint, reason string)
}

// Service applies audited manual changes to pipelines and rules
type Service struct {
	db     *Database
	graphs GraphSource
	runner Runner
	events events.Emitter
}

func NewService(gormDB *gorm.DB, graphs GraphSource, runner Runner, emitter events.Emitter) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		graphs: graphs,
		runner: runner,
		events: emitter,
	}
}

type PipelineOverride struct {
	Status          *types.PipelineStatus `json:"status"`
	CurrentActionID *uint                 `json:"current_action_id"`
	// RefreshGraph re-snapshots the rule's current chain into the pipeline
	RefreshGraph bool   `json:"refresh_graph"`
	Reason       string `json:"reason" binding:"required"`
}

type RuleOverride struct {
	Status                  *types.RuleStatus `json:"status"`
	Minimal                 *decimal.Decimal  `json:"minimal"`
	Optimal                 *decimal.Decimal  `json:"optimal"`
	Maximal                 *decimal.Decimal  `json:"maximal"`
	DeficitStartActionID    *uint             `json:"deficit_start_action_id"`
	RedundancyStartActionID *uint             `json:"redundancy_start_action_id"`
	ClearDeficitStart       bool              `json:"clear_deficit_start"`
	ClearRedundancyStart    bool              `json:"clear_redundancy_start"`
	Reason                  string            `json:"reason" binding:"required"`
}

type change struct {
	From interface{} `json:"from"`
	To   interface{} `json:"to"`
}

func requireReason(operator, reason string) error {
	if strings.TrimSpace(operator) == "" {
		return fmt.Errorf("%w: operator is required", types.ErrInvalidInput)
	}
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("%w: reason is required", types.ErrInvalidInput)
	}
	return nil
}

func idOrNil(id *uint) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

// OverridePipeline changes a pipeline's status, current action or graph
// snapshot. An open order is closed as Failed. Returning a terminal pipeline
// to work is refused while another pipeline is in flight for its rule.
func (s *Service) OverridePipeline(ctx context.Context, operator string, id uint, in PipelineOverride) (*types.LiquidityManagementPipeline, error) {
	if err := requireReason(operator, in.Reason); err != nil {
		return nil, err
	}
	if in.Status == nil && in.CurrentActionID == nil && !in.RefreshGraph {
		return nil, fmt.Errorf("%w: nothing to change", types.ErrInvalidInput)
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown pipeline status %q", types.ErrInvalidInput, *in.Status)
	}

	current, err := s.db.GetPipeline(id)
	if err != nil {
		return nil, err
	}

	// snapshots read outside the transaction
	var refreshed *graph.Graph
	if in.RefreshGraph {
		r, err := s.db.GetRule(current.RuleID)
		if err != nil {
			return nil, err
		}
		head := r.DeficitStartActionID
		if current.Type == types.PipelineTypeRedundancy {
			head = r.RedundancyStartActionID
		}
		if head == nil {
			return nil, fmt.Errorf("%w: rule %d has no %s chain", types.ErrConfiguration, r.ID, current.Type)
		}
		if refreshed, err = s.graphs.Snapshot(*head); err != nil {
			return nil, err
		}
	}

	var (
		updated    *types.LiquidityManagementPipeline
		superseded uint
	)
	err = s.db.Transaction(func(tx *Database) error {
		p, err := tx.GetPipeline(id)
		if err != nil {
			return err
		}
		changes := map[string]interface{}{}

		g := &graph.Graph{}
		if refreshed != nil {
			data, err := json.Marshal(refreshed)
			if err != nil {
				return err
			}
			p.Graph = datatypes.JSON(data)
			g = refreshed
			changes["graph_refreshed"] = true
		} else if err := json.Unmarshal(p.Graph, g); err != nil {
			return fmt.Errorf("%w: pipeline %d graph snapshot: %v", types.ErrConfiguration, p.ID, err)
		}

		status := p.Status
		if in.Status != nil {
			status = *in.Status
		}

		if in.CurrentActionID != nil {
			if _, ok := g.Node(*in.CurrentActionID); !ok {
				return fmt.Errorf("%w: action %d is not part of the pipeline graph", types.ErrInvalidInput, *in.CurrentActionID)
			}
			if p.CurrentActionID == nil || *p.CurrentActionID != *in.CurrentActionID {
				changes["current_action_id"] = change{From: idOrNil(p.CurrentActionID), To: *in.CurrentActionID}
			}
			next := *in.CurrentActionID
			p.CurrentActionID = &next
		}

		if !status.Terminal() {
			if p.CurrentActionID == nil {
				return fmt.Errorf("%w: an active pipeline needs a current action", types.ErrInvalidInput)
			}
			if _, ok := g.Node(*p.CurrentActionID); !ok {
				return fmt.Errorf("%w: action %d is not part of the pipeline graph", types.ErrInvalidInput, *p.CurrentActionID)
			}
			if p.Status.Terminal() {
				others, err := tx.CountOtherOpenPipelines(p.RuleID, p.ID)
				if err != nil {
					return err
				}
				if others > 0 {
					return fmt.Errorf("%w: rule %d already has a pipeline in flight", types.ErrConflict, p.RuleID)
				}
			}
		}

		if status != p.Status {
			changes["status"] = change{From: p.Status, To: status}
			p.Status = status
			if status == types.PipelineStatusFailed {
				p.FailureReason = "override: " + in.Reason
			} else {
				p.FailureReason = ""
			}
		}

		if len(changes) == 0 {
			return fmt.Errorf("%w: nothing to change", types.ErrInvalidInput)
		}

		order, err := tx.OpenOrder(p.ID)
		if err != nil {
			return err
		}
		if order != nil {
			now := time.Now().UTC()
			order.Status = types.OrderStatusFailed
			order.FailureReason = supersededReason
			order.CompletedAt = &now
			if err := tx.SaveOrder(order); err != nil {
				return err
			}
			p.OrdersProcessed++
			superseded = order.ID
			changes["superseded_order_id"] = order.ID
		}

		if err := tx.SavePipeline(p); err != nil {
			return fmt.Errorf("failed to save pipeline: %w", err)
		}
		if _, err := tx.CreateRecord(operator, TargetPipeline, p.ID, changes, in.Reason); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Warn().
		Str("service", "override").
		Str("operator", operator).
		Uint("pipeline_id", updated.ID).
		Str("status", string(updated.Status)).
		Str("reason", in.Reason).
		Msg("pipeline overridden")

	if superseded != 0 {
		s.runner.Interrupt(superseded, supersededReason)
	}
	if !updated.Status.Terminal() {
		s.runner.Launch(updated.ID)
	}
	s.emit(events.Event{Type: events.OverrideApplied, RuleID: updated.RuleID, PipelineID: updated.ID, Reason: in.Reason})
	return updated, nil
}

// OverrideRule edits a rule regardless of pipelines in flight, e.g. to link
// a fallback chain after the fact
func (s *Service) OverrideRule(ctx context.Context, operator string, id uint, in RuleOverride) (*types.LiquidityManagementRule, error) {
	if err := requireReason(operator, in.Reason); err != nil {
		return nil, err
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown rule status %q", types.ErrInvalidInput, *in.Status)
	}
	if in.ClearDeficitStart && in.DeficitStartActionID != nil || in.ClearRedundancyStart && in.RedundancyStartActionID != nil {
		return nil, fmt.Errorf("%w: cannot set and clear a chain head at once", types.ErrInvalidInput)
	}

	for _, head := range []*uint{in.DeficitStartActionID, in.RedundancyStartActionID} {
		if head == nil {
			continue
		}
		if _, err := s.graphs.Snapshot(*head); err != nil {
			return nil, fmt.Errorf("%w: chain at action %d: %v", types.ErrConfiguration, *head, err)
		}
	}

	var updated *types.LiquidityManagementRule
	err := s.db.Transaction(func(tx *Database) error {
		r, err := tx.GetRule(id)
		if err != nil {
			return err
		}
		changes := map[string]interface{}{}

		if in.Status != nil && *in.Status != r.Status {
			changes["status"] = change{From: r.Status, To: *in.Status}
			r.Status = *in.Status
			r.PausedAt = nil
			if r.Status == types.RuleStatusPaused {
				now := time.Now().UTC()
				r.PausedAt = &now
			}
		}

		thresholds := []struct {
			name   string
			value  *decimal.Decimal
			target *decimal.Decimal
		}{
			{"minimal", in.Minimal, &r.Minimal},
			{"optimal", in.Optimal, &r.Optimal},
			{"maximal", in.Maximal, &r.Maximal},
		}
		for _, t := range thresholds {
			if t.value != nil && !t.value.Equal(*t.target) {
				changes[t.name] = change{From: t.target.String(), To: t.value.String()}
				*t.target = *t.value
			}
		}
		if err := r.ValidateThresholds(); err != nil {
			return err
		}

		heads := []struct {
			name   string
			value  *uint
			clear  bool
			target **uint
		}{
			{"deficit_start_action_id", in.DeficitStartActionID, in.ClearDeficitStart, &r.DeficitStartActionID},
			{"redundancy_start_action_id", in.RedundancyStartActionID, in.ClearRedundancyStart, &r.RedundancyStartActionID},
		}
		for _, h := range heads {
			switch {
			case h.clear && *h.target != nil:
				changes[h.name] = change{From: **h.target, To: nil}
				*h.target = nil
			case h.value != nil && (*h.target == nil || **h.target != *h.value):
				changes[h.name] = change{From: idOrNil(*h.target), To: *h.value}
				v := *h.value
				*h.target = &v
			}
		}

		if len(changes) == 0 {
			return fmt.Errorf("%w: nothing to change", types.ErrInvalidInput)
		}

		if err := tx.SaveRule(r); err != nil {
			return fmt.Errorf("failed to save rule: %w", err)
		}
		if _, err := tx.CreateRecord(operator, TargetRule, r.ID, changes, in.Reason); err != nil {
			return err
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Warn().
		Str("service", "override").
		Str("operator", operator).
		Uint("rule_id", updated.ID).
		Str("reason", in.Reason).
		Msg("rule overridden")

	s.emit(events.Event{Type: events.OverrideApplied, RuleID: updated.ID, Reason: in.Reason})
	return updated, nil
}

func (s *Service) ListRecords(targetType string, targetID uint) ([]types.OverrideRecord, error) {
	return s.db.ListRecords(targetType, targetID)
}

func (s *Service) emit(e events.Event) {
	if s.events != nil {
		s.events.Emit(e)
	}
}

// GinHandlers contains HTTP handlers for administrative overrides
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// operator returns the id of the authenticated operator, writing a 401 when
// the request carries no operator claims
func operator(c *gin.Context) (string, bool) {
	claims, _ := c.Get("claims")
	id := auth.GetOperatorID(claims)
	if id == "" {
		response.Unauthorized(c, "Operator identity required")
		return "", false
	}
	return id, true
}

func (h *GinHandlers) OverridePipelineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID, ok := operator(c)
		if !ok {
			return
		}
		id, ok := response.ParamID(c, "pipeline_id")
		if !ok {
			return
		}

		var in PipelineOverride
		if err := c.ShouldBindJSON(&in); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		p, err := h.service.OverridePipeline(c.Request.Context(), operatorID, id, in)
		response.Handle(c, p, err)
	}
}

func (h *GinHandlers) OverrideRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		operatorID, ok := operator(c)
		if !ok {
			return
		}
		id, ok := response.ParamID(c, "rule_id")
		if !ok {
			return
		}

		var in RuleOverride
		if err := c.ShouldBindJSON(&in); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		r, err := h.service.OverrideRule(c.Request.Context(), operatorID, id, in)
		response.Handle(c, r, err)
	}
}

// ListRecordsHandler supports ?target_type= and ?target_id= filters
func (h *GinHandlers) ListRecordsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		targetType := strings.ToUpper(c.Query("target_type"))
		if targetType != "" && targetType != TargetPipeline && targetType != TargetRule {
			response.BadRequest(c, "target_type must be PIPELINE or RULE")
			return
		}

		var targetID uint
		if raw := c.Query("target_id"); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				response.BadRequest(c, "target_id must be a positive integer")
				return
			}
			targetID = uint(id)
		}

		records, err := h.service.ListRecords(targetType, targetID)
		response.Handle(c, records, err)
	}
}
