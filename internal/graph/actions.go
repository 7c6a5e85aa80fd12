package graph

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-liquidity/internal/types"
	"github.com/ksred/klear-liquidity/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Validator checks that a system accepts a command with the given params
type Validator interface {
	Validate(system, command string, params map[string]interface{}) error
}

// Service handles authoring of the action graph
type Service struct {
	db        *Database
	validator Validator
}

func NewService(gormDB *gorm.DB, validator Validator) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		validator: validator,
	}
}

type ActionInput struct {
	System      string                 `json:"system" binding:"required"`
	Command     string                 `json:"command" binding:"required"`
	Params      map[string]interface{} `json:"params"`
	OnSuccessID *uint                  `json:"on_success_id"`
	OnFailID    *uint                  `json:"on_fail_id"`
}

// StepInput describes one action of a chain by step number. Step 1 is the head.
type StepInput struct {
	StepNumber    int                    `json:"step_number" binding:"required"`
	System        string                 `json:"system" binding:"required"`
	Command       string                 `json:"command" binding:"required"`
	Params        map[string]interface{} `json:"params"`
	StepOnSuccess *int                   `json:"step_on_success"`
	StepOnFail    *int                   `json:"step_on_fail"`
}

// CreateAction validates and stores a single action. An identical existing
// action is returned instead of creating a duplicate.
func (s *Service) CreateAction(in ActionInput) (*types.LiquidityManagementAction, error) {
	var created *types.LiquidityManagementAction
	err := s.db.Transaction(func(tx *Database) error {
		action, err := s.confirmOrCreate(tx, in)
		created = action
		return err
	})
	return created, err
}

// CreateChain creates the actions of a chain, deduplicating shared nodes,
// and returns the head action
func (s *Service) CreateChain(steps []StepInput) (*types.LiquidityManagementAction, error) {
	byStep := make(map[int]StepInput, len(steps))
	for _, step := range steps {
		if _, dup := byStep[step.StepNumber]; dup {
			return nil, fmt.Errorf("%w: duplicate step %d", types.ErrInvalidInput, step.StepNumber)
		}
		byStep[step.StepNumber] = step
	}

	var head *types.LiquidityManagementAction
	err := s.db.Transaction(func(tx *Database) error {
		created := make(map[int]*types.LiquidityManagementAction)
		visiting := make(map[int]bool)

		var build func(number int) (*types.LiquidityManagementAction, error)
		build = func(number int) (*types.LiquidityManagementAction, error) {
			if action, ok := created[number]; ok {
				return action, nil
			}
			if visiting[number] {
				return nil, fmt.Errorf("%w: step %d", ErrCyclicGraph, number)
			}
			step, ok := byStep[number]
			if !ok {
				return nil, fmt.Errorf("%w: could not find action with step %d", types.ErrInvalidInput, number)
			}
			visiting[number] = true
			defer delete(visiting, number)

			in := ActionInput{System: step.System, Command: step.Command, Params: step.Params}
			if step.StepOnSuccess != nil {
				next, err := build(*step.StepOnSuccess)
				if err != nil {
					return nil, err
				}
				in.OnSuccessID = &next.ID
			}
			if step.StepOnFail != nil {
				next, err := build(*step.StepOnFail)
				if err != nil {
					return nil, err
				}
				in.OnFailID = &next.ID
			}

			action, err := s.confirmOrCreate(tx, in)
			if err != nil {
				return nil, err
			}
			created[number] = action
			return action, nil
		}

		action, err := build(1)
		head = action
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "graph").
		Uint("head_action_id", head.ID).
		Int("steps", len(steps)).
		Msg("action chain created")

	return head, nil
}

func (s *Service) confirmOrCreate(tx *Database, in ActionInput) (*types.LiquidityManagementAction, error) {
	if err := s.validator.Validate(in.System, in.Command, in.Params); err != nil {
		return nil, err
	}

	for _, edge := range []*uint{in.OnSuccessID, in.OnFailID} {
		if edge == nil {
			continue
		}
		if _, err := tx.GetAction(*edge); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDanglingEdge, err)
		}
	}

	existing, err := s.findExisting(tx, in)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	action := &types.LiquidityManagementAction{
		System:      in.System,
		Command:     in.Command,
		Params:      datatypes.JSONMap(in.Params),
		OnSuccessID: in.OnSuccessID,
		OnFailID:    in.OnFailID,
	}
	if err := tx.CreateAction(action); err != nil {
		return nil, fmt.Errorf("failed to create action: %w", err)
	}

	log.Debug().
		Str("service", "graph").
		Uint("action_id", action.ID).
		Str("system", action.System).
		Str("command", action.Command).
		Msg("action created")

	return action, nil
}

func (s *Service) findExisting(tx *Database, in ActionInput) (*types.LiquidityManagementAction, error) {
	candidates, err := tx.FindCandidates(in.System, in.Command, in.OnSuccessID, in.OnFailID)
	if err != nil {
		return nil, err
	}
	want := normalizeParams(in.Params)
	for i := range candidates {
		if reflect.DeepEqual(normalizeParams(candidates[i].Params), want) {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// normalizeParams round-trips params through JSON so numbers and nesting
// compare equal regardless of origin
func normalizeParams(params map[string]interface{}) map[string]interface{} {
	if len(params) == 0 {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return params
	}
	return out
}

// UpdateAction edits an action between pipeline runs. The change is applied to
// the whole graph first so that a new cycle is rejected.
func (s *Service) UpdateAction(id uint, in ActionInput) (*types.LiquidityManagementAction, error) {
	if err := s.validator.Validate(in.System, in.Command, in.Params); err != nil {
		return nil, err
	}

	var updated *types.LiquidityManagementAction
	err := s.db.Transaction(func(tx *Database) error {
		action, err := tx.GetAction(id)
		if err != nil {
			return err
		}

		action.System = in.System
		action.Command = in.Command
		action.Params = datatypes.JSONMap(in.Params)
		action.OnSuccessID = in.OnSuccessID
		action.OnFailID = in.OnFailID

		current, err := tx.LoadGraph()
		if err != nil {
			return err
		}
		if err := current.With(nodeFromAction(*action)).Validate(); err != nil {
			return err
		}

		if err := tx.UpdateAction(action); err != nil {
			return fmt.Errorf("failed to update action: %w", err)
		}
		updated = action
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "graph").
		Uint("action_id", updated.ID).
		Msg("action updated")

	return updated, nil
}

func (s *Service) GetAction(id uint) (*types.LiquidityManagementAction, error) {
	return s.db.GetAction(id)
}

func (s *Service) ListActions() ([]types.LiquidityManagementAction, error) {
	return s.db.ListActions()
}

// Snapshot freezes the chain starting at head. Every reachable action must
// resolve, the chain must be acyclic, and every system must still accept its
// command.
func (s *Service) Snapshot(head uint) (*Graph, error) {
	full, err := s.db.LoadGraph()
	if err != nil {
		return nil, err
	}
	sub, err := full.Subgraph(head)
	if err != nil {
		return nil, err
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	for _, n := range sub.Nodes() {
		if err := s.validator.Validate(n.System, n.Command, n.Params); err != nil {
			return nil, fmt.Errorf("%w: action %d: %v", types.ErrConfiguration, n.ID, err)
		}
	}
	return sub, nil
}

// GinHandlers contains HTTP handlers for action graph endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) CreateActionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in ActionInput
		if err := c.ShouldBindJSON(&in); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		action, err := h.service.CreateAction(in)
		response.Handle(c, action, err)
	}
}

func (h *GinHandlers) CreateChainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Steps []StepInput `json:"steps" binding:"required,min=1,dive"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		head, err := h.service.CreateChain(request.Steps)
		response.Handle(c, head, err)
	}
}

func (h *GinHandlers) UpdateActionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := response.ParamID(c, "action_id")
		if !ok {
			return
		}

		var in ActionInput
		if err := c.ShouldBindJSON(&in); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		action, err := h.service.UpdateAction(id, in)
		response.Handle(c, action, err)
	}
}

func (h *GinHandlers) GetActionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := response.ParamID(c, "action_id")
		if !ok {
			return
		}

		action, err := h.service.GetAction(id)
		response.Handle(c, action, err)
	}
}

func (h *GinHandlers) ListActionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actions, err := h.service.ListActions()
		response.Handle(c, actions, err)
	}
}
