package pipeline

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-liquidity/internal/dispatcher"
	"github.com/ksred/klear-liquidity/internal/graph"
	"github.com/ksred/klear-liquidity/internal/types"
	"github.com/ksred/klear-liquidity/pkg/response"
)

func (e *Executor) GetPipeline(id uint) (*types.LiquidityManagementPipeline, error) {
	return e.db.GetPipeline(id)
}

func (e *Executor) ListPipelines(ruleID uint, status types.PipelineStatus) ([]types.LiquidityManagementPipeline, error) {
	return e.db.ListPipelines(ruleID, status)
}

func (e *Executor) ListOrders(pipelineID uint) ([]types.LiquidityManagementOrder, error) {
	if _, err := e.db.GetPipeline(pipelineID); err != nil {
		return nil, err
	}
	return e.db.ListOrders(pipelineID)
}

// HasUnterminatedPipeline reports whether the rule has a Created or InProgress pipeline
func (e *Executor) HasUnterminatedPipeline(ruleID uint) (bool, error) {
	return e.db.HasUnterminatedPipeline(ruleID)
}

// Snapshot returns the action graph frozen into the pipeline
func (e *Executor) Snapshot(pipelineID uint) (*graph.Graph, error) {
	p, err := e.db.GetPipeline(pipelineID)
	if err != nil {
		return nil, err
	}
	return snapshotOf(p)
}

// GinHandlers contains HTTP handlers for pipeline endpoints
type GinHandlers struct {
	executor *Executor
}

func NewGinHandlers(executor *Executor) *GinHandlers {
	return &GinHandlers{
		executor: executor,
	}
}

func (h *GinHandlers) GetPipelineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := response.ParamID(c, "pipeline_id")
		if !ok {
			return
		}

		p, err := h.executor.GetPipeline(id)
		response.Handle(c, p, err)
	}
}

// ListPipelinesHandler supports ?rule_id= and ?status= filters
func (h *GinHandlers) ListPipelinesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ruleID uint
		if raw := c.Query("rule_id"); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				response.BadRequest(c, "rule_id must be a positive integer")
				return
			}
			ruleID = uint(id)
		}

		status := types.PipelineStatus(c.Query("status"))
		if status != "" && !status.Valid() {
			response.BadRequest(c, "unknown pipeline status")
			return
		}

		pipelines, err := h.executor.ListPipelines(ruleID, status)
		response.Handle(c, pipelines, err)
	}
}

func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := response.ParamID(c, "pipeline_id")
		if !ok {
			return
		}

		orders, err := h.executor.ListOrders(id)
		response.Handle(c, orders, err)
	}
}

func (h *GinHandlers) GetGraphHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := response.ParamID(c, "pipeline_id")
		if !ok {
			return
		}

		g, err := h.executor.Snapshot(id)
		response.Handle(c, g, err)
	}
}

// CallbackHandler is the completion webhook for external systems
func (h *GinHandlers) CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Reference string                   `json:"reference" binding:"required"`
			Status    dispatcher.OutcomeStatus `json:"status" binding:"required"`
			Reason    string                   `json:"reason"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		outcome := dispatcher.Outcome{Status: request.Status, Reason: request.Reason}
		if !outcome.Done() {
			response.BadRequest(c, "status must be SUCCEEDED or FAILED")
			return
		}

		err := h.executor.HandleCallback(c.Request.Context(), c.Param("system"), dispatcher.Reference(request.Reference), outcome)
		response.Handle(c, gin.H{"accepted": true}, err)
	}
}
