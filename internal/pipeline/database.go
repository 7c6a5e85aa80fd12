package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-liquidity/internal/graph"
	"github.com/ksred/klear-liquidity/internal/types"
	"gorm.io/gorm"
)

var openPipelineStatuses = []types.PipelineStatus{types.PipelineStatusCreated, types.PipelineStatusInProgress}

var openOrderStatuses = []types.OrderStatus{types.OrderStatusCreated, types.OrderStatusInProgress}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreatePipeline stores p unless the rule already has an unterminated pipeline
func (d *Database) CreatePipeline(p *types.LiquidityManagementPipeline) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var open int64
	if err := tx.Model(&types.LiquidityManagementPipeline{}).
		Where("rule_id = ? AND status IN ?", p.RuleID, openPipelineStatuses).
		Count(&open).Error; err != nil {
		tx.Rollback()
		return err
	}
	if open > 0 {
		tx.Rollback()
		return fmt.Errorf("%w: rule %d already has an unterminated pipeline", types.ErrConflict, p.RuleID)
	}

	if err := tx.Create(p).Error; err != nil {
		tx.Rollback()
		// the partial unique index catches a concurrent creator
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: rule %d already has an unterminated pipeline", types.ErrConflict, p.RuleID)
		}
		return err
	}

	return tx.Commit().Error
}

func (d *Database) GetPipeline(id uint) (*types.LiquidityManagementPipeline, error) {
	var p types.LiquidityManagementPipeline
	if err := d.db.First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: pipeline %d", types.ErrNotFound, id)
		}
		return nil, err
	}
	return &p, nil
}

// ListPipelines returns pipelines newest first, optionally filtered
func (d *Database) ListPipelines(ruleID uint, status types.PipelineStatus) ([]types.LiquidityManagementPipeline, error) {
	query := d.db.Order("id DESC")
	if ruleID != 0 {
		query = query.Where("rule_id = ?", ruleID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var pipelines []types.LiquidityManagementPipeline
	if err := query.Find(&pipelines).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch pipelines: %w", err)
	}
	return pipelines, nil
}

func (d *Database) ListUnterminatedPipelines() ([]types.LiquidityManagementPipeline, error) {
	var pipelines []types.LiquidityManagementPipeline
	if err := d.db.Where("status IN ?", openPipelineStatuses).Order("id ASC").Find(&pipelines).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch unterminated pipelines: %w", err)
	}
	return pipelines, nil
}

func (d *Database) HasUnterminatedPipeline(ruleID uint) (bool, error) {
	var open int64
	err := d.db.Model(&types.LiquidityManagementPipeline{}).
		Where("rule_id = ? AND status IN ?", ruleID, openPipelineStatuses).
		Count(&open).Error
	return open > 0, err
}

// OpenOrder returns the pipeline's Created or InProgress order, nil if none
func (d *Database) OpenOrder(pipelineID uint) (*types.LiquidityManagementOrder, error) {
	var order types.LiquidityManagementOrder
	err := d.db.Where("pipeline_id = ? AND status IN ?", pipelineID, openOrderStatuses).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *Database) ListOrders(pipelineID uint) ([]types.LiquidityManagementOrder, error) {
	var orders []types.LiquidityManagementOrder
	if err := d.db.Where("pipeline_id = ?", pipelineID).Order("id ASC").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch orders: %w", err)
	}
	return orders, nil
}

func (d *Database) FindOrderByRef(system, ref string) (*types.LiquidityManagementOrder, error) {
	var order types.LiquidityManagementOrder
	if err := d.db.Where("system = ? AND external_ref = ?", system, ref).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: order %s/%s", types.ErrNotFound, system, ref)
		}
		return nil, err
	}
	return &order, nil
}

// StartOrder records order as Created and moves the pipeline to InProgress
func (d *Database) StartOrder(order *types.LiquidityManagementOrder) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		result := tx.Model(&types.LiquidityManagementPipeline{}).
			Where("id = ? AND status IN ?", order.PipelineID, openPipelineStatuses).
			Updates(map[string]interface{}{
				"status":     types.PipelineStatusInProgress,
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: pipeline %d is terminal", types.ErrConflict, order.PipelineID)
		}
		return nil
	})
}

// MarkDispatched records the connector's reference for a Created order
func (d *Database) MarkDispatched(orderID uint, ref string, at time.Time) error {
	result := d.db.Model(&types.LiquidityManagementOrder{}).
		Where("id = ? AND status = ?", orderID, types.OrderStatusCreated).
		Updates(map[string]interface{}{
			"status":        types.OrderStatusInProgress,
			"external_ref":  ref,
			"dispatched_at": at,
			"updated_at":    at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: order %d is no longer pending dispatch", types.ErrConflict, orderID)
	}
	return nil
}

// CompletionResult describes the effect of an order completion
type CompletionResult struct {
	// Applied is false when the order was already terminal
	Applied  bool
	Order    *types.LiquidityManagementOrder
	Pipeline *types.LiquidityManagementPipeline
}

// CompleteOrder closes an open order and advances its pipeline along the
// success or fail edge in one transaction. A second completion for the same
// order leaves everything untouched.
func (d *Database) CompleteOrder(orderID uint, success bool, reason string) (*CompletionResult, error) {
	result := &CompletionResult{}
	err := d.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		status := types.OrderStatusComplete
		if !success {
			status = types.OrderStatusFailed
		}

		closed := tx.Model(&types.LiquidityManagementOrder{}).
			Where("id = ? AND status IN ?", orderID, openOrderStatuses).
			Updates(map[string]interface{}{
				"status":         status,
				"failure_reason": reason,
				"completed_at":   now,
				"updated_at":     now,
			})
		if closed.Error != nil {
			return closed.Error
		}

		var order types.LiquidityManagementOrder
		if err := tx.First(&order, orderID).Error; err != nil {
			return err
		}
		result.Order = &order

		var p types.LiquidityManagementPipeline
		if err := tx.First(&p, order.PipelineID).Error; err != nil {
			return err
		}
		result.Pipeline = &p

		if closed.RowsAffected == 0 || p.Status.Terminal() {
			return nil
		}
		result.Applied = true

		p.OrdersProcessed++
		updates := map[string]interface{}{
			"orders_processed": p.OrdersProcessed,
			"updated_at":       now,
		}

		g, err := snapshotOf(&p)
		var node graph.Node
		var found bool
		if err == nil {
			node, found = g.Node(order.ActionID)
		}

		switch {
		case !found:
			p.Status = types.PipelineStatusFailed
			p.FailureReason = fmt.Sprintf("action %d missing from pipeline graph", order.ActionID)
			updates["status"] = p.Status
			updates["failure_reason"] = p.FailureReason
		case node.Next(success) == nil:
			p.Status = types.PipelineStatusComplete
			if !success {
				p.Status = types.PipelineStatusFailed
				p.FailureReason = reason
				updates["failure_reason"] = reason
			}
			updates["status"] = p.Status
		default:
			p.CurrentActionID = node.Next(success)
			updates["current_action_id"] = *p.CurrentActionID
		}

		return tx.Model(&types.LiquidityManagementPipeline{}).
			Where("id = ? AND status = ?", p.ID, types.PipelineStatusInProgress).
			Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FailPipeline marks an unterminated pipeline Failed
func (d *Database) FailPipeline(id uint, reason string) (*types.LiquidityManagementPipeline, error) {
	result := d.db.Model(&types.LiquidityManagementPipeline{}).
		Where("id = ? AND status IN ?", id, openPipelineStatuses).
		Updates(map[string]interface{}{
			"status":         types.PipelineStatusFailed,
			"failure_reason": reason,
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: pipeline %d is already terminal", types.ErrConflict, id)
	}
	return d.GetPipeline(id)
}
