package override

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ksred/klear-liquidity/internal/types"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TargetPipeline = "PIPELINE"
	TargetRule     = "RULE"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Transaction runs fn with a Database bound to one transaction
func (d *Database) Transaction(fn func(tx *Database) error) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Database{db: tx})
	})
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

func (d *Database) GetRule(id uint) (*types.LiquidityManagementRule, error) {
	var r types.LiquidityManagementRule
	if err := d.db.First(&r, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: rule %d", types.ErrNotFound, id)
		}
		return nil, err
	}
	return &r, nil
}

// CountOtherOpenPipelines counts unterminated pipelines of ruleID other than pipelineID
func (d *Database) CountOtherOpenPipelines(ruleID, pipelineID uint) (int64, error) {
	var n int64
	err := d.db.Model(&types.LiquidityManagementPipeline{}).
		Where("rule_id = ? AND id <> ? AND status IN ?", ruleID, pipelineID,
			[]types.PipelineStatus{types.PipelineStatusCreated, types.PipelineStatusInProgress}).
		Count(&n).Error
	return n, err
}

func (d *Database) OpenOrder(pipelineID uint) (*types.LiquidityManagementOrder, error) {
	var order types.LiquidityManagementOrder
	err := d.db.Where("pipeline_id = ? AND status IN ?", pipelineID,
		[]types.OrderStatus{types.OrderStatusCreated, types.OrderStatusInProgress}).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *Database) SaveOrder(order *types.LiquidityManagementOrder) error {
	return d.db.Save(order).Error
}

func (d *Database) SavePipeline(p *types.LiquidityManagementPipeline) error {
	return d.db.Save(p).Error
}

func (d *Database) SaveRule(r *types.LiquidityManagementRule) error {
	return d.db.Save(r).Error
}

func (d *Database) CreateRecord(operator, targetType string, targetID uint, changes map[string]interface{}, reason string) (*types.OverrideRecord, error) {
	data, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode override changes: %w", err)
	}
	record := &types.OverrideRecord{
		Operator:   operator,
		TargetType: targetType,
		TargetID:   targetID,
		Changes:    datatypes.JSON(data),
		Reason:     reason,
	}
	if err := d.db.Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to record override: %w", err)
	}
	return record, nil
}

// ListRecords returns override records newest first, optionally for one target
func (d *Database) ListRecords(targetType string, targetID uint) ([]types.OverrideRecord, error) {
	query := d.db.Order("id DESC")
	if targetType != "" {
		query = query.Where("target_type = ?", targetType)
	}
	if targetID != 0 {
		query = query.Where("target_id = ?", targetID)
	}

	var records []types.OverrideRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch override records: %w", err)
	}
	return records, nil
}
