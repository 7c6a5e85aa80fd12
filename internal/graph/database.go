package graph

import (
	"errors"
	"fmt"

	"github.com/ksred/klear-liquidity/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Transaction runs fn against a Database bound to a single transaction
func (d *Database) Transaction(fn func(tx *Database) error) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Database{db: tx})
	})
}

func (d *Database) CreateAction(action *types.LiquidityManagementAction) error {
	return d.db.Create(action).Error
}

func (d *Database) UpdateAction(action *types.LiquidityManagementAction) error {
	return d.db.Save(action).Error
}

func (d *Database) GetAction(id uint) (*types.LiquidityManagementAction, error) {
	var action types.LiquidityManagementAction
	if err := d.db.First(&action, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: action %d", types.ErrNotFound, id)
		}
		return nil, err
	}
	return &action, nil
}

func (d *Database) ListActions() ([]types.LiquidityManagementAction, error) {
	var actions []types.LiquidityManagementAction
	if err := d.db.Order("id ASC").Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch actions: %w", err)
	}
	return actions, nil
}

// FindCandidates returns actions sharing system, command and edges; params
// are compared by the caller
func (d *Database) FindCandidates(system, command string, onSuccessID, onFailID *uint) ([]types.LiquidityManagementAction, error) {
	query := d.db.Where("system = ? AND command = ?", system, command)
	if onSuccessID != nil {
		query = query.Where("on_success_id = ?", *onSuccessID)
	} else {
		query = query.Where("on_success_id IS NULL")
	}
	if onFailID != nil {
		query = query.Where("on_fail_id = ?", *onFailID)
	} else {
		query = query.Where("on_fail_id IS NULL")
	}

	var actions []types.LiquidityManagementAction
	if err := query.Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch candidate actions: %w", err)
	}
	return actions, nil
}

// LoadGraph reads every action into an immutable graph
func (d *Database) LoadGraph() (*Graph, error) {
	actions, err := d.ListActions()
	if err != nil {
		return nil, err
	}
	return New(actions), nil
}
