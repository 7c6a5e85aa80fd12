package rule

import (
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-liquidity/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateRule stores r unless another rule already watches the same subject
func (d *Database) CreateRule(r *types.LiquidityManagementRule) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := r.Subject.Scope(tx.Model(&types.LiquidityManagementRule{})).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: a rule for %s already exists", types.ErrConflict, r.Subject)
		}
		if err := tx.Create(r).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: a rule for %s already exists", types.ErrConflict, r.Subject)
			}
			return err
		}
		return nil
	})
}

func (d *Database) UpdateRule(r *types.LiquidityManagementRule) error {
	return d.db.Save(r).Error
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

// ListRules returns all rules, or only those with status when it is set
func (d *Database) ListRules(status types.RuleStatus) ([]types.LiquidityManagementRule, error) {
	query := d.db.Order("id ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var rules []types.LiquidityManagementRule
	if err := query.Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch rules: %w", err)
	}
	return rules, nil
}

func (d *Database) FindBySubject(subject types.Subject) (*types.LiquidityManagementRule, error) {
	var r types.LiquidityManagementRule
	if err := subject.Scope(d.db).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: rule for %s", types.ErrNotFound, subject)
		}
		return nil, err
	}
	return &r, nil
}

// SetStatus moves a rule from one of the from statuses to status. It reports
// false when the rule was not in any of them.
func (d *Database) SetStatus(id uint, status types.RuleStatus, pausedAt *time.Time, from ...types.RuleStatus) (bool, error) {
	query := d.db.Model(&types.LiquidityManagementRule{}).Where("id = ?", id)
	if len(from) > 0 {
		query = query.Where("status IN ?", from)
	}
	result := query.Updates(map[string]interface{}{
		"status":     status,
		"paused_at":  pausedAt,
		"updated_at": time.Now(),
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
