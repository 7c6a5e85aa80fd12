package balance

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

// ReplaceBalance stores b as the latest observation for its subject. An
// observation older than the stored one is ignored; stored reports which.
func (d *Database) ReplaceBalance(b *types.LiquidityBalance) (stored bool, err error) {
	err = d.db.Transaction(func(tx *gorm.DB) error {
		var existing types.LiquidityBalance
		findErr := tx.Scopes(b.Subject.Scope).First(&existing).Error
		switch {
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			stored = true
			return tx.Create(b).Error
		case findErr != nil:
			return findErr
		}

		if b.ObservedAt.Before(existing.ObservedAt) {
			*b = existing
			return nil
		}

		existing.Amount = b.Amount
		existing.ObservedAt = b.ObservedAt
		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		*b = existing
		stored = true
		return nil
	})
	return stored, err
}

func (d *Database) GetBalance(subject types.Subject) (*types.LiquidityBalance, error) {
	var b types.LiquidityBalance
	if err := d.db.Scopes(subject.Scope).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no balance for %s", types.ErrNotFound, subject)
		}
		return nil, err
	}
	return &b, nil
}

func (d *Database) ListBalances() ([]types.LiquidityBalance, error) {
	var balances []types.LiquidityBalance
	if err := d.db.Order("id ASC").Find(&balances).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch balances: %w", err)
	}
	return balances, nil
}
