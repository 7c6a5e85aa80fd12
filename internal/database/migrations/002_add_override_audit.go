package migrations

import (
	"github.com/ksred/klear-liquidity/internal/types"
	"gorm.io/gorm"
)

// AddOverrideAudit creates the operator override audit table
func AddOverrideAudit(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.OverrideRecord{}); err != nil {
		return err
	}

	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_override_records_target
		 ON override_records(target_type, target_id)`).Error
}
