package migrations

import (
	"github.com/ksred/klear-liquidity/internal/types"
	"gorm.io/gorm"
)

// AddLiquidityCore creates the balance, action, rule, pipeline and order tables
func AddLiquidityCore(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&types.LiquidityBalance{},
		&types.LiquidityManagementAction{},
		&types.LiquidityManagementRule{},
		&types.LiquidityManagementPipeline{},
		&types.LiquidityManagementOrder{},
	); err != nil {
		return err
	}

	indexes := []string{
		// One latest balance per subject
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_liquidity_balances_asset
		 ON liquidity_balances(asset_id) WHERE asset_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_liquidity_balances_fiat
		 ON liquidity_balances(fiat_id) WHERE fiat_id IS NOT NULL`,

		// One rule per subject
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_liquidity_management_rules_asset
		 ON liquidity_management_rules(asset_id) WHERE asset_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_liquidity_management_rules_fiat
		 ON liquidity_management_rules(fiat_id) WHERE fiat_id IS NOT NULL`,

		// Single-flight: at most one unterminated pipeline per rule
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_liquidity_management_pipelines_open
		 ON liquidity_management_pipelines(rule_id) WHERE status IN ('CREATED', 'IN_PROGRESS')`,

		// Orders are strictly sequential within a pipeline
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_liquidity_management_orders_open
		 ON liquidity_management_orders(pipeline_id) WHERE status IN ('CREATED', 'IN_PROGRESS')`,

		`CREATE INDEX IF NOT EXISTS idx_liquidity_management_pipelines_status
		 ON liquidity_management_pipelines(status)`,
		`CREATE INDEX IF NOT EXISTS idx_liquidity_management_orders_status
		 ON liquidity_management_orders(status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
