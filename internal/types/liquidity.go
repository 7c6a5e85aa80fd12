package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type RuleStatus string

const (
	RuleStatusActive   RuleStatus = "ACTIVE"
	RuleStatusDisabled RuleStatus = "DISABLED"
	RuleStatusPaused   RuleStatus = "PAUSED"
)

func (s RuleStatus) Valid() bool {
	switch s {
	case RuleStatusActive, RuleStatusDisabled, RuleStatusPaused:
		return true
	}
	return false
}

type PipelineType string

const (
	PipelineTypeDeficit    PipelineType = "DEFICIT"
	PipelineTypeRedundancy PipelineType = "REDUNDANCY"
)

type PipelineStatus string

const (
	PipelineStatusCreated    PipelineStatus = "CREATED"
	PipelineStatusInProgress PipelineStatus = "IN_PROGRESS"
	PipelineStatusComplete   PipelineStatus = "COMPLETE"
	PipelineStatusFailed     PipelineStatus = "FAILED"
)

// Terminal reports whether no further action will be taken for the pipeline.
func (s PipelineStatus) Terminal() bool {
	return s == PipelineStatusComplete || s == PipelineStatusFailed
}

func (s PipelineStatus) Valid() bool {
	switch s {
	case PipelineStatusCreated, PipelineStatusInProgress, PipelineStatusComplete, PipelineStatusFailed:
		return true
	}
	return false
}

type OrderStatus string

const (
	OrderStatusCreated    OrderStatus = "CREATED"
	OrderStatusInProgress OrderStatus = "IN_PROGRESS"
	OrderStatusComplete   OrderStatus = "COMPLETE"
	OrderStatusFailed     OrderStatus = "FAILED"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusComplete || s == OrderStatusFailed
}

// Subject identifies the monitored asset or fiat. Exactly one id is set.
type Subject struct {
	AssetID *uint `json:"asset_id,omitempty"`
	FiatID  *uint `json:"fiat_id,omitempty"`
}

func AssetSubject(id uint) Subject { return Subject{AssetID: &id} }

func FiatSubject(id uint) Subject { return Subject{FiatID: &id} }

func (s Subject) Validate() error {
	if (s.AssetID == nil) == (s.FiatID == nil) {
		return fmt.Errorf("%w: exactly one of asset_id or fiat_id must be set", ErrInvalidInput)
	}
	return nil
}

func (s Subject) String() string {
	switch {
	case s.AssetID != nil:
		return fmt.Sprintf("asset:%d", *s.AssetID)
	case s.FiatID != nil:
		return fmt.Sprintf("fiat:%d", *s.FiatID)
	}
	return "unknown"
}

// Scope restricts a query to rows belonging to the subject.
func (s Subject) Scope(db *gorm.DB) *gorm.DB {
	if s.AssetID != nil {
		return db.Where("asset_id = ? AND fiat_id IS NULL", *s.AssetID)
	}
	if s.FiatID != nil {
		return db.Where("fiat_id = ? AND asset_id IS NULL", *s.FiatID)
	}
	return db.Where("1 = 0")
}

// LiquidityBalance is the latest observed amount of one subject. Written by
// balance collectors only.
type LiquidityBalance struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	Subject    Subject         `gorm:"embedded" json:"subject"`
	Amount     decimal.Decimal `gorm:"type:varchar(64)" json:"amount"`
	ObservedAt time.Time       `json:"observed_at"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type LiquidityManagementAction struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	System      string            `gorm:"not null" json:"system"`
	Command     string            `gorm:"not null" json:"command"`
	Params      datatypes.JSONMap `json:"params,omitempty"`
	OnSuccessID *uint             `json:"on_success_id,omitempty"`
	OnFailID    *uint             `json:"on_fail_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Terminal reports whether the action has no outgoing edge.
func (a *LiquidityManagementAction) Terminal() bool {
	return a.OnSuccessID == nil && a.OnFailID == nil
}

type LiquidityManagementRule struct {
	ID                      uint            `gorm:"primaryKey" json:"id"`
	Context                 string          `json:"context,omitempty"`
	Subject                 Subject         `gorm:"embedded" json:"subject"`
	Status                  RuleStatus      `gorm:"not null" json:"status"`
	Minimal                 decimal.Decimal `gorm:"type:varchar(64)" json:"minimal"`
	Optimal                 decimal.Decimal `gorm:"type:varchar(64)" json:"optimal"`
	Maximal                 decimal.Decimal `gorm:"type:varchar(64)" json:"maximal"`
	DeficitStartActionID    *uint           `json:"deficit_start_action_id,omitempty"`
	RedundancyStartActionID *uint           `json:"redundancy_start_action_id,omitempty"`
	CheckIntervalSeconds    int             `json:"check_interval_seconds,omitempty"`
	ReactivationMinutes     *int            `json:"reactivation_minutes,omitempty"`
	PausedAt                *time.Time      `json:"paused_at,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// ValidateThresholds checks 0 <= minimal <= optimal <= maximal.
func (r *LiquidityManagementRule) ValidateThresholds() error {
	if r.Minimal.IsNegative() {
		return fmt.Errorf("%w: minimal must not be negative", ErrInvalidInput)
	}
	if r.Minimal.GreaterThan(r.Optimal) || r.Optimal.GreaterThan(r.Maximal) {
		return fmt.Errorf("%w: thresholds must satisfy minimal <= optimal <= maximal", ErrInvalidInput)
	}
	return nil
}

// ShouldReactivate reports whether a paused rule has waited out its reactivation time.
func (r *LiquidityManagementRule) ShouldReactivate(now time.Time) bool {
	if r.Status != RuleStatusPaused || r.ReactivationMinutes == nil || r.PausedAt == nil {
		return false
	}
	return !now.Before(r.PausedAt.Add(time.Duration(*r.ReactivationMinutes) * time.Minute))
}

type LiquidityManagementPipeline struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	RuleID          uint            `gorm:"not null;index" json:"rule_id"`
	Type            PipelineType    `gorm:"not null" json:"type"`
	Status          PipelineStatus  `gorm:"not null" json:"status"`
	TargetAmount    decimal.Decimal `gorm:"type:varchar(64)" json:"target_amount"`
	OrdersProcessed int             `json:"orders_processed"`
	CurrentActionID *uint           `json:"current_action_id,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	Graph           datatypes.JSON  `json:"-"` // frozen action subgraph
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type LiquidityManagementOrder struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	PipelineID    uint            `gorm:"not null;index" json:"pipeline_id"`
	ActionID      uint            `gorm:"not null" json:"action_id"`
	System        string          `json:"system"`
	Command       string          `json:"command"`
	Amount        decimal.Decimal `gorm:"type:varchar(64)" json:"amount"`
	Status        OrderStatus     `gorm:"not null" json:"status"`
	ExternalRef   string          `gorm:"index" json:"external_ref,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	DispatchedAt  *time.Time      `json:"dispatched_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// OverrideRecord is the audit trail of an operator's manual change.
type OverrideRecord struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	Operator   string         `gorm:"not null" json:"operator"`
	TargetType string         `gorm:"not null" json:"target_type"` // PIPELINE or RULE
	TargetID   uint           `gorm:"not null" json:"target_id"`
	Changes    datatypes.JSON `json:"changes"`
	Reason     string         `gorm:"not null" json:"reason"`
	CreatedAt  time.Time      `json:"created_at"`
}
