package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-liquidity/internal/types"
	"github.com/ksred/klear-liquidity/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Observer is notified after a fresh balance has been stored
type Observer func(ctx context.Context, b types.LiquidityBalance)

// Service is the balance snapshot store. Collectors write through Observe;
// the engine only reads.
type Service struct {
	db        *Database
	observers []Observer
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Subscribe registers an observer; not safe to call once observations flow
func (s *Service) Subscribe(o Observer) {
	s.observers = append(s.observers, o)
}

type Observation struct {
	AssetID    *uint           `json:"asset_id"`
	FiatID     *uint           `json:"fiat_id"`
	Amount     decimal.Decimal `json:"amount"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Observe replaces the latest balance for the observation's subject
func (s *Service) Observe(ctx context.Context, o Observation) (*types.LiquidityBalance, error) {
	subject := types.Subject{AssetID: o.AssetID, FiatID: o.FiatID}
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	if o.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", types.ErrInvalidInput)
	}
	if o.ObservedAt.IsZero() {
		o.ObservedAt = time.Now().UTC()
	}

	b := &types.LiquidityBalance{
		Subject:    subject,
		Amount:     o.Amount,
		ObservedAt: o.ObservedAt,
	}

	stored, err := s.db.ReplaceBalance(b)
	if err != nil {
		return nil, fmt.Errorf("failed to store balance: %w", err)
	}

	logger := log.With().
		Str("service", "balance").
		Str("subject", subject.String()).
		Logger()

	if !stored {
		logger.Debug().Time("observed_at", o.ObservedAt).Msg("ignored out-of-order balance observation")
		return b, nil
	}

	logger.Debug().Str("amount", b.Amount.String()).Msg("balance observed")

	for _, observer := range s.observers {
		observer(ctx, *b)
	}
	return b, nil
}

// Latest returns the last known balance for subject
func (s *Service) Latest(subject types.Subject) (*types.LiquidityBalance, error) {
	return s.db.GetBalance(subject)
}

func (s *Service) ListBalances() ([]types.LiquidityBalance, error) {
	return s.db.ListBalances()
}

// GinHandlers contains HTTP handlers for balance endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ObserveBalancesHandler accepts a batch of observations from a collector
func (h *GinHandlers) ObserveBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Balances []Observation `json:"balances" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		stored := make([]*types.LiquidityBalance, 0, len(request.Balances))
		for _, o := range request.Balances {
			b, err := h.service.Observe(c.Request.Context(), o)
			if err != nil {
				response.Handle(c, nil, err)
				return
			}
			stored = append(stored, b)
		}

		response.Success(c, stored)
	}
}

func (h *GinHandlers) ListBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		balances, err := h.service.ListBalances()
		response.Handle(c, balances, err)
	}
}
