package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-liquidity/internal/dispatcher"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Profile describes a simulated external venue
type Profile struct {
	System      string
	MinLatency  int     // in milliseconds
	MaxLatency  int     //
	SuccessRate float64 // 0-1, probability an accepted order settles successfully
	FeeRate     float64 // percentage of transaction value
	RatePerSec  float64 // submissions per second before RATE_LIMITED
	Push        bool    // report completions via callback instead of poll only
	// Commands maps each supported command to its required params
	Commands map[string][]string
}

var defaultProfiles = map[string]Profile{
	"Scrypt": {
		System:      "Scrypt",
		MinLatency:  5,
		MaxLatency:  30,
		SuccessRate: 0.95,
		FeeRate:     0.001, // 0.1%
		RatePerSec:  10,
		Push:        true,
		Commands: map[string][]string{
			"buy":  {"tradeAsset"},
			"sell": {"tradeAsset"},
		},
	},
	"Kraken": {
		System:      "Kraken",
		MinLatency:  10,
		MaxLatency:  50,
		SuccessRate: 0.90,
		FeeRate:     0.0008, // 0.08%
		RatePerSec:  5,
		Push:        true,
		Commands: map[string][]string{
			"buy":      {"tradeAsset"},
			"sell":     {"tradeAsset"},
			"withdraw": {"destinationBlockchain", "destinationAddress"},
		},
	},
	"Binance": {
		System:      "Binance",
		MinLatency:  15,
		MaxLatency:  70,
		SuccessRate: 0.85,
		FeeRate:     0.0005, // 0.05%
		RatePerSec:  5,
		Commands: map[string][]string{
			"buy":      {"tradeAsset"},
			"sell":     {"tradeAsset"},
			"withdraw": {"destinationBlockchain", "destinationAddress"},
		},
	},
	"BankRail": {
		System:      "BankRail",
		MinLatency:  20,
		MaxLatency:  100,
		SuccessRate: 0.75,
		RatePerSec:  1,
		Commands: map[string][]string{
			"transfer": {"iban"},
		},
	},
}

// DefaultProfile returns the built-in profile for system
func DefaultProfile(system string) (Profile, bool) {
	p, ok := defaultProfiles[system]
	return p, ok
}

type simOrder struct {
	outcome  dispatcher.Outcome
	settleAt time.Time
}

// Exchange is a dispatcher.Connector that simulates an external system with
// latency, throttling and a success rate
type Exchange struct {
	profile  Profile
	limiter  *rate.Limiter
	rng      *rand.Rand
	now      func() time.Time
	mu       sync.Mutex
	orders   map[dispatcher.Reference]*simOrder
	handlers []dispatcher.CompletionHandler
	down     bool
}

func New(profile Profile, seed int64) *Exchange {
	limit := rate.Inf
	if profile.RatePerSec > 0 {
		limit = rate.Limit(profile.RatePerSec)
	}
	return &Exchange{
		profile: profile,
		limiter: rate.NewLimiter(limit, 1),
		rng:     rand.New(rand.NewSource(seed)),
		now:     time.Now,
		orders:  make(map[dispatcher.Reference]*simOrder),
	}
}

// NewFromNames builds a connector for each named built-in profile
func NewFromNames(names []string) ([]dispatcher.Connector, error) {
	connectors := make([]dispatcher.Connector, 0, len(names))
	for i, name := range names {
		profile, ok := DefaultProfile(name)
		if !ok {
			return nil, fmt.Errorf("%w %q", dispatcher.ErrUnknownSystem, name)
		}
		connectors = append(connectors, New(profile, time.Now().UnixNano()+int64(i)))
	}
	return connectors, nil
}

func (e *Exchange) System() string {
	return e.profile.System
}

// SetAvailable toggles whether the system accepts submissions
func (e *Exchange) SetAvailable(available bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.down = !available
}

func (e *Exchange) OnCompletion(handler dispatcher.CompletionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

func (e *Exchange) ValidateParams(command string, params map[string]interface{}) error {
	required, ok := e.profile.Commands[command]
	if !ok {
		return fmt.Errorf("command %q not supported by %s", command, e.profile.System)
	}
	for _, key := range required {
		value, exists := params[key]
		if !exists {
			return fmt.Errorf("command %q requires param %q", command, key)
		}
		if s, isString := value.(string); !isString || s == "" {
			return fmt.Errorf("param %q must be a non-empty string", key)
		}
	}
	return nil
}

// Execute accepts the order and schedules its simulated settlement
func (e *Exchange) Execute(ctx context.Context, req dispatcher.Request) (dispatcher.Reference, error) {
	logger := log.With().
		Str("system", e.profile.System).
		Str("command", req.Command).
		Str("amount", req.Amount.String()).
		Logger()

	logger.Info().Msg("attempting to submit order")

	if err := e.ValidateParams(req.Command, req.Params); err != nil {
		return "", dispatcher.NewValidationError(e.profile.System, err)
	}
	if !req.Amount.IsPositive() {
		return "", dispatcher.NewValidationError(e.profile.System, errors.New("amount must be positive"))
	}
	if !e.limiter.Allow() {
		logger.Warn().Msg("submission rate limit exceeded")
		return "", dispatcher.NewRateLimitedError(e.profile.System, errors.New("too many submissions"))
	}

	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		return "", dispatcher.NewUnavailableError(e.profile.System, errors.New("system unavailable"))
	}

	latency := e.profile.MinLatency
	if e.profile.MaxLatency > e.profile.MinLatency {
		latency += e.rng.Intn(e.profile.MaxLatency - e.profile.MinLatency + 1)
	}
	outcome := dispatcher.Succeeded()
	if e.rng.Float64() >= e.profile.SuccessRate {
		outcome = dispatcher.Failed(fmt.Sprintf("execution failed on %s", e.profile.System))
	}

	ref := dispatcher.Reference(fmt.Sprintf("%s-%s", e.profile.System, uuid.New().String()))
	delay := time.Duration(latency) * time.Millisecond
	e.orders[ref] = &simOrder{outcome: outcome, settleAt: e.now().Add(delay)}
	handlers := append([]dispatcher.CompletionHandler(nil), e.handlers...)
	e.mu.Unlock()

	fee := req.Amount.Mul(decimal.NewFromFloat(e.profile.FeeRate))
	logger.Info().
		Str("external_ref", string(ref)).
		Int("latency_ms", latency).
		Str("fee_amount", fee.String()).
		Msg("order accepted")

	if e.profile.Push && len(handlers) > 0 {
		go func() {
			time.Sleep(delay)
			for _, h := range handlers {
				h(context.Background(), e.profile.System, ref, outcome)
			}
		}()
	}

	return ref, nil
}

// CheckCompletion reports the order's outcome once its latency has elapsed
func (e *Exchange) CheckCompletion(ctx context.Context, ref dispatcher.Reference) (dispatcher.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.down {
		return dispatcher.Pending(), dispatcher.NewUnavailableError(e.profile.System, errors.New("system unavailable"))
	}
	order, ok := e.orders[ref]
	if !ok {
		return dispatcher.Failed(fmt.Sprintf("order %s unknown to %s", ref, e.profile.System)), nil
	}
	if e.now().Before(order.settleAt) {
		return dispatcher.Pending(), nil
	}
	return order.outcome, nil
}
