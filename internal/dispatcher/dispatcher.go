package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ksred/klear-liquidity/internal/types"
	"github.com/shopspring/decimal"
)

// Reference is the external system's handle for a submitted order
type Reference string

// Request carries one action's command with its computed amount
type Request struct {
	Command string
	Params  map[string]interface{}
	Amount  decimal.Decimal
}

type OutcomeStatus string

const (
	OutcomePending   OutcomeStatus = "PENDING"
	OutcomeSucceeded OutcomeStatus = "SUCCEEDED"
	OutcomeFailed    OutcomeStatus = "FAILED"
)

// Outcome is the (success|failure) result of an order once known
type Outcome struct {
	Status OutcomeStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

func Succeeded() Outcome { return Outcome{Status: OutcomeSucceeded} }

func Failed(reason string) Outcome { return Outcome{Status: OutcomeFailed, Reason: reason} }

func Pending() Outcome { return Outcome{Status: OutcomePending} }

// Done reports whether the outcome is final
func (o Outcome) Done() bool {
	return o.Status == OutcomeSucceeded || o.Status == OutcomeFailed
}

// Connector is the capability every external trading or custody system provides.
//
// Execute must fail fast with a classified *Error when the order cannot be
// submitted. CheckCompletion is the reconciliation poll: it returns a Pending
// outcome while the external system has not settled the order.
type Connector interface {
	System() string
	ValidateParams(command string, params map[string]interface{}) error
	Execute(ctx context.Context, req Request) (Reference, error)
	CheckCompletion(ctx context.Context, ref Reference) (Outcome, error)
}

// CompletionHandler receives out-of-band completion reports
type CompletionHandler func(ctx context.Context, system string, ref Reference, outcome Outcome)

// Notifier is implemented by connectors that push completions instead of
// waiting to be polled
type Notifier interface {
	OnCompletion(handler CompletionHandler)
}

// Registry resolves an action's system name to its connector
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry(connectors ...Connector) (*Registry, error) {
	r := &Registry{connectors: make(map[string]Connector)}
	for _, c := range connectors {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[c.System()]; exists {
		return fmt.Errorf("%w: connector %q already registered", types.ErrConfiguration, c.System())
	}
	r.connectors[c.System()] = c
	return nil
}

func (r *Registry) Get(system string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[system]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownSystem, system)
	}
	return c, nil
}

// Validate checks that system is known and accepts the command with params
func (r *Registry) Validate(system, command string, params map[string]interface{}) error {
	c, err := r.Get(system)
	if err != nil {
		return err
	}
	if err := c.ValidateParams(command, params); err != nil {
		return fmt.Errorf("%w: %s %s: %v", types.ErrInvalidInput, system, command, err)
	}
	return nil
}

// Subscribe hands handler to every connector that pushes completions
func (r *Registry) Subscribe(handler CompletionHandler) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.connectors {
		if n, ok := c.(Notifier); ok {
			n.OnCompletion(handler)
		}
	}
}

// Systems returns the registered system names in sorted order
func (r *Registry) Systems() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
