package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Type names one engine state transition
type Type string

const (
	RuleBreachDetected  Type = "rule_breach_detected"
	UnresolvedImbalance Type = "unresolved_imbalance"
	PipelineCreated     Type = "pipeline_created"
	OrderDispatched     Type = "order_dispatched"
	OrderCompleted      Type = "order_completed"
	OrderFailed         Type = "order_failed"
	OrderStalled        Type = "order_stalled"
	PipelineComplete    Type = "pipeline_complete"
	PipelineFailed      Type = "pipeline_failed"
	ConfigurationError  Type = "configuration_error"
	RulePaused          Type = "rule_paused"
	RuleReactivated     Type = "rule_reactivated"
	OverrideApplied     Type = "override_applied"
)

// Alert reports whether the event needs operator attention
func (t Type) Alert() bool {
	switch t {
	case UnresolvedImbalance, OrderStalled, PipelineFailed, ConfigurationError:
		return true
	}
	return false
}

type Event struct {
	Type       Type             `json:"type"`
	RuleID     uint             `json:"rule_id,omitempty"`
	PipelineID uint             `json:"pipeline_id,omitempty"`
	OrderID    uint             `json:"order_id,omitempty"`
	ActionID   uint             `json:"action_id,omitempty"`
	System     string           `json:"system,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Time       time.Time        `json:"time"`
}

// Emitter receives engine events
type Emitter interface {
	Emit(Event)
}

// Bus logs every event and fans it out to websocket subscribers
type Bus struct {
	logger zerolog.Logger
	hub    *Hub
}

func NewBus(hub *Hub) *Bus {
	return &Bus{
		logger: log.With().Str("component", "events").Logger(),
		hub:    hub,
	}
}

func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	entry := b.logger.Info()
	if e.Type.Alert() {
		entry = b.logger.Warn().Bool("alert", true)
	}
	entry = entry.Str("event", string(e.Type))
	if e.RuleID != 0 {
		entry = entry.Uint("rule_id", e.RuleID)
	}
	if e.PipelineID != 0 {
		entry = entry.Uint("pipeline_id", e.PipelineID)
	}
	if e.OrderID != 0 {
		entry = entry.Uint("order_id", e.OrderID)
	}
	if e.ActionID != 0 {
		entry = entry.Uint("action_id", e.ActionID)
	}
	if e.System != "" {
		entry = entry.Str("system", e.System)
	}
	if e.Amount != nil {
		entry = entry.Str("amount", e.Amount.String())
	}
	if e.Reason != "" {
		entry = entry.Str("reason", e.Reason)
	}
	entry.Msg("liquidity event")

	if b.hub == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}
	b.hub.Broadcast(payload)
}

// Recorder keeps emitted events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type t were recorded
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
