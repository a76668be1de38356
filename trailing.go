package ezibpy

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

var (
	// ErrTrailConflict is returned when a trail spec sets both the fixed
	// amount and the percent.
	ErrTrailConflict = errors.New("trail amount and percent both set")

	// ErrTrailRequired is returned when an operation needs a non-empty
	// trail spec.
	ErrTrailRequired = errors.New("trail amount or percent required")

	// ErrTrailingStopNotFound is returned when no triggerable trailing
	// stop is registered for a symbol.
	ErrTrailingStopNotFound = errors.New("triggerable trailing stop not found")
)

// Trail is a trailing offset: a fixed price amount or a percent of the
// reference price, never both.
type Trail struct {
	Amount  float64
	Percent float64
}

// NewTrail validates and normalizes a trail spec (negatives are taken
// absolute).
func NewTrail(amount, percent float64) (Trail, error) {
	if amount != 0 && percent != 0 {
		return Trail{}, ErrTrailConflict
	}
	return Trail{Amount: absFloat(amount), Percent: absFloat(percent)}, nil
}

// IsZero reports an empty trail spec.
func (t Trail) IsZero() bool {
	return t.Amount == 0 && t.Percent == 0
}

// Offset is the absolute stop distance at a reference price. The fixed
// amount wins when both fields are set.
func (t Trail) Offset(price float64) float64 {
	if t.Amount > 0 {
		return t.Amount
	}
	return price * t.Percent / 100
}

// TrailingStop is an active software trailing stop for one ticket.
// LastPrice is the reference price of the last successful ratchet.
type TrailingStop struct {
	Symbol    string
	OrderID   int64
	ParentID  int64
	Quantity  int64
	LastPrice float64
	Trail     Trail
	TickSize  float64
}

// TriggerableTrailingStop is a pending promotion: once its parent order
// fills and price touches the trigger, the resting stop order is converted
// into an active trailing stop.
type TriggerableTrailingStop struct {
	Symbol        string
	ParentID      int64
	StopOrderID   int64
	TargetOrderID int64
	TriggerPrice  float64
	Trail         Trail
	Quantity      int64
	TickSize      float64
	Account       string
}

// RoundClosestValid snaps a price to the closest multiple of a tick
// resolution, normalized to two decimals. A non-positive resolution only
// normalizes.
func RoundClosestValid(v, res float64) float64 {
	if res <= 0 {
		return math.Round(v*100) / 100
	}
	return math.Round(math.Round(v/res)*res*100) / 100
}

// RegisterTrailingStop adds a ticket to the trailing-stop monitor. The
// stop order must already rest with the broker; ratcheting is driven by
// subsequent trade-timestamp ticks.
func (c *Client) RegisterTrailingStop(tickerID int64, orderID, parentID, quantity int64, lastPrice float64, trail Trail) TrailingStop {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.registerTrailingStopLocked(tickerID, orderID, parentID, quantity, lastPrice, trail)
}

func (c *Client) registerTrailingStopLocked(tickerID int64, orderID, parentID, quantity int64, lastPrice float64, trail Trail) *TrailingStop {
	ts := &TrailingStop{
		Symbol:    c.tickerSymbolLocked(tickerID),
		OrderID:   orderID,
		ParentID:  parentID,
		Quantity:  quantity,
		LastPrice: lastPrice,
		Trail:     trail,
		TickSize:  c.minTickLocked(tickerID),
	}
	c.trailingStops[tickerID] = ts
	return ts
}

// CreateTriggerableTrailingStop registers a pending trailing stop for the
// spec's symbol, replacing any previous registration atomically. Zero
// TickSize is filled from contract details; the account resolves through
// the account rule. Not suitable for options.
func (c *Client) CreateTriggerableTrailingStop(t TriggerableTrailingStop) (TriggerableTrailingStop, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.Symbol == "" {
		return TriggerableTrailingStop{}, errors.New("symbol required")
	}
	trail, err := NewTrail(t.Trail.Amount, t.Trail.Percent)
	if err != nil {
		return TriggerableTrailingStop{}, err
	}
	t.Trail = trail

	if t.Account != "" {
		if !c.knownAccountLocked(t.Account) {
			return TriggerableTrailingStop{}, fmt.Errorf("account %q: %w", t.Account, ErrUnknownAccount)
		}
	} else if t.Account, err = c.defaultAccountLocked(); err != nil {
		return TriggerableTrailingStop{}, err
	}

	if t.TickSize <= 0 {
		t.TickSize = c.minTickLocked(c.tickerIDLocked(t.Symbol))
	}

	reg := t
	c.triggerableStops[t.Symbol] = &reg
	return t, nil
}

// ModifyTriggerableTrailingStop rewrites the trigger price and trail spec
// of a pending registration.
func (c *Client) ModifyTriggerableTrailingStop(symbol string, triggerPrice float64, trail Trail) (TriggerableTrailingStop, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.triggerableStops[symbol]
	if pending == nil {
		return TriggerableTrailingStop{}, fmt.Errorf("%s: %w", symbol, ErrTrailingStopNotFound)
	}
	normalized, err := NewTrail(trail.Amount, trail.Percent)
	if err != nil {
		return TriggerableTrailingStop{}, err
	}
	pending.TriggerPrice = triggerPrice
	pending.Trail = normalized
	return *pending, nil
}

// CancelTriggerableTrailingStop drops a pending registration, reporting
// whether one existed.
func (c *Client) CancelTriggerableTrailingStop(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.triggerableStops[symbol]
	delete(c.triggerableStops, symbol)
	return ok
}

// TrailingStops snapshots the active trailing stops by ticket id.
func (c *Client) TrailingStops() map[int64]TrailingStop {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]TrailingStop, len(c.trailingStops))
	for id, ts := range c.trailingStops {
		out[id] = *ts
	}
	return out
}

// TriggerableTrailingStops snapshots the pending registrations by symbol.
func (c *Client) TriggerableTrailingStops() map[string]TriggerableTrailingStop {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]TriggerableTrailingStop, len(c.triggerableStops))
	for sym, ts := range c.triggerableStops {
		out[sym] = *ts
	}
	return out
}

// updateTrailingStopsLocked ratchets the active trailing stop for a ticket
// on a new trade tick. The registration dies with the position (flat) or
// the stop order (filled). A protective sell leg only moves on a rising
// price, a buy leg on a falling one; the stop is rewritten in place and
// LastPrice advances only when the broker accepted the modification.
func (c *Client) updateTrailingStopsLocked(tickerID int64) {
	ts := c.trailingStops[tickerID]
	if ts == nil {
		return
	}

	if qty, ok := c.positionQuantityLocked(ts.Symbol, ""); ok && qty.IsZero() {
		delete(c.trailingStops, tickerID)
		c.log.Debug("trailing stop removed, position flat", zap.String("symbol", ts.Symbol))
		return
	}
	if rec := c.orders[ts.OrderID]; rec != nil && rec.Status == StatusFilled {
		delete(c.trailingStops, tickerID)
		c.log.Debug("trailing stop removed, stop filled",
			zap.String("symbol", ts.Symbol), zap.Int64("order_id", ts.OrderID))
		return
	}

	var price float64
	if t := c.marketData[tickerID]; t != nil {
		price = t.Last
	}
	if price <= 0 {
		return
	}

	candidate := ts.LastPrice
	switch {
	case ts.Quantity < 0 && ts.LastPrice < price:
		candidate = price - ts.Trail.Offset(price)
	case ts.Quantity > 0 && ts.LastPrice > price:
		candidate = price + ts.Trail.Offset(price)
	}
	candidate = RoundClosestValid(candidate, ts.TickSize)
	if candidate == ts.LastPrice {
		return
	}

	if _, err := c.modifyStopOrderLocked(ts.OrderID, ts.ParentID, candidate, ts.Quantity); err != nil {
		c.log.Warn("trailing stop modify",
			zap.String("symbol", ts.Symbol), zap.Int64("order_id", ts.OrderID), zap.Error(err))
		return
	}
	ts.LastPrice = price
	c.log.Debug("trailing stop ratcheted",
		zap.String("symbol", ts.Symbol), zap.Float64("stop", candidate), zap.Float64("price", price))
}

// triggerTrailingStopsLocked evaluates the pending registration for a
// ticket's symbol. Runs before the ratchet pass on every trade tick. An
// unknown parent abandons the registration; an unfilled parent waits. On a
// price touch the resting stop is rewritten to its initial trail distance
// and, only if the broker accepted it, the registration is promoted to an
// active trailing stop (optionally parking the paired target order at an
// unreachable price).
func (c *Client) triggerTrailingStopsLocked(tickerID int64) {
	symbol := c.tickerSymbolLocked(tickerID)
	pending := c.triggerableStops[symbol]
	if pending == nil {
		return
	}

	parent := c.orders[pending.ParentID]
	if parent == nil {
		delete(c.triggerableStops, symbol)
		c.log.Warn("triggerable trailing stop abandoned, unknown parent",
			zap.String("symbol", symbol), zap.Int64("parent_id", pending.ParentID))
		return
	}
	if parent.Status != StatusFilled {
		return
	}

	var price float64
	if t := c.marketData[tickerID]; t != nil {
		price = t.Last
	}
	if price <= 0 {
		return
	}

	// A protective sell leg (negative quantity) arms when price rises to
	// the trigger, a buy leg when it falls to it.
	triggered := (pending.Quantity > 0 && pending.TriggerPrice >= price) ||
		(pending.Quantity < 0 && pending.TriggerPrice <= price)
	if !triggered {
		return
	}

	if pending.Trail.IsZero() {
		delete(c.triggerableStops, symbol)
		c.log.Warn("triggerable trailing stop abandoned, empty trail", zap.String("symbol", symbol))
		return
	}

	newStop := price - pending.Trail.Offset(price)
	if pending.Quantity > 0 {
		newStop = price + pending.Trail.Offset(price)
	}
	newStop = RoundClosestValid(newStop, pending.TickSize)

	if _, err := c.modifyStopOrderLocked(pending.StopOrderID, pending.ParentID, newStop, pending.Quantity); err != nil {
		c.log.Warn("trailing stop trigger",
			zap.String("symbol", symbol), zap.Int64("order_id", pending.StopOrderID), zap.Error(err))
		return
	}

	delete(c.triggerableStops, symbol)
	c.log.Info("trailing stop triggered",
		zap.String("symbol", symbol), zap.Float64("price", price), zap.Float64("stop", newStop))

	if pending.TargetOrderID > 0 {
		c.neutralizeTargetLocked(pending)
	}

	c.registerTrailingStopLocked(tickerID, pending.StopOrderID, pending.ParentID, pending.Quantity, price, pending.Trail)
}

// neutralizeTargetLocked parks the bracket's target order at an
// unreachable price so the promoted trailing stop manages the exit alone.
// The target stays alive for auditing and auto-cancel.
func (c *Client) neutralizeTargetLocked(pending *TriggerableTrailingStop) {
	extreme := RoundClosestValid(999999, pending.TickSize)
	if pending.Quantity > 0 {
		extreme = RoundClosestValid(pending.TickSize, pending.TickSize)
	}

	var ct *Contract
	if rec := c.orders[pending.TargetOrderID]; rec != nil {
		ct = rec.Contract
	}
	if ct == nil {
		ct = c.contracts[c.tickerIDLocked(pending.Symbol)]
	}
	if ct == nil {
		c.log.Warn("target neutralize, no contract",
			zap.String("symbol", pending.Symbol), zap.Int64("order_id", pending.TargetOrderID))
		return
	}

	o := NewTargetOrder(pending.Quantity, pending.ParentID, extreme, "")
	o.Account = pending.Account
	if _, err := c.placeOrderLocked(ct, o, pending.TargetOrderID); err != nil {
		c.log.Warn("target neutralize",
			zap.Int64("order_id", pending.TargetOrderID), zap.Error(err))
	}
}
