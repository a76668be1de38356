package ezibpy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tracker statuses. SENT and OPENED are local; everything after comes from
// the broker verbatim (uppercased).
const (
	StatusSent      = "SENT"
	StatusOpened    = "OPENED"
	StatusFilled    = "FILLED"
	StatusCancelled = "CANCELLED"
)

// ErrOrderNotFound is returned when an operation references an order id the
// tracker has never seen.
var ErrOrderNotFound = errors.New("order not found")

// OrderRecord is the tracker's view of one order. Attached collects child
// order ids (bracket legs) as their status events arrive.
type OrderRecord struct {
	ID           int64
	Symbol       string
	Contract     *Contract
	Spec         *Order
	Status       string
	Reason       string
	AvgFillPrice float64
	ParentID     int64
	Account      string
	Attached     map[int64]bool
	Time         time.Time
}

// Bracket identifies the legs of a bracket order set.
type Bracket struct {
	Group         string
	EntryOrderID  int64
	TargetOrderID int64
	StopOrderID   int64
}

func isTerminalStatus(status string) bool {
	return status == StatusFilled || strings.Contains(status, StatusCancelled)
}

func (r *OrderRecord) snapshot() OrderRecord {
	cp := *r
	cp.Attached = make(map[int64]bool, len(r.Attached))
	for id := range r.Attached {
		cp.Attached[id] = true
	}
	return cp
}

// handleOpenOrderLocked promotes a SENT record to OPENED using the echoed
// contract and spec. An open-order echo for an id already past SENT is a
// duplicate and mutates nothing.
func (c *Client) handleOpenOrderLocked(ev *OpenOrder) {
	_ = c.gw.ReqCurrentTime()
	c.registerContractLocked(ev.Contract)

	if rec := c.orders[ev.OrderID]; rec != nil && rec.Status != StatusSent {
		return
	}

	rec := &OrderRecord{
		ID:       ev.OrderID,
		Symbol:   c.contractKeyLocked(ev.Contract),
		Contract: ev.Contract,
		Spec:     ev.Order,
		Status:   StatusOpened,
		Attached: make(map[int64]bool),
		Time:     c.nowLocked(),
	}
	if ev.Order != nil {
		rec.Account = ev.Order.Account
	}
	if prev := c.orders[ev.OrderID]; prev != nil {
		for id := range prev.Attached {
			rec.Attached[id] = true
		}
		if rec.Account == "" {
			rec.Account = prev.Account
		}
	}
	c.orders[ev.OrderID] = rec

	c.rebuildOrderViewsLocked()
	c.emitLocked("openOrder", ev, nil)
}

// handleOrderStatusLocked applies a status transition. A status equal to
// the stored one is a duplicate: no mutation, no callback. A transition to
// FILLED with the account flat cancels the attached bracket legs.
func (c *Client) handleOrderStatusLocked(ev *OrderStatus) {
	_ = c.gw.ReqCurrentTime()

	rec := c.orders[ev.OrderID]
	if rec == nil {
		c.log.Debug("status for unknown order", zap.Int64("order_id", ev.OrderID))
		return
	}
	status := strings.ToUpper(ev.Status)
	if rec.Status == status {
		return
	}

	rec.Status = status
	rec.Reason = ev.WhyHeld
	rec.AvgFillPrice = ev.AvgFillPrice
	rec.ParentID = ev.ParentID
	rec.Time = c.nowLocked()

	if ev.ParentID != 0 {
		if parent := c.orders[ev.ParentID]; parent != nil {
			if parent.Attached == nil {
				parent.Attached = make(map[int64]bool)
			}
			parent.Attached[ev.OrderID] = true
		}
	}

	if status == StatusFilled {
		c.autoCancelAttachedLocked(rec)
	}

	c.rebuildOrderViewsLocked()
	c.emitLocked("orderStatus", ev, nil)
}

// autoCancelAttachedLocked cancels the sibling legs of a filled order once
// the account's position in the symbol is flat: every non-terminal id in
// the fill's own attached set and in its parent's (minus the fill itself).
func (c *Client) autoCancelAttachedLocked(rec *OrderRecord) {
	qty, ok := c.positionQuantityLocked(rec.Symbol, rec.Account)
	if !ok {
		c.log.Warn("skip attached-order cancel, account unresolved",
			zap.Int64("order_id", rec.ID), zap.String("symbol", rec.Symbol))
		return
	}
	if !qty.IsZero() {
		return
	}

	ids := make(map[int64]bool, len(rec.Attached))
	for id := range rec.Attached {
		ids[id] = true
	}
	if parent := c.orders[rec.ParentID]; rec.ParentID != 0 && parent != nil {
		for id := range parent.Attached {
			if id != rec.ID {
				ids[id] = true
			}
		}
	}

	sorted := make([]int64, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, id := range sorted {
		attached := c.orders[id]
		if attached == nil || isTerminalStatus(attached.Status) {
			continue
		}
		c.log.Debug("cancel attached order", zap.Int64("order_id", id), zap.Int64("filled_id", rec.ID))
		if err := c.gw.CancelOrder(id); err != nil {
			c.log.Error("cancel attached order", zap.Int64("order_id", id), zap.Error(err))
		}
	}
}

func (c *Client) rebuildOrderViewsLocked() {
	bySymbol := make(map[string]map[int64]*OrderRecord)
	byAccount := make(map[string]map[string]map[int64]*OrderRecord)
	for id, rec := range c.orders {
		sym := bySymbol[rec.Symbol]
		if sym == nil {
			sym = make(map[int64]*OrderRecord)
			bySymbol[rec.Symbol] = sym
		}
		sym[id] = rec

		acct := byAccount[rec.Account]
		if acct == nil {
			acct = make(map[string]map[int64]*OrderRecord)
			byAccount[rec.Account] = acct
		}
		acctSym := acct[rec.Symbol]
		if acctSym == nil {
			acctSym = make(map[int64]*OrderRecord)
			acct[rec.Symbol] = acctSym
		}
		acctSym[id] = rec
	}
	c.ordersBySymbol = bySymbol
	c.ordersByAccount = byAccount
}

// placeOrderLocked submits an order: prices are snapped to the contract's
// tick size, the account resolved, and the SENT record inserted before the
// wire call. A failed send restores whatever record the id held before.
// Order id 0 uses the current local counter.
func (c *Client) placeOrderLocked(ct *Contract, o *Order, orderID int64) (int64, error) {
	_ = c.gw.ReqIDs(1)

	key := c.contractKeyLocked(ct)
	tid := c.tickerIDLocked(key)
	minTick := c.minTickLocked(tid)
	o.LmtPrice = RoundClosestValid(o.LmtPrice, minTick)
	o.AuxPrice = RoundClosestValid(o.AuxPrice, minTick)

	if o.Account == "" {
		account, err := c.defaultAccountLocked()
		if err != nil {
			return 0, err
		}
		o.Account = account
	}
	if o.ClientID == 0 {
		o.ClientID = c.cfg.ClientID
	}

	useID := orderID
	if useID == 0 {
		useID = c.orderID
	}

	prev, hadPrev := c.orders[useID]
	c.orders[useID] = &OrderRecord{
		ID:       useID,
		Symbol:   key,
		Contract: ct,
		Spec:     o,
		Status:   StatusSent,
		Account:  o.Account,
		Attached: make(map[int64]bool),
		Time:     c.nowLocked(),
	}

	if err := c.gw.PlaceOrder(useID, ct, o); err != nil {
		if hadPrev {
			c.orders[useID] = prev
		} else {
			delete(c.orders, useID)
		}
		return 0, fmt.Errorf("place order %d: %w", useID, err)
	}

	_ = c.gw.ReqIDs(1)
	return useID, nil
}

// PlaceOrder submits an order for a contract. Order id 0 allocates from
// the local counter; an explicit id of a live order performs
// cancel-and-replace broker-side.
func (c *Client) PlaceOrder(ct *Contract, o *Order, orderID int64) (int64, error) {
	if ct == nil || o == nil {
		return 0, errors.New("contract and order required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.placeOrderLocked(ct, o, orderID)
}

// CancelOrder asks the broker to cancel an order. The tracker keeps the
// record; the cancellation lands through a later status event.
func (c *Client) CancelOrder(orderID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelOrderLocked(orderID)
}

func (c *Client) cancelOrderLocked(orderID int64) error {
	_ = c.gw.ReqIDs(1)
	err := c.gw.CancelOrder(orderID)
	_ = c.gw.ReqIDs(1)
	if err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

// ModifyStopOrder rewrites a live stop at the same order id
// (cancel-and-replace) with a new stop price.
func (c *Client) ModifyStopOrder(orderID, parentID int64, newStop float64, quantity int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modifyStopOrderLocked(orderID, parentID, newStop, quantity)
}

func (c *Client) modifyStopOrderLocked(orderID, parentID int64, newStop float64, quantity int64) (int64, error) {
	rec := c.orders[orderID]
	if rec == nil {
		return 0, fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
	}
	ct := rec.Contract
	if ct == nil {
		ct = c.contracts[c.tickerIDLocked(rec.Symbol)]
	}
	if ct == nil {
		return 0, fmt.Errorf("order %d: no contract for %s", orderID, rec.Symbol)
	}
	o := NewStopOrder(quantity, parentID, newStop, false, "")
	o.Account = rec.Account
	return c.placeOrderLocked(ct, o, orderID)
}

// CreateBracketOrder places an OCA bracket: entry (held untransmitted),
// opposite-side target at the next order id, opposite-side stop at the one
// after. The last leg transmits the set. Zero target/stop skips that leg.
// On a failed leg the ids placed so far are returned with the error.
func (c *Client) CreateBracketOrder(ct *Contract, quantity int64, entry, target, stop float64, account string) (Bracket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bracket := Bracket{Group: "bracket_" + uuid.NewString()}
	base := c.orderID

	entryOrder := NewOrder(quantity, entry)
	entryOrder.Transmit = false
	entryOrder.Account = account
	entryID, err := c.placeOrderLocked(ct, entryOrder, base)
	if err != nil {
		return bracket, err
	}
	bracket.EntryOrderID = entryID

	if target > 0 {
		targetOrder := NewTargetOrder(-quantity, entryID, target, bracket.Group)
		targetOrder.Transmit = stop <= 0
		targetOrder.Account = account
		bracket.TargetOrderID, err = c.placeOrderLocked(ct, targetOrder, base+1)
		if err != nil {
			return bracket, err
		}
	}

	if stop > 0 {
		stopOrder := NewStopOrder(-quantity, entryID, stop, false, bracket.Group)
		stopOrder.Account = account
		bracket.StopOrderID, err = c.placeOrderLocked(ct, stopOrder, base+2)
		if err != nil {
			return bracket, err
		}
	}

	return bracket, nil
}

// CreateTrailingStopOrder places a broker-side TRAIL order protecting an
// existing (already tracked) parent order.
func (c *Client) CreateTrailingStopOrder(ct *Contract, quantity, parentID int64, trailPercent float64, group string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.orders[parentID] == nil {
		return 0, fmt.Errorf("parent order %d: %w", parentID, ErrOrderNotFound)
	}
	trail, err := NewTrail(0, trailPercent)
	if err != nil {
		return 0, err
	}
	o, err := NewTrailOrder(quantity, parentID, trail, group)
	if err != nil {
		return 0, err
	}
	return c.placeOrderLocked(ct, o, 0)
}

// handleNextValidIDLocked seeds the local order-id counter, floored at the
// journaled last id so restarted sessions never reuse ids.
func (c *Client) handleNextValidIDLocked(ev *NextValidID) {
	id := ev.OrderID
	if last, ok := c.journalIDs[c.cfg.ClientID]; ok && id <= last {
		id = last + 1
	}
	c.orderID = id
	c.journalIDs[c.cfg.ClientID] = id
	if err := c.journal.Save(c.journalIDs); err != nil {
		c.log.Warn("order id journal", zap.Error(err))
	}
}

// Order returns a snapshot of one tracked order.
func (c *Client) Order(orderID int64) (OrderRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec := c.orders[orderID]
	if rec == nil {
		return OrderRecord{}, false
	}
	return rec.snapshot(), true
}

// Orders snapshots every tracked order by id, terminal ones included.
func (c *Client) Orders() map[int64]OrderRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]OrderRecord, len(c.orders))
	for id, rec := range c.orders {
		out[id] = rec.snapshot()
	}
	return out
}

// OpenOrders snapshots the orders still working (not filled or cancelled).
func (c *Client) OpenOrders() map[int64]OrderRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]OrderRecord)
	for id, rec := range c.orders {
		if !isTerminalStatus(rec.Status) {
			out[id] = rec.snapshot()
		}
	}
	return out
}

// OrdersBySymbol snapshots the orders grouped under one canonical symbol.
func (c *Client) OrdersBySymbol(symbol string) map[int64]OrderRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]OrderRecord)
	for id, rec := range c.ordersBySymbol[symbol] {
		out[id] = rec.snapshot()
	}
	return out
}

// OrdersByAccount snapshots an account's orders grouped by symbol.
func (c *Client) OrdersByAccount(account string) map[string]map[int64]OrderRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[int64]OrderRecord)
	for symbol, recs := range c.ordersByAccount[account] {
		group := make(map[int64]OrderRecord, len(recs))
		for id, rec := range recs {
			group[id] = rec.snapshot()
		}
		out[symbol] = group
	}
	return out
}

// NextOrderID reports the next order id the local counter would assign.
func (c *Client) NextOrderID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orderID
}
