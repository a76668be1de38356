package ezibpy

import (
	"fmt"
	"sort"

	"go.uber.org/multierr"
)

// genericTicksRTVolume asks the feed for RTVOLUME trade reports alongside
// regular ticks. Options and snapshots use the plain tick set.
const genericTicksRTVolume = "233"

// HistoricalParams shapes a historical data request. Zero values fall back
// to one day of one-minute TRADES bars with epoch-formatted dates.
type HistoricalParams struct {
	Resolution  string
	Lookback    string
	WhatToShow  string
	EndDateTime string
	RTH         bool
	FormatDate  int
}

func (p HistoricalParams) withDefaults() HistoricalParams {
	if p.Resolution == "" {
		p.Resolution = "1 min"
	}
	if p.Lookback == "" {
		p.Lookback = "1 D"
	}
	if p.WhatToShow == "" {
		p.WhatToShow = "TRADES"
	}
	if p.FormatDate == 0 {
		p.FormatDate = 2
	}
	return p
}

// contractListLocked defaults an empty contract list to every registered
// contract, in ticket order.
func (c *Client) contractListLocked(contracts []*Contract) []*Contract {
	if len(contracts) > 0 {
		return contracts
	}
	ids := make([]int64, 0, len(c.contracts))
	for id := range c.contracts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Contract, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.contracts[id])
	}
	return out
}

// RequestMarketData subscribes to streaming ticks for the given contracts
// (none = all registered). Unresolved multi-contracts are skipped; failures
// are collected per contract.
func (c *Client) RequestMarketData(contracts ...*Contract) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestMarketDataLocked(false, contracts)
}

// RequestMarketDataSnapshot requests one-shot tick snapshots instead of a
// streaming subscription.
func (c *Client) RequestMarketDataSnapshot(contracts ...*Contract) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestMarketDataLocked(true, contracts)
}

func (c *Client) requestMarketDataLocked(snapshot bool, contracts []*Contract) error {
	var errs error
	for _, ct := range c.contractListLocked(contracts) {
		if ct == nil || c.isMultiContractLocked(ct) {
			continue
		}
		key := c.contractKeyLocked(ct)
		tid := c.tickerIDLocked(key)
		ticks := genericTicksRTVolume
		if snapshot || isOption(ct) {
			ticks = ""
		}
		if err := c.gw.ReqMktData(tid, ct, ticks, snapshot); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("market data %s: %w", key, err))
		}
	}
	return errs
}

// CancelMarketData drops tick subscriptions (none = all registered).
func (c *Client) CancelMarketData(contracts ...*Contract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ct := range c.contractListLocked(contracts) {
		if ct == nil {
			continue
		}
		c.gw.CancelMktData(c.tickerIDLocked(c.contractKeyLocked(ct)))
	}
}

// RequestMarketDepth subscribes to book depth, capped at 10 rows.
func (c *Client) RequestMarketDepth(numRows int, contracts ...*Contract) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if numRows <= 0 || numRows > depthRows {
		numRows = depthRows
	}
	var errs error
	for _, ct := range c.contractListLocked(contracts) {
		if ct == nil {
			continue
		}
		key := c.contractKeyLocked(ct)
		if err := c.gw.ReqMktDepth(c.tickerIDLocked(key), ct, numRows); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("market depth %s: %w", key, err))
		}
	}
	return errs
}

// CancelMarketDepth drops depth subscriptions (none = all registered).
func (c *Client) CancelMarketDepth(contracts ...*Contract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ct := range c.contractListLocked(contracts) {
		if ct == nil {
			continue
		}
		c.gw.CancelMktDepth(c.tickerIDLocked(c.contractKeyLocked(ct)))
	}
}

// RequestHistoricalData starts a bar download per contract. Bars land in
// the history cache keyed by canonical symbol; the callback reports each
// row and the end of the stream.
func (c *Client) RequestHistoricalData(p HistoricalParams, contracts ...*Contract) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = p.withDefaults()
	var errs error
	for _, ct := range c.contractListLocked(contracts) {
		if ct == nil {
			continue
		}
		key := c.contractKeyLocked(ct)
		err := c.gw.ReqHistoricalData(c.tickerIDLocked(key), ct,
			p.EndDateTime, p.Lookback, p.Resolution, p.WhatToShow, p.RTH, p.FormatDate)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("historical data %s: %w", key, err))
		}
	}
	return errs
}

// CancelHistoricalData aborts running bar downloads (none = all
// registered).
func (c *Client) CancelHistoricalData(contracts ...*Contract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ct := range c.contractListLocked(contracts) {
		if ct == nil {
			continue
		}
		c.gw.CancelHistoricalData(c.tickerIDLocked(c.contractKeyLocked(ct)))
	}
}

// RequestPositionUpdates subscribes to (or cancels) the position feed for
// all accounts. Re-issued only when the subscribe flag actually flips.
func (c *Client) RequestPositionUpdates(subscribe bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestPositionUpdatesLocked(subscribe)
}

func (c *Client) requestPositionUpdatesLocked(subscribe bool) error {
	if c.positionsSubscribed == subscribe {
		return nil
	}
	c.positionsSubscribed = subscribe
	if subscribe {
		return c.gw.ReqPositions()
	}
	c.gw.CancelPositions()
	return nil
}

// RequestAccountUpdates subscribes to (or cancels) account value and
// portfolio updates. Re-issued only when the subscribe flag actually
// flips.
func (c *Client) RequestAccountUpdates(subscribe bool, account string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestAccountUpdatesLocked(subscribe, account)
}

func (c *Client) requestAccountUpdatesLocked(subscribe bool, account string) error {
	if c.accountSubscribed == subscribe {
		return nil
	}
	c.accountSubscribed = subscribe
	return c.gw.ReqAccountUpdates(subscribe, account)
}

// RequestOpenOrders asks the broker to replay open orders.
func (c *Client) RequestOpenOrders() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gw.ReqOpenOrders()
}

// RequestOrderIDs asks for the next valid order ids; the answer arrives as
// a next-valid-id event.
func (c *Client) RequestOrderIDs(numIDs int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if numIDs <= 0 {
		numIDs = 1
	}
	return c.gw.ReqIDs(numIDs)
}

// RequestCurrentTime asks for the broker clock; the answer arrives as a
// current-time event.
func (c *Client) RequestCurrentTime() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gw.ReqCurrentTime()
}
