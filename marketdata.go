package ezibpy

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var errMalformedRTVolume = errors.New("malformed rtvolume tick")

// Tick field ids as delivered by the wire.
const (
	fieldBidSize  = 0
	fieldBid      = 1
	fieldAsk      = 2
	fieldAskSize  = 3
	fieldLast     = 4
	fieldLastSize = 5
	fieldVolume   = 8

	fieldBidOptComputation   = 10
	fieldAskOptComputation   = 11
	fieldLastOptComputation  = 12
	fieldModelOptComputation = 13

	fieldOptionImpliedVol = 24

	fieldLastTimestamp = 45
	fieldRTVolume      = 48
)

// Option-only size fields: open interest and call/put volume.
const (
	fieldOptOpenInterest     = 22
	fieldOptCallOpenInterest = 27
	fieldOptPutOpenInterest  = 28
	fieldOptCallVolume       = 29
	fieldOptPutVolume        = 30
)

// optionValueCeiling marks sentinel "unset" values in option computations.
const optionValueCeiling = 1e9

// depthRows caps the book depth kept per ticket.
const depthRows = 10

// Tick is the last-observation snapshot for one ticket. Fields update
// independently as their wire events arrive; Time tracks the last trade
// timestamp (tick-string field 45).
type Tick struct {
	Time     time.Time
	Bid      float64
	BidSize  int64
	Ask      float64
	AskSize  int64
	Last     float64
	LastSize int64
	Volume   int64
}

// OptionComputation is one greeks row (per side, or the derived consensus).
type OptionComputation struct {
	ImpliedVol float64
	Dividend   float64
	Delta      float64
	Gamma      float64
	Vega       float64
	Theta      float64
	OptPrice   float64
}

// OptionTick extends Tick with option analytics: greeks decomposed by the
// side that produced them plus a consensus row recomputed on every update.
type OptionTick struct {
	Tick
	OpenInterest int64
	OptVolume    int64
	IV           float64
	Underlying   float64
	BidGreeks    OptionComputation
	AskGreeks    OptionComputation
	LastGreeks   OptionComputation
	Greeks       OptionComputation
}

// DepthRow is one level of the order book.
type DepthRow struct {
	Bid     float64
	BidSize int64
	Ask     float64
	AskSize int64
}

// Depth holds up to ten positionally-updated book levels.
type Depth struct {
	Rows [depthRows]DepthRow
}

// Bar is one historical OHLCV row.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
	Count  int
	WAP    float64
}

// RTVolume is a parsed field-48 trade report, merged with the cached
// bid/ask quote and sizes at parse time. It is delivered through the
// callback only, never cached.
type RTVolume struct {
	Instrument string
	Last       float64
	LastSize   int64
	Time       time.Time
	Volume     int64
	WAP        float64
	Single     bool
	Bid        float64
	BidSize    int64
	Ask        float64
	AskSize    int64
}

func (c *Client) tickLocked(tickerID int64) *Tick {
	t := c.marketData[tickerID]
	if t == nil {
		t = &Tick{}
		c.marketData[tickerID] = t
	}
	return t
}

func (c *Client) optionTickLocked(tickerID int64) *OptionTick {
	t := c.optionsData[tickerID]
	if t == nil {
		t = &OptionTick{}
		c.optionsData[tickerID] = t
	}
	return t
}

// commonTickLocked picks the cache side for a ticket: options land in the
// options table, everything else in the market table.
func (c *Client) commonTickLocked(tickerID int64) *Tick {
	if isOption(c.contracts[tickerID]) {
		return &c.optionTickLocked(tickerID).Tick
	}
	return c.tickLocked(tickerID)
}

func (c *Client) handleTickPriceLocked(ev *TickPrice) {
	if ev.Price < 0 {
		return
	}
	opt := isOption(c.contracts[ev.TickerID])
	t := c.commonTickLocked(ev.TickerID)
	switch ev.Field {
	case fieldBid:
		if ev.CanAutoExecute || opt {
			t.Bid = ev.Price
		}
	case fieldAsk:
		if ev.CanAutoExecute || opt {
			t.Ask = ev.Price
		}
	case fieldLast:
		t.Last = ev.Price
	}
	c.emitLocked("tickPrice", ev, nil)
}

func (c *Client) handleTickSizeLocked(ev *TickSize) {
	if ev.Size < 0 {
		return
	}
	t := c.commonTickLocked(ev.TickerID)
	switch ev.Field {
	case fieldBidSize:
		t.BidSize = ev.Size
	case fieldAskSize:
		t.AskSize = ev.Size
	case fieldLastSize:
		t.LastSize = ev.Size
	case fieldVolume:
		t.Volume = ev.Size
	}
	// Side-specific open-interest and volume only land on the matching right.
	if ct := c.contracts[ev.TickerID]; isOption(ct) {
		ot := c.optionTickLocked(ev.TickerID)
		right := optionRight(ct)
		switch ev.Field {
		case fieldOptOpenInterest:
			ot.OpenInterest = ev.Size
		case fieldOptCallOpenInterest:
			if right == "C" {
				ot.OpenInterest = ev.Size
			}
		case fieldOptPutOpenInterest:
			if right == "P" {
				ot.OpenInterest = ev.Size
			}
		case fieldOptCallVolume:
			if right == "C" {
				ot.OptVolume = ev.Size
			}
		case fieldOptPutVolume:
			if right == "P" {
				ot.OptVolume = ev.Size
			}
		}
	}
	c.emitLocked("tickSize", ev, nil)
}

// handleTickGenericLocked keeps the implied vol generic tick for options.
func (c *Client) handleTickGenericLocked(ev *TickGeneric) {
	if ev.Field == fieldOptionImpliedVol && isOption(c.contracts[ev.TickerID]) {
		c.optionTickLocked(ev.TickerID).IV = math.Round(ev.Value*100) / 100
	}
	c.emitLocked("tickGeneric", ev, nil)
}

// handleTickStringLocked processes the two string ticks that matter: the
// last-trade timestamp (field 45), which stamps the cache row and drives
// the trailing-stop engine for non-options, and RTVOLUME (field 48), which
// is parsed and delivered through the callback without touching the cache.
// Other string fields pass through to the callback uncached. Malformed
// payloads abort the handler before the callback.
func (c *Client) handleTickStringLocked(ev *TickString) {
	opt := isOption(c.contracts[ev.TickerID])

	switch ev.Field {
	case fieldLastTimestamp:
		sec, err := strconv.ParseInt(strings.TrimSpace(ev.Value), 10, 64)
		if err != nil {
			return
		}
		c.commonTickLocked(ev.TickerID).Time = time.Unix(sec, 0)
		if !opt {
			c.triggerTrailingStopsLocked(ev.TickerID)
			c.updateTrailingStopsLocked(ev.TickerID)
		}
		c.emitLocked("tickString", ev, nil)

	case fieldRTVolume:
		rtv, err := parseRTVolume(ev.Value)
		if err != nil {
			return
		}
		rtv.Instrument = c.tickerSymbolLocked(ev.TickerID)
		t := c.commonTickLocked(ev.TickerID)
		rtv.Bid = t.Bid
		rtv.BidSize = t.BidSize
		rtv.Ask = t.Ask
		rtv.AskSize = t.AskSize
		c.emitLocked("tickString", ev, rtv)

	default:
		c.emitLocked("tickString", ev, nil)
	}
}

func parseRTVolume(value string) (RTVolume, error) {
	parts := strings.Split(value, ";")
	if len(parts) < 6 {
		return RTVolume{}, errMalformedRTVolume
	}
	last, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return RTVolume{}, err
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return RTVolume{}, err
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return RTVolume{}, err
	}
	volume, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return RTVolume{}, err
	}
	wap, err := strconv.ParseFloat(parts[4], 64)
	if err != nil {
		return RTVolume{}, err
	}
	return RTVolume{
		Last:     last,
		LastSize: size,
		Time:     time.UnixMilli(ms),
		Volume:   volume,
		WAP:      wap,
		Single:   parts[5] == "true",
	}, nil
}

// handleTickOptionComputationLocked stores one greeks side and recomputes
// the consensus row. Sentinel values (>= 1e9) leave the previous figure in
// place. The model side (field 13) carries no side row and only triggers
// the recompute.
func (c *Client) handleTickOptionComputationLocked(ev *TickOptionComputation) {
	ot := c.optionTickLocked(ev.TickerID)

	var side *OptionComputation
	switch ev.Field {
	case fieldBidOptComputation:
		side = &ot.BidGreeks
	case fieldAskOptComputation:
		side = &ot.AskGreeks
	case fieldLastOptComputation:
		side = &ot.LastGreeks
	}
	if side != nil {
		setOptionValue(&side.ImpliedVol, ev.ImpliedVol)
		setOptionValue(&side.Dividend, ev.PVDividend)
		setOptionValue(&side.Delta, ev.Delta)
		setOptionValue(&side.Gamma, ev.Gamma)
		setOptionValue(&side.Vega, ev.Vega)
		setOptionValue(&side.Theta, ev.Theta)
		setOptionValue(&side.OptPrice, ev.OptPrice)
	}

	ot.Greeks = OptionComputation{
		ImpliedVol: consensusValue(ot.LastGreeks.ImpliedVol, ot.BidGreeks.ImpliedVol, ot.AskGreeks.ImpliedVol),
		Dividend:   consensusValue(ot.LastGreeks.Dividend, ot.BidGreeks.Dividend, ot.AskGreeks.Dividend),
		Delta:      consensusValue(ot.LastGreeks.Delta, ot.BidGreeks.Delta, ot.AskGreeks.Delta),
		Gamma:      consensusValue(ot.LastGreeks.Gamma, ot.BidGreeks.Gamma, ot.AskGreeks.Gamma),
		Vega:       consensusValue(ot.LastGreeks.Vega, ot.BidGreeks.Vega, ot.AskGreeks.Vega),
		Theta:      consensusValue(ot.LastGreeks.Theta, ot.BidGreeks.Theta, ot.AskGreeks.Theta),
		OptPrice:   consensusValue(ot.LastGreeks.OptPrice, ot.BidGreeks.OptPrice, ot.AskGreeks.OptPrice),
	}
	setOptionValue(&ot.Underlying, ev.UndPrice)

	c.emitLocked("tickOptionComputation", ev, nil)
}

func setOptionValue(dst *float64, v float64) {
	if v < optionValueCeiling {
		*dst = v
	}
}

// consensusValue merges a greek across sides: the bid/ask midpoint when
// both sides are populated, floored at the last-trade value.
func consensusValue(last, bid, ask float64) float64 {
	bidAsk := last
	if bid != 0 && ask != 0 {
		bidAsk = (bid + ask) / 2
	}
	return math.Max(last, bidAsk)
}

func (c *Client) handleTickSnapshotEndLocked(ev *TickSnapshotEnd) {
	c.emitLocked("tickSnapshotEnd", ev, nil)
}

func (c *Client) handleMarketDepthLocked(ev *MarketDepth) {
	if ev.Position < 0 || ev.Position >= depthRows {
		return
	}
	d := c.marketDepth[ev.TickerID]
	if d == nil {
		d = &Depth{}
		c.marketDepth[ev.TickerID] = d
	}
	row := &d.Rows[ev.Position]
	switch ev.Side {
	case 1:
		row.Bid = ev.Price
		row.BidSize = ev.Size
	case 0:
		row.Ask = ev.Price
		row.AskSize = ev.Size
	}
	c.emitLocked("updateMktDepth", ev, nil)
}

// handleHistoricalDataLocked appends one bar to the symbol's history, or
// finishes the stream when the date field carries the "finished-" prefix.
// The callback extra reports completion.
func (c *Client) handleHistoricalDataLocked(ev *HistoricalData) {
	if strings.HasPrefix(strings.ToLower(ev.Date), "finished") {
		c.emitLocked("historicalData", ev, true)
		return
	}

	bar := Bar{
		Open:   ev.Open,
		High:   ev.High,
		Low:    ev.Low,
		Close:  ev.Close,
		Volume: ev.Volume,
		Count:  ev.Count,
		WAP:    ev.WAP,
	}
	date := strings.TrimSpace(ev.Date)
	if len(date) == 8 {
		t, err := time.Parse("20060102", date)
		if err != nil {
			c.log.Warn("bad bar date", zap.String("date", ev.Date), zap.Error(err))
			return
		}
		bar.Time = t
	} else {
		sec, err := strconv.ParseInt(date, 10, 64)
		if err != nil {
			c.log.Warn("bad bar date", zap.String("date", ev.Date), zap.Error(err))
			return
		}
		bar.Time = time.Unix(sec, 0)
	}

	symbol := c.tickerSymbolLocked(ev.ReqID)
	c.historicalData[symbol] = append(c.historicalData[symbol], bar)
	c.emitLocked("historicalData", ev, false)
}

// MarketData returns the tick snapshot for a contract (zero value when no
// ticks arrived yet).
func (c *Client) MarketData(ct *Contract) Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marketDataByIDLocked(c.tickerIDLocked(c.contractKeyLocked(ct)))
}

// MarketDataByID is MarketData keyed by ticket id.
func (c *Client) MarketDataByID(tickerID int64) Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.marketDataByIDLocked(tickerID)
}

func (c *Client) marketDataByIDLocked(tickerID int64) Tick {
	if t := c.marketData[tickerID]; t != nil {
		return *t
	}
	return Tick{}
}

// OptionData returns the option tick snapshot for a contract.
func (c *Client) OptionData(ct *Contract) OptionTick {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.optionDataByIDLocked(c.tickerIDLocked(c.contractKeyLocked(ct)))
}

// OptionDataByID is OptionData keyed by ticket id.
func (c *Client) OptionDataByID(tickerID int64) OptionTick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.optionDataByIDLocked(tickerID)
}

func (c *Client) optionDataByIDLocked(tickerID int64) OptionTick {
	if t := c.optionsData[tickerID]; t != nil {
		return *t
	}
	return OptionTick{}
}

// MarketDepthFor returns the book snapshot for a contract.
func (c *Client) MarketDepthFor(ct *Contract) Depth {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.marketDepth[c.tickerIDLocked(c.contractKeyLocked(ct))]; d != nil {
		return *d
	}
	return Depth{}
}

// HistoricalBars returns the accumulated bars for a canonical symbol.
func (c *Client) HistoricalBars(symbol string) []Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bars := c.historicalData[symbol]
	out := make([]Bar, len(bars))
	copy(out, bars)
	return out
}

// AllHistoricalBars snapshots the whole bar cache by symbol.
func (c *Client) AllHistoricalBars() map[string][]Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]Bar, len(c.historicalData))
	for sym, bars := range c.historicalData {
		cp := make([]Bar, len(bars))
		copy(cp, bars)
		out[sym] = cp
	}
	return out
}
