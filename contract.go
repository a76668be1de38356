package ezibpy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Security types as the broker spells them.
const (
	SecTypeStock         = "STK"
	SecTypeFuture        = "FUT"
	SecTypeOption        = "OPT"
	SecTypeFuturesOption = "FOP"
	SecTypeCash          = "CASH"
	SecTypeIndex         = "IND"
	SecTypeCombo         = "BAG"
)

// sentinelSymbol occupies ticker id 0 so real tickets start at 1.
const sentinelSymbol = "SYMBOL"

// defaultMinTick is used until contract details report the real tick size.
const defaultMinTick = 0.01

// futuresMonthCode maps month number (1-12) to the futures month letter.
var futuresMonthCode = [...]string{"", "F", "G", "H", "J", "K", "M", "N", "Q", "U", "V", "X", "Z"}

// Contract describes a tradable instrument. Descriptors may be
// under-specified (a future without an expiry, an option without a strike);
// those resolve into concrete siblings through contract details events.
type Contract struct {
	Symbol      string
	SecType     string
	Exchange    string
	Currency    string
	Expiry      string // YYYYMMDD or YYYYMM
	Strike      float64
	Right       string // CALL/PUT (or C/P)
	Multiplier  string
	ConID       int64
	LocalSymbol string
	ComboLegs   []ComboLeg
}

// ComboLeg is one leg of a BAG (combo) contract, referenced by conId.
type ComboLeg struct {
	ConID    int64
	Ratio    int64
	Action   string
	Exchange string
}

// ContractDetails carries broker metadata for a resolved contract. For
// ambiguous descriptors Contracts holds every concrete sibling and Summary
// the representative one.
type ContractDetails struct {
	Summary        *Contract
	Contracts      []*Contract
	MinTick        float64
	Multiplier     string
	OrderTypes     string
	ValidExchanges string
	ContractMonth  string
	LongName       string
	Industry       string
	Category       string
	TimeZoneID     string
	TradingHours   string
	LiquidHours    string
	PriceMagnifier int64
	UnderConID     int64
	Downloaded     bool
}

// ContractKey derives the canonical cache key for a contract descriptor.
// The key is total: any shape it cannot encode degrades to the bare upper
// cased symbol instead of failing. Two descriptors the broker treats as the
// same instrument produce the same key.
//
// Encodings: options/FOPs append expiry, the right initial and the strike as
// a five digit integer part plus three fraction digits; futures append the
// month code and year; cash pairs append the currency. The security type is
// always suffixed, so an equity keys as "AAPL_STK".
//
// Futures keyed through the registry may additionally be respelled from the
// broker's local symbol once contract details arrive.
func ContractKey(ct *Contract) string {
	return contractKey(ct, nil)
}

func contractKey(ct *Contract, localSymbolExpiry map[string]string) string {
	if ct == nil {
		return ""
	}
	symbol := sanitizeKey(ct.Symbol)
	secType := strings.ToUpper(strings.TrimSpace(ct.SecType))
	if symbol == "" || secType == "" {
		return symbol
	}

	enc := symbol
	switch secType {
	case SecTypeOption, SecTypeFuturesOption:
		right := strings.ToUpper(strings.TrimSpace(ct.Right))
		if right == "" {
			return symbol
		}
		frac := strconv.FormatFloat(ct.Strike, 'f', 3, 64)
		dot := strings.IndexByte(frac, '.')
		enc = symbol + strings.TrimSpace(ct.Expiry) + right[:1] +
			fmt.Sprintf("%05d", int(ct.Strike)) + frac[dot+1:]

	case SecTypeFuture:
		exp := ""
		if ls := ct.LocalSymbol; ls != "" && len(ls) >= 3 {
			if month, ok := localSymbolExpiry[ls]; ok && len(month) >= 4 {
				exp = ls[2:3] + month[:4]
			}
		}
		if exp == "" {
			raw := strings.TrimSpace(ct.Expiry)
			if len(raw) < 6 {
				return symbol
			}
			year, err := strconv.Atoi(raw[:4])
			if err != nil {
				return symbol
			}
			month, err := strconv.Atoi(raw[4:6])
			if err != nil || month < 1 || month > 12 {
				return symbol
			}
			exp = futuresMonthCode[month] + strconv.Itoa(year)
		}
		enc = symbol + exp

	case SecTypeCash:
		enc = symbol + sanitizeKey(ct.Currency)
	}

	return sanitizeKey(enc + "_" + secType)
}

func sanitizeKey(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
}

func isOption(ct *Contract) bool {
	if ct == nil {
		return false
	}
	st := strings.ToUpper(ct.SecType)
	return st == SecTypeOption || st == SecTypeFuturesOption
}

// optionRight reduces a contract's right to its initial ("C" or "P"),
// accepting either the full word or the single letter. Empty when unset.
func optionRight(ct *Contract) string {
	if ct == nil {
		return ""
	}
	right := strings.ToUpper(strings.TrimSpace(ct.Right))
	if right == "" {
		return ""
	}
	return right[:1]
}

// contractKeyLocked is the registry-aware key derivation: futures spell
// their month code from the broker's local symbol when known.
func (c *Client) contractKeyLocked(ct *Contract) string {
	return contractKey(ct, c.localSymbolExpiry)
}

// tickerIDLocked returns the ticket id for a canonical key, allocating the
// next dense id on first sight. Ids are never recycled.
func (c *Client) tickerIDLocked(key string) int64 {
	if id, ok := c.tickerKeys[key]; ok {
		return id
	}
	id := int64(len(c.tickerIDs))
	c.tickerIDs[id] = key
	c.tickerKeys[key] = id
	return id
}

func (c *Client) tickerSymbolLocked(tickerID int64) string {
	return c.tickerIDs[tickerID]
}

// Resolve canonicalizes a contract descriptor into its cache key and ticket
// id. The first resolution of a new key allocates the id; repeats are pure
// lookups.
func (c *Client) Resolve(ct *Contract) (string, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.contractKeyLocked(ct)
	return key, c.tickerIDLocked(key)
}

// TickerID returns (allocating if needed) the ticket id for a canonical
// symbol key.
func (c *Client) TickerID(symbol string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickerIDLocked(symbol)
}

// TickerSymbol is the reverse lookup: canonical key for a ticket id, or ""
// when the id was never allocated.
func (c *Client) TickerSymbol(tickerID int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tickerSymbolLocked(tickerID)
}

// Contracts returns a snapshot of every resolved contract by ticket id.
func (c *Client) Contracts() map[int64]*Contract {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]*Contract, len(c.contracts))
	for id, ct := range c.contracts {
		out[id] = ct
	}
	return out
}

// ContractBySymbol returns the resolved contract for a canonical key.
func (c *Client) ContractBySymbol(symbol string) (*Contract, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.tickerKeys[symbol]
	if !ok {
		return nil, false
	}
	ct := c.contracts[id]
	return ct, ct != nil
}

// IsMultiContract reports whether a descriptor under-specifies its
// instrument (future without expiry, option missing expiry/strike/right) or
// whether details resolution already found several concrete siblings.
// Consumers should expect a contract details sequence before such a
// contract is complete.
func (c *Client) IsMultiContract(ct *Contract) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isMultiContractLocked(ct)
}

func (c *Client) isMultiContractLocked(ct *Contract) bool {
	if ct == nil {
		return false
	}
	st := strings.ToUpper(ct.SecType)
	if st == SecTypeFuture && strings.TrimSpace(ct.Expiry) == "" {
		return true
	}
	if (st == SecTypeOption || st == SecTypeFuturesOption) &&
		(strings.TrimSpace(ct.Expiry) == "" || ct.Strike == 0 || strings.TrimSpace(ct.Right) == "") {
		return true
	}
	tid := c.tickerIDLocked(c.contractKeyLocked(ct))
	if d := c.details[tid]; d != nil && len(d.Contracts) > 1 {
		return true
	}
	return false
}

// createContractLocked registers (or re-registers) a contract under its
// canonical key and requests details unless they are already downloaded.
func (c *Client) createContractLocked(ct *Contract) *Contract {
	key := c.contractKeyLocked(ct)
	tid := c.tickerIDLocked(key)
	c.contracts[tid] = ct
	if d := c.details[tid]; d == nil || !d.Downloaded {
		if err := c.gw.ReqContractDetails(tid, ct); err != nil {
			c.log.Warn("contract details request", zap.String("symbol", key), zap.Error(err))
		}
	}
	return ct
}

// registerContractLocked registers a contract seen in an inbound event
// (position/portfolio referencing an instrument this session never created).
// Contracts arriving without an exchange cannot be re-requested and are
// keyed only.
func (c *Client) registerContractLocked(ct *Contract) {
	if ct == nil || ct.Exchange == "" {
		return
	}
	tid := c.tickerIDLocked(c.contractKeyLocked(ct))
	if c.contracts[tid] == nil {
		c.createContractLocked(ct)
	}
}

// CreateContract registers an arbitrary contract descriptor and requests
// its details. Resolution completes asynchronously: ambiguous descriptors
// stay multi-contracts until the details sequence arrives.
func (c *Client) CreateContract(symbol, secType, exchange, currency, expiry string, strike float64, right string) *Contract {
	ct := &Contract{
		Symbol:   symbol,
		SecType:  secType,
		Exchange: exchange,
		Currency: currency,
		Expiry:   expiry,
		Strike:   strike,
		Right:    right,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createContractLocked(ct)
}

// CreateStockContract registers an equity. Empty currency defaults to USD,
// empty exchange to SMART.
func (c *Client) CreateStockContract(symbol, currency, exchange string) *Contract {
	return c.CreateContract(symbol, SecTypeStock, defaultStr(exchange, "SMART"), defaultStr(currency, "USD"), "", 0, "")
}

// CreateFuturesContract registers a future. An empty expiry registers the
// ambiguous underlying, which resolves to the nearest unexpired delivery
// through contract details.
func (c *Client) CreateFuturesContract(symbol, currency, expiry, exchange string) *Contract {
	return c.CreateContract(symbol, SecTypeFuture, defaultStr(exchange, "GLOBEX"), defaultStr(currency, "USD"), expiry, 0, "")
}

// CreateContinuousFuturesContract registers the front contract for a
// futures symbol: the expiry is left open and details resolution picks the
// nearest unexpired delivery.
func (c *Client) CreateContinuousFuturesContract(symbol, exchange string) *Contract {
	return c.CreateFuturesContract(symbol, "USD", "", exchange)
}

// CreateOptionContract registers an equity/index option.
func (c *Client) CreateOptionContract(symbol, expiry string, strike float64, right, currency, exchange string) *Contract {
	return c.CreateContract(symbol, SecTypeOption, defaultStr(exchange, "SMART"), defaultStr(currency, "USD"), expiry, strike, right)
}

// CreateFuturesOptionContract registers an option on a future.
func (c *Client) CreateFuturesOptionContract(symbol, expiry string, strike float64, right, currency, exchange string) *Contract {
	return c.CreateContract(symbol, SecTypeFuturesOption, defaultStr(exchange, "GLOBEX"), defaultStr(currency, "USD"), expiry, strike, right)
}

// CreateCashContract registers a currency pair (forex).
func (c *Client) CreateCashContract(symbol, currency string) *Contract {
	return c.CreateContract(symbol, SecTypeCash, "IDEALPRO", defaultStr(currency, "USD"), "", 0, "")
}

// CreateIndexContract registers an index.
func (c *Client) CreateIndexContract(symbol, currency, exchange string) *Contract {
	return c.CreateContract(symbol, SecTypeIndex, defaultStr(exchange, "CBOE"), defaultStr(currency, "USD"), "", 0, "")
}

// CreateComboLeg builds one leg of a combo from an already resolved
// contract. The conId comes from downloaded details; call after the leg
// contract's details have arrived.
func (c *Client) CreateComboLeg(ct *Contract, action string, ratio int64, exchange string) ComboLeg {
	return ComboLeg{
		ConID:    c.ConID(ct),
		Ratio:    ratio,
		Action:   strings.ToUpper(action),
		Exchange: defaultStr(exchange, "SMART"),
	}
}

// CreateComboContract registers a BAG contract from prepared legs.
func (c *Client) CreateComboContract(symbol string, legs []ComboLeg, currency, exchange string) *Contract {
	if exchange == "" && len(legs) > 0 {
		exchange = legs[0].Exchange
	}
	ct := &Contract{
		Symbol:    symbol,
		SecType:   SecTypeCombo,
		Exchange:  defaultStr(exchange, "SMART"),
		Currency:  defaultStr(currency, "USD"),
		ComboLegs: legs,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createContractLocked(ct)
}

// RequestContractDetails re-issues a details request for a contract.
func (c *Client) RequestContractDetails(ct *Contract) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tid := c.tickerIDLocked(c.contractKeyLocked(ct))
	return c.gw.ReqContractDetails(tid, ct)
}

// detailsLocked returns stored details for a ticket, or a zero-value
// default (min tick 0.01) when no details have been downloaded yet.
func (c *Client) detailsLocked(tickerID int64) *ContractDetails {
	if d := c.details[tickerID]; d != nil {
		return d
	}
	d := &ContractDetails{MinTick: defaultMinTick}
	if ct := c.contracts[tickerID]; ct != nil {
		d.Summary = ct
		d.Contracts = []*Contract{ct}
	}
	return d
}

func (c *Client) minTickLocked(tickerID int64) float64 {
	if mt := c.detailsLocked(tickerID).MinTick; mt > 0 {
		return mt
	}
	return defaultMinTick
}

// ContractDetailsFor returns details for a contract descriptor, with
// zero-value defaults when resolution has not completed.
func (c *Client) ContractDetailsFor(ct *Contract) ContractDetails {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.detailsLocked(c.tickerIDLocked(c.contractKeyLocked(ct)))
}

// ContractDetailsByID is ContractDetailsFor keyed by ticket id.
func (c *Client) ContractDetailsByID(tickerID int64) ContractDetails {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.detailsLocked(tickerID)
}

// ConID returns the broker contract id for a resolved single contract, or 0
// while the descriptor is unresolved or still ambiguous.
func (c *Client) ConID(ct *Contract) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.detailsLocked(c.tickerIDLocked(c.contractKeyLocked(ct)))
	if len(d.Contracts) != 1 {
		return 0
	}
	return d.Contracts[0].ConID
}

// Expirations lists the unexpired expiries of a resolved multi-contract,
// ascending.
func (c *Client) Expirations(ct *Contract) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.detailsLocked(c.tickerIDLocked(c.contractKeyLocked(ct)))
	today := midnight(time.Now())
	seen := make(map[string]bool)
	var out []string
	for _, sib := range d.Contracts {
		if sib == nil || seen[sib.Expiry] {
			continue
		}
		if exp, ok := parseExpiry(sib.Expiry); ok && !exp.Before(today) {
			seen[sib.Expiry] = true
			out = append(out, sib.Expiry)
		}
	}
	sort.Strings(out)
	return out
}

// Strikes lists the strikes of a resolved option chain, ascending.
func (c *Client) Strikes(ct *Contract) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.detailsLocked(c.tickerIDLocked(c.contractKeyLocked(ct)))
	seen := make(map[float64]bool)
	var out []float64
	for _, sib := range d.Contracts {
		if sib == nil || sib.Strike == 0 || seen[sib.Strike] {
			continue
		}
		seen[sib.Strike] = true
		out = append(out, sib.Strike)
	}
	sort.Float64s(out)
	return out
}

// handleContractDetailsLocked accumulates one concrete sibling for a
// pending details request. Nothing is published until the end event.
func (c *Client) handleContractDetailsLocked(ev *ContractDetailsEvent) {
	if ev.Details == nil || ev.Details.Summary == nil {
		return
	}
	pend := c.pendingDetails[ev.ReqID]
	if pend == nil {
		pend = &ContractDetails{}
		c.pendingDetails[ev.ReqID] = pend
	}
	in := ev.Details
	sib := in.Summary
	pend.Contracts = append(pend.Contracts, sib)
	pend.Summary = sib
	pend.MinTick = in.MinTick
	pend.Multiplier = in.Multiplier
	pend.OrderTypes = in.OrderTypes
	pend.ValidExchanges = in.ValidExchanges
	pend.ContractMonth = in.ContractMonth
	pend.LongName = in.LongName
	pend.Industry = in.Industry
	pend.Category = in.Category
	pend.TimeZoneID = in.TimeZoneID
	pend.TradingHours = in.TradingHours
	pend.LiquidHours = in.LiquidHours
	pend.PriceMagnifier = in.PriceMagnifier
	pend.UnderConID = in.UnderConID
	if sib.LocalSymbol != "" && in.ContractMonth != "" {
		c.localSymbolExpiry[sib.LocalSymbol] = in.ContractMonth
	}
	c.emitLocked("contractDetails", ev, nil)
}

// handleContractDetailsEndLocked freezes a details sequence: siblings are
// sorted by expiry, the representative summary picked, and any cache
// entries recorded under a provisional spelling migrated to the final key.
func (c *Client) handleContractDetailsEndLocked(ev *ContractDetailsEnd) {
	pend := c.pendingDetails[ev.ReqID]
	if pend == nil {
		return
	}
	delete(c.pendingDetails, ev.ReqID)

	sort.SliceStable(pend.Contracts, func(i, j int) bool {
		return pend.Contracts[i].Expiry < pend.Contracts[j].Expiry
	})
	if len(pend.Contracts) > 1 {
		pend.Summary = nearestContract(pend.Contracts, time.Now())
	} else if len(pend.Contracts) == 1 {
		pend.Summary = pend.Contracts[0]
	}
	if pend.Summary == nil {
		return
	}
	if pend.MinTick <= 0 {
		pend.MinTick = defaultMinTick
	}
	pend.Downloaded = true

	tid := ev.ReqID
	c.details[tid] = pend
	c.contracts[tid] = pend.Summary

	oldKey := c.tickerIDs[tid]
	newKey := c.contractKeyLocked(pend.Summary)
	if oldKey != "" && newKey != "" && newKey != oldKey {
		if owner, taken := c.tickerKeys[newKey]; taken && owner != tid {
			c.log.Warn("contract key already allocated",
				zap.String("key", newKey), zap.Int64("ticker_id", tid), zap.Int64("owner", owner))
		} else {
			delete(c.tickerKeys, oldKey)
			c.tickerIDs[tid] = newKey
			c.tickerKeys[newKey] = tid
			c.migrateSymbolLocked(oldKey, newKey)
			c.log.Debug("contract respelled", zap.String("from", oldKey), zap.String("to", newKey))
		}
	}

	c.emitLocked("contractDetailsEnd", ev, nil)
}

// migrateSymbolLocked moves position/portfolio rows recorded under a
// provisional symbol spelling to the finalized canonical key. Needed
// because position events can reference a contract before its details (and
// final spelling) are known.
func (c *Client) migrateSymbolLocked(oldKey, newKey string) {
	for _, positions := range c.positions {
		if pos, ok := positions[oldKey]; ok {
			pos.Symbol = newKey
			positions[newKey] = pos
			delete(positions, oldKey)
		}
	}
	for _, entries := range c.portfolio {
		if entry, ok := entries[oldKey]; ok {
			entry.Symbol = newKey
			entries[newKey] = entry
			delete(entries, oldKey)
		}
	}
}

// nearestContract picks the representative sibling: the unexpired contract
// closest to today, from a list pre-sorted ascending by expiry. With every
// sibling expired the earliest one is returned.
func nearestContract(sorted []*Contract, now time.Time) *Contract {
	today := midnight(now)
	for _, ct := range sorted {
		if exp, ok := parseExpiry(ct.Expiry); ok && !exp.Before(today) {
			return ct
		}
	}
	return sorted[0]
}

func parseExpiry(expiry string) (time.Time, bool) {
	expiry = strings.TrimSpace(expiry)
	var layout string
	switch len(expiry) {
	case 8:
		layout = "20060102"
	case 6:
		layout = "200601"
	default:
		return time.Time{}, false
	}
	t, err := time.Parse(layout, expiry)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func defaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
