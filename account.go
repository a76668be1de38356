package ezibpy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrAccountRequired is returned when no account argument was given and
	// the session cannot pick one: no account observed yet, or more than one.
	ErrAccountRequired = errors.New("cannot determine account, specify account")

	// ErrUnknownAccount is returned for an explicit account the session has
	// never observed.
	ErrUnknownAccount = errors.New("unknown account")
)

// Position is one account's holding in one instrument, replaced wholesale
// on every position event.
type Position struct {
	Symbol   string
	Quantity decimal.Decimal
	AvgCost  decimal.Decimal
	Account  string
}

// PortfolioEntry is the broker's portfolio row for one instrument.
type PortfolioEntry struct {
	Symbol        string
	Position      decimal.Decimal
	MarketPrice   decimal.Decimal
	MarketValue   decimal.Decimal
	AverageCost   decimal.Decimal
	UnrealizedPNL decimal.Decimal
	RealizedPNL   decimal.Decimal
	TotalPNL      decimal.Decimal
	Account       string
}

// resolveAccountLocked applies the account selection rule: an explicit
// argument wins but must be a known account; otherwise the configured
// default; otherwise the single observed account; ambiguity is an error.
func (c *Client) resolveAccountLocked(account string) (string, error) {
	if account != "" {
		if !c.knownAccountLocked(account) {
			return "", fmt.Errorf("account %q: %w", account, ErrUnknownAccount)
		}
		return account, nil
	}
	if c.cfg.Account != "" {
		return c.cfg.Account, nil
	}
	observed := c.observedAccountsLocked()
	if len(observed) == 1 {
		return observed[0], nil
	}
	return "", ErrAccountRequired
}

// defaultAccountLocked picks an account for outbound work when none was
// given: configured default, else the single observed account, else empty
// (broker decides). Multiple observed accounts without a default error out.
func (c *Client) defaultAccountLocked() (string, error) {
	if c.cfg.Account != "" {
		return c.cfg.Account, nil
	}
	observed := c.observedAccountsLocked()
	if len(observed) > 1 {
		return "", ErrAccountRequired
	}
	if len(observed) == 1 {
		return observed[0], nil
	}
	return "", nil
}

func (c *Client) knownAccountLocked(account string) bool {
	for _, a := range c.observedAccountsLocked() {
		if a == account {
			return true
		}
	}
	return false
}

// observedAccountsLocked unions every account the session has seen through
// account values, positions, portfolio rows or the managed-accounts list.
func (c *Client) observedAccountsLocked() []string {
	seen := make(map[string]bool)
	for a := range c.accounts {
		seen[a] = true
	}
	for a := range c.positions {
		seen[a] = true
	}
	for a := range c.portfolio {
		seen[a] = true
	}
	for _, a := range c.managedAccounts {
		seen[a] = true
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		if a != "" {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// positionQuantityLocked reports the signed position for a symbol in an
// account, "" resolving through the account rule. ok is false only when no
// account can be determined; a missing row reads as flat.
func (c *Client) positionQuantityLocked(symbol, account string) (decimal.Decimal, bool) {
	if account == "" {
		var err error
		if account, err = c.resolveAccountLocked(""); err != nil {
			return decimal.Decimal{}, false
		}
	}
	if pos, ok := c.positions[account][symbol]; ok {
		return pos.Quantity, true
	}
	return decimal.Decimal{}, true
}

func (c *Client) handleAccountValueLocked(ev *UpdateAccountValue) {
	values := c.accounts[ev.Account]
	if values == nil {
		values = make(map[string]any)
		c.accounts[ev.Account] = values
	}
	values[ev.Key] = parseAccountValue(ev.Value)
	c.emitLocked("updateAccountValue", ev, nil)
}

// parseAccountValue types a raw account value: bool for true/false, decimal
// for numerics, raw string otherwise.
func parseAccountValue(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if d, err := decimal.NewFromString(v); err == nil {
		return d
	}
	return v
}

func (c *Client) handlePositionLocked(ev *PositionEvent) {
	c.registerContractLocked(ev.Contract)
	symbol := c.contractKeyLocked(ev.Contract)

	positions := c.positions[ev.Account]
	if positions == nil {
		positions = make(map[string]Position)
		c.positions[ev.Account] = positions
	}
	positions[symbol] = Position{
		Symbol:   symbol,
		Quantity: ev.Quantity,
		AvgCost:  ev.AvgCost,
		Account:  ev.Account,
	}
	c.emitLocked("position", ev, nil)
}

func (c *Client) handleUpdatePortfolioLocked(ev *UpdatePortfolio) {
	c.registerContractLocked(ev.Contract)
	symbol := c.contractKeyLocked(ev.Contract)

	entries := c.portfolio[ev.Account]
	if entries == nil {
		entries = make(map[string]PortfolioEntry)
		c.portfolio[ev.Account] = entries
	}
	entries[symbol] = PortfolioEntry{
		Symbol:        symbol,
		Position:      ev.Position,
		MarketPrice:   ev.MarketPrice,
		MarketValue:   ev.MarketValue,
		AverageCost:   ev.AverageCost,
		UnrealizedPNL: ev.UnrealizedPNL,
		RealizedPNL:   ev.RealizedPNL,
		TotalPNL:      ev.UnrealizedPNL.Add(ev.RealizedPNL),
		Account:       ev.Account,
	}
	c.emitLocked("updatePortfolio", ev, nil)
}

func (c *Client) handleManagedAccountsLocked(ev *ManagedAccounts) {
	var accounts []string
	for _, a := range strings.Split(ev.Accounts, ",") {
		if a = strings.TrimSpace(a); a != "" {
			accounts = append(accounts, a)
		}
	}
	c.managedAccounts = accounts
	c.emitLocked("managedAccounts", ev, nil)
}

func (c *Client) handleCommissionReportLocked(ev *CommissionReport) {
	c.lastCommission = *ev
	c.hasCommission = true
	c.emitLocked("commissionReport", ev, nil)
}

// Positions returns the position map for one account. Empty account
// resolves through the account rule.
func (c *Client) Positions(account string) (map[string]Position, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	resolved, err := c.resolveAccountLocked(account)
	if err != nil {
		return nil, err
	}
	return copyMap(c.positions[resolved]), nil
}

// PositionsAll snapshots positions for every account.
func (c *Client) PositionsAll() map[string]map[string]Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]Position, len(c.positions))
	for account, positions := range c.positions {
		out[account] = copyMap(positions)
	}
	return out
}

// Portfolio returns the portfolio map for one account. Empty account
// resolves through the account rule.
func (c *Client) Portfolio(account string) (map[string]PortfolioEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	resolved, err := c.resolveAccountLocked(account)
	if err != nil {
		return nil, err
	}
	return copyMap(c.portfolio[resolved]), nil
}

// PortfolioAll snapshots portfolio rows for every account.
func (c *Client) PortfolioAll() map[string]map[string]PortfolioEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]PortfolioEntry, len(c.portfolio))
	for account, entries := range c.portfolio {
		out[account] = copyMap(entries)
	}
	return out
}

// AccountValues returns the typed key→value snapshot for one account.
func (c *Client) AccountValues(account string) (map[string]any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	resolved, err := c.resolveAccountLocked(account)
	if err != nil {
		return nil, err
	}
	return copyMap(c.accounts[resolved]), nil
}

// AccountValuesAll snapshots account values for every account.
func (c *Client) AccountValuesAll() map[string]map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]any, len(c.accounts))
	for account, values := range c.accounts {
		out[account] = copyMap(values)
	}
	return out
}

// Accounts lists every observed account, sorted.
func (c *Client) Accounts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.observedAccountsLocked()
}

// ManagedAccounts returns the broker-reported account list.
func (c *Client) ManagedAccounts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.managedAccounts))
	copy(out, c.managedAccounts)
	return out
}

// LastCommission returns the most recent commission report, if any arrived.
func (c *Client) LastCommission() (CommissionReport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCommission, c.hasCommission
}

func copyMap[V any](src map[string]V) map[string]V {
	out := make(map[string]V, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
