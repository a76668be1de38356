package ezibpy

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestContractKey_Shapes(t *testing.T) {
	cases := []struct {
		label string
		ct    *Contract
		want  string
	}{
		{"stock", &Contract{Symbol: "aapl", SecType: "STK"}, "AAPL_STK"},
		{"spaced symbol", &Contract{Symbol: "BRK B", SecType: "STK"}, "BRK_B_STK"},
		{"call option", &Contract{Symbol: "AAPL", SecType: "OPT", Expiry: "20260116", Strike: 230, Right: "CALL"}, "AAPL20260116C00230000_OPT"},
		{"fractional strike", &Contract{Symbol: "AAPL", SecType: "OPT", Expiry: "20260116", Strike: 232.5, Right: "CALL"}, "AAPL20260116C00232500_OPT"},
		{"put option", &Contract{Symbol: "AAPL", SecType: "OPT", Expiry: "20260116", Strike: 230, Right: "PUT"}, "AAPL20260116P00230000_OPT"},
		{"futures option", &Contract{Symbol: "ES", SecType: "FOP", Expiry: "20260320", Strike: 5000, Right: "C"}, "ES20260320C05000000_FOP"},
		{"future yyyymm", &Contract{Symbol: "ES", SecType: "FUT", Expiry: "202603"}, "ESH2026_FUT"},
		{"future yyyymmdd", &Contract{Symbol: "ES", SecType: "FUT", Expiry: "20260320"}, "ESH2026_FUT"},
		{"december future", &Contract{Symbol: "ZC", SecType: "FUT", Expiry: "202512"}, "ZCZ2025_FUT"},
		{"cash pair", &Contract{Symbol: "EUR", SecType: "CASH", Currency: "USD"}, "EURUSD_CASH"},
		{"index", &Contract{Symbol: "SPX", SecType: "IND"}, "SPX_IND"},
		{"combo", &Contract{Symbol: "AAPL", SecType: "BAG"}, "AAPL_BAG"},
	}

	for _, tc := range cases {
		if got := ContractKey(tc.ct); got != tc.want {
			t.Errorf("Expected %s key '%s', got '%s'", tc.label, tc.want, got)
		}
	}
}

func TestContractKey_DegradesToSymbol(t *testing.T) {
	// Canonicalization is total: shapes it cannot encode fall back to the
	// bare symbol instead of failing.
	cases := []struct {
		label string
		ct    *Contract
		want  string
	}{
		{"option without right", &Contract{Symbol: "AAPL", SecType: "OPT", Expiry: "20260116", Strike: 230}, "AAPL"},
		{"future short expiry", &Contract{Symbol: "ES", SecType: "FUT", Expiry: "2026"}, "ES"},
		{"future junk expiry", &Contract{Symbol: "ES", SecType: "FUT", Expiry: "garbage"}, "ES"},
		{"future month 13", &Contract{Symbol: "ES", SecType: "FUT", Expiry: "202613"}, "ES"},
		{"missing sec type", &Contract{Symbol: "AAPL"}, "AAPL"},
		{"nil contract", nil, ""},
	}

	for _, tc := range cases {
		if got := ContractKey(tc.ct); got != tc.want {
			t.Errorf("Expected %s key '%s', got '%s'", tc.label, tc.want, got)
		}
	}
}

func TestResolve_DenseTicketIDs(t *testing.T) {
	c, _ := newTestClient(t, Config{}, nil)

	// 1. Id 0 is the sentinel row
	if got := c.TickerSymbol(0); got != "SYMBOL" {
		t.Errorf("Expected sentinel symbol 'SYMBOL' at id 0, got '%s'", got)
	}

	// 2. First sight allocates dense ids starting at 1
	key1, id1 := c.Resolve(&Contract{Symbol: "AAPL", SecType: "STK"})
	if key1 != "AAPL_STK" || id1 != 1 {
		t.Errorf("Expected (AAPL_STK, 1), got (%s, %d)", key1, id1)
	}
	key2, id2 := c.Resolve(&Contract{Symbol: "MSFT", SecType: "STK"})
	if key2 != "MSFT_STK" || id2 != 2 {
		t.Errorf("Expected (MSFT_STK, 2), got (%s, %d)", key2, id2)
	}

	// 3. Resolving the same descriptor again is a pure lookup
	keyAgain, idAgain := c.Resolve(&Contract{Symbol: "AAPL", SecType: "STK"})
	if keyAgain != key1 || idAgain != id1 {
		t.Errorf("Expected repeat resolve (%s, %d), got (%s, %d)", key1, id1, keyAgain, idAgain)
	}

	// 4. Reverse lookup matches
	if got := c.TickerSymbol(id2); got != "MSFT_STK" {
		t.Errorf("Expected ticker symbol 'MSFT_STK', got '%s'", got)
	}
	if got := c.TickerID("AAPL_STK"); got != id1 {
		t.Errorf("Expected ticker id %d for AAPL_STK, got %d", id1, got)
	}
}

func TestCreateStockContract_Defaults(t *testing.T) {
	c, gw := newTestClient(t, Config{}, nil)

	ct := c.CreateStockContract("AAPL", "", "")
	if ct.Exchange != "SMART" {
		t.Errorf("Expected exchange 'SMART', got '%s'", ct.Exchange)
	}
	if ct.Currency != "USD" {
		t.Errorf("Expected currency 'USD', got '%s'", ct.Currency)
	}

	// Registration requests contract details for the new ticket
	if len(gw.detailReqs) != 1 || gw.detailReqs[0] != 1 {
		t.Fatalf("Expected one details request for ticket 1, got %v", gw.detailReqs)
	}

	got, ok := c.ContractBySymbol("AAPL_STK")
	if !ok || got != ct {
		t.Error("Expected AAPL_STK to resolve to the registered contract")
	}
}

func TestIsMultiContract(t *testing.T) {
	c, _ := newTestClient(t, Config{}, nil)

	if !c.IsMultiContract(&Contract{Symbol: "NQ", SecType: "FUT"}) {
		t.Error("Expected future without expiry to be a multi contract")
	}
	if c.IsMultiContract(&Contract{Symbol: "NQ", SecType: "FUT", Expiry: "20990319"}) {
		t.Error("Expected future with expiry to be concrete")
	}
	if !c.IsMultiContract(&Contract{Symbol: "AAPL", SecType: "OPT", Expiry: "20990116", Right: "CALL"}) {
		t.Error("Expected option without strike to be a multi contract")
	}
	if c.IsMultiContract(&Contract{Symbol: "AAPL", SecType: "OPT", Expiry: "20990116", Strike: 230, Right: "CALL"}) {
		t.Error("Expected fully specified option to be concrete")
	}
	if c.IsMultiContract(&Contract{Symbol: "AAPL", SecType: "STK"}) {
		t.Error("Expected stock to be concrete")
	}
}

func TestContractDetails_PicksNearestSibling(t *testing.T) {
	rec := &CallbackRecorder{}
	c, _ := newTestClient(t, Config{}, rec.Record)

	// 1. Register an ambiguous future (no expiry)
	c.CreateContinuousFuturesContract("NQ", "GLOBEX")
	_, tid := c.Resolve(&Contract{Symbol: "NQ", SecType: "FUT"})

	// 2. Feed the sibling sequence out of order: one late, one expired,
	// one near
	for _, expiry := range []string{"20991217", "20000317", "20990319"} {
		c.Dispatch(&ContractDetailsEvent{ReqID: tid, Details: &ContractDetails{
			Summary: &Contract{Symbol: "NQ", SecType: "FUT", Exchange: "GLOBEX", Currency: "USD", Expiry: expiry},
			MinTick: 0.25,
		}})
	}
	c.Dispatch(&ContractDetailsEnd{ReqID: tid})

	// 3. The nearest unexpired sibling becomes the summary
	d := c.ContractDetailsByID(tid)
	if !d.Downloaded {
		t.Fatal("Expected details marked downloaded after end event")
	}
	if len(d.Contracts) != 3 {
		t.Fatalf("Expected 3 siblings, got %d", len(d.Contracts))
	}
	if d.Summary == nil || d.Summary.Expiry != "20990319" {
		t.Fatalf("Expected summary expiry '20990319', got %+v", d.Summary)
	}
	if d.MinTick != 0.25 {
		t.Errorf("Expected min tick 0.25, got %f", d.MinTick)
	}

	// 4. The ticket key is respelled from the summary's month code
	if got := c.TickerSymbol(tid); got != "NQH2099_FUT" {
		t.Errorf("Expected respelled key 'NQH2099_FUT', got '%s'", got)
	}

	// 5. Expirations lists the unexpired siblings ascending
	summary, ok := c.ContractBySymbol("NQH2099_FUT")
	if !ok {
		t.Fatal("Expected respelled key to resolve to the summary contract")
	}
	exps := c.Expirations(summary)
	if len(exps) != 2 || exps[0] != "20990319" || exps[1] != "20991217" {
		t.Errorf("Expected expirations [20990319 20991217], got %v", exps)
	}

	// 6. Each partial fires a callback, the end event its own
	if got := rec.Count("contractDetails"); got != 3 {
		t.Errorf("Expected 3 contractDetails callbacks, got %d", got)
	}
	if got := rec.Count("contractDetailsEnd"); got != 1 {
		t.Errorf("Expected 1 contractDetailsEnd callback, got %d", got)
	}
}

func TestContractDetails_MigratesPositions(t *testing.T) {
	c, _ := newTestClient(t, Config{}, nil)

	c.CreateContinuousFuturesContract("NQ", "GLOBEX")
	_, tid := c.Resolve(&Contract{Symbol: "NQ", SecType: "FUT"})

	// 1. Position and portfolio rows arrive before details, keyed by the
	// provisional spelling
	ambiguous := &Contract{Symbol: "NQ", SecType: "FUT", Exchange: "GLOBEX", Currency: "USD"}
	c.Dispatch(&PositionEvent{
		Account:  "DU1",
		Contract: ambiguous,
		Quantity: decimal.NewFromInt(2),
		AvgCost:  decimal.NewFromFloat(15100.25),
	})
	c.Dispatch(&UpdatePortfolio{
		Account:     "DU1",
		Contract:    ambiguous,
		Position:    decimal.NewFromInt(2),
		MarketValue: decimal.NewFromInt(30400),
	})

	positions, err := c.Positions("DU1")
	if err != nil {
		t.Fatalf("Positions failed: %v", err)
	}
	if _, ok := positions["NQ"]; !ok {
		t.Fatal("Expected provisional position row under 'NQ'")
	}

	// 2. Details finalize the spelling
	c.Dispatch(&ContractDetailsEvent{ReqID: tid, Details: &ContractDetails{
		Summary: &Contract{Symbol: "NQ", SecType: "FUT", Exchange: "GLOBEX", Currency: "USD", Expiry: "20990319"},
		MinTick: 0.25,
	}})
	c.Dispatch(&ContractDetailsEnd{ReqID: tid})

	// 3. Cache rows moved to the final key
	positions, err = c.Positions("DU1")
	if err != nil {
		t.Fatalf("Positions failed: %v", err)
	}
	if _, ok := positions["NQ"]; ok {
		t.Error("Expected provisional position row to be migrated away")
	}
	pos, ok := positions["NQH2099_FUT"]
	if !ok {
		t.Fatal("Expected position row under 'NQH2099_FUT', found none")
	}
	if pos.Symbol != "NQH2099_FUT" {
		t.Errorf("Expected migrated symbol 'NQH2099_FUT', got '%s'", pos.Symbol)
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Expected quantity 2, got %s", pos.Quantity)
	}

	portfolio, err := c.Portfolio("DU1")
	if err != nil {
		t.Fatalf("Portfolio failed: %v", err)
	}
	if _, ok := portfolio["NQH2099_FUT"]; !ok {
		t.Error("Expected portfolio row under 'NQH2099_FUT'")
	}
	if _, ok := portfolio["NQ"]; ok {
		t.Error("Expected provisional portfolio row to be migrated away")
	}
}

func TestContractDetails_SingleSibling(t *testing.T) {
	c, gw := newTestClient(t, Config{}, nil)

	ct := c.CreateStockContract("AAPL", "", "")
	_, tid := c.Resolve(ct)

	c.Dispatch(&ContractDetailsEvent{ReqID: tid, Details: &ContractDetails{
		Summary:  &Contract{Symbol: "AAPL", SecType: "STK", Exchange: "SMART", Currency: "USD", ConID: 265598},
		LongName: "APPLE INC",
	}})
	c.Dispatch(&ContractDetailsEnd{ReqID: tid})

	// Min tick defaults when the broker reports none
	d := c.ContractDetailsByID(tid)
	if d.MinTick != 0.01 {
		t.Errorf("Expected default min tick 0.01, got %f", d.MinTick)
	}
	if d.LongName != "APPLE INC" {
		t.Errorf("Expected long name 'APPLE INC', got '%s'", d.LongName)
	}

	// Equities keep their spelling
	if got := c.TickerSymbol(tid); got != "AAPL_STK" {
		t.Errorf("Expected key 'AAPL_STK' after details, got '%s'", got)
	}

	if got := c.ConID(ct); got != 265598 {
		t.Errorf("Expected conId 265598, got %d", got)
	}

	// Downloaded details suppress the re-request on re-registration
	before := len(gw.detailReqs)
	c.CreateStockContract("AAPL", "", "")
	if len(gw.detailReqs) != before {
		t.Errorf("Expected no new details request after download, got %v", gw.detailReqs)
	}
}

func TestStrikes_SortedUnique(t *testing.T) {
	c, _ := newTestClient(t, Config{}, nil)

	// An option chain request: same underlying, several strikes
	c.CreateOptionContract("AAPL", "20990116", 0, "CALL", "", "")
	_, tid := c.Resolve(&Contract{Symbol: "AAPL", SecType: "OPT", Expiry: "20990116", Right: "CALL"})

	for _, strike := range []float64{230, 220, 230, 250} {
		c.Dispatch(&ContractDetailsEvent{ReqID: tid, Details: &ContractDetails{
			Summary: &Contract{Symbol: "AAPL", SecType: "OPT", Exchange: "SMART", Expiry: "20990116", Strike: strike, Right: "CALL"},
			MinTick: 0.01,
		}})
	}
	c.Dispatch(&ContractDetailsEnd{ReqID: tid})

	key := c.TickerSymbol(tid)
	summary, ok := c.ContractBySymbol(key)
	if !ok {
		t.Fatalf("Expected summary contract under '%s'", key)
	}
	strikes := c.Strikes(summary)
	if len(strikes) != 3 || strikes[0] != 220 || strikes[1] != 230 || strikes[2] != 250 {
		t.Errorf("Expected strikes [220 230 250], got %v", strikes)
	}
}
