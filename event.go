package ezibpy

import "github.com/shopspring/decimal"

// Event is a single inbound message from the brokerage session. The session
// driver converts wire messages into these types and feeds them to
// Client.Dispatch one at a time, in delivery order.
type Event interface {
	// Kind returns the wire-level message name the event was built from.
	Kind() string
}

// CurrentTime is the broker's time-sync message (unix seconds).
type CurrentTime struct {
	Time int64
}

// ErrorMessage carries a broker error or warning. ID is the offending
// request/order id, or -1 when the error is not tied to a request.
type ErrorMessage struct {
	ID      int64
	Code    int
	Message string
}

// TickPrice is a price update for one field of a ticket's market data row.
type TickPrice struct {
	TickerID       int64
	Field          int
	Price          float64
	CanAutoExecute bool
}

// TickSize is a size/volume update for one field of a ticket's row.
type TickSize struct {
	TickerID int64
	Field    int
	Size     int64
}

// TickGeneric carries miscellaneous numeric fields (implied vol etc).
type TickGeneric struct {
	TickerID int64
	Field    int
	Value    float64
}

// TickString carries string-encoded fields. Field 45 (last trade timestamp)
// is the drive tick for the trailing-stop engines; field 48 is RTVOLUME.
type TickString struct {
	TickerID int64
	Field    int
	Value    string
}

// TickOptionComputation is a greeks/IV computation for one side (bid, ask
// or last) of an option ticket.
type TickOptionComputation struct {
	TickerID   int64
	Field      int
	ImpliedVol float64
	Delta      float64
	OptPrice   float64
	PVDividend float64
	Gamma      float64
	Vega       float64
	Theta      float64
	UndPrice   float64
}

// TickSnapshotEnd marks the end of a snapshot market data request.
type TickSnapshotEnd struct {
	ReqID int64
}

// MarketDepth is a level-2 book update. Side 1 is bid, 0 is ask.
type MarketDepth struct {
	TickerID  int64
	Position  int
	Operation int
	Side      int
	Price     float64
	Size      int64
}

// OpenOrder is the broker's echo of a working order.
type OpenOrder struct {
	OrderID  int64
	Contract *Contract
	Order    *Order
}

// OrderStatus reports an order's progress through the broker.
type OrderStatus struct {
	OrderID      int64
	Status       string
	Filled       int64
	Remaining    int64
	AvgFillPrice float64
	ParentID     int64
	WhyHeld      string
}

// HistoricalData is one bar of a historical data response. A Date with the
// "finished-" prefix terminates the stream.
type HistoricalData struct {
	ReqID   int64
	Date    string
	Open    float64
	High    float64
	Low     float64
	Close   float64
	Volume  int64
	Count   int
	WAP     float64
	HasGaps bool
}

// UpdateAccountValue is one account metric (key/value) for an account.
type UpdateAccountValue struct {
	Key      string
	Value    string
	Currency string
	Account  string
}

// UpdatePortfolio is a portfolio row for one contract in one account.
type UpdatePortfolio struct {
	Contract      *Contract
	Position      decimal.Decimal
	MarketPrice   decimal.Decimal
	MarketValue   decimal.Decimal
	AverageCost   decimal.Decimal
	UnrealizedPNL decimal.Decimal
	RealizedPNL   decimal.Decimal
	Account       string
}

// PositionEvent is a position row for one contract in one account.
type PositionEvent struct {
	Account  string
	Contract *Contract
	Quantity decimal.Decimal
	AvgCost  decimal.Decimal
}

// NextValidID seeds the local order id counter.
type NextValidID struct {
	OrderID int64
}

// ConnectionClosed signals that the session dropped.
type ConnectionClosed struct{}

// ContractDetailsEvent is one concrete contract resolved for a details
// request; ambiguous descriptors produce several before the end marker.
type ContractDetailsEvent struct {
	ReqID   int64
	Details *ContractDetails
}

// ContractDetailsEnd terminates a contract details sequence.
type ContractDetailsEnd struct {
	ReqID int64
}

// ManagedAccounts lists the accounts this session controls,
// comma-separated.
type ManagedAccounts struct {
	Accounts string
}

// CommissionReport reports the commission charged for an execution.
type CommissionReport struct {
	ExecID      string
	Commission  float64
	Currency    string
	RealizedPNL float64
}

func (*CurrentTime) Kind() string           { return "currentTime" }
func (*ErrorMessage) Kind() string          { return "error" }
func (*TickPrice) Kind() string             { return "tickPrice" }
func (*TickSize) Kind() string              { return "tickSize" }
func (*TickGeneric) Kind() string           { return "tickGeneric" }
func (*TickString) Kind() string            { return "tickString" }
func (*TickOptionComputation) Kind() string { return "tickOptionComputation" }
func (*TickSnapshotEnd) Kind() string       { return "tickSnapshotEnd" }
func (*MarketDepth) Kind() string           { return "updateMktDepth" }
func (*OpenOrder) Kind() string             { return "openOrder" }
func (*OrderStatus) Kind() string           { return "orderStatus" }
func (*HistoricalData) Kind() string        { return "historicalData" }
func (*UpdateAccountValue) Kind() string    { return "updateAccountValue" }
func (*UpdatePortfolio) Kind() string       { return "updatePortfolio" }
func (*PositionEvent) Kind() string         { return "position" }
func (*NextValidID) Kind() string           { return "nextValidId" }
func (*ConnectionClosed) Kind() string      { return "connectionClosed" }
func (*ContractDetailsEvent) Kind() string  { return "contractDetails" }
func (*ContractDetailsEnd) Kind() string    { return "contractDetailsEnd" }
func (*ManagedAccounts) Kind() string       { return "managedAccounts" }
func (*CommissionReport) Kind() string      { return "commissionReport" }
