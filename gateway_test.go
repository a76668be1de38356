package ezibpy

import (
	"path/filepath"
	"testing"
)

// MockGateway implements Gateway for testing, recording every outbound
// call. Error fields inject failures per method.
type MockGateway struct {
	connectErr error
	placeErr   error
	cancelErr  error
	mktDataErr error
	depthErr   error
	histErr    error

	connects    int
	disconnects int

	placed    []PlacedOrder
	cancelled []int64

	detailReqs []int64

	mktDataReqs    []MktDataReq
	mktDataCancels []int64
	depthReqs      []DepthReq
	depthCancels   []int64
	histReqs       []HistReq
	histCancels    []int64

	accountReqs     []AccountReq
	positionReqs    int
	positionCancels int
	idReqs          int
	openOrderReqs   int
	timeReqs        int
}

// PlacedOrder is one recorded PlaceOrder call.
type PlacedOrder struct {
	OrderID  int64
	Contract *Contract
	Order    *Order
}

type MktDataReq struct {
	TickerID     int64
	GenericTicks string
	Snapshot     bool
}

type DepthReq struct {
	TickerID int64
	NumRows  int
}

type HistReq struct {
	TickerID    int64
	EndDateTime string
	Duration    string
	BarSize     string
	WhatToShow  string
	UseRTH      bool
	FormatDate  int
}

type AccountReq struct {
	Subscribe bool
	Account   string
}

func (m *MockGateway) Connect() error {
	m.connects++
	return m.connectErr
}

func (m *MockGateway) Disconnect() error {
	m.disconnects++
	return nil
}

func (m *MockGateway) PlaceOrder(orderID int64, contract *Contract, order *Order) error {
	if m.placeErr != nil {
		return m.placeErr
	}
	m.placed = append(m.placed, PlacedOrder{OrderID: orderID, Contract: contract, Order: order})
	return nil
}

func (m *MockGateway) CancelOrder(orderID int64) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *MockGateway) ReqContractDetails(tickerID int64, contract *Contract) error {
	m.detailReqs = append(m.detailReqs, tickerID)
	return nil
}

func (m *MockGateway) ReqMktData(tickerID int64, contract *Contract, genericTicks string, snapshot bool) error {
	if m.mktDataErr != nil {
		return m.mktDataErr
	}
	m.mktDataReqs = append(m.mktDataReqs, MktDataReq{TickerID: tickerID, GenericTicks: genericTicks, Snapshot: snapshot})
	return nil
}

func (m *MockGateway) ReqMktDepth(tickerID int64, contract *Contract, numRows int) error {
	if m.depthErr != nil {
		return m.depthErr
	}
	m.depthReqs = append(m.depthReqs, DepthReq{TickerID: tickerID, NumRows: numRows})
	return nil
}

func (m *MockGateway) ReqHistoricalData(tickerID int64, contract *Contract, endDateTime, duration, barSize, whatToShow string, useRTH bool, formatDate int) error {
	if m.histErr != nil {
		return m.histErr
	}
	m.histReqs = append(m.histReqs, HistReq{
		TickerID:    tickerID,
		EndDateTime: endDateTime,
		Duration:    duration,
		BarSize:     barSize,
		WhatToShow:  whatToShow,
		UseRTH:      useRTH,
		FormatDate:  formatDate,
	})
	return nil
}

// Stubs for the fire-and-forget cancels and bookkeeping requests
func (m *MockGateway) CancelMktData(tickerID int64) {
	m.mktDataCancels = append(m.mktDataCancels, tickerID)
}
func (m *MockGateway) CancelMktDepth(tickerID int64) {
	m.depthCancels = append(m.depthCancels, tickerID)
}
func (m *MockGateway) CancelHistoricalData(tickerID int64) {
	m.histCancels = append(m.histCancels, tickerID)
}
func (m *MockGateway) ReqAccountUpdates(subscribe bool, account string) error {
	m.accountReqs = append(m.accountReqs, AccountReq{Subscribe: subscribe, Account: account})
	return nil
}
func (m *MockGateway) ReqPositions() error     { m.positionReqs++; return nil }
func (m *MockGateway) CancelPositions()        { m.positionCancels++ }
func (m *MockGateway) ReqIDs(numIDs int) error { m.idReqs++; return nil }
func (m *MockGateway) ReqOpenOrders() error    { m.openOrderReqs++; return nil }
func (m *MockGateway) ReqCurrentTime() error   { m.timeReqs++; return nil }

// CallbackCall is one recorded callback invocation.
type CallbackCall struct {
	Event string
	Msg   Event
	Extra any
}

// CallbackRecorder collects callback invocations for inspection.
type CallbackRecorder struct {
	calls []CallbackCall
}

func (r *CallbackRecorder) Record(event string, msg Event, extra any) {
	r.calls = append(r.calls, CallbackCall{Event: event, Msg: msg, Extra: extra})
}

func (r *CallbackRecorder) Count(event string) int {
	n := 0
	for _, call := range r.calls {
		if call.Event == event {
			n++
		}
	}
	return n
}

func (r *CallbackRecorder) Calls(event string) []CallbackCall {
	var out []CallbackCall
	for _, call := range r.calls {
		if call.Event == event {
			out = append(out, call)
		}
	}
	return out
}

func (r *CallbackRecorder) Last(event string) (CallbackCall, bool) {
	calls := r.Calls(event)
	if len(calls) == 0 {
		return CallbackCall{}, false
	}
	return calls[len(calls)-1], true
}

// newTestClient builds a client over a fresh MockGateway, parking the
// order id journal in a per-test temp dir.
func newTestClient(t *testing.T, cfg Config, cb Callback) (*Client, *MockGateway) {
	t.Helper()
	if cfg.OrderJournal == "" {
		cfg.OrderJournal = filepath.Join(t.TempDir(), "orders.json")
	}
	gw := &MockGateway{}
	return New(cfg, gw, nil, cb), gw
}
