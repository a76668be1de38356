package ezibpy

// Gateway is the outbound half of the brokerage session. A driver wraps the
// actual wire client (TWS / IB Gateway socket) behind this interface and
// feeds the inbound half to Client.Dispatch. Swapping the wire client, or a
// recorded fake for testing, never touches the code that uses the session.
//
// Cancels of streaming requests are fire-and-forget on the wire, so they
// return nothing; commands and data requests surface write failures.
type Gateway interface {
	Connect() error
	Disconnect() error

	PlaceOrder(orderID int64, contract *Contract, order *Order) error
	CancelOrder(orderID int64) error

	ReqContractDetails(tickerID int64, contract *Contract) error
	ReqMktData(tickerID int64, contract *Contract, genericTicks string, snapshot bool) error
	CancelMktData(tickerID int64)
	ReqMktDepth(tickerID int64, contract *Contract, numRows int) error
	CancelMktDepth(tickerID int64)
	ReqHistoricalData(tickerID int64, contract *Contract, endDateTime, duration, barSize, whatToShow string, useRTH bool, formatDate int) error
	CancelHistoricalData(tickerID int64)

	ReqAccountUpdates(subscribe bool, account string) error
	ReqPositions() error
	CancelPositions()
	ReqIDs(numIDs int) error
	ReqOpenOrders() error
	ReqCurrentTime() error
}
