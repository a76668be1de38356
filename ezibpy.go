// Package ezibpy maintains client-side state for an asynchronous
// Interactive Brokers style trading session: contract identity, market
// data caches, account/position/portfolio tables, an order lifecycle
// tracker and software trailing-stop automation, all fed through a single
// event dispatcher.
package ezibpy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ranaroussi/ezibpy/internal/journal"
)

// Callback receives every state-changing session event after it has been
// applied: the event name, the event itself and an optional extra payload
// (parsed RTVOLUME trades, historical completion flags).
type Callback func(event string, msg Event, extra any)

// Client is the session state holder. The driver feeds broker events into
// Dispatch one at a time; application goroutines query the caches
// concurrently through the accessor surface. One RWMutex guards all
// tables.
type Client struct {
	cfg Config
	gw  Gateway
	log *zap.Logger
	cb  Callback

	mu sync.RWMutex

	// contract registry
	tickerIDs         map[int64]string
	tickerKeys        map[string]int64
	contracts         map[int64]*Contract
	details           map[int64]*ContractDetails
	pendingDetails    map[int64]*ContractDetails
	localSymbolExpiry map[string]string

	// market data
	marketData     map[int64]*Tick
	optionsData    map[int64]*OptionTick
	marketDepth    map[int64]*Depth
	historicalData map[string][]Bar

	// accounts
	accounts        map[string]map[string]any
	positions       map[string]map[string]Position
	portfolio       map[string]map[string]PortfolioEntry
	managedAccounts []string
	lastCommission  CommissionReport
	hasCommission   bool

	// order tracker
	orders          map[int64]*OrderRecord
	ordersBySymbol  map[string]map[int64]*OrderRecord
	ordersByAccount map[string]map[string]map[int64]*OrderRecord
	orderID         int64

	journal    *journal.Journal
	journalIDs map[int64]int64

	// trailing stops
	trailingStops    map[int64]*TrailingStop
	triggerableStops map[string]*TriggerableTrailingStop

	// subscriptions and connection state
	positionsSubscribed bool
	accountSubscribed   bool
	connected           bool
	epochConnected      bool
	connLostLogged      bool
	connErrors          map[int]bool
	userDisconnected    bool
	needsReconnect      bool
	serverTime          time.Time

	pending []pendingCallback
}

// New builds a session client over a gateway. logger may be nil (no-op
// logging), cb may be nil (no callbacks). The order-id journal loads
// immediately so id allocation survives restarts.
func New(cfg Config, gw Gateway, logger *zap.Logger, cb Callback) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	c := &Client{
		cfg: cfg,
		gw:  gw,
		log: logger,
		cb:  cb,

		tickerIDs:         map[int64]string{0: sentinelSymbol},
		tickerKeys:        map[string]int64{sentinelSymbol: 0},
		contracts:         make(map[int64]*Contract),
		details:           make(map[int64]*ContractDetails),
		pendingDetails:    make(map[int64]*ContractDetails),
		localSymbolExpiry: make(map[string]string),

		marketData:     make(map[int64]*Tick),
		optionsData:    make(map[int64]*OptionTick),
		marketDepth:    make(map[int64]*Depth),
		historicalData: make(map[string][]Bar),

		accounts:  make(map[string]map[string]any),
		positions: make(map[string]map[string]Position),
		portfolio: make(map[string]map[string]PortfolioEntry),

		orders:          make(map[int64]*OrderRecord),
		ordersBySymbol:  make(map[string]map[int64]*OrderRecord),
		ordersByAccount: make(map[string]map[string]map[int64]*OrderRecord),
		orderID:         1,

		journal: journal.New(cfg.OrderJournal),

		trailingStops:    make(map[int64]*TrailingStop),
		triggerableStops: make(map[string]*TriggerableTrailingStop),

		connErrors: make(map[int]bool),
	}

	ids, err := c.journal.Load()
	if err != nil {
		c.log.Warn("order id journal", zap.Error(err))
		ids = map[int64]int64{}
	}
	c.journalIDs = ids
	if last, ok := ids[cfg.ClientID]; ok {
		c.orderID = last + 1
	}

	return c
}

// Connect opens the gateway and runs the post-connect sequence: server
// time, order ids, position and account subscriptions, open-order replay.
// Request failures after a successful gateway connect are logged, not
// returned.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	c.userDisconnected = false
	c.log.Info("connecting",
		zap.String("host", c.cfg.Host), zap.Int("port", c.cfg.Port), zap.Int64("client_id", c.cfg.ClientID))
	if err := c.gw.Connect(); err != nil {
		return fmt.Errorf("connect gateway: %w", err)
	}

	// the broker forgets subscriptions across connections
	c.positionsSubscribed = false
	c.accountSubscribed = false

	if err := c.gw.ReqCurrentTime(); err != nil {
		c.log.Warn("server time request", zap.Error(err))
	}
	if err := c.gw.ReqIDs(1); err != nil {
		c.log.Warn("order id request", zap.Error(err))
	}
	if err := c.requestPositionUpdatesLocked(true); err != nil {
		c.log.Warn("position subscription", zap.Error(err))
	}
	if err := c.requestAccountUpdatesLocked(true, c.cfg.Account); err != nil {
		c.log.Warn("account subscription", zap.Error(err))
	}
	if err := c.gw.ReqOpenOrders(); err != nil {
		c.log.Warn("open order replay", zap.Error(err))
	}
	return nil
}

// Disconnect closes the gateway. The shutdown is marked user-initiated so
// the session does not flag itself for reconnection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userDisconnected = true
	c.connected = false
	c.epochConnected = false
	return c.gw.Disconnect()
}

// Reconnect retries the connect sequence until it succeeds or ctx is
// done, sleeping the configured interval between attempts. The driver
// calls it when NeedsReconnect reports true; Dispatch never blocks on
// reconnection itself.
func (c *Client) Reconnect(ctx context.Context) error {
	for {
		c.mu.Lock()
		err := c.connectLocked()
		if err == nil {
			c.needsReconnect = false
			c.mu.Unlock()
			c.log.Info("reconnected")
			return nil
		}
		c.mu.Unlock()
		c.log.Warn("reconnect attempt", zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// Connected reports whether the last observed event proved a live link.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// NeedsReconnect reports whether the session lost its link without a
// user-initiated disconnect.
func (c *Client) NeedsReconnect() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.needsReconnect
}

// ServerTime returns the last broker clock reading.
func (c *Client) ServerTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverTime
}

// nowLocked favors the broker clock for record timestamps.
func (c *Client) nowLocked() time.Time {
	if !c.serverTime.IsZero() {
		return c.serverTime
	}
	return time.Now()
}
