package ezibpy

import (
	"time"

	"go.uber.org/zap"
)

// Benign status codes the broker emits during normal operation.
var benignErrorCodes = map[int]bool{
	0:    true,
	2104: true,
	2106: true,
}

// Codes that mean connectivity to the broker is gone.
var disconnectErrorCodes = map[int]bool{
	502:  true,
	504:  true,
	509:  true,
	1100: true,
	2110: true,
}

type pendingCallback struct {
	event string
	msg   Event
	extra any
}

// emitLocked queues a callback invocation. Queued callbacks fire after the
// dispatch releases the state lock, in order.
func (c *Client) emitLocked(event string, msg Event, extra any) {
	if c.cb == nil {
		return
	}
	c.pending = append(c.pending, pendingCallback{event: event, msg: msg, extra: extra})
}

// Dispatch ingests one session event: connection tracking first, then
// exactly one handler by event type. All state mutation happens inside the
// call; callbacks collected along the way fire after the lock is released,
// so callback code may query the session freely. The driver must deliver
// events one at a time.
func (c *Client) Dispatch(ev Event) {
	if ev == nil {
		return
	}

	c.mu.Lock()
	c.trackConnectionLocked(ev)
	c.routeLocked(ev)
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range pending {
		c.cb(p.event, p.msg, p.extra)
	}
}

// trackConnectionLocked runs the connection state machine. Any event that
// is not a disconnect-class error proves the link is up; the connect
// callback fires once per epoch, on the first current-time event.
func (c *Client) trackConnectionLocked(ev Event) {
	errEv, isErr := ev.(*ErrorMessage)
	c.connected = !(isErr && disconnectErrorCodes[errEv.Code])

	if c.connected {
		if len(c.connErrors) > 0 {
			c.connErrors = make(map[int]bool)
		}
		c.connLostLogged = false
		if _, ok := ev.(*CurrentTime); ok && !c.epochConnected {
			c.epochConnected = true
			c.log.Info("connection established",
				zap.String("host", c.cfg.Host), zap.Int("port", c.cfg.Port))
			c.emitLocked("connectionOpened", ev, nil)
		}
		return
	}

	c.epochConnected = false
	if !c.connLostLogged {
		c.connLostLogged = true
		c.log.Warn("connection lost", zap.Int("code", errEv.Code))
	}
}

func (c *Client) routeLocked(ev Event) {
	switch ev := ev.(type) {
	case *ErrorMessage:
		c.handleErrorLocked(ev)
	case *CurrentTime:
		c.handleCurrentTimeLocked(ev)
	case *TickPrice:
		c.handleTickPriceLocked(ev)
	case *TickSize:
		c.handleTickSizeLocked(ev)
	case *TickGeneric:
		c.handleTickGenericLocked(ev)
	case *TickString:
		c.handleTickStringLocked(ev)
	case *TickOptionComputation:
		c.handleTickOptionComputationLocked(ev)
	case *TickSnapshotEnd:
		c.handleTickSnapshotEndLocked(ev)
	case *MarketDepth:
		c.handleMarketDepthLocked(ev)
	case *OpenOrder:
		c.handleOpenOrderLocked(ev)
	case *OrderStatus:
		c.handleOrderStatusLocked(ev)
	case *HistoricalData:
		c.handleHistoricalDataLocked(ev)
	case *UpdateAccountValue:
		c.handleAccountValueLocked(ev)
	case *UpdatePortfolio:
		c.handleUpdatePortfolioLocked(ev)
	case *PositionEvent:
		c.handlePositionLocked(ev)
	case *NextValidID:
		c.handleNextValidIDLocked(ev)
	case *ConnectionClosed:
		c.handleConnectionClosedLocked(ev)
	case *ContractDetailsEvent:
		c.handleContractDetailsLocked(ev)
	case *ContractDetailsEnd:
		c.handleContractDetailsEndLocked(ev)
	case *ManagedAccounts:
		c.handleManagedAccountsLocked(ev)
	case *CommissionReport:
		c.handleCommissionReportLocked(ev)
	default:
		c.log.Warn("unhandled event", zap.String("kind", ev.Kind()))
	}
}

// handleErrorLocked sorts server errors into benign noise, connection
// failures (deduplicated per episode) and genuine errors. All but episode
// duplicates reach the callback.
func (c *Client) handleErrorLocked(ev *ErrorMessage) {
	switch {
	case benignErrorCodes[ev.Code]:
		c.log.Debug("server message", zap.Int("code", ev.Code), zap.String("message", ev.Message))
	case disconnectErrorCodes[ev.Code]:
		if c.connErrors[ev.Code] {
			return
		}
		c.connErrors[ev.Code] = true
		if !c.userDisconnected {
			c.needsReconnect = true
		}
		c.log.Error("connection error", zap.Int("code", ev.Code), zap.String("message", ev.Message))
	default:
		c.log.Warn("server error",
			zap.Int64("id", ev.ID), zap.Int("code", ev.Code), zap.String("message", ev.Message))
	}
	c.emitLocked("error", ev, nil)
}

func (c *Client) handleCurrentTimeLocked(ev *CurrentTime) {
	c.serverTime = time.Unix(ev.Time, 0)
	c.emitLocked("currentTime", ev, nil)
}

// handleConnectionClosedLocked marks the session down. Unless the user
// asked for the disconnect, the session flags itself for reconnection; the
// driver runs Reconnect.
func (c *Client) handleConnectionClosedLocked(ev *ConnectionClosed) {
	c.connected = false
	c.epochConnected = false
	if c.userDisconnected {
		c.log.Info("connection closed")
	} else {
		c.needsReconnect = true
		c.log.Warn("connection closed, reconnect required")
	}
	c.emitLocked("connectionClosed", ev, nil)
}
