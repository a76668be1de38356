package ezibpy

import (
	"context"
	"errors"
	"testing"
)

type bogusEvent struct{}

func (bogusEvent) Kind() string { return "bogus" }

func TestDispatch_ConnectionEpoch(t *testing.T) {
	rec := &CallbackRecorder{}
	c, _ := newTestClient(t, Config{}, rec.Record)

	if c.Connected() {
		t.Error("Expected disconnected before any event")
	}

	// 1. The first time event opens the epoch
	c.Dispatch(&CurrentTime{Time: 1700000000})
	if !c.Connected() {
		t.Error("Expected connected after a time event")
	}
	if got := c.ServerTime().Unix(); got != 1700000000 {
		t.Errorf("Expected server time 1700000000, got %d", got)
	}
	if count := rec.Count("connectionOpened"); count != 1 {
		t.Errorf("Expected 1 connectionOpened callback, got %d", count)
	}

	// 2. Further time events stay inside the epoch
	c.Dispatch(&CurrentTime{Time: 1700000060})
	if count := rec.Count("connectionOpened"); count != 1 {
		t.Errorf("Expected connectionOpened once per epoch, got %d", count)
	}

	// 3. A disconnect-class error closes the epoch
	c.Dispatch(&ErrorMessage{ID: -1, Code: 1100, Message: "connectivity lost"})
	if c.Connected() {
		t.Error("Expected disconnected after code 1100")
	}
	if !c.NeedsReconnect() {
		t.Error("Expected reconnect flagged after code 1100")
	}

	// 4. The next time event opens a fresh epoch
	c.Dispatch(&CurrentTime{Time: 1700000120})
	if count := rec.Count("connectionOpened"); count != 2 {
		t.Errorf("Expected connectionOpened again after reconnect, got %d", count)
	}
}

func TestDispatch_DisconnectCodeDeduplicated(t *testing.T) {
	rec := &CallbackRecorder{}
	c, _ := newTestClient(t, Config{}, rec.Record)

	// 1. The first occurrence of a disconnect code reaches the callback
	c.Dispatch(&ErrorMessage{ID: -1, Code: 1100, Message: "connectivity lost"})
	if count := rec.Count("error"); count != 1 {
		t.Fatalf("Expected 1 error callback, got %d", count)
	}

	// 2. The same code again in the same episode is silent
	c.Dispatch(&ErrorMessage{ID: -1, Code: 1100, Message: "connectivity lost"})
	if count := rec.Count("error"); count != 1 {
		t.Errorf("Expected duplicate suppressed, got %d callbacks", count)
	}

	// 3. A live link resets the episode, the code fires again
	c.Dispatch(&CurrentTime{Time: 1700000000})
	c.Dispatch(&ErrorMessage{ID: -1, Code: 1100, Message: "connectivity lost"})
	if count := rec.Count("error"); count != 2 {
		t.Errorf("Expected 2 error callbacks across episodes, got %d", count)
	}
}

func TestDispatch_BenignCodesStayConnected(t *testing.T) {
	rec := &CallbackRecorder{}
	c, _ := newTestClient(t, Config{}, rec.Record)

	c.Dispatch(&CurrentTime{Time: 1700000000})
	c.Dispatch(&ErrorMessage{ID: -1, Code: 2104, Message: "market data farm connection is OK"})

	if !c.Connected() {
		t.Error("Expected benign status to keep the link up")
	}
	if c.NeedsReconnect() {
		t.Error("Expected no reconnect for a benign status")
	}
	if count := rec.Count("error"); count != 1 {
		t.Errorf("Expected benign status delivered to the callback, got %d", count)
	}
}

func TestDispatch_UserDisconnectSuppressesReconnect(t *testing.T) {
	c, gw := newTestClient(t, Config{}, nil)

	if err := c.Connect(); err != nil {
		t.Fatalf("Expected connect, got error: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Expected disconnect, got error: %v", err)
	}
	if gw.disconnects != 1 {
		t.Errorf("Expected 1 gateway disconnect, got %d", gw.disconnects)
	}

	// Late session noise after a user shutdown never flags a reconnect
	c.Dispatch(&ErrorMessage{ID: -1, Code: 1100, Message: "connectivity lost"})
	c.Dispatch(&ConnectionClosed{})

	if c.NeedsReconnect() {
		t.Error("Expected no reconnect after a user-initiated disconnect")
	}
	if c.Connected() {
		t.Error("Expected disconnected state")
	}
}

func TestDispatch_ConnectionClosedFlagsReconnect(t *testing.T) {
	rec := &CallbackRecorder{}
	c, _ := newTestClient(t, Config{}, rec.Record)

	c.Dispatch(&CurrentTime{Time: 1700000000})
	c.Dispatch(&ConnectionClosed{})

	if c.Connected() {
		t.Error("Expected disconnected after the session dropped")
	}
	if !c.NeedsReconnect() {
		t.Error("Expected reconnect flagged for an unexpected drop")
	}
	if count := rec.Count("connectionClosed"); count != 1 {
		t.Errorf("Expected 1 connectionClosed callback, got %d", count)
	}
}

func TestDispatch_UnhandledAndNilEvents(t *testing.T) {
	rec := &CallbackRecorder{}
	c, _ := newTestClient(t, Config{}, rec.Record)

	c.Dispatch(bogusEvent{})
	c.Dispatch(nil)

	if len(rec.calls) != 0 {
		t.Errorf("Expected no callbacks, got %d", len(rec.calls))
	}
}

func TestDispatch_CallbackMayQueryClient(t *testing.T) {
	var c *Client
	connectedInCallback := false
	cb := func(event string, msg Event, extra any) {
		if event == "currentTime" {
			connectedInCallback = c.Connected()
		}
	}
	c, _ = newTestClient(t, Config{}, cb)

	// Callbacks fire after the state lock is released, so they may call
	// back into the session
	c.Dispatch(&CurrentTime{Time: 1700000000})

	if !connectedInCallback {
		t.Error("Expected the callback to observe the connected session")
	}
}

func TestConnect_RunsStartupSequence(t *testing.T) {
	c, gw := newTestClient(t, Config{Account: "DU1"}, nil)

	if err := c.Connect(); err != nil {
		t.Fatalf("Expected connect, got error: %v", err)
	}

	if gw.connects != 1 || gw.timeReqs != 1 || gw.idReqs != 1 || gw.openOrderReqs != 1 {
		t.Errorf("Expected startup sequence once, got connects %d time %d ids %d openOrders %d",
			gw.connects, gw.timeReqs, gw.idReqs, gw.openOrderReqs)
	}
	if gw.positionReqs != 1 {
		t.Errorf("Expected 1 position subscription, got %d", gw.positionReqs)
	}
	if len(gw.accountReqs) != 1 || !gw.accountReqs[0].Subscribe || gw.accountReqs[0].Account != "DU1" {
		t.Errorf("Expected account subscription for DU1, got %v", gw.accountReqs)
	}

	// A reconnect re-subscribes: the broker forgets subscriptions
	if err := c.Connect(); err != nil {
		t.Fatalf("Expected second connect, got error: %v", err)
	}
	if gw.positionReqs != 2 || len(gw.accountReqs) != 2 {
		t.Errorf("Expected subscriptions re-issued, got positions %d accounts %d",
			gw.positionReqs, len(gw.accountReqs))
	}
}

func TestConnect_GatewayFailure(t *testing.T) {
	errBoom := errors.New("boom")
	c, gw := newTestClient(t, Config{}, nil)
	gw.connectErr = errBoom

	if err := c.Connect(); !errors.Is(err, errBoom) {
		t.Fatalf("Expected gateway error surfaced, got %v", err)
	}
	if gw.timeReqs != 0 || gw.positionReqs != 0 || len(gw.accountReqs) != 0 {
		t.Error("Expected no requests after a failed connect")
	}
}

func TestReconnect(t *testing.T) {
	errBoom := errors.New("boom")
	c, gw := newTestClient(t, Config{}, nil)

	// 1. A cancelled context stops the retry loop
	gw.connectErr = errBoom
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Reconnect(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	// 2. A successful attempt clears the reconnect flag
	c.Dispatch(&ErrorMessage{ID: -1, Code: 1100, Message: "connectivity lost"})
	if !c.NeedsReconnect() {
		t.Fatal("Expected reconnect flagged")
	}
	gw.connectErr = nil
	if err := c.Reconnect(context.Background()); err != nil {
		t.Fatalf("Expected reconnect, got error: %v", err)
	}
	if c.NeedsReconnect() {
		t.Error("Expected reconnect flag cleared")
	}
	if gw.connects == 0 {
		t.Error("Expected a gateway connect attempt")
	}
}
