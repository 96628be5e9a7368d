package trade_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/ledger"
	"github.com/atmx/paper-trader/internal/store"
	"github.com/atmx/paper-trader/internal/trade"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHub_BroadcastsPortfolioAfterTrade(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := trade.NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.Clients() == 1 })

	l, err := ledger.Restore(ctx, store.NewMemoryStore(), "ws", d(10000))
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	svc := trade.NewService(l, &fakeQuotes{prices: map[string]decimal.Decimal{}}, hub, time.Hour)
	r := chi.NewRouter()
	r.Post("/api/v1/buy", svc.Buy)
	env := &testEnv{svc: svc, ledger: l, router: r}
	if w := env.trade(t, "buy", "bitcoin", 250, 50000); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg trade.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("bad message %s: %v", data, err)
	}
	if msg.Type != trade.MsgPortfolioUpdated || msg.Reason != "buy" {
		t.Errorf("unexpected message type %q reason %q", msg.Type, msg.Reason)
	}
	if msg.Portfolio == nil || !msg.Portfolio.CashBalance.Equal(d(9750)) {
		t.Errorf("expected portfolio with cash 9750, got %+v", msg.Portfolio)
	}
	if len(msg.Trades) != 1 || msg.Trades[0].AssetID != "bitcoin" {
		t.Errorf("expected the executed trade, got %+v", msg.Trades)
	}
}

func TestWSHub_ClientDisconnectIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := trade.NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	waitFor(t, func() bool { return hub.Clients() == 1 })

	conn.Close()
	waitFor(t, func() bool { return hub.Clients() == 0 })
}
