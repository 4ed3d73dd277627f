package httpfeed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSearchMarkets(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("venue"); got != "polymarket" {
			t.Errorf("venue param = %q", got)
		}
		if got := r.URL.Query().Get("q"); got != "btc" {
			t.Errorf("q param = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]wireMarket{{
			Venue:    "polymarket",
			ID:       "m1",
			Question: "Will BTC close above 100k?",
			Outcomes: []wireOutcome{
				{Name: "Yes", Price: 0.42},
				{Name: "No", Price: 0.59},
			},
			Liquidity: 25_000,
		}})
	}))
	defer srv.Close()

	f := New(Config{BaseURL: srv.URL}, testLogger())

	markets, err := f.SearchMarkets(context.Background(), "btc", "polymarket")
	if err != nil {
		t.Fatalf("SearchMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("got %d markets", len(markets))
	}
	m := markets[0]
	if m.Key() != "polymarket:m1" || !m.IsBinary() || m.Outcomes[0].Price != 0.42 {
		t.Errorf("market = %+v", m)
	}
}

func TestSearchMarketsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad venue", http.StatusBadRequest)
	}))
	defer srv.Close()

	f := New(Config{BaseURL: srv.URL}, testLogger())
	if _, err := f.SearchMarkets(context.Background(), "", "nope"); err == nil {
		t.Error("expected error on a 4xx response")
	}
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var sub wsSubscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Op != "subscribe" || len(sub.Venues) != 1 || sub.Venues[0] != "kalshi" {
			t.Errorf("subscribe msg = %+v", sub)
		}

		for _, p := range []float64{0.50, 0.51, 0.49} {
			conn.WriteJSON(wsPriceEvent{
				Type: "price", Venue: "kalshi", MarketID: "k1",
				Price: p, Timestamp: time.Now().UnixMilli(),
			})
		}
		// Noise the stream must ignore.
		conn.WriteJSON(map[string]string{"type": "heartbeat"})
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	f := New(Config{BaseURL: srv.URL, WSURL: wsURL}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := f.Subscribe(ctx, []string{"kalshi"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i, want := range []float64{0.50, 0.51, 0.49} {
		select {
		case u := <-ch:
			if u.Price != want || u.Key() != "kalshi:k1" {
				t.Errorf("update %d = %+v, want price %v", i, u, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("update %d never arrived", i)
		}
	}

	cancel()
	select {
	case _, open := <-ch:
		if open {
			// Drain anything buffered before the close.
			for range ch {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel never closed after cancellation")
	}
}

func TestTokenBucketBlocksWhenDrained(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(2, 1000)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}

	// Drained; the fast refill lets the next Wait return within a few ms.
	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("Wait after drain: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("refill took implausibly long")
	}

	// A cancelled context aborts the wait.
	slow := NewTokenBucket(1, 0.001)
	slow.tokens = 0
	cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := slow.Wait(cancelled); err == nil {
		t.Error("expected context error from a starved bucket")
	}
}
