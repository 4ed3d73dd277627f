// ws.go maintains the price-update stream. One stream serves one
// Subscribe call: it dials, subscribes to its venues, and relays "price"
// events into a buffered channel. On any transport failure it reconnects
// with exponential backoff (1s up to 30s) and re-subscribes. A read
// deadline detects silent server failures within about two missed pings.
package httpfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"predarb/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	updateBuffer     = 256
)

type stream struct {
	url    string
	apiKey string
	venues []string

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	updates chan types.PriceUpdate
	logger  *slog.Logger
}

type wsSubscribeMsg struct {
	Op     string   `json:"op"`
	Venues []string `json:"venues"`
}

type wsPriceEvent struct {
	Type          string   `json:"type"`
	Venue         string   `json:"venue"`
	MarketID      string   `json:"market_id"`
	OutcomeID     string   `json:"outcome_id"`
	Price         float64  `json:"price"`
	PreviousPrice *float64 `json:"previous_price"`
	Timestamp     int64    `json:"ts"` // unix millis
}

func newStream(url, apiKey string, venues []string, logger *slog.Logger) *stream {
	return &stream{
		url:     url,
		apiKey:  apiKey,
		venues:  venues,
		updates: make(chan types.PriceUpdate, updateBuffer),
		logger:  logger.With("component", "ws_prices"),
	}
}

// run connects and maintains the stream with auto-reconnect. Closes the
// update channel on exit.
func (s *stream) run(ctx context.Context) {
	defer close(s.updates)
	backoff := time.Second

	for {
		connectedAt := time.Now()
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		// A connection that held for a while earns a fresh backoff.
		if time.Since(connectedAt) > time.Minute {
			backoff = time.Second
		}

		s.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *stream) connectAndRead(ctx context.Context) error {
	var header http.Header
	if s.apiKey != "" {
		header = http.Header{"Authorization": []string{"Bearer " + s.apiKey}}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.writeJSON(wsSubscribeMsg{Op: "subscribe", Venues: s.venues}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("websocket connected", "venues", s.venues)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	// Unblock the read loop promptly on cancellation.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatchMessage(msg)
	}
}

func (s *stream) dispatchMessage(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Type {
	case "price":
		var evt wsPriceEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal price event", "error", err)
			return
		}
		update := types.PriceUpdate{
			Venue:         evt.Venue,
			MarketID:      evt.MarketID,
			OutcomeID:     evt.OutcomeID,
			Price:         evt.Price,
			PreviousPrice: evt.PreviousPrice,
			Timestamp:     time.UnixMilli(evt.Timestamp),
		}
		// Dropping the newest update under backpressure coalesces without
		// reordering; the next update for the market supersedes it.
		select {
		case s.updates <- update:
		default:
			s.logger.Warn("update channel full, dropping event",
				"venue", evt.Venue, "market", evt.MarketID)
		}

	case "subscribed", "pong", "heartbeat":
		s.logger.Debug("ignoring event", "type", envelope.Type)

	default:
		s.logger.Debug("unknown ws event type", "type", envelope.Type)
	}
}

func (s *stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *stream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
