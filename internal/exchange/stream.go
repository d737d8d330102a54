package exchange

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ExecutionReport is a raw order execution update from the broker stream.
// Field tags follow the broker wire format: X is the broker status, z/Z
// accumulate filled quantity and quote value.
type ExecutionReport struct {
	EventType     string          `json:"e"`
	OrderID       json.Number     `json:"i"`
	ClientOrderID string          `json:"c"`
	Symbol        string          `json:"s"`
	Status        string          `json:"X"`
	CumFilledQty  decimal.Decimal `json:"z"`
	CumQuoteValue decimal.Decimal `json:"Z"`
	EventTime     int64           `json:"E"`
	ErrorMessage  string          `json:"r,omitempty"`
}

// AveragePrice derives the running average fill price from the cumulative
// quote value. Zero when nothing has filled.
func (r *ExecutionReport) AveragePrice() decimal.Decimal {
	if r.CumFilledQty.IsZero() {
		return decimal.Zero
	}
	return r.CumQuoteValue.Div(r.CumFilledQty)
}

// ExecutionStream maintains a WebSocket connection to the broker's order
// update stream and fans execution reports into a callback. Reconnects with
// a fixed backoff until stopped.
type ExecutionStream struct {
	mu sync.RWMutex

	url       string
	wsConn    *websocket.Conn
	isRunning bool
	stopChan  chan struct{}
	logger    zerolog.Logger

	onReport func(*ExecutionReport)

	reconnects     int
	reportsHandled uint64
	lastUpdateTime time.Time
}

// NewExecutionStream creates a stream for the given WebSocket URL.
func NewExecutionStream(url string, logger zerolog.Logger) *ExecutionStream {
	return &ExecutionStream{
		url:    url,
		logger: logger.With().Str("component", "ExecutionStream").Logger(),
	}
}

// SetReportCallback sets the callback invoked for every execution report.
func (s *ExecutionStream) SetReportCallback(cb func(*ExecutionReport)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReport = cb
}

// Start begins the connection loop. Idempotent.
func (s *ExecutionStream) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	go s.connectLoop()
	s.logger.Info().Str("url", s.url).Msg("Execution stream started")
}

// Stop closes the connection and exits the loop. Idempotent.
func (s *ExecutionStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}
	s.isRunning = false
	close(s.stopChan)

	if s.wsConn != nil {
		s.wsConn.Close()
	}
	s.logger.Info().Msg("Execution stream stopped")
}

// IsRunning reports whether the stream loop is active.
func (s *ExecutionStream) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *ExecutionStream) connectLoop() {
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			s.logger.Warn().Err(err).Msg("Stream connection failed, retrying in 5s")
			select {
			case <-s.stopChan:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		s.mu.Lock()
		s.wsConn = conn
		s.mu.Unlock()
		s.logger.Info().Msg("Stream connected")

		s.readLoop(conn)

		s.mu.RLock()
		running := s.isRunning
		s.mu.RUnlock()
		if !running {
			return
		}

		s.logger.Warn().Msg("Stream connection lost, reconnecting in 3s")
		select {
		case <-s.stopChan:
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func (s *ExecutionStream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("Stream read error")
			}
			return
		}
		s.HandleMessage(message)
	}
}

// HandleMessage parses one raw stream message and routes execution reports
// to the callback. Exported so tests and replay tooling can inject frames.
func (s *ExecutionStream) HandleMessage(message []byte) {
	var report ExecutionReport
	if err := json.Unmarshal(message, &report); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse stream message")
		return
	}

	if report.EventType != "ORDER_TRADE_UPDATE" && report.EventType != "executionReport" {
		return
	}

	s.mu.Lock()
	s.reportsHandled++
	s.lastUpdateTime = time.Now()
	cb := s.onReport
	s.mu.Unlock()

	if cb != nil {
		cb(&report)
	}
}

// Stats returns stream statistics.
func (s *ExecutionStream) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"running":         s.isRunning,
		"reconnects":      s.reconnects,
		"reports_handled": s.reportsHandled,
		"last_update":     s.lastUpdateTime.Format(time.RFC3339),
	}
}
