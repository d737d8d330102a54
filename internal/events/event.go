package events

import (
	"time"
)

// EventType identifies the kind of payload an event carries
type EventType string

const (
	EventCandleReceived        EventType = "CANDLE_RECEIVED"
	EventCandleClosed          EventType = "CANDLE_CLOSED"
	EventMarketStructureChange EventType = "MARKET_STRUCTURE_CHANGE"
	EventMarketStructureBreak  EventType = "MARKET_STRUCTURE_BREAK"
	EventLiquiditySweep        EventType = "LIQUIDITY_SWEEP_DETECTED"
	EventOrderPlaced           EventType = "ORDER_PLACED"
	EventOrderFilled           EventType = "ORDER_FILLED"
	EventOrderCancelled        EventType = "ORDER_CANCELLED"
	EventExchangeError         EventType = "EXCHANGE_ERROR"
	EventErrorOccurred         EventType = "ERROR_OCCURRED"
	EventPositionOpened        EventType = "POSITION_OPENED"
	EventPositionUpdated       EventType = "POSITION_UPDATED"
	EventPositionClosed        EventType = "POSITION_CLOSED"
	EventSystemStart           EventType = "SYSTEM_START"
	EventSystemStop            EventType = "SYSTEM_STOP"
)

// Priority conventions. Higher values dispatch first; FIFO within a band.
const (
	PriorityEmergency       = 10 // system stop, emergency liquidation
	PriorityStateChange     = 10 // composite market state changes
	PriorityStructureBreak  = 9
	PriorityTrendChange     = 8
	PriorityOrderFilled     = 8
	PriorityPositionClosed  = 8
	PriorityOrderPlaced     = 7
	PriorityCandleClosed    = 7
	PrioritySweepDetected   = 7
	PriorityPositionOpened  = 7
	PriorityCandleReceived  = 6
	PriorityOrderCancelled  = 6
	PriorityRoutineUpdate   = 5
)

// Event is the envelope delivered through the bus. Data holds a typed
// payload owned by the publishing component; consumers switch on Type.
type Event struct {
	Priority  int         `json:"priority"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Source    string      `json:"source"`
}

// New builds an event with the timestamp set to now.
func New(eventType EventType, priority int, source string, data interface{}) Event {
	return Event{
		Priority:  priority,
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Source:    source,
	}
}
