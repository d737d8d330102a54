package events

// Handler consumes events from the bus. CanHandle filters the fan-out set,
// Handle processes one event, and OnError receives any failure so a broken
// handler never affects its peers.
type Handler interface {
	CanHandle(eventType EventType) bool
	Handle(event Event) error
	OnError(event Event, err error)
}

// HandlerFunc adapts plain functions to the Handler interface. A nil Filter
// accepts every event type; a nil ErrFunc swallows errors (the bus still
// counts them).
type HandlerFunc struct {
	Filter  func(EventType) bool
	Func    func(Event) error
	ErrFunc func(Event, error)
}

// CanHandle reports whether this handler wants events of the given type.
func (h *HandlerFunc) CanHandle(eventType EventType) bool {
	if h.Filter == nil {
		return true
	}
	return h.Filter(eventType)
}

// Handle invokes the wrapped function.
func (h *HandlerFunc) Handle(event Event) error {
	if h.Func == nil {
		return nil
	}
	return h.Func(event)
}

// OnError routes a handler failure to the error callback if one is set.
func (h *HandlerFunc) OnError(event Event, err error) {
	if h.ErrFunc != nil {
		h.ErrFunc(event, err)
	}
}
