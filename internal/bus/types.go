package bus

// Event represents a server-side event to deliver to live-update clients.
// Room and Target narrow the audience; both empty means every client.
type Event struct {
	Name    string      `json:"name"` // event name (e.g. "conversation:message")
	Payload interface{} `json:"payload,omitempty"`
	Room    string      `json:"room,omitempty"`   // only clients joined to this room (e.g. "conv:42")
	Target  string      `json:"target,omitempty"` // only the connection with this id
}

// Matches reports whether a client with the given connection id and room
// membership should receive the event.
func (e Event) Matches(connID string, inRoom func(string) bool) bool {
	if e.Target != "" {
		return e.Target == connID
	}
	if e.Room != "" {
		return inRoom != nil && inRoom(e.Room)
	}
	return true
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and the inbox service to decouple from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
