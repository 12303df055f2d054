package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use cases:
//   - Testing scenarios where event capture is not needed
//   - Disabling event emission without changing code
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
// Safe for concurrent use and has zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event without any processing.
func (n *NullEmitter) Emit(event Event) {
	// No-op: discard the event
}
