package events

// NopEmitter is a no-op emitter that discards all events.
type NopEmitter struct{}

// Emit does nothing.
func (NopEmitter) Emit(EventType, interface{}) {}

// Close does nothing and returns nil.
func (NopEmitter) Close() error { return nil }

// OrNop returns e, or a NopEmitter when e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return NopEmitter{}
	}
	return e
}
