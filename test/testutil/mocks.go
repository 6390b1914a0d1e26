package testutil

import (
	"context"
	"sync"
)

// SentPacket is one send instruction received by a mock game connection.
type SentPacket struct {
	Target  string
	Payload string
}

// MockGameConnection records send instructions. OnSend, if set, runs after
// the instruction is recorded, so a test can inject the resulting evidence.
type MockGameConnection struct {
	mu     sync.Mutex
	Sent   []SentPacket
	Err    error
	OnSend func(target, payload string)
}

// NewMockGameConnection creates a mock game connection.
func NewMockGameConnection() *MockGameConnection {
	return &MockGameConnection{}
}

// SendNatPacket records the instruction and returns Err.
func (m *MockGameConnection) SendNatPacket(_ context.Context, target, payload string) error {
	m.mu.Lock()
	m.Sent = append(m.Sent, SentPacket{Target: target, Payload: payload})
	err, hook := m.Err, m.OnSend
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(target, payload)
	}
	return nil
}

// GetSent returns a copy of all recorded instructions.
func (m *MockGameConnection) GetSent() []SentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]SentPacket, len(m.Sent))
	copy(result, m.Sent)
	return result
}
