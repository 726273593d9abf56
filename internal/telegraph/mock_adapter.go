package telegraph

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter for testing. It records sent messages,
// publishes the same bus events a real adapter does, and allows simulating
// inbound messages via SimulateInbound.
type MockAdapter struct {
	bus *EventBus

	mu         sync.Mutex
	connected  bool
	closed     bool
	connectErr error
	sendErr    error
	failAt     int // 1-based element index that fails; 0 means none
	sent       []OutboundMessage
	receipts   map[string]Target
	recalled   map[string]bool
	next       int
}

var _ Adapter = (*MockAdapter)(nil)

// NewMockAdapter creates a MockAdapter publishing on bus. A nil bus gets a
// fresh one.
func NewMockAdapter(bus *EventBus) *MockAdapter {
	if bus == nil {
		bus = NewEventBus()
	}
	return &MockAdapter{
		bus:      bus,
		receipts: make(map[string]Target),
		recalled: make(map[string]bool),
	}
}

// Bus returns the bus the adapter publishes on.
func (m *MockAdapter) Bus() *EventBus { return m.bus }

// Connect marks the adapter as connected and emits system.online.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("mock adapter: already closed")
	}
	if m.connectErr != nil {
		err := m.connectErr
		m.mu.Unlock()
		return err
	}
	m.connected = true
	m.mu.Unlock()
	m.bus.Emit(EventOnline, Lifecycle{State: "online"})
	return nil
}

// Send records each element and returns one receipt per element.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) ([]string, error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	m.sent = append(m.sent, msg)
	var (
		receipts []string
		events   []SentMessage
		err      error
	)
	for i, el := range msg.Elements {
		if m.failAt == i+1 {
			err = fmt.Errorf("mock adapter: send element %d: %w", i, m.sendErr)
			break
		}
		m.next++
		receipt := fmt.Sprintf("mock-%d", m.next)
		m.receipts[receipt] = msg.Target
		receipts = append(receipts, receipt)
		events = append(events, SentMessage{
			Target:    msg.Target,
			Receipt:   receipt,
			Kind:      el.Kind(),
			Summary:   Render([]Element{el}),
			Timestamp: time.Now(),
		})
	}
	m.mu.Unlock()

	for _, e := range events {
		m.bus.Emit(EventSend+"."+string(e.Target.Kind), e)
	}
	return receipts, err
}

// Recall reports true the first time a known receipt is recalled.
func (m *MockAdapter) Recall(ctx context.Context, target Target, receipt string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, fmt.Errorf("mock adapter: not connected")
	}
	t, ok := m.receipts[receipt]
	if !ok || t != target || m.recalled[receipt] {
		return false, nil
	}
	m.recalled[receipt] = true
	return true, nil
}

// Status reports the mock connection state.
func (m *MockAdapter) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Platform: "mock", State: "idle"}
	switch {
	case m.closed:
		st.State = "closed"
	case m.connected:
		st.State = "online"
		st.Alive = true
	}
	return st
}

// Close shuts down the mock adapter.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.connected = false
	return nil
}

// --- Test helpers ---

// SetConnectError makes Connect fail with err.
func (m *MockAdapter) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// FailSendAt makes the element at 1-based position n of every Send fail
// with err.
func (m *MockAdapter) FailSendAt(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAt = n
	m.sendErr = err
}

// SimulateInbound publishes msg on the bus as if it came from the chat
// platform. Replies to it are sent through this adapter.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Platform == "" {
		msg.Platform = "mock"
	}
	if msg.Text == "" {
		msg.Text = Render(msg.Elements)
	}
	m.bus.Emit(EventMessage+"."+string(msg.Target.Kind), &mockMessage{adapter: m, msg: msg})
}

// LastSent returns the most recently sent outbound message.
// Returns zero value and false if no messages have been sent.
func (m *MockAdapter) LastSent() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

type mockMessage struct {
	adapter *MockAdapter
	msg     InboundMessage
}

func (mm *mockMessage) Inbound() InboundMessage { return mm.msg }

func (mm *mockMessage) Reply(ctx context.Context, parts ...any) ([]string, error) {
	elements, err := Normalize(parts...)
	if err != nil {
		return nil, err
	}
	return mm.adapter.Send(ctx, OutboundMessage{Target: mm.msg.Target, Elements: elements})
}
