package telegraph

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestMockAdapter_Lifecycle(t *testing.T) {
	m := NewMockAdapter(nil)
	ctx := context.Background()

	if _, err := m.Send(ctx, OutboundMessage{}); err == nil {
		t.Error("Send before Connect should fail")
	}
	var online int
	m.Bus().On(EventOnline, func(Event) { online++ })
	if err := m.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if online != 1 {
		t.Errorf("online events = %d, want 1", online)
	}
	if st := m.Status(); st.State != "online" || !st.Alive {
		t.Errorf("Status = %+v", st)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal("Close should be idempotent")
	}
	if err := m.Connect(ctx); err == nil {
		t.Error("Connect after Close should fail")
	}
	if st := m.Status(); st.State != "closed" {
		t.Errorf("State = %q, want closed", st.State)
	}
}

func TestMockAdapter_ConnectError(t *testing.T) {
	m := NewMockAdapter(nil)
	boom := errors.New("auth failed")
	m.SetConnectError(boom)
	if err := m.Connect(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Connect = %v, want %v", err, boom)
	}
}

func TestMockAdapter_SendReceiptsAndEvents(t *testing.T) {
	m := NewMockAdapter(nil)
	ctx := context.Background()
	m.Connect(ctx)

	var events []SentMessage
	m.Bus().On("send.private", func(e Event) { events = append(events, e.Data.(SentMessage)) })

	elements, _ := Normalize("hi", Text{Text: "there"})
	target := Target{Kind: TargetPrivate, ID: "u1"}
	receipts, err := m.Send(ctx, OutboundMessage{Target: target, Elements: elements})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(receipts, []string{"mock-1", "mock-2"}) {
		t.Errorf("receipts = %v", receipts)
	}
	if len(events) != 2 || events[0].Summary != "hi" || events[1].Receipt != "mock-2" {
		t.Errorf("events = %+v", events)
	}
	if m.SentCount() != 1 || len(m.AllSent()) != 1 {
		t.Errorf("SentCount = %d", m.SentCount())
	}
}

func TestMockAdapter_PartialFailure(t *testing.T) {
	m := NewMockAdapter(nil)
	ctx := context.Background()
	m.Connect(ctx)
	boom := errors.New("rate limited")
	m.FailSendAt(2, boom)

	receipts, err := m.Send(ctx, OutboundMessage{
		Target:   Target{Kind: TargetGroup, ID: "c"},
		Elements: []Element{Text{Text: "a"}, Text{Text: "b"}, Text{Text: "c"}},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if !reflect.DeepEqual(receipts, []string{"mock-1"}) {
		t.Errorf("receipts = %v, want [mock-1]", receipts)
	}
}

func TestMockAdapter_Recall(t *testing.T) {
	m := NewMockAdapter(nil)
	ctx := context.Background()
	m.Connect(ctx)
	target := Target{Kind: TargetGroup, ID: "c"}
	receipts, _ := m.Send(ctx, OutboundMessage{Target: target, Elements: []Element{Text{Text: "oops"}}})

	if ok, _ := m.Recall(ctx, Target{Kind: TargetGroup, ID: "other"}, receipts[0]); ok {
		t.Error("recall in the wrong conversation should fail")
	}
	if ok, _ := m.Recall(ctx, target, receipts[0]); !ok {
		t.Error("first recall should succeed")
	}
	if ok, _ := m.Recall(ctx, target, receipts[0]); ok {
		t.Error("second recall should report false")
	}
	if ok, _ := m.Recall(ctx, target, "unknown"); ok {
		t.Error("unknown receipt should report false")
	}
}

func TestMockAdapter_SimulateInboundReply(t *testing.T) {
	m := NewMockAdapter(nil)
	ctx := context.Background()
	m.Connect(ctx)

	var got Message
	m.Bus().On("message.private", func(e Event) { got = e.Data.(Message) })
	m.SimulateInbound(InboundMessage{Target: Target{Kind: TargetPrivate, ID: "u1"}, Elements: []Element{Face{ID: "smile"}}})

	if got == nil {
		t.Fatal("no message event")
	}
	in := got.Inbound()
	if in.Text != "{face:id=smile}" || in.Platform != "mock" || in.Timestamp.IsZero() {
		t.Errorf("Inbound = %+v", in)
	}
	if _, err := got.Reply(ctx, "thanks"); err != nil {
		t.Fatal(err)
	}
	sent, _ := m.LastSent()
	if sent.Target.ID != "u1" {
		t.Errorf("reply target = %+v", sent.Target)
	}
	if _, err := got.Reply(ctx, 3.14); err == nil {
		t.Error("Reply with unsupported part should fail")
	}
}
