package dingtalk

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/dingline/internal/telegraph"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(AdapterOpts{ClientSecret: "s"})
	require.ErrorContains(t, err, "client id is required")

	_, err = New(AdapterOpts{ClientID: "id"})
	require.ErrorContains(t, err, "client secret is required")

	_, err = New(AdapterOpts{ClientID: "id", ClientSecret: "s", MaxReconnect: -1})
	require.Error(t, err)

	a, err := New(AdapterOpts{ClientID: "id", ClientSecret: "s"})
	require.NoError(t, err)
	assert.Equal(t, defaultMaxReconnect, a.conn.maxReconnect)
	assert.Equal(t, defaultHeartbeatInterval, a.conn.heartbeat)
	assert.Equal(t, defaultReconnectInterval, a.conn.reconnectInterval)
	assert.Equal(t, "idle", a.Status().State)
}

func TestConnect_BlocksUntilRegistered(t *testing.T) {
	f := newFakeDingTalk(t)
	f.set(func(f *fakeDingTalk) { f.autoRegister = false })
	a := newTestAdapter(t, f, nil)

	var online atomic.Int32
	a.Bus().On(telegraph.EventOnline, func(telegraph.Event) { online.Add(1) })

	errCh := make(chan error, 1)
	go func() { errCh <- a.Connect(context.Background()) }()

	ws := f.nextSocket(t)
	select {
	case err := <-errCh:
		t.Fatalf("Connect returned before REGISTERED: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "connecting", a.Status().State)

	require.NoError(t, ws.WriteJSON(systemFrame(topicRegistered, "", "")))
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return after REGISTERED")
	}

	st := a.Status()
	assert.Equal(t, "online", st.State)
	assert.True(t, st.Alive)
	assert.Zero(t, st.RetryCount)
	assert.False(t, st.OnlineSince.IsZero())
	assert.Equal(t, int32(1), online.Load())
}

func TestConnect_CancelledBeforeRegistered(t *testing.T) {
	f := newFakeDingTalk(t)
	f.set(func(f *fakeDingTalk) { f.autoRegister = false })
	a := newTestAdapter(t, f, nil)

	var online atomic.Int32
	a.Bus().On(telegraph.EventOnline, func(telegraph.Event) { online.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Connect(ctx) }()

	stale := f.nextSocket(t)
	require.Eventually(t, func() bool {
		a.conn.mu.Lock()
		defer a.conn.mu.Unlock()
		return a.conn.ws != nil
	}, 3*time.Second, time.Millisecond, "client side of the socket is open")
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Connect ignored cancellation")
	}
	assert.Equal(t, "idle", a.Status().State)

	// The abandoned socket is closed; a late REGISTERED cannot bring it online.
	_ = stale.WriteJSON(systemFrame(topicRegistered, "", ""))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "idle", a.Status().State)
	assert.Zero(t, online.Load())

	f.set(func(f *fakeDingTalk) { f.autoRegister = true })
	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, "online", a.Status().State)
	assert.Equal(t, int32(1), online.Load())
}

func TestConnect_AuthFailure(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, func(o *AdapterOpts) { o.ClientSecret = "wrong" })

	err := a.Connect(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 40089, authErr.Code)
	assert.Equal(t, "idle", a.Status().State)
	assert.Zero(t, f.gatewayCount())
}

func TestConnect_HandshakeFailure(t *testing.T) {
	f := newFakeDingTalk(t)
	f.set(func(f *fakeDingTalk) { f.gatewayFail = true })
	a := newTestAdapter(t, f, nil)

	err := a.Connect(context.Background())
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 500, apiErr.StatusCode)
	assert.Equal(t, 1, f.gatewayCount(), "initial handshake is not retried")
}

func TestReconnect_ExhaustsBudgetOnce(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, nil)

	var exhausted atomic.Int32
	var mu sync.Mutex
	var lastErr error
	a.Bus().On(telegraph.EventExhausted, func(e telegraph.Event) {
		exhausted.Add(1)
		mu.Lock()
		lastErr = e.Data.(telegraph.Lifecycle).Err
		mu.Unlock()
	})
	var reconnecting atomic.Int32
	a.Bus().On(telegraph.EventReconnecting, func(telegraph.Event) { reconnecting.Add(1) })

	require.NoError(t, a.Connect(context.Background()))
	ws := f.nextSocket(t)

	f.set(func(f *fakeDingTalk) { f.gatewayFail = true })
	ws.Close()

	require.Eventually(t, func() bool { return a.Status().State == "closed" }, 3*time.Second, 5*time.Millisecond)
	// One initial handshake plus MaxReconnect failed attempts.
	assert.Equal(t, 1+3, f.gatewayCount())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1+3, f.gatewayCount(), "no attempts after exhaustion")
	assert.Equal(t, int32(1), exhausted.Load())
	assert.Equal(t, int32(3), reconnecting.Load())
	mu.Lock()
	assert.ErrorIs(t, lastErr, ErrConnectionExhausted)
	mu.Unlock()
}

func TestReconnect_RetryResetsOnlyOnRegistered(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, nil)

	require.NoError(t, a.Connect(context.Background()))
	first := f.nextSocket(t)

	f.set(func(f *fakeDingTalk) { f.autoRegister = false })
	first.Close()

	second := f.nextSocket(t)
	st := a.Status()
	assert.Equal(t, 1, st.RetryCount, "socket open alone must not reset the counter")
	assert.Equal(t, "reconnecting", st.State)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, a.Status().RetryCount)

	require.NoError(t, second.WriteJSON(systemFrame(topicRegistered, "", "")))
	require.Eventually(t, func() bool {
		st := a.Status()
		return st.State == "online" && st.RetryCount == 0
	}, 3*time.Second, 5*time.Millisecond)
}

func TestClose_StopsReconnect(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, func(o *AdapterOpts) { o.ReconnectInterval = 100 * time.Millisecond })

	require.NoError(t, a.Connect(context.Background()))
	ws := f.nextSocket(t)
	ws.Close()

	require.Eventually(t, func() bool { return a.Status().State == "reconnecting" }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, f.gatewayCount())
	assert.Equal(t, "closed", a.Status().State)
	assert.ErrorIs(t, a.Connect(context.Background()), ErrClosed)
}

func TestHeartbeat_LivenessIsTelemetryOnly(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, nil)
	require.NoError(t, a.Connect(context.Background()))
	f.nextSocket(t)

	require.Eventually(t, func() bool { return f.pingCount() >= 3 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return a.Status().Alive }, 3*time.Second, 5*time.Millisecond)

	f.set(func(f *fakeDingTalk) { f.withholdPong = true })
	require.Eventually(t, func() bool { return !a.Status().Alive }, 3*time.Second, 5*time.Millisecond)

	// Missed pongs never force a reconnect.
	time.Sleep(100 * time.Millisecond)
	st := a.Status()
	assert.Equal(t, "online", st.State)
	assert.False(t, st.Alive)
	assert.Equal(t, 1, f.gatewayCount())

	f.set(func(f *fakeDingTalk) { f.withholdPong = false })
	require.Eventually(t, func() bool { return a.Status().Alive }, 3*time.Second, 5*time.Millisecond)
}

func TestHeartbeat_StopsOnClose(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, nil)
	require.NoError(t, a.Connect(context.Background()))
	f.nextSocket(t)
	require.Eventually(t, func() bool { return f.pingCount() >= 2 }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	settled := f.pingCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, f.pingCount())
}

func TestHeartbeat_StopsOnSocketLoss(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, nil)
	require.NoError(t, a.Connect(context.Background()))
	ws := f.nextSocket(t)
	require.Eventually(t, func() bool { return f.pingCount() >= 2 }, 3*time.Second, 5*time.Millisecond)

	f.set(func(f *fakeDingTalk) { f.gatewayFail = true })
	ws.Close()
	require.Eventually(t, func() bool { return a.Status().State == "closed" }, 3*time.Second, 5*time.Millisecond)

	settled := f.pingCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, f.pingCount())
}

func TestFrames_AcknowledgedOverSocket(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, func(o *AdapterOpts) { o.HeartbeatInterval = time.Hour })
	require.NoError(t, a.Connect(context.Background()))
	ws := f.nextSocket(t)

	require.NoError(t, ws.WriteJSON(Frame{
		SpecVersion: "1.0",
		Type:        FrameEvent,
		Headers:     Headers{"topic": "chat_update_title", "messageId": "evt-1"},
		Data:        `{"title":"x"}`,
	}))
	ack := f.nextWrite(t)
	assert.EqualValues(t, 200, ack["code"])
	assert.Equal(t, "OK", ack["message"])
	assert.Equal(t, "null", ack["data"])
	assert.Equal(t, "evt-1", ack["headers"].(map[string]any)["messageId"])

	require.NoError(t, ws.WriteJSON(systemFrame(topicPing, "ping-1", `{"opaque":"abc"}`)))
	echo := f.nextWrite(t)
	assert.EqualValues(t, 200, echo["code"])
	assert.Equal(t, `{"opaque":"abc"}`, echo["data"])
	headers := echo["headers"].(map[string]any)
	assert.Equal(t, "ping-1", headers["messageId"])
	assert.Equal(t, topicPing, headers["topic"])

	require.NoError(t, ws.WriteJSON(systemFrame(topicKeepAlive, "ka-1", "")))
	echo = f.nextWrite(t)
	assert.Equal(t, "ka-1", echo["headers"].(map[string]any)["messageId"])
	assert.True(t, a.Status().Alive)
}

func TestCallback_PublishesMessageAndAcks(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, func(o *AdapterOpts) { o.HeartbeatInterval = time.Hour })

	got := make(chan telegraph.Event, 4)
	a.Bus().On(telegraph.EventMessage, func(e telegraph.Event) { got <- e })

	require.NoError(t, a.Connect(context.Background()))
	ws := f.nextSocket(t)

	payload, err := json.Marshal(map[string]any{
		"msgId":            "msg-1",
		"msgtype":          "text",
		"conversationId":   "cid-1",
		"conversationType": "2",
		"senderStaffId":    "staff-1",
		"senderNick":       "Alice",
		"createAt":         int64(1700000000000),
		"text":             map[string]any{"content": "hello [!smile!] world"},
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(Frame{
		SpecVersion: "1.0",
		Type:        FrameCallback,
		Headers:     Headers{"topic": topicBotMessage, "messageId": "frame-1"},
		Data:        string(payload),
	}))

	var evt telegraph.Event
	select {
	case evt = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("no message event")
	}
	assert.Equal(t, "message.group", evt.Name)
	assert.Equal(t, "group", evt.DetailType)
	msg := evt.Data.(*MessageEvent)
	assert.Equal(t, "hello {face:id=smile} world", msg.Raw)
	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, "staff-1", msg.Sender.UserID)
	assert.Equal(t, time.UnixMilli(1700000000000), msg.Time)

	ack := f.nextWrite(t)
	assert.Equal(t, `{"response":null}`, ack["data"])
	assert.Equal(t, "frame-1", ack["headers"].(map[string]any)["messageId"])

	// Reply goes back to the group through the adapter.
	receipts, err := msg.Reply(context.Background(), "pong")
	require.NoError(t, err)
	assert.Equal(t, []string{"pqk-1"}, receipts)
	calls := f.sendCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, pathGroupSend, calls[0].Path)
	assert.Equal(t, "cid-1", calls[0].Body["openConversationId"])
}

func TestSend_ReceiptsInOrder(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, nil)

	var sent []telegraph.SentMessage
	a.Bus().On(telegraph.EventSend, func(e telegraph.Event) { sent = append(sent, e.Data.(telegraph.SentMessage)) })

	receipts, err := a.SendPrivate(context.Background(), "user-1", "hi", telegraph.Text{Text: "there"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pqk-1", "pqk-2"}, receipts)

	calls := f.sendCalls()
	require.Len(t, calls, 2)
	for i, want := range []string{"hi", "there"} {
		assert.Equal(t, pathPrivateSend, calls[i].Path)
		assert.Equal(t, "ding-app", calls[i].Body["robotCode"])
		assert.Equal(t, "sampleText", calls[i].Body["msgKey"])
		assert.Equal(t, []any{"user-1"}, calls[i].Body["userIds"])
		var param map[string]string
		require.NoError(t, json.Unmarshal([]byte(calls[i].Body["msgParam"].(string)), &param))
		assert.Equal(t, want, param["content"])
	}

	require.Len(t, sent, 2)
	assert.Equal(t, "pqk-1", sent[0].Receipt)
	assert.Equal(t, "hi", sent[0].Summary)
	assert.Equal(t, telegraph.TargetPrivate, sent[1].Target.Kind)
}

func TestSend_PartialFailureKeepsEarlierReceipts(t *testing.T) {
	f := newFakeDingTalk(t)
	f.set(func(f *fakeDingTalk) { f.sendFailAt = 2 })
	a := newTestAdapter(t, f, nil)

	receipts, err := a.SendGroup(context.Background(), "cid-1", "hi", telegraph.Text{Text: "there"})
	require.Error(t, err)
	assert.Equal(t, []string{"pqk-1"}, receipts)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "InternalError", apiErr.Code)
	assert.Equal(t, "req-1", apiErr.RequestID)
	assert.Contains(t, err.Error(), "send element 1")
}

func TestSend_UnsupportedElement(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, nil)

	receipts, err := a.SendGroup(context.Background(), "cid-1", "hi", telegraph.Face{ID: "smile"}, "never")
	require.Error(t, err)
	assert.True(t, IsUnsupportedElement(err))
	var unsupported *UnsupportedElementError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, telegraph.KindFace, unsupported.Kind)
	assert.Equal(t, []string{"pqk-1"}, receipts)
	assert.Len(t, f.sendCalls(), 1)
}

func TestSend_UploadsMedia(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, nil)

	dir := t.TempDir()
	report := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(report, []byte("%PDF-1.4"), 0o644))

	receipts, err := a.SendPrivate(context.Background(), "user-1", telegraph.File{Name: "Q3 report", URL: report})
	require.NoError(t, err)
	require.Len(t, receipts, 1)

	f.mu.Lock()
	uploads := append([]string(nil), f.uploads...)
	f.mu.Unlock()
	assert.Equal(t, []string{"file:report.pdf"}, uploads)

	calls := f.sendCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sampleFile", calls[0].Body["msgKey"])
	var param map[string]string
	require.NoError(t, json.Unmarshal([]byte(calls[0].Body["msgParam"].(string)), &param))
	assert.Equal(t, "@media-1", param["mediaId"])
	assert.Equal(t, "Q3 report", param["fileName"])
	assert.Equal(t, "pdf", param["fileType"])
}

func TestRecall(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, nil)
	ctx := context.Background()

	f.set(func(f *fakeDingTalk) { f.recallResult = []string{"pqk-1"} })
	ok, err := a.RecallGroup(ctx, "cid-1", "pqk-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.RecallGroup(ctx, "cid-1", "pqk-9")
	require.NoError(t, err)
	assert.False(t, ok)

	f.set(func(f *fakeDingTalk) { f.recallResult = nil })
	ok, err = a.RecallPrivate(ctx, "user-1", "pqk-1")
	require.NoError(t, err)
	assert.False(t, ok)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.recalls, 3)
	assert.Equal(t, pathGroupRecall, f.recalls[0].Path)
	assert.Equal(t, "cid-1", f.recalls[0].Body["openConversationId"])
	assert.Equal(t, []any{"pqk-1"}, f.recalls[0].Body["processQueryKeys"])
	assert.Equal(t, pathPrivateRecall, f.recalls[2].Path)
	assert.NotContains(t, f.recalls[2].Body, "openConversationId")
}

func TestSandbox_SkipsDelivery(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, func(o *AdapterOpts) { o.Sandbox = true })

	var sent []telegraph.SentMessage
	a.Bus().On(telegraph.EventSend, func(e telegraph.Event) { sent = append(sent, e.Data.(telegraph.SentMessage)) })

	receipts, err := a.SendGroup(context.Background(), "cid-1", "hi", telegraph.Image{URL: "https://img.example/cat.png"})
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	for _, r := range receipts {
		assert.True(t, strings.HasPrefix(r, sandboxPrefix), r)
	}
	assert.Empty(t, f.sendCalls())
	f.mu.Lock()
	assert.Empty(t, f.uploads)
	f.mu.Unlock()

	require.Len(t, sent, 2)
	assert.True(t, sent[1].Sandbox)
	assert.Equal(t, telegraph.KindImage, sent[1].Kind)

	ok, err := a.RecallGroup(context.Background(), "cid-1", receipts[0])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, a.Status().Sandbox)
}

func TestSend_AfterCloseFails(t *testing.T) {
	f := newFakeDingTalk(t)
	a := newTestAdapter(t, f, nil)
	require.NoError(t, a.Close())

	receipts, err := a.SendPrivate(context.Background(), "user-1", "hi")
	assert.Empty(t, receipts)
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
}
