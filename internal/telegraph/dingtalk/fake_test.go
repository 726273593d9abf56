package dingtalk

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeDingTalk serves the token, gateway, robot and media endpoints plus a
// stream gateway socket on one httptest server.
type fakeDingTalk struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	tokenCalls   int
	gatewayCalls int
	gatewayFail  bool
	autoRegister bool
	withholdPong bool
	pings        int
	sockets      []*websocket.Conn
	sends        []sentCall
	sendFailAt   int // 1-based send call that answers 500; 0 for none
	recallResult []string
	recalls      []sentCall
	uploads      []string

	socketCh chan *websocket.Conn
	received chan []byte
}

type sentCall struct {
	Path string
	Body map[string]any
}

func newFakeDingTalk(t *testing.T) *fakeDingTalk {
	t.Helper()
	f := &fakeDingTalk{
		t:            t,
		autoRegister: true,
		socketCh:     make(chan *websocket.Conn, 32),
		received:     make(chan []byte, 128),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/gettoken", f.handleToken)
	mux.HandleFunc(pathGatewayOpen, f.handleGateway)
	mux.HandleFunc("/stream", f.handleStream)
	mux.HandleFunc(pathPrivateSend, f.handleSend)
	mux.HandleFunc(pathGroupSend, f.handleSend)
	mux.HandleFunc(pathPrivateRecall, f.handleRecall)
	mux.HandleFunc(pathGroupRecall, f.handleRecall)
	mux.HandleFunc(pathDownload, f.handleDownload)
	mux.HandleFunc("/media/upload", f.handleUpload)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.close)
	return f
}

func (f *fakeDingTalk) close() {
	f.mu.Lock()
	for _, ws := range f.sockets {
		ws.Close()
	}
	f.mu.Unlock()
	f.srv.Close()
}

func (f *fakeDingTalk) set(fn func(f *fakeDingTalk)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeDingTalk) gatewayCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gatewayCalls
}

func (f *fakeDingTalk) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeDingTalk) sendCalls() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.sends...)
}

func (f *fakeDingTalk) handleToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tokenCalls++
	n := f.tokenCalls
	f.mu.Unlock()
	if r.URL.Query().Get("appsecret") != "secret" {
		writeJSON(w, http.StatusOK, map[string]any{"errcode": 40089, "errmsg": "invalid appsecret"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"errcode":      0,
		"errmsg":       "ok",
		"access_token": fmt.Sprintf("tok-%d", n),
		"expires_in":   7200,
	})
}

func (f *fakeDingTalk) handleGateway(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.gatewayCalls++
	fail := f.gatewayFail
	f.mu.Unlock()
	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"code": "ServiceUnavailable", "message": "try later"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint": "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/stream",
		"ticket":   "ticket-1",
	})
}

func (f *fakeDingTalk) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("ticket") != "ticket-1" {
		http.Error(w, "bad ticket", http.StatusForbidden)
		return
	}
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetPingHandler(func(data string) error {
		f.mu.Lock()
		f.pings++
		withhold := f.withholdPong
		f.mu.Unlock()
		if withhold {
			return nil
		}
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	f.mu.Lock()
	f.sockets = append(f.sockets, ws)
	auto := f.autoRegister
	f.mu.Unlock()

	if auto {
		_ = ws.WriteJSON(systemFrame(topicRegistered, "", ""))
	}
	f.socketCh <- ws

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case f.received <- data:
		default:
		}
	}
}

func (f *fakeDingTalk) handleSend(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.sends = append(f.sends, sentCall{Path: r.URL.Path, Body: body})
	n := len(f.sends)
	fail := f.sendFailAt == n
	f.mu.Unlock()
	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"code":      "InternalError",
			"message":   "boom",
			"requestid": "req-1",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processQueryKey": fmt.Sprintf("pqk-%d", n)})
}

func (f *fakeDingTalk) handleRecall(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.recalls = append(f.recalls, sentCall{Path: r.URL.Path, Body: body})
	result := f.recallResult
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"successResult": result})
}

func (f *fakeDingTalk) handleDownload(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	writeJSON(w, http.StatusOK, map[string]any{"downloadUrl": "https://files.example/" + body["downloadCode"]})
}

func (f *fakeDingTalk) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("media")
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"errcode": 40004, "errmsg": "missing media"})
		return
	}
	file.Close()
	f.mu.Lock()
	f.uploads = append(f.uploads, r.URL.Query().Get("type")+":"+header.Filename)
	n := len(f.uploads)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"errcode": 0, "media_id": fmt.Sprintf("@media-%d", n)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// nextSocket waits for the gateway to accept a socket.
func (f *fakeDingTalk) nextSocket(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-f.socketCh:
		return ws
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for gateway socket")
		return nil
	}
}

// nextWrite waits for the next frame the client wrote.
func (f *fakeDingTalk) nextWrite(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-f.received:
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

func systemFrame(topic, messageID, data string) Frame {
	return Frame{
		SpecVersion: "1.0",
		Type:        FrameSystem,
		Headers:     Headers{"topic": topic, "messageId": messageID, "connectionId": "conn-1"},
		Data:        data,
	}
}

func newTestAdapter(t *testing.T, f *fakeDingTalk, mutate func(*AdapterOpts)) *Adapter {
	t.Helper()
	opts := AdapterOpts{
		ClientID:          "ding-app",
		ClientSecret:      "secret",
		HeartbeatInterval: 20 * time.Millisecond,
		ReconnectInterval: 10 * time.Millisecond,
		MaxReconnect:      3,
		RequestTimeout:    2 * time.Second,
		APIBaseURL:        f.srv.URL,
		OAPIBaseURL:       f.srv.URL,
		Registry:          NewRegistry(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	a, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}
