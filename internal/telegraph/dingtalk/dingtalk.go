// Package dingtalk connects telegraph to the DingTalk robot platform: the
// access token, the Stream gateway socket, the robot REST API and the
// element codec.
package dingtalk

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zulandar/dingline/internal/telegraph"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 3 * time.Second
	defaultReconnectInterval = 3 * time.Second
	defaultMaxReconnect      = 10
	defaultRequestTimeout    = 10 * time.Second

	sandboxPrefix = "sandbox-"
)

// Recorder receives connection and delivery telemetry.
type Recorder interface {
	FrameReceived(frameType string)
	Reconnect()
	StateChanged(state string)
	Liveness(alive bool)
	ElementSent(kind string, err error)
	TokenRefreshed(err error)
}

type nopRecorder struct{}

func (nopRecorder) FrameReceived(string)      {}
func (nopRecorder) Reconnect()                {}
func (nopRecorder) StateChanged(string)       {}
func (nopRecorder) Liveness(bool)             {}
func (nopRecorder) ElementSent(string, error) {}
func (nopRecorder) TokenRefreshed(error)      {}

// AdapterOpts holds parameters for creating a DingTalk Adapter.
type AdapterOpts struct {
	ClientID          string        // required
	ClientSecret      string        // required
	HeartbeatInterval time.Duration // default 3s
	ReconnectInterval time.Duration // default 3s
	MaxReconnect      int           // default 10
	RequestTimeout    time.Duration // default 10s
	Sandbox           bool          // encode and log sends without delivering them

	APIBaseURL  string // default DefaultAPIBaseURL
	OAPIBaseURL string // default DefaultOAPIBaseURL

	Logger     *zap.Logger         // default no-op
	Bus        *telegraph.EventBus // default a fresh bus
	Registry   *Registry           // default DefaultRegistry
	Recorder   Recorder            // default no-op
	HTTPClient *http.Client        // default client with RequestTimeout
}

// Adapter implements telegraph.Adapter for DingTalk. One Adapter owns one
// credential pair's session.
type Adapter struct {
	logger   *zap.Logger
	bus      *telegraph.EventBus
	registry *Registry
	rec      Recorder
	sandbox  bool

	rest    *restClient
	tokens  *TokenManager
	decoder *Decoder
	conn    *conn
}

var (
	_ telegraph.Adapter = (*Adapter)(nil)
	_ Session           = (*Adapter)(nil)
)

// New creates a DingTalk adapter. It does not contact the platform until
// Connect or a REST operation is called.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.ClientID == "" {
		return nil, fmt.Errorf("dingtalk: client id is required")
	}
	if opts.ClientSecret == "" {
		return nil, fmt.Errorf("dingtalk: client secret is required")
	}
	if opts.MaxReconnect < 0 {
		return nil, fmt.Errorf("dingtalk: max reconnect must not be negative")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.MaxReconnect == 0 {
		opts.MaxReconnect = defaultMaxReconnect
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.APIBaseURL == "" {
		opts.APIBaseURL = DefaultAPIBaseURL
	}
	if opts.OAPIBaseURL == "" {
		opts.OAPIBaseURL = DefaultOAPIBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("dingtalk")
	bus := opts.Bus
	if bus == nil {
		bus = telegraph.NewEventBus()
	}
	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}

	a := &Adapter{
		logger:   logger,
		bus:      bus,
		registry: registry,
		rec:      rec,
		sandbox:  opts.Sandbox,
	}
	a.rest = newRESTClient(opts.APIBaseURL, opts.OAPIBaseURL, opts.ClientID, opts.ClientSecret, httpClient)
	a.tokens = newTokenManager(a.rest.fetchToken, logger.Named("token"), rec, opts.RequestTimeout)
	a.rest.useTokens(a.tokens)
	a.decoder = NewDecoder(a)

	ctx, cancel := context.WithCancel(context.Background())
	a.conn = &conn{
		rest:   a.rest,
		tokens: a.tokens,
		bus:    bus,
		logger: logger.Named("stream"),
		rec:    rec,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.RequestTimeout,
		},
		heartbeat:         opts.HeartbeatInterval,
		reconnectInterval: opts.ReconnectInterval,
		maxReconnect:      opts.MaxReconnect,
		timeout:           opts.RequestTimeout,
		ctx:               ctx,
		cancel:            cancel,
	}
	a.conn.router = &frameRouter{
		sink:    a.conn,
		decoder: a.decoder,
		bus:     bus,
		logger:  logger.Named("stream"),
		rec:     rec,
	}
	return a, nil
}

// Bus returns the event bus the adapter publishes on.
func (a *Adapter) Bus() *telegraph.EventBus { return a.bus }

// Tokens returns the adapter's token manager.
func (a *Adapter) Tokens() *TokenManager { return a.tokens }

// Connect acquires a token, negotiates the gateway and blocks until the
// gateway confirms registration. It returns ErrConnectionExhausted if the
// socket keeps failing before that happens.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.conn.start(ctx)
}

// Close stops the connection and the token refresh. It is idempotent.
func (a *Adapter) Close() error {
	a.conn.stop()
	a.tokens.Stop()
	return nil
}

// Status reports a snapshot of the connection.
func (a *Adapter) Status() telegraph.Status {
	s := a.conn.status()
	return telegraph.Status{
		Platform:    "dingtalk",
		State:       s.state.String(),
		Alive:       s.alive,
		RetryCount:  s.retry,
		OnlineSince: s.onlineSince,
		Sandbox:     a.sandbox,
	}
}

// Send delivers msg's elements in order, one REST call per element.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) ([]string, error) {
	return a.deliver(ctx, msg.Target, msg.Elements)
}

// SendTo normalizes parts (strings become text elements) and sends them.
func (a *Adapter) SendTo(ctx context.Context, target telegraph.Target, parts ...any) ([]string, error) {
	elements, err := telegraph.Normalize(parts...)
	if err != nil {
		return nil, fmt.Errorf("dingtalk: send: %w", err)
	}
	return a.deliver(ctx, target, elements)
}

// SendPrivate sends parts to a user.
func (a *Adapter) SendPrivate(ctx context.Context, userID string, parts ...any) ([]string, error) {
	return a.SendTo(ctx, telegraph.Target{Kind: telegraph.TargetPrivate, ID: userID}, parts...)
}

// SendGroup sends parts to a group conversation.
func (a *Adapter) SendGroup(ctx context.Context, conversationID string, parts ...any) ([]string, error) {
	return a.SendTo(ctx, telegraph.Target{Kind: telegraph.TargetGroup, ID: conversationID}, parts...)
}

// deliver encodes and sends elements strictly in order. Element i+1 is not
// encoded until element i has been sent. On failure the receipts gathered so
// far are returned with the error; nothing already sent is undone.
func (a *Adapter) deliver(ctx context.Context, target telegraph.Target, elements []telegraph.Element) ([]string, error) {
	var media Session = a
	if a.sandbox {
		media = sandboxSession{a}
	}
	receipts := make([]string, 0, len(elements))
	for i, el := range elements {
		kind := string(el.Kind())
		enc, err := a.registry.Encode(ctx, el, media)
		if err == nil {
			var receipt string
			receipt, err = a.transmit(ctx, target, enc)
			if err == nil {
				receipts = append(receipts, receipt)
				a.rec.ElementSent(kind, nil)
				a.logger.Info(fmt.Sprintf("send: [%s(%s)] %s", target.Kind, target.ID, enc.Summary),
					zap.String("msg_key", enc.Key), zap.String("receipt", receipt))
				a.bus.Emit(telegraph.EventSend+"."+string(target.Kind), telegraph.SentMessage{
					Target:    target,
					Receipt:   receipt,
					Kind:      el.Kind(),
					Summary:   enc.Summary,
					Sandbox:   a.sandbox,
					Timestamp: time.Now(),
				})
				continue
			}
		}
		a.rec.ElementSent(kind, err)
		return receipts, fmt.Errorf("dingtalk: send element %d: %w", i, err)
	}
	return receipts, nil
}

func (a *Adapter) transmit(ctx context.Context, target telegraph.Target, enc Encoded) (string, error) {
	if a.sandbox {
		return sandboxPrefix + uuid.NewString(), nil
	}
	return a.rest.send(ctx, target, enc)
}

// Recall withdraws a sent message. It returns true only if the platform
// lists receipt among its successful recalls.
func (a *Adapter) Recall(ctx context.Context, target telegraph.Target, receipt string) (bool, error) {
	if a.sandbox && strings.HasPrefix(receipt, sandboxPrefix) {
		a.logger.Info("recall (sandbox)", zap.String("receipt", receipt))
		return true, nil
	}
	ok, err := a.rest.recall(ctx, target, receipt)
	if err != nil {
		return false, fmt.Errorf("dingtalk: recall %s: %w", receipt, err)
	}
	return ok, nil
}

// RecallPrivate recalls a message sent to a user.
func (a *Adapter) RecallPrivate(ctx context.Context, userID, receipt string) (bool, error) {
	return a.Recall(ctx, telegraph.Target{Kind: telegraph.TargetPrivate, ID: userID}, receipt)
}

// RecallGroup recalls a message sent to a group conversation.
func (a *Adapter) RecallGroup(ctx context.Context, conversationID, receipt string) (bool, error) {
	return a.Recall(ctx, telegraph.Target{Kind: telegraph.TargetGroup, ID: conversationID}, receipt)
}

// Download resolves a message file download code into a URL.
func (a *Adapter) Download(ctx context.Context, downloadCode string) (string, error) {
	return a.rest.Download(ctx, downloadCode)
}

// Upload sends media from a URL or local path and returns its media ID.
func (a *Adapter) Upload(ctx context.Context, source, mediaType string) (Media, error) {
	return a.rest.Upload(ctx, source, mediaType)
}

// sandboxSession runs converters without uploading media.
type sandboxSession struct {
	*Adapter
}

func (s sandboxSession) Upload(_ context.Context, source, mediaType string) (Media, error) {
	s.logger.Debug("upload skipped (sandbox)", zap.String("source", source), zap.String("type", mediaType))
	return Media{ID: sandboxPrefix + uuid.NewString(), Type: strings.TrimPrefix(path.Ext(source), ".")}, nil
}
