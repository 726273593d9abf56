package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zulandar/dingline/internal/telegraph"
	"go.uber.org/zap"
)

// FrameType classifies stream frames.
type FrameType string

const (
	FrameSystem   FrameType = "SYSTEM"
	FrameEvent    FrameType = "EVENT"
	FrameCallback FrameType = "CALLBACK"
)

// System frame topics.
const (
	topicRegistered = "REGISTERED"
	topicDisconnect = "disconnect"
	topicKeepAlive  = "KEEPALIVE"
	topicPing       = "ping"
)

// Headers are the frame headers. Values are kept as decoded so they can be
// echoed back unchanged.
type Headers map[string]any

func (h Headers) get(key string) string {
	switch v := h[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// MessageID returns the messageId header.
func (h Headers) MessageID() string { return h.get("messageId") }

// Topic returns the topic header.
func (h Headers) Topic() string { return h.get("topic") }

// Frame is one envelope received from the gateway.
type Frame struct {
	SpecVersion string    `json:"specVersion"`
	Type        FrameType `json:"type"`
	Headers     Headers   `json:"headers"`
	Data        string    `json:"data"`
}

// AckFrame acknowledges a received frame.
type AckFrame struct {
	Code    int     `json:"code"`
	Headers Headers `json:"headers"`
	Message string  `json:"message"`
	Data    string  `json:"data"`
}

// frameSink is the connection side the router writes to.
type frameSink interface {
	writeJSON(v any) error
	handleSystem(f Frame)
}

// frameRouter classifies inbound frames, acknowledges them, and hands
// callback payloads to the decoder. It runs on the socket's read goroutine,
// so frames are processed strictly in arrival order.
type frameRouter struct {
	sink    frameSink
	decoder *Decoder
	bus     *telegraph.EventBus
	logger  *zap.Logger
	rec     Recorder
}

func (r *frameRouter) route(ctx context.Context, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		r.logger.Warn("discarding malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	r.rec.FrameReceived(string(f.Type))

	switch f.Type {
	case FrameSystem:
		r.sink.handleSystem(f)
	case FrameEvent:
		r.ack(AckFrame{
			Code:    200,
			Headers: Headers{"contentType": "application/json", "messageId": f.Headers.MessageID()},
			Message: "OK",
			Data:    "null",
		})
	case FrameCallback:
		if err := r.handleCallback(ctx, f); err != nil {
			r.logger.Error("callback not acknowledged",
				zap.String("topic", f.Headers.Topic()),
				zap.String("message_id", f.Headers.MessageID()),
				zap.Error(err))
			return
		}
		r.ack(AckFrame{
			Code:    200,
			Headers: Headers{"contentType": "application/json", "messageId": f.Headers.MessageID()},
			Message: "OK",
			Data:    `{"response":null}`,
		})
	default:
		r.logger.Debug("ignoring frame", zap.String("type", string(f.Type)))
	}
}

// handleCallback decodes and publishes a callback. A returned error means
// the frame is left unacknowledged.
func (r *frameRouter) handleCallback(ctx context.Context, f Frame) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener panic: %v", p)
		}
	}()

	if f.Headers.Topic() == topicGraphAPI {
		r.logger.Info("recv: graph api request", zap.String("message_id", f.Headers.MessageID()))
		r.bus.Emit(telegraph.EventGraphRequest, json.RawMessage(f.Data))
		return nil
	}

	msg, err := r.decoder.Decode(ctx, f.Headers.MessageID(), []byte(f.Data))
	if err != nil {
		return err
	}
	if msg.Type == telegraph.TargetGroup {
		r.logger.Info(fmt.Sprintf("recv: [Group(%s),Member(%s)] %s", msg.ConversationID, msg.Sender.UserID, msg.Raw))
	} else {
		r.logger.Info(fmt.Sprintf("recv: [Private(%s)] %s", msg.Sender.UserID, msg.Raw))
	}
	r.bus.Emit(telegraph.EventMessage+"."+string(msg.Type), msg)
	return nil
}

func (r *frameRouter) ack(a AckFrame) {
	if err := r.sink.writeJSON(a); err != nil {
		r.logger.Warn("write ack failed", zap.String("message_id", a.Headers.MessageID()), zap.Error(err))
	}
}
