package telegraph

import (
	"encoding/json"
	"time"
)

// Envelope is the JSON form of a bus event, used by the relay and the
// dashboard event stream.
type Envelope struct {
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields"`
	Time   time.Time         `json:"time"`
	Data   any               `json:"data,omitempty"`
}

// ElementView is the JSON form of an element: its kind plus its attributes.
type ElementView map[string]string

// InboundView is the JSON form of a received message.
type InboundView struct {
	Platform  string        `json:"platform"`
	MessageID string        `json:"message_id"`
	Target    Target        `json:"target"`
	UserID    string        `json:"user_id"`
	UserName  string        `json:"user_name"`
	Text      string        `json:"text"`
	Elements  []ElementView `json:"elements"`
	Timestamp time.Time     `json:"timestamp"`
}

type lifecycleView struct {
	Lifecycle
	Error string `json:"error,omitempty"`
}

// NewEnvelope converts e into its JSON form. Payloads that do not marshal
// cleanly on their own (messages, lifecycle errors) are replaced by views.
func NewEnvelope(e Event, at time.Time) Envelope {
	env := Envelope{Name: e.Name, Fields: e.Fields(), Time: at}
	switch v := e.Data.(type) {
	case Message:
		env.Data = NewInboundView(v.Inbound())
	case InboundMessage:
		env.Data = NewInboundView(v)
	case Lifecycle:
		lv := lifecycleView{Lifecycle: v}
		if v.Err != nil {
			lv.Error = v.Err.Error()
		}
		env.Data = lv
	case json.RawMessage:
		if json.Valid(v) {
			env.Data = v
		}
	default:
		env.Data = v
	}
	return env
}

// NewInboundView builds the JSON form of msg.
func NewInboundView(msg InboundMessage) InboundView {
	return InboundView{
		Platform:  msg.Platform,
		MessageID: msg.MessageID,
		Target:    msg.Target,
		UserID:    msg.UserID,
		UserName:  msg.UserName,
		Text:      msg.Text,
		Elements:  ElementViews(msg.Elements),
		Timestamp: msg.Timestamp,
	}
}

// ElementViews flattens each element into a "type" key plus its attributes.
func ElementViews(elements []Element) []ElementView {
	out := make([]ElementView, 0, len(elements))
	for _, el := range elements {
		v := ElementView{}
		for _, a := range el.Attrs() {
			v[a.Key] = a.Value
		}
		v["type"] = string(el.Kind())
		out = append(out, v)
	}
	return out
}
