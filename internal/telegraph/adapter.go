// Package telegraph is the platform-neutral chat core: the message element
// model, the event bus, and the daemon that bridges a platform adapter to
// journaling, relaying and chat commands.
package telegraph

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// An adapter owns one authenticated session: its credential, its push
// connection, and the REST calls made on its behalf.
type Adapter interface {
	// Connect authenticates and blocks until the push channel is online.
	Connect(ctx context.Context) error

	// Send delivers each element of msg in order and returns one receipt per
	// element actually sent. On failure the receipts of the elements sent
	// before the failing one are returned together with the error.
	Send(ctx context.Context, msg OutboundMessage) ([]string, error)

	// Recall withdraws a previously sent message. It returns false without
	// error when the platform did not recall the receipt.
	Recall(ctx context.Context, target Target, receipt string) (bool, error)

	// Status reports a snapshot of the connection.
	Status() Status

	// Close stops the session. It is safe to call more than once.
	Close() error
}

// TargetKind is the conversation kind of a Target.
type TargetKind string

const (
	TargetPrivate TargetKind = "private"
	TargetGroup   TargetKind = "group"
)

// Target addresses a conversation: a user for private chats, a conversation
// ID for groups.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

// OutboundMessage is a message to be sent to the chat platform.
type OutboundMessage struct {
	Target   Target
	Elements []Element
}

// InboundMessage is the platform-neutral view of a received message.
type InboundMessage struct {
	Platform  string    // e.g. "dingtalk"
	MessageID string    // platform message identifier
	Target    Target    // where replies go
	UserID    string    // sender identifier
	UserName  string    // sender display name
	BotUserID string    // the receiving bot's user ID, when the platform reports it
	Elements  []Element // decoded content
	Text      string    // flattened rendering of Elements
	Timestamp time.Time // when the message was sent
}

// Message is implemented by the event payload a platform publishes for each
// received message. It lets platform-neutral code reply without holding the
// adapter.
type Message interface {
	Inbound() InboundMessage
	Reply(ctx context.Context, parts ...any) ([]string, error)
}

// SentMessage is published on "send.<target kind>" for every element that
// was delivered.
type SentMessage struct {
	Target    Target    `json:"target"`
	Receipt   string    `json:"receipt"`
	Kind      Kind      `json:"kind"`
	Summary   string    `json:"summary"`
	Sandbox   bool      `json:"sandbox"`
	Timestamp time.Time `json:"timestamp"`
}

// Lifecycle is published on "system.*" events.
type Lifecycle struct {
	State      string `json:"state"`
	RetryCount int    `json:"retry_count"`
	Err        error  `json:"-"`
}

// Status is a snapshot of an adapter's connection.
type Status struct {
	Platform    string    `json:"platform"`
	State       string    `json:"state"`
	Alive       bool      `json:"alive"`
	RetryCount  int       `json:"retry_count"`
	OnlineSince time.Time `json:"online_since,omitempty"`
	Sandbox     bool      `json:"sandbox"`
}

// Event names published on the bus.
const (
	EventMessage      = "message"
	EventSend         = "send"
	EventSystem       = "system"
	EventRequest      = "request"
	EventGraphRequest = "request.graph"
	EventOnline       = "system.online"
	EventOffline      = "system.offline"
	EventReconnecting = "system.reconnecting"
	EventExhausted    = "system.exhausted"
)
