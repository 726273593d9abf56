package dingtalk

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zulandar/dingline/internal/telegraph"
)

// Sender identifies who sent an inbound message.
type Sender struct {
	UserID   string
	UserName string
	IsAdmin  bool
}

// MessageEvent is an inbound robot message. It is published on
// "message.private" or "message.group" and is read-only once published.
type MessageEvent struct {
	ID                string
	Type              telegraph.TargetKind
	ConversationID    string
	ConversationTitle string
	Sender            Sender
	BotUserID         string // chatbotUserId of the receiving robot
	Elements          []telegraph.Element
	Raw               string // flattened rendering of Elements
	Time              time.Time
	Payload           json.RawMessage

	session Session
}

// Target is where replies to the message go: the sender for private
// messages, the conversation for group messages.
func (m *MessageEvent) Target() telegraph.Target {
	if m.Type == telegraph.TargetGroup {
		return telegraph.Target{Kind: telegraph.TargetGroup, ID: m.ConversationID}
	}
	return telegraph.Target{Kind: telegraph.TargetPrivate, ID: m.Sender.UserID}
}

// Inbound returns the platform-neutral view of the message.
func (m *MessageEvent) Inbound() telegraph.InboundMessage {
	return telegraph.InboundMessage{
		Platform:  "dingtalk",
		MessageID: m.ID,
		Target:    m.Target(),
		UserID:    m.Sender.UserID,
		UserName:  m.Sender.UserName,
		BotUserID: m.BotUserID,
		Elements:  m.Elements,
		Text:      m.Raw,
		Timestamp: m.Time,
	}
}

// Reply sends parts to the message's conversation.
func (m *MessageEvent) Reply(ctx context.Context, parts ...any) ([]string, error) {
	if m.session == nil {
		return nil, ErrClosed
	}
	return m.session.SendTo(ctx, m.Target(), parts...)
}

// Recall asks the platform to withdraw the message by its ID.
func (m *MessageEvent) Recall(ctx context.Context) (bool, error) {
	if m.session == nil {
		return false, ErrClosed
	}
	return m.session.Recall(ctx, m.Target(), m.ID)
}
