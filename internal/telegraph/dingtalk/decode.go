package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/tidwall/gjson"
	"github.com/zulandar/dingline/internal/telegraph"
)

// faceShortcode matches inline emoticons such as "[!smile!]".
var faceShortcode = regexp.MustCompile(`\[!([^\[\]!]+)!\]`)

// botMessage is the envelope of a robot message callback.
type botMessage struct {
	MsgID             string          `json:"msgId"`
	MsgType           string          `json:"msgtype"`
	ConversationID    string          `json:"conversationId"`
	ConversationType  string          `json:"conversationType"`
	ConversationTitle string          `json:"conversationTitle"`
	ChatbotCorpID     string          `json:"chatbotCorpId"`
	ChatbotUserID     string          `json:"chatbotUserId"`
	SenderID          string          `json:"senderId"`
	SenderStaffID     string          `json:"senderStaffId"`
	SenderNick        string          `json:"senderNick"`
	IsAdmin           bool            `json:"isAdmin"`
	CreateAt          int64           `json:"createAt"`
	Text              json.RawMessage `json:"text"`
	Content           json.RawMessage `json:"content"`
}

// Decoder turns robot message callbacks into MessageEvents. Media download
// codes are resolved through the session.
type Decoder struct {
	session Session
}

// NewDecoder returns a decoder bound to s.
func NewDecoder(s Session) *Decoder {
	return &Decoder{session: s}
}

// Decode parses one callback payload. messageID is the frame's messageId
// header, used when the payload carries no msgId. Unrecognized message
// types decode to an event with no elements.
func (d *Decoder) Decode(ctx context.Context, messageID string, data []byte) (*MessageEvent, error) {
	var m botMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("dingtalk: decode message: %w", err)
	}

	elements, err := d.elements(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("dingtalk: decode %s message: %w", m.MsgType, err)
	}

	evt := &MessageEvent{
		ID:                m.MsgID,
		Type:              telegraph.TargetGroup,
		ConversationID:    m.ConversationID,
		ConversationTitle: m.ConversationTitle,
		Sender: Sender{
			UserID:   m.SenderStaffID,
			UserName: m.SenderNick,
			IsAdmin:  m.IsAdmin,
		},
		BotUserID: m.ChatbotUserID,
		Elements:  elements,
		Raw:       telegraph.Render(elements),
		Payload:   json.RawMessage(data),
		session:   d.session,
	}
	if evt.ID == "" {
		evt.ID = messageID
	}
	if m.ConversationType == "1" {
		evt.Type = telegraph.TargetPrivate
	}
	if evt.Sender.UserID == "" {
		evt.Sender.UserID = m.SenderID
	}
	if m.CreateAt > 0 {
		evt.Time = time.UnixMilli(m.CreateAt)
	}
	return evt, nil
}

func (d *Decoder) elements(ctx context.Context, m botMessage) ([]telegraph.Element, error) {
	content := gjson.ParseBytes(m.Content)
	switch m.MsgType {
	case "text":
		return parseText(gjson.GetBytes(m.Text, "content").String()), nil
	case "picture":
		img, err := d.picture(ctx, content.Get("downloadCode").String())
		if err != nil {
			return nil, err
		}
		return []telegraph.Element{img}, nil
	case "richText":
		var out []telegraph.Element
		for _, item := range content.Get("richText").Array() {
			if item.Get("type").String() == "picture" {
				img, err := d.picture(ctx, item.Get("downloadCode").String())
				if err != nil {
					return nil, err
				}
				out = append(out, img)
				continue
			}
			out = append(out, parseText(item.Get("text").String())...)
		}
		return out, nil
	case "file":
		url, err := d.session.Download(ctx, content.Get("downloadCode").String())
		if err != nil {
			return nil, err
		}
		return []telegraph.Element{telegraph.File{Name: content.Get("fileName").String(), URL: url}}, nil
	default:
		return nil, nil
	}
}

func (d *Decoder) picture(ctx context.Context, code string) (telegraph.Image, error) {
	url, err := d.session.Download(ctx, code)
	if err != nil {
		return telegraph.Image{}, err
	}
	return telegraph.Image{URL: url}, nil
}

// parseText splits text into plain runs and face shortcodes, scanning left
// to right without overlap.
func parseText(text string) []telegraph.Element {
	var out []telegraph.Element
	last := 0
	for _, loc := range faceShortcode.FindAllStringSubmatchIndex(text, -1) {
		if loc[0] > last {
			out = append(out, telegraph.Text{Text: text[last:loc[0]]})
		}
		out = append(out, telegraph.Face{ID: text[loc[2]:loc[3]]})
		last = loc[1]
	}
	if last < len(text) {
		out = append(out, telegraph.Text{Text: text[last:]})
	}
	return out
}
