package telegraph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind identifies the type of a message element.
type Kind string

// Built-in element kinds. Converters and decoders outside this set use Custom.
const (
	KindText     Kind = "text"
	KindAt       Kind = "at"
	KindFace     Kind = "face"
	KindMarkdown Kind = "markdown"
	KindImage    Kind = "image"
	KindLink     Kind = "link"
	KindAction   Kind = "action"
	KindButton   Kind = "button"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindFile     Kind = "file"
	KindConfirm  Kind = "confirm"
)

// Attr is a single named field of an element.
type Attr struct {
	Key   string
	Value string
}

// Element is one semantic unit of a message. Attrs lists the element's
// fields (excluding the kind) in declaration order; it drives the
// flattened rendering produced by Render.
type Element interface {
	Kind() Kind
	Attrs() []Attr
}

// Text is a run of plain characters.
type Text struct {
	Text string
}

// At mentions a user by ID (or "all") or by phone number.
type At struct {
	UserID string
	Phone  string
}

// Face is an inline emoticon shortcode.
type Face struct {
	ID string
}

// Markdown is a titled markdown card.
type Markdown struct {
	Title   string
	Content string
}

// Image references a picture by URL or local path.
type Image struct {
	URL string
}

// Link is a link card.
type Link struct {
	Text  string
	Title string
	Thumb string
	Href  string
}

// Button is one button on an Action card.
type Button struct {
	Title string
	URL   string
}

// Action is an interactive card with any number of buttons.
type Action struct {
	Title   string
	Text    string
	Buttons []Button
}

// Audio is a voice clip. Duration is in milliseconds.
type Audio struct {
	URL      string
	Duration int
}

// Video is a video clip with a thumbnail. Duration is in seconds.
type Video struct {
	Thumb    string
	URL      string
	Duration int
	Width    int
	Height   int
}

// File is a file attachment.
type File struct {
	Name string
	Type string
	URL  string
}

// Confirm is a two-button yes/no prompt.
type Confirm struct {
	Title   string
	Text    string
	YesText string
	YesURL  string
	NoText  string
	NoURL   string
}

// Custom carries element kinds that have no dedicated type. Register a
// converter for its Type to make it sendable.
type Custom struct {
	Type   Kind
	Fields []Attr
}

func (Text) Kind() Kind     { return KindText }
func (At) Kind() Kind       { return KindAt }
func (Face) Kind() Kind     { return KindFace }
func (Markdown) Kind() Kind { return KindMarkdown }
func (Image) Kind() Kind    { return KindImage }
func (Link) Kind() Kind     { return KindLink }
func (Button) Kind() Kind   { return KindButton }
func (Action) Kind() Kind   { return KindAction }
func (Audio) Kind() Kind    { return KindAudio }
func (Video) Kind() Kind    { return KindVideo }
func (File) Kind() Kind     { return KindFile }
func (Confirm) Kind() Kind  { return KindConfirm }
func (c Custom) Kind() Kind { return c.Type }

func (e Text) Attrs() []Attr { return []Attr{{"text", e.Text}} }

func (e At) Attrs() []Attr {
	if e.UserID == "" && e.Phone != "" {
		return []Attr{{"phone", e.Phone}}
	}
	return []Attr{{"user_id", e.UserID}}
}

func (e Face) Attrs() []Attr { return []Attr{{"id", e.ID}} }

func (e Markdown) Attrs() []Attr {
	return appendNonEmpty(nil, Attr{"title", e.Title}, Attr{"content", e.Content})
}

func (e Image) Attrs() []Attr { return []Attr{{"url", e.URL}} }

func (e Link) Attrs() []Attr {
	return appendNonEmpty(nil,
		Attr{"text", e.Text}, Attr{"title", e.Title}, Attr{"thumb", e.Thumb}, Attr{"href", e.Href})
}

func (e Button) Attrs() []Attr { return []Attr{{"title", e.Title}, {"url", e.URL}} }

func (e Action) Attrs() []Attr {
	titles := make([]string, len(e.Buttons))
	for i, b := range e.Buttons {
		titles[i] = b.Title
	}
	return []Attr{{"title", e.Title}, {"text", e.Text}, {"buttons", strings.Join(titles, "|")}}
}

func (e Audio) Attrs() []Attr {
	return []Attr{{"url", e.URL}, {"duration", strconv.Itoa(e.Duration)}}
}

func (e Video) Attrs() []Attr {
	attrs := []Attr{{"thumb", e.Thumb}, {"url", e.URL}, {"duration", strconv.Itoa(e.Duration)}}
	if e.Width > 0 {
		attrs = append(attrs, Attr{"width", strconv.Itoa(e.Width)})
	}
	if e.Height > 0 {
		attrs = append(attrs, Attr{"height", strconv.Itoa(e.Height)})
	}
	return attrs
}

func (e File) Attrs() []Attr {
	return appendNonEmpty(nil, Attr{"name", e.Name}, Attr{"file_type", e.Type}, Attr{"url", e.URL})
}

func (e Confirm) Attrs() []Attr {
	return []Attr{
		{"title", e.Title}, {"text", e.Text},
		{"yesText", e.YesText}, {"yesUrl", e.YesURL},
		{"noText", e.NoText}, {"noUrl", e.NoURL},
	}
}

func (c Custom) Attrs() []Attr { return c.Fields }

// Get returns the value of the named field, or "" if absent.
func (c Custom) Get(key string) string {
	for _, a := range c.Fields {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

func appendNonEmpty(dst []Attr, attrs ...Attr) []Attr {
	for _, a := range attrs {
		if a.Value != "" {
			dst = append(dst, a)
		}
	}
	return dst
}

// Render flattens elements into a single string. Text elements contribute
// their characters verbatim; every other element contributes
// "{kind:key=value,...}". The result is lossy but deterministic.
func Render(elements []Element) string {
	var b strings.Builder
	for _, el := range elements {
		if t, ok := el.(Text); ok {
			b.WriteString(t.Text)
			continue
		}
		b.WriteByte('{')
		b.WriteString(string(el.Kind()))
		b.WriteByte(':')
		for i, a := range el.Attrs() {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(a.Key)
			b.WriteByte('=')
			b.WriteString(a.Value)
		}
		b.WriteByte('}')
	}
	return b.String()
}

// Normalize turns a mixed sequence of strings and elements into elements.
// A bare string becomes a Text element.
func Normalize(parts ...any) ([]Element, error) {
	out := make([]Element, 0, len(parts))
	for i, p := range parts {
		switch v := p.(type) {
		case string:
			out = append(out, Text{Text: v})
		case Element:
			out = append(out, v)
		case []Element:
			out = append(out, v...)
		case []any:
			nested, err := Normalize(v...)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		default:
			return nil, fmt.Errorf("telegraph: part %d: unsupported type %T", i, p)
		}
	}
	return out, nil
}

// DecodeElements parses a JSON message description into elements. The
// input is a string, a single element object, or an array mixing both.
// Element objects use a "type" key and the field names shown by Render,
// e.g. {"type":"link","title":"Docs","href":"https://..."}.
func DecodeElements(data []byte) ([]Element, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("telegraph: decode elements: invalid JSON")
	}
	root := gjson.ParseBytes(data)
	items := []gjson.Result{root}
	if root.IsArray() {
		items = root.Array()
	}
	out := make([]Element, 0, len(items))
	for i, item := range items {
		el, err := decodeElement(item)
		if err != nil {
			return nil, fmt.Errorf("telegraph: decode elements: item %d: %w", i, err)
		}
		out = append(out, el)
	}
	return out, nil
}

func decodeElement(r gjson.Result) (Element, error) {
	if r.Type == gjson.String {
		return Text{Text: r.String()}, nil
	}
	if !r.IsObject() {
		return nil, fmt.Errorf("expected string or object, got %s", r.Type)
	}
	s := func(key string) string { return r.Get(key).String() }
	n := func(key string) int { return int(r.Get(key).Int()) }

	switch kind := Kind(s("type")); kind {
	case "":
		return nil, fmt.Errorf("missing type")
	case KindText:
		return Text{Text: s("text")}, nil
	case KindAt:
		return At{UserID: s("user_id"), Phone: s("phone")}, nil
	case KindFace:
		return Face{ID: s("id")}, nil
	case KindMarkdown:
		return Markdown{Title: s("title"), Content: s("content")}, nil
	case KindImage:
		return Image{URL: s("url")}, nil
	case KindLink:
		return Link{Text: s("text"), Title: s("title"), Thumb: s("thumb"), Href: s("href")}, nil
	case KindButton:
		return Button{Title: s("title"), URL: s("url")}, nil
	case KindAction:
		action := Action{Title: s("title"), Text: s("text")}
		for _, b := range r.Get("buttons").Array() {
			action.Buttons = append(action.Buttons, Button{
				Title: b.Get("title").String(),
				URL:   b.Get("url").String(),
			})
		}
		return action, nil
	case KindAudio:
		return Audio{URL: s("url"), Duration: n("duration")}, nil
	case KindVideo:
		return Video{
			Thumb: s("thumb"), URL: s("url"),
			Duration: n("duration"), Width: n("width"), Height: n("height"),
		}, nil
	case KindFile:
		return File{Name: s("name"), Type: s("file_type"), URL: s("url")}, nil
	case KindConfirm:
		return Confirm{
			Title: s("title"), Text: s("text"),
			YesText: s("yesText"), YesURL: s("yesUrl"),
			NoText: s("noText"), NoURL: s("noUrl"),
		}, nil
	default:
		c := Custom{Type: kind}
		r.ForEach(func(key, value gjson.Result) bool {
			if key.String() != "type" {
				c.Fields = append(c.Fields, Attr{Key: key.String(), Value: value.String()})
			}
			return true
		})
		return c, nil
	}
}
