package dingtalk

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/zulandar/dingline/internal/telegraph"
)

// Encoded is the wire form of one element: the robot message key, its
// parameters (serialized into msgParam) and a summary for logs.
type Encoded struct {
	Key     string
	Params  map[string]any
	Summary string
}

// Session is the handle converters and decoded messages use to call back
// into the live adapter without owning it.
type Session interface {
	MediaStore
	SendTo(ctx context.Context, target telegraph.Target, parts ...any) ([]string, error)
	Recall(ctx context.Context, target telegraph.Target, receipt string) (bool, error)
}

// Converter encodes one element. It may upload media through s.
type Converter func(ctx context.Context, el telegraph.Element, s Session) (Encoded, error)

// Registry maps element kinds to converters. Registration is additive and
// the last registration for a kind wins.
type Registry struct {
	mu         sync.RWMutex
	converters map[telegraph.Kind]Converter
}

// NewRegistry returns a registry holding the built-in converters.
func NewRegistry() *Registry {
	r := &Registry{converters: make(map[telegraph.Kind]Converter)}
	r.Register(telegraph.KindText, encodeText)
	r.Register(telegraph.KindImage, encodeImage)
	r.Register(telegraph.KindMarkdown, encodeMarkdown)
	r.Register(telegraph.KindLink, encodeLink)
	r.Register(telegraph.KindAction, encodeAction)
	r.Register(telegraph.KindConfirm, encodeConfirm)
	r.Register(telegraph.KindAudio, encodeAudio)
	r.Register(telegraph.KindVideo, encodeVideo)
	r.Register(telegraph.KindFile, encodeFile)
	return r
}

// DefaultRegistry is used by adapters created without their own registry.
var DefaultRegistry = NewRegistry()

// RegisterConverter installs fn for kind on DefaultRegistry.
func RegisterConverter(kind telegraph.Kind, fn Converter) {
	DefaultRegistry.Register(kind, fn)
}

// Register installs or replaces the converter for kind.
func (r *Registry) Register(kind telegraph.Kind, fn Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[kind] = fn
}

// Lookup returns the converter for kind.
func (r *Registry) Lookup(kind telegraph.Kind) (Converter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.converters[kind]
	return fn, ok
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []telegraph.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]telegraph.Kind, 0, len(r.converters))
	for k := range r.converters {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Encode converts el with its registered converter. An unregistered kind
// fails with *UnsupportedElementError.
func (r *Registry) Encode(ctx context.Context, el telegraph.Element, s Session) (Encoded, error) {
	fn, ok := r.Lookup(el.Kind())
	if !ok {
		return Encoded{}, &UnsupportedElementError{Kind: el.Kind()}
	}
	enc, err := fn(ctx, el, s)
	if err != nil {
		return Encoded{}, fmt.Errorf("dingtalk: encode %s: %w", el.Kind(), err)
	}
	if enc.Key == "" {
		return Encoded{}, fmt.Errorf("dingtalk: encode %s: converter returned empty key", el.Kind())
	}
	if enc.Params == nil {
		enc.Params = map[string]any{}
	}
	if enc.Summary == "" {
		enc.Summary = telegraph.Render([]telegraph.Element{el})
	}
	return enc, nil
}

// as asserts the concrete element type a converter was registered for.
func as[T telegraph.Element](el telegraph.Element) (T, error) {
	v, ok := el.(T)
	if !ok {
		return v, fmt.Errorf("unexpected element type %T", el)
	}
	return v, nil
}

func encodeText(_ context.Context, el telegraph.Element, _ Session) (Encoded, error) {
	t, err := as[telegraph.Text](el)
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Key: "sampleText", Params: map[string]any{"content": t.Text}}, nil
}

func encodeImage(ctx context.Context, el telegraph.Element, s Session) (Encoded, error) {
	img, err := as[telegraph.Image](el)
	if err != nil {
		return Encoded{}, err
	}
	media, err := s.Upload(ctx, img.URL, "image")
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Key: "sampleImageMsg", Params: map[string]any{"photoURL": media.ID}}, nil
}

func encodeMarkdown(_ context.Context, el telegraph.Element, _ Session) (Encoded, error) {
	md, err := as[telegraph.Markdown](el)
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Key: "sampleMarkdown", Params: map[string]any{
		"title": md.Title,
		"text":  md.Content,
	}}, nil
}

func encodeLink(_ context.Context, el telegraph.Element, _ Session) (Encoded, error) {
	l, err := as[telegraph.Link](el)
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Key: "sampleLink", Params: map[string]any{
		"title":      l.Title,
		"text":       l.Text,
		"picUrl":     l.Thumb,
		"messageUrl": l.Href,
	}}, nil
}

func encodeAction(_ context.Context, el telegraph.Element, _ Session) (Encoded, error) {
	a, err := as[telegraph.Action](el)
	if err != nil {
		return Encoded{}, err
	}
	if len(a.Buttons) == 0 {
		return Encoded{}, fmt.Errorf("action card needs at least one button")
	}
	params := map[string]any{"title": a.Title, "text": a.Text}
	for i, b := range a.Buttons {
		n := strconv.Itoa(i + 1)
		params["actionTitle"+n] = b.Title
		params["actionURL"+n] = b.URL
	}
	return Encoded{Key: "sampleActionCard" + strconv.Itoa(len(a.Buttons)), Params: params}, nil
}

func encodeConfirm(_ context.Context, el telegraph.Element, _ Session) (Encoded, error) {
	c, err := as[telegraph.Confirm](el)
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Key: "sampleActionCard6", Params: map[string]any{
		"title":        c.Title,
		"text":         c.Text,
		"buttonTitle1": c.YesText,
		"buttonURL1":   c.YesURL,
		"buttonTitle2": c.NoText,
		"buttonURL2":   c.NoURL,
	}}, nil
}

func encodeAudio(ctx context.Context, el telegraph.Element, s Session) (Encoded, error) {
	a, err := as[telegraph.Audio](el)
	if err != nil {
		return Encoded{}, err
	}
	media, err := s.Upload(ctx, a.URL, "voice")
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Key: "sampleAudio", Params: map[string]any{
		"mediaId":  media.ID,
		"duration": strconv.Itoa(a.Duration),
	}}, nil
}

func encodeVideo(ctx context.Context, el telegraph.Element, s Session) (Encoded, error) {
	v, err := as[telegraph.Video](el)
	if err != nil {
		return Encoded{}, err
	}
	video, err := s.Upload(ctx, v.URL, "video")
	if err != nil {
		return Encoded{}, err
	}
	thumb, err := s.Upload(ctx, v.Thumb, "image")
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Key: "sampleVideo", Params: map[string]any{
		"videoMediaId": video.ID,
		"duration":     strconv.Itoa(v.Duration),
		"videoType":    "mp4",
		"width":        v.Width,
		"height":       v.Height,
		"picMediaId":   thumb.ID,
	}}, nil
}

func encodeFile(ctx context.Context, el telegraph.Element, s Session) (Encoded, error) {
	f, err := as[telegraph.File](el)
	if err != nil {
		return Encoded{}, err
	}
	media, err := s.Upload(ctx, f.URL, "file")
	if err != nil {
		return Encoded{}, err
	}
	fileType := media.Type
	if fileType == "" {
		fileType = f.Type
	}
	return Encoded{Key: "sampleFile", Params: map[string]any{
		"mediaId":  media.ID,
		"fileName": f.Name,
		"fileType": fileType,
	}}, nil
}
