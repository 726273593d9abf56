// Package relay mirrors event bus traffic to Redis so that other processes
// can follow the bot without holding a DingTalk connection.
//
// Every event is published as a JSON envelope on a pub/sub channel. Message
// and send events are also appended to a capped stream, which gives late
// subscribers a short replayable history.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/dingline/internal/telegraph"
	"go.uber.org/zap"
)

// publishTimeout bounds each Redis write made from a bus listener.
const publishTimeout = 2 * time.Second

// Opts holds parameters for creating a Publisher.
type Opts struct {
	URL     string // redis://[user:pass@]host:port/db
	Channel string // pub/sub channel for every event
	Stream  string // stream for message and send events; empty disables it
	MaxLen  int64  // approximate stream cap; 0 means uncapped
	Logger  *zap.Logger
}

// Publisher forwards bus events to Redis.
type Publisher struct {
	client  redis.UniversalClient
	channel string
	stream  string
	maxLen  int64
	logger  *zap.Logger
	now     func() time.Time
}

// New connects to Redis and returns a Publisher.
func New(ctx context.Context, opts Opts) (*Publisher, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("relay: redis url is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("relay: channel is required")
	}
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("relay: connect to redis: %w", err)
	}
	return NewWithClient(client, opts), nil
}

// NewWithClient returns a Publisher using an existing client. URL in opts
// is ignored.
func NewWithClient(client redis.UniversalClient, opts Opts) *Publisher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:  client,
		channel: opts.Channel,
		stream:  opts.Stream,
		maxLen:  opts.MaxLen,
		logger:  logger.Named("relay"),
		now:     time.Now,
	}
}

// Attach forwards message, send and system events until the returned
// function is called.
func (p *Publisher) Attach(bus *telegraph.EventBus) func() {
	offs := []func(){
		bus.On(telegraph.EventMessage, p.forward),
		bus.On(telegraph.EventSend, p.forward),
		bus.On(telegraph.EventSystem, p.forward),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (p *Publisher) forward(e telegraph.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.Publish(ctx, telegraph.NewEnvelope(e, p.now())); err != nil {
		p.logger.Warn("relay event", zap.String("event", e.Name), zap.Error(err))
	}
}

// Publish writes env to the channel and, for message and send events, to
// the stream.
func (p *Publisher) Publish(ctx context.Context, env telegraph.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: marshal %s: %w", env.Name, err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("relay: publish %s: %w", env.Name, err)
	}
	if p.stream == "" || !streamed(env.Name) {
		return nil
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"event":     env.Name,
			"payload":   string(data),
			"timestamp": env.Time.Unix(),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("relay: append %s to stream: %w", env.Name, err)
	}
	return nil
}

// Close releases the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

func streamed(name string) bool {
	return strings.HasPrefix(name, telegraph.EventMessage+".") ||
		strings.HasPrefix(name, telegraph.EventSend+".")
}
