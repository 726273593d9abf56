package telegraph

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// knownCommands is the set of top-level commands the CommandHandler supports.
var knownCommands = map[string]bool{
	"ping":   true,
	"status": true,
	"recent": true,
	"echo":   true,
	"help":   true,
}

// Router classifies inbound chat messages and routes commands to the
// CommandHandler. Everything else is ignored.
type Router struct {
	cmdHandler *CommandHandler
	botUserID  string // overrides the per-message bot ID for self-filtering
	logger     *zap.Logger

	wg sync.WaitGroup
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	CmdHandler *CommandHandler
	BotUserID  string      // optional; the platform's per-message bot ID is used otherwise
	Logger     *zap.Logger // defaults to a no-op logger
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.CmdHandler == nil {
		return nil, fmt.Errorf("telegraph: router: command handler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cmdHandler: opts.CmdHandler,
		botUserID:  opts.BotUserID,
		logger:     logger.Named("router"),
	}, nil
}

// Attach routes every "message" event published on bus until the returned
// function is called. Replies are sent off the publishing goroutine so the
// connection's frame loop is never blocked on a REST call. No reply starts
// once the returned function has run.
func (r *Router) Attach(ctx context.Context, bus *EventBus) func() {
	var (
		mu       sync.Mutex
		detached bool
	)
	off := bus.On(EventMessage, func(e Event) {
		msg, ok := e.Data.(Message)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if detached {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.Handle(ctx, msg)
		}()
	})
	return func() {
		off()
		mu.Lock()
		detached = true
		mu.Unlock()
	}
}

// Wait blocks until in-flight replies finish. Detach first when shutting
// down.
func (r *Router) Wait() { r.wg.Wait() }

// Handle classifies and routes a single inbound message. Routing paths:
//  1. Bot self-message: ignore
//  2. Command prefix: command handler
//  3. Known command after an @mention (group chats only): command handler
//  4. Everything else: ignore
func (r *Router) Handle(ctx context.Context, msg Message) {
	in := msg.Inbound()
	if r.isSelf(in) {
		return
	}

	text := strings.TrimSpace(in.Text)
	r.logger.Debug("recv",
		zap.String("target", string(in.Target.Kind)+":"+in.Target.ID),
		zap.String("user", in.UserName),
		zap.String("text", truncate(text, 80)))

	if r.cmdHandler.isCommand(text) {
		r.handleCommand(ctx, msg, in.Target, text)
		return
	}
	if in.Target.Kind != TargetGroup {
		return
	}
	if cmd := extractMentionCommand(text); cmd != "" {
		r.handleCommand(ctx, msg, in.Target, r.cmdHandler.Prefix()+" "+cmd)
	}
}

// isSelf reports whether in was sent by the bot, by the configured ID or
// the receiving bot ID the platform reported with the message.
func (r *Router) isSelf(in InboundMessage) bool {
	if in.UserID == "" {
		return false
	}
	if r.botUserID != "" && in.UserID == r.botUserID {
		return true
	}
	return in.BotUserID != "" && in.UserID == in.BotUserID
}

// handleCommand executes a command and replies in the same conversation.
func (r *Router) handleCommand(ctx context.Context, msg Message, target Target, text string) {
	response := r.cmdHandler.Execute(target, text)
	if _, err := msg.Reply(ctx, response); err != nil {
		r.logger.Error("send command response", zap.Error(err))
	}
}

// extractMentionCommand strips leading @mentions and returns the remaining
// text when its first word is a known command, or "" otherwise.
func extractMentionCommand(text string) string {
	// Group messages reach the bot only when it is mentioned and the platform
	// usually strips the mention itself, so a bare command also counts.
	fields := strings.Fields(text)
	for len(fields) > 0 && strings.HasPrefix(fields[0], "@") {
		fields = fields[1:]
	}
	if len(fields) == 0 || !knownCommands[fields[0]] {
		return ""
	}
	return strings.Join(fields, " ")
}
