package telegraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/zulandar/dingline/internal/config"
	"go.uber.org/zap"
)

// EventSink consumes bus events until the returned detach function is
// called. The journal and the redis relay are sinks.
type EventSink interface {
	Attach(bus *EventBus) func()
}

// Daemon is the main dingline process. It connects to the chat platform via
// an Adapter, wires the journal, relays and chat commands to the adapter's
// event bus, and posts scheduled messages.
type Daemon struct {
	cfg     *config.Config
	adapter Adapter
	bus     *EventBus
	journal *Journal
	sinks   []EventSink
	logger  *zap.Logger
	out     io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Config  *config.Config
	Adapter Adapter
	Bus     *EventBus   // the bus the adapter publishes on
	Journal *Journal    // optional; enables history and "recent"
	Sinks   []EventSink // optional; e.g. the redis relay
	Logger  *zap.Logger // defaults to a no-op logger
	Out     io.Writer   // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("telegraph: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("telegraph: bus is required")
	}
	for i, s := range opts.Config.Schedules {
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return nil, fmt.Errorf("telegraph: schedule %d (%s): %w", i, s.Name, err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		cfg:     opts.Config,
		adapter: opts.Adapter,
		bus:     opts.Bus,
		journal: opts.Journal,
		sinks:   opts.Sinks,
		logger:  logger.Named("daemon"),
		out:     out,
	}, nil
}

// Run attaches the journal, sinks and command router, connects the adapter
// and blocks until the context is cancelled or the connection gives up.
// On shutdown it closes the adapter gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var detach []func()
	defer func() {
		for i := len(detach) - 1; i >= 0; i-- {
			detach[i]()
		}
	}()

	if d.journal != nil {
		detach = append(detach, d.journal.Attach(d.bus))
	}
	for _, s := range d.sinks {
		detach = append(detach, s.Attach(d.bus))
	}

	var router *Router
	detachRouter := func() {}
	if !d.cfg.Commands.Disabled {
		cmdHandler, err := NewCommandHandler(CommandHandlerOpts{
			Prefix:         d.cfg.Commands.Prefix,
			StatusProvider: d.adapter,
			Journal:        d.journal,
		})
		if err != nil {
			return fmt.Errorf("telegraph: build command handler: %w", err)
		}
		router, err = NewRouter(RouterOpts{CmdHandler: cmdHandler, Logger: d.logger})
		if err != nil {
			return fmt.Errorf("telegraph: build router: %w", err)
		}
		detachRouter = router.Attach(ctx, d.bus)
		detach = append(detach, detachRouter)
	}

	exhausted := make(chan error, 1)
	detach = append(detach, d.bus.Once(EventExhausted, func(e Event) {
		err := errors.New("reconnect budget exhausted")
		if lc, ok := e.Data.(Lifecycle); ok && lc.Err != nil {
			err = lc.Err
		}
		exhausted <- err
	}))

	fmt.Fprintf(d.out, "dingline connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}
	fmt.Fprintf(d.out, "dingline online\n")

	var wg sync.WaitGroup
	for _, s := range d.cfg.Schedules {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runSchedule(ctx, s)
		}()
	}
	if d.journal != nil && d.cfg.Journal.RetentionDays > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runPrune(ctx)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		fmt.Fprintf(d.out, "dingline shutting down...\n")
	case err := <-exhausted:
		runErr = fmt.Errorf("telegraph: connection lost: %w", err)
		d.logger.Error("connection lost", zap.Error(err))
	}

	cancel()
	wg.Wait()
	detachRouter()
	if router != nil {
		router.Wait()
	}
	if err := d.adapter.Close(); err != nil {
		d.logger.Error("close adapter", zap.Error(err))
	}
	fmt.Fprintf(d.out, "dingline stopped\n")
	return runErr
}

// runSchedule posts s.Text to its target every time the cron expression
// fires, until ctx is cancelled.
func (d *Daemon) runSchedule(ctx context.Context, s config.ScheduleConfig) {
	target := Target{Kind: TargetKind(s.TargetType), ID: s.TargetID}
	var timer *time.Timer
	if wait := nextCronDuration(s.Cron); wait > 0 {
		timer = time.NewTimer(wait)
		defer timer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-timerChan(timer):
			d.fireSchedule(ctx, s.Name, target, s.Text)
			if wait := nextCronDuration(s.Cron); wait > 0 {
				timer.Reset(wait)
			}
		}
	}
}

// fireSchedule sends a single scheduled message.
func (d *Daemon) fireSchedule(ctx context.Context, name string, target Target, text string) {
	receipts, err := d.adapter.Send(ctx, OutboundMessage{
		Target:   target,
		Elements: []Element{Text{Text: text}},
	})
	if err != nil {
		d.logger.Error("scheduled send", zap.String("schedule", name), zap.Error(err))
		return
	}
	d.logger.Info("scheduled send", zap.String("schedule", name), zap.Strings("receipts", receipts))
}

// runPrune deletes journal entries older than the retention window once at
// start and then daily.
func (d *Daemon) runPrune(ctx context.Context) {
	retention := time.Duration(d.cfg.Journal.RetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		n, err := d.journal.Prune(time.Now().Add(-retention))
		if err != nil {
			d.logger.Error("journal prune", zap.Error(err))
		} else if n > 0 {
			d.logger.Info("journal pruned", zap.Int64("entries", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
