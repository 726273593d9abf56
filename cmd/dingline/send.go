package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/dingline/internal/config"
	"github.com/zulandar/dingline/internal/logger"
	"github.com/zulandar/dingline/internal/telegraph"
	"github.com/zulandar/dingline/internal/telegraph/dingtalk"
	"go.uber.org/zap"
)

func newSendCmd() *cobra.Command {
	var (
		configPath string
		elements   string
	)

	cmd := &cobra.Command{
		Use:   "send <private|group> <id> [text...]",
		Short: "Send a message without starting the daemon",
		Long: `Sends a message through the DingTalk REST API and prints one receipt per
element. The id is a user id for private messages and an open conversation id
for group messages. Rich elements can be given as JSON with --elements, e.g.

  dingline send group cid123 --elements '[{"type":"markdown","title":"Build","content":"**ok**"}]'`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, configPath, args[0], args[1], strings.Join(args[2:], " "), elements)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&elements, "elements", "", "message elements as JSON")
	return cmd
}

func runSend(cmd *cobra.Command, configPath, targetType, targetID, text, elementsJSON string) error {
	target, err := parseTarget(targetType, targetID)
	if err != nil {
		return err
	}
	var elements []telegraph.Element
	if text != "" {
		elements = append(elements, telegraph.Text{Text: text})
	}
	if elementsJSON != "" {
		decoded, err := telegraph.DecodeElements([]byte(elementsJSON))
		if err != nil {
			return err
		}
		elements = append(elements, decoded...)
	}
	if len(elements) == 0 {
		return fmt.Errorf("send: nothing to send (give text or --elements)")
	}

	adapter, cleanup, err := oneShotAdapter(cmd, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	receipts, err := adapter.Send(context.Background(), telegraph.OutboundMessage{Target: target, Elements: elements})
	out := cmd.OutOrStdout()
	for _, r := range receipts {
		fmt.Fprintln(out, r)
	}
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// parseTarget validates a target type and id given on the command line.
func parseTarget(targetType, targetID string) (telegraph.Target, error) {
	kind := telegraph.TargetKind(targetType)
	if kind != telegraph.TargetPrivate && kind != telegraph.TargetGroup {
		return telegraph.Target{}, fmt.Errorf("target type %q must be private or group", targetType)
	}
	if targetID == "" {
		return telegraph.Target{}, fmt.Errorf("target id is required")
	}
	return telegraph.Target{Kind: kind, ID: targetID}, nil
}

// oneShotAdapter builds an adapter for a single REST operation. Logs go to
// stderr so stdout carries only the command's result. When the journal is
// enabled, sends are recorded in it.
func oneShotAdapter(cmd *cobra.Command, configPath string) (*oneShot, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.NewWriter(cmd.ErrOrStderr(), cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	bus := telegraph.NewEventBus()
	adapter, err := newAdapter(cfg, log, bus, nil)
	if err != nil {
		return nil, nil, err
	}
	journal, closeJournal, err := openJournal(cfg, log)
	if err != nil {
		adapter.Close()
		return nil, nil, err
	}
	detach := func() {}
	if journal != nil {
		detach = journal.Attach(bus)
	}
	cleanup := func() {
		detach()
		if err := adapter.Close(); err != nil {
			log.Debug("close adapter", zap.Error(err))
		}
		closeJournal()
		log.Sync()
	}
	return &oneShot{Adapter: adapter, journal: journal}, cleanup, nil
}

// oneShot is an adapter plus the optional journal it writes to.
type oneShot struct {
	*dingtalk.Adapter
	journal *telegraph.Journal
}
