package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/dingline/internal/config"
	"github.com/zulandar/dingline/internal/dashboard"
	"github.com/zulandar/dingline/internal/db"
	"github.com/zulandar/dingline/internal/logger"
	"github.com/zulandar/dingline/internal/metrics"
	"github.com/zulandar/dingline/internal/relay"
	"github.com/zulandar/dingline/internal/telegraph"
	"github.com/zulandar/dingline/internal/telegraph/dingtalk"
	"go.uber.org/zap"
)

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the dingline daemon",
		Long: "Connects to the DingTalk stream gateway, answers chat commands, posts\n" +
			"scheduled messages and serves the dashboard until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runStart(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	m := metrics.New(cfg.Metrics.Namespace)
	bus := telegraph.NewEventBus()
	adapter, err := newAdapter(cfg, log, bus, m)
	if err != nil {
		return err
	}

	journal, closeJournal, err := openJournal(cfg, log)
	if err != nil {
		return err
	}
	defer closeJournal()

	var sinks []telegraph.EventSink
	if cfg.Relay.RedisURL != "" {
		pub, err := relay.New(ctx, relay.Opts{
			URL:     cfg.Relay.RedisURL,
			Channel: cfg.Relay.Channel,
			Stream:  cfg.Relay.Stream,
			MaxLen:  cfg.Relay.StreamMaxLen,
			Logger:  log,
		})
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	daemon, err := telegraph.NewDaemon(telegraph.DaemonOpts{
		Config:  cfg,
		Adapter: adapter,
		Bus:     bus,
		Journal: journal,
		Sinks:   sinks,
		Logger:  log,
		Out:     cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	if cfg.Server.Enabled {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				Adapter: adapter,
				Bus:     bus,
				Journal: journal,
				Metrics: m,
				Host:    cfg.Server.Host,
				Port:    cfg.Server.Port,
				Token:   cfg.Server.Token,
				Logger:  log,
				Out:     cmd.OutOrStdout(),
			})
			if err != nil {
				log.Error("dashboard stopped", zap.Error(err))
			}
		}()
	}

	return daemon.Run(ctx)
}

// newAdapter builds the DingTalk adapter from the config.
func newAdapter(cfg *config.Config, log *zap.Logger, bus *telegraph.EventBus, rec dingtalk.Recorder) (*dingtalk.Adapter, error) {
	d := cfg.DingTalk
	return dingtalk.New(dingtalk.AdapterOpts{
		ClientID:          d.ClientID,
		ClientSecret:      d.ClientSecret,
		HeartbeatInterval: d.HeartbeatInterval(),
		ReconnectInterval: d.ReconnectInterval(),
		MaxReconnect:      d.MaxReconnectCount,
		RequestTimeout:    d.RequestTimeout(),
		Sandbox:           d.Sandbox,
		APIBaseURL:        d.APIBaseURL,
		OAPIBaseURL:       d.OAPIBaseURL,
		Logger:            log,
		Bus:               bus,
		Recorder:          rec,
	})
}

// openJournal opens and migrates the journal database when it is enabled.
// The returned journal is nil otherwise; the close function is always safe
// to call.
func openJournal(cfg *config.Config, log *zap.Logger) (*telegraph.Journal, func(), error) {
	if !cfg.Journal.Enabled {
		return nil, func() {}, nil
	}
	gormDB, err := db.Init(cfg.Journal)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	closeDB := func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	journal, err := telegraph.NewJournal(telegraph.JournalOpts{DB: gormDB, Logger: log})
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return journal, closeDB, nil
}
