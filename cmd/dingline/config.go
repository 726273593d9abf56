package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/zulandar/dingline/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(newConfigCheckCmd())
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runConfigCheck(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	d := cfg.DingTalk

	fmt.Fprintf(out, "Config %s is valid\n\n", configPath)
	fmt.Fprintf(out, "DingTalk:   client %s, secret %s\n", d.ClientID, mask(d.ClientSecret))
	fmt.Fprintf(out, "            heartbeat %s, reconnect %s x%d, timeout %s\n",
		d.HeartbeatInterval(), d.ReconnectInterval(), d.MaxReconnectCount, d.RequestTimeout())
	if d.Sandbox {
		fmt.Fprintln(out, "            SANDBOX: sends are logged, not delivered")
	}
	fmt.Fprintf(out, "Log:        %s %s -> %s\n", cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	fmt.Fprintf(out, "Journal:    %s\n", onOff(cfg.Journal.Enabled, journalLocation(cfg.Journal)))
	dash := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	if cfg.Server.Token != "" {
		dash += ", token " + mask(cfg.Server.Token)
	}
	fmt.Fprintf(out, "Dashboard:  %s\n", onOff(cfg.Server.Enabled, dash))
	fmt.Fprintf(out, "Relay:      %s\n", onOff(cfg.Relay.RedisURL != "", fmt.Sprintf("channel %s, stream %s", cfg.Relay.Channel, cfg.Relay.Stream)))
	fmt.Fprintf(out, "Commands:   %s\n", onOff(!cfg.Commands.Disabled, "prefix "+cfg.Commands.Prefix))
	fmt.Fprintf(out, "Schedules:  %d\n", len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		fmt.Fprintf(out, "  %-16s %-16s %s:%s\n", s.Name, s.Cron, s.TargetType, s.TargetID)
	}
	return nil
}

func onOff(enabled bool, detail string) string {
	if !enabled {
		return "off"
	}
	return "on (" + detail + ")"
}

// mask hides all but the last four characters of a secret.
func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
