package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/dingline/internal/config"
	"github.com/zulandar/dingline/internal/db"
	"github.com/zulandar/dingline/internal/telegraph"
	"go.uber.org/zap"
)

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the message journal",
	}

	cmd.AddCommand(newJournalInitCmd())
	cmd.AddCommand(newJournalListCmd())
	cmd.AddCommand(newJournalPruneCmd())
	return cmd
}

func newJournalInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create and migrate the journal database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournalInit(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runJournalInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Init(cfg.Journal)
	if err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	fmt.Fprintf(out, "Journal ready (%s)\n", journalLocation(cfg.Journal))
	return nil
}

func newJournalListCmd() *cobra.Command {
	var (
		configPath string
		query      telegraph.JournalQuery
		targetType string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			query.TargetType = telegraph.TargetKind(targetType)
			return runJournalList(cmd, configPath, query)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&query.Limit, "limit", "n", 20, "maximum entries to show")
	cmd.Flags().StringVar(&targetType, "target-type", "", "filter by conversation type (private or group)")
	cmd.Flags().StringVar(&query.TargetID, "target-id", "", "filter by user or conversation id")
	cmd.Flags().StringVar(&query.Direction, "direction", "", "filter by direction (in or out)")
	return cmd
}

func runJournalList(cmd *cobra.Command, configPath string, q telegraph.JournalQuery) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	journal, closeJournal, err := openJournalAlways(cfg)
	if err != nil {
		return err
	}
	defer closeJournal()

	entries, err := journal.Recent(q)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No journal entries.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tDIR\tTARGET\tFROM\tID\tCONTENT")
	for _, e := range entries {
		from := e.UserName
		if from == "" {
			from = e.UserID
		}
		content := e.Content
		if e.Recalled {
			content = "(recalled) " + content
		}
		fmt.Fprintf(w, "%s\t%s\t%s:%s\t%s\t%s\t%s\n",
			e.SentAt.Local().Format("2006-01-02 15:04:05"), e.Direction, e.TargetType, e.TargetID,
			from, e.MessageID, oneLine(content, 60))
	}
	return w.Flush()
}

func newJournalPruneCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old journal entries",
		Long:  "Deletes entries older than --older-than, or journal.retention_days when the flag is not given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournalPrune(cmd, configPath, olderThan)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age of the oldest entry to keep, e.g. 720h")
	return cmd
}

func runJournalPrune(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if olderThan <= 0 {
		olderThan = time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour
	}
	if olderThan <= 0 {
		return fmt.Errorf("prune: give --older-than or set journal.retention_days")
	}
	journal, closeJournal, err := openJournalAlways(cfg)
	if err != nil {
		return err
	}
	defer closeJournal()

	n, err := journal.Prune(time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d entries\n", n)
	return nil
}

// openJournalAlways opens the journal even when the daemon has it disabled,
// so an existing database can still be inspected.
func openJournalAlways(cfg *config.Config) (*telegraph.Journal, func(), error) {
	jc := *cfg
	jc.Journal.Enabled = true
	return openJournal(&jc, zap.NewNop())
}

func journalLocation(jc config.JournalConfig) string {
	if jc.Driver == "mysql" {
		return fmt.Sprintf("mysql %s:%d/%s", jc.MySQL.Host, jc.MySQL.Port, jc.MySQL.Database)
	}
	return "sqlite " + jc.Path
}

// oneLine collapses whitespace and truncates s to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
