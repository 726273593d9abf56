package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newRecallCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "recall <private|group> <id> <receipt>",
		Short: "Recall a message sent by the bot",
		Long: "Withdraws a message by the receipt printed when it was sent. For private\n" +
			"messages the id is the user the message went to.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecall(cmd, configPath, args[0], args[1], args[2])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runRecall(cmd *cobra.Command, configPath, targetType, targetID, receipt string) error {
	target, err := parseTarget(targetType, targetID)
	if err != nil {
		return err
	}
	adapter, cleanup, err := oneShotAdapter(cmd, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ok, err := adapter.Recall(context.Background(), target, receipt)
	if err != nil {
		return fmt.Errorf("recall: %w", err)
	}
	out := cmd.OutOrStdout()
	if !ok {
		fmt.Fprintf(out, "Message %s was not recalled (unknown or already recalled).\n", receipt)
		return nil
	}
	if adapter.journal != nil {
		if _, err := adapter.journal.MarkRecalled(receipt); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "Recalled %s\n", receipt)
	return nil
}
