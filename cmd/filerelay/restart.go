package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"filerelay/models"
)

var (
	restartCmd = &cobra.Command{
		Use:   "restart <transfer-id>",
		Short: "Resume an interrupted or failed transfer",
		Long: `Ask the retry coordinator whether the transfer may run again and run the
new attempt in this process. Data resumes at the stored rank; a transfer
stopped during post tasks only reruns them.`,
		Args: cobra.ExactArgs(1),
		RunE: restartMain,
	}

	cancelCmd = &cobra.Command{
		Use:   "cancel <transfer-id>",
		Short: "Mark a transfer canceled",
		Args:  cobra.ExactArgs(1),
		RunE:  cancelMain,
	}
)

func init() {
	rootCmd.AddCommand(restartCmd, cancelCmd)
}

func restartMain(cmd *cobra.Command, args []string) error {
	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	decision, h, err := e.service.Restart(ctx, args[0])
	if err != nil {
		return errors.Wrap(err, "failed to restart transfer")
	}
	out := cmd.OutOrStdout()
	switch decision.Kind {
	case models.RefuseTerminal:
		return fmt.Errorf("restart of %s refused: %s", args[0], decision.Code)
	case models.ResumeAtRank:
		fmt.Fprintf(out, "Resuming %s at rank %d\n", args[0], decision.Rank)
	default:
		fmt.Fprintf(out, "Restarting %s: %s\n", args[0], decision.Kind)
	}
	if h == nil {
		rec, err := e.service.Query(args[0])
		if err != nil {
			return err
		}
		printRecord(out, rec)
		return nil
	}
	return awaitAttempt(ctx, cmd, e, h)
}

func cancelMain(cmd *cobra.Command, args []string) error {
	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.service.Cancel(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Transfer %s canceled\n", args[0])
	return nil
}
