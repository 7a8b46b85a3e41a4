package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"filerelay/models"
	"filerelay/transfer"
)

var sendCmd = &cobra.Command{
	Use:   "send <host-id> <filename>",
	Short: "Push a file to a partner host, or pull one with --recv",
	Long: `Submit a transfer and run it in this process until it ends.
The file is read from the rule's send path (or written to its receive path
with --recv). An interrupted transfer keeps its rank; resume it with
"filerelay restart <id>".`,
	Args: cobra.ExactArgs(2),
	RunE: sendMain,
}

func init() {
	sendCmd.Flags().StringP("rule", "r", "default", "transfer rule")
	sendCmd.Flags().Bool("recv", false, "pull the file from the partner instead of pushing it")
	rootCmd.AddCommand(sendCmd)
}

func sendMain(cmd *cobra.Command, args []string) error {
	ruleID, _ := cmd.Flags().GetString("rule")
	pull, _ := cmd.Flags().GetBool("recv")
	mode := models.ModeSend
	if pull {
		mode = models.ModeRecv
	}

	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := e.service.Submit(ctx, transfer.SubmitRequest{
		RuleID:   ruleID,
		Peer:     args[0],
		Filename: args[1],
		Mode:     mode,
	})
	if err != nil {
		return errors.Wrap(err, "failed to submit transfer")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Transfer %s submitted\n", h.ID)
	return awaitAttempt(ctx, cmd, e, h)
}

// awaitAttempt waits for h, canceling the transfer if ctx ends first.
func awaitAttempt(ctx context.Context, cmd *cobra.Command, e *engine, h *transfer.Handle) error {
	outcome, err := h.Wait(ctx)
	if ctx.Err() != nil {
		_ = e.service.Cancel(h.ID)
		outcome, err = h.Wait(context.Background())
	}
	rec, qerr := e.service.Query(h.ID)
	if qerr == nil {
		printRecord(cmd.OutOrStdout(), rec)
	}
	if err != nil {
		return errors.Wrapf(err, "transfer %s ended at rank %d", h.ID, outcome.Rank)
	}
	return nil
}
