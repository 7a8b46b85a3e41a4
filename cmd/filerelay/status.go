package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"filerelay/models"
	"filerelay/storage"
)

var (
	outputJSON bool

	statusCmd = &cobra.Command{
		Use:   "status [transfer-id]",
		Short: "Show one transfer or list recorded transfers",
		Args:  cobra.MaximumNArgs(1),
		RunE:  statusMain,
	}
)

func init() {
	statusCmd.Flags().String("status", "", "only list transfers with this status")
	statusCmd.Flags().String("peer", "", "only list transfers with this partner")
	statusCmd.Flags().Int("limit", 50, "maximum number of transfers listed")
	statusCmd.Flags().BoolVar(&outputJSON, "json", false, "print JSON")
	rootCmd.AddCommand(statusCmd)
}

func statusMain(cmd *cobra.Command, args []string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var records []models.TransferRecord
	if len(args) == 1 {
		rec, err := store.GetTransfer(args[0])
		if err != nil {
			return err
		}
		records = append(records, rec)
	} else {
		status, _ := cmd.Flags().GetString("status")
		peer, _ := cmd.Flags().GetString("peer")
		limit, _ := cmd.Flags().GetInt("limit")
		records, err = store.ListTransfers(storage.TransferFilter{Status: models.Status(status), Peer: peer, Limit: limit})
		if err != nil {
			return err
		}
	}

	if outputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	printRecords(cmd.OutOrStdout(), records)
	return nil
}

func printRecords(w io.Writer, records []models.TransferRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREQUESTER\tREQUESTED\tDIR\tFILE\tRANK\tSTEP\tSTATUS\tCODE\tRETRIES\tUPDATED")
	for _, rec := range records {
		dir := "recv"
		if rec.IsSender {
			dir = "send"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\t%d\t%s\n",
			rec.ID, rec.Requester, rec.Requested, dir, rec.Filename,
			rec.Rank, rec.TotalBlocks(), rec.GlobalStep, rec.Status, rec.ErrorCode,
			rec.RetryCount, rec.Updated().Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func printRecord(w io.Writer, rec models.TransferRecord) {
	printRecords(w, []models.TransferRecord{rec})
}
