package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func historyCmd(opts *rootOptions) *cobra.Command {
	var (
		machineID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show purchases recorded by this client",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			recs, err := a.store.ListTransactions(cmd.Context(), machineID, limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("no purchases recorded")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tTRANSACTION\tMACHINE\tQTY\tSTATE\tDETAIL")
			for _, r := range recs {
				detail := r.FailureReason
				if detail == "" && r.PaymentID != "" {
					detail = "payment " + r.PaymentID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					r.CreatedAt.Local().Format(time.DateTime), r.TransactionID, r.MachineID,
					r.Dispensed, r.Quantity, r.State, detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&machineID, "machine", "", "Only show one machine")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum rows")
	return cmd
}
