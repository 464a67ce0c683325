package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"smartvend-client/internal/vendapi"
)

func restockCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restock MACHINE_ID STOCK",
		Short: "Set the stock of a machine (needs api.admin_token)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stock, err := strconv.Atoi(args[1])
			if err != nil || stock < 0 {
				return fmt.Errorf("stock must be a non-negative integer, got %q", args[1])
			}
			a, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.api.UpdateStock(cmd.Context(), args[0], stock); err != nil {
				return err
			}
			fmt.Printf("%s stock set to %d\n", args[0], stock)
			return nil
		},
	}
}

func feedbackCmd(opts *rootOptions) *cobra.Command {
	var (
		rating  int
		comment string
	)

	cmd := &cobra.Command{
		Use:   "feedback MACHINE_ID",
		Short: "Rate a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			return a.api.SubmitFeedback(cmd.Context(), vendapi.Feedback{
				MachineID: args[0],
				ClientID:  a.clientID,
				Rating:    rating,
				Comment:   comment,
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 5, "Rating from 1 to 5")
	cmd.Flags().StringVar(&comment, "comment", "", "Optional comment")
	return cmd
}
