package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"smartvend-client/internal/parse"
)

func machinesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "machines",
		Aliases: []string{"ls"},
		Short:   "List vending machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			machines, err := a.api.ListMachines(cmd.Context())
			if err != nil {
				return err
			}
			if len(machines) == 0 {
				fmt.Println("no machines registered")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tLOCATION\tSTOCK\tSTATUS")
			for _, m := range machines {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.MachineID, m.Location, strconv.Itoa(m.CurrentStock), parse.Status(m.Status))
			}
			return tw.Flush()
		},
	}
}
