package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"smartvend-client/internal/lease"
	"smartvend-client/internal/payment"
)

func releaseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release MACHINE_ID",
		Short: "Release a lock this client still holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			machine, err := a.findMachine(ctx, args[0])
			if err != nil {
				return err
			}
			s := a.newSession(machine, payment.NewCallbackCapturer())
			defer func() { <-s.Close() }()

			if err := s.Open(ctx); err != nil {
				return err
			}
			err = s.Unlock(ctx)
			if errors.Is(err, lease.ErrNotHeld) {
				fmt.Printf("%s is not locked by this client\n", machine.MachineID)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Released %s\n", machine.MachineID)
			return nil
		},
	}
}
