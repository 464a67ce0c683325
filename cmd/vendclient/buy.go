package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"smartvend-client/internal/payment"
	"smartvend-client/internal/session"
	"smartvend-client/internal/txn"
)

func buyCmd(opts *rootOptions) *cobra.Command {
	var (
		code     string
		quantity int
	)

	cmd := &cobra.Command{
		Use:   "buy MACHINE_ID",
		Short: "Lock a machine with its display code, pay and dispense",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			machine, err := a.findMachine(ctx, args[0])
			if err != nil {
				return err
			}

			s := a.newSession(machine, &payment.PromptCapturer{In: os.Stdin, Out: os.Stdout})
			defer func() { <-s.Close() }()

			if err := s.Open(ctx); err != nil {
				return err
			}
			if err := s.SetQuantity(quantity); err != nil {
				return err
			}
			if _, err := s.Lock(ctx, code); err != nil {
				return err
			}
			fmt.Printf("Locked %s for %s\n", machine.MachineID, s.View().Countdown)

			stop := watchProgress(ctx, s)
			tx, err := s.Purchase(ctx)
			stop()
			if tx != nil {
				printTransaction(tx)
			}
			if errors.Is(err, context.Canceled) {
				return fmt.Errorf("interrupted: %w", err)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "Code shown on the machine display")
	cmd.Flags().IntVarP(&quantity, "quantity", "q", 1, "Units to buy (1-5)")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

// watchProgress prints each state change and dispensed unit until stopped.
func watchProgress(ctx context.Context, s *session.Session) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		var (
			lastState     txn.State
			lastDispensed int
		)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.Offline():
				fmt.Println("Machine went offline.")
				return
			case <-ticker.C:
			}
			v := s.View()
			if v.Transaction == nil {
				continue
			}
			tx := v.Transaction
			if tx.State != lastState {
				fmt.Printf("  %s\n", tx.State)
				lastState = tx.State
			}
			if tx.State == txn.Dispensing && tx.Dispensed != lastDispensed {
				fmt.Printf("  Dispensed %d of %d\n", tx.Dispensed, tx.Quantity)
				lastDispensed = tx.Dispensed
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func printTransaction(tx *txn.Transaction) {
	fmt.Printf("Transaction %s: %s\n", tx.ID, tx.State)
	if tx.State == txn.Failed {
		fmt.Printf("  %s (%s)\n", tx.FailureReason, tx.FailureClass)
		return
	}
	fmt.Printf("  Dispensed %d of %d\n", tx.Dispensed, tx.Quantity)
}
