package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"smartvend-client/internal/api"
	"smartvend-client/internal/payment"
	"smartvend-client/internal/vendapi"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local control API for a kiosk or web UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()
			if port > 0 {
				a.cfg.Server.Port = port
			}

			gin.SetMode(gin.ReleaseMode)
			capturer := payment.NewCallbackCapturer()
			handler := api.NewHandler(ctx, api.Deps{
				Store:    a.store,
				Push:     &a.cfg.Push,
				Machines: a.api,
				NewView: func(m vendapi.Machine) api.MachineView {
					return a.newSession(m, capturer)
				},
				Payments: capturer,
				Alerts:   a.alerts,
			})
			server := &http.Server{
				Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
				Handler:           api.NewRouter(handler, &a.cfg.Server, a.metrics.Handler()),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Int("port", a.cfg.Server.Port).Str("client_id", a.clientID).Msg("control api listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				log.Info().Msg("shutdown signal received, stopping services")
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("http server shutdown")
			}
			handler.Shutdown()
			log.Info().Msg("server gracefully stopped")
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides server.port)")
	return cmd
}
