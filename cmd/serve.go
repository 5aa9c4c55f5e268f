package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/frontdesk/internal/devserver"
	"github.com/markb/frontdesk/internal/log"
)

const defaultJWTSecret = "super-secret-jwt-key-please-change-in-production"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local realtime server",
	Long: `Starts a development realtime server that speaks the Phoenix channel
protocol used by hosted Supabase Realtime. Changes are injected with
'frontdesk notify' or POST /api/v1/changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if host, _ := cmd.Flags().GetString("host"); host != "" {
			cfg.Server.Host = host
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}

		if cfg.Server.JWTSecret == defaultJWTSecret {
			fmt.Fprintln(os.Stderr, "Warning: Using default JWT secret. Set FRONTDESK_JWT_SECRET in production.")
		}

		srv := devserver.New(devserver.Config{
			JWTSecret:  cfg.Server.JWTSecret,
			AnonKey:    cfg.Server.AnonKey,
			ServiceKey: cfg.Server.ServiceKey,
		})

		addr := cfg.Addr()
		fmt.Printf("Starting frontdesk realtime server on %s\n", addr)
		fmt.Printf("  WebSocket: ws://%s/realtime/v1/websocket\n", addr)
		fmt.Printf("  Changes:   http://%s/api/v1/changes\n", addr)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe(addr) }()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		log.Info("serve: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Host to bind to (default from config, 0.0.0.0)")
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
}
