// Package cmd - Kommandozeilen-Oberflaeche
//
// Dieses Modul enthaelt:
// - NewCLI: der cobra-Root mit serve/complete/convert/quantize
//
// Der Daemon selbst braucht keine Flags; alles Betriebliche kommt aus
// der Umgebung (envconfig). Logging geht strukturiert nach stderr.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smspillaz/ggml-go/envconfig"
	"github.com/smspillaz/ggml-go/server"
	"github.com/smspillaz/ggml-go/version"
)

// NewCLI erstellt den Kommandobaum
func NewCLI() *cobra.Command {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: envconfig.LogLevel(),
	})))

	root := &cobra.Command{
		Use:           "ggml",
		Short:         "On-device language model service",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.AddCommand(
		newServeCmd(),
		newCompleteCmd(),
		newConvertCmd(),
		newQuantizeCmd(),
	)

	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the language model service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := server.NewService()
			if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("serving: %w", err)
			}

			return nil
		},
	}
}
