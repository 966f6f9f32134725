package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/echo-ai/echo-proxy/internal/app"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "echo-proxy",
		Short:   "Metered reverse proxy for LLM and tool providers",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newCreateKeyCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.RunServer(ctx, *configPath)
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Migrate(cmd.Context(), *configPath)
		},
	}
}

func newCreateKeyCmd(configPath *string) *cobra.Command {
	var email, appName, keyName string

	cmd := &cobra.Command{
		Use:   "create-key",
		Short: "Issue an API key for a user and app",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, errCreate := app.CreateAPIKey(cmd.Context(), *configPath, email, appName, keyName)
			if errCreate != nil {
				return errCreate
			}
			// Printed once; the key is stored in plain form and never shown again
			// through any other surface.
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user email the key belongs to")
	cmd.Flags().StringVar(&appName, "app", "", "app the key is scoped to")
	cmd.Flags().StringVar(&keyName, "name", "cli", "display name for the key")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}
