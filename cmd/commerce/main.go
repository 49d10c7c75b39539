package main

import (
	"fmt"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/config"
	"github.com/smallbiznis/commerce/internal/migration"
	"github.com/smallbiznis/commerce/internal/observability"
	"github.com/smallbiznis/commerce/internal/server"
	"github.com/smallbiznis/commerce/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "commerce",
		Short:   "Entitlement grants, refunds and clawbacks",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook receiver and signal consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				// Core Infrastructure
				config.Module,
				observability.Module,
				fx.Provide(RegisterSnowflake),
				db.Module,
				clock.Module,
				migration.Module,

				// Domains and HTTP
				server.Module,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

// infra is the dependency graph shared by the one-shot commands.
func infra(opts ...fx.Option) []fx.Option {
	return append([]fx.Option{
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		fx.NopLogger,
	}, opts...)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
