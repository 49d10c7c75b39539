package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/commerce/internal/config"
	"github.com/smallbiznis/commerce/internal/migration"
	"github.com/smallbiznis/commerce/internal/seed"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	var withSeed bool
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(conn *gorm.DB, cfg config.Config) error {
				sqlDB, err := conn.DB()
				if err != nil {
					return err
				}
				if err := migration.RunMigrations(sqlDB); err != nil {
					return err
				}
				if withSeed {
					if cfg.IsProduction() {
						return fmt.Errorf("refusing to seed the %s environment", cfg.Environment)
					}
					return seed.EnsureCatalog(conn, seed.DevCatalog())
				}
				return nil
			})
		},
	}
	up.Flags().BoolVar(&withSeed, "seed", false, "insert the development catalog after migrating")

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(conn *gorm.DB, _ config.Config) error {
				sqlDB, err := conn.DB()
				if err != nil {
					return err
				}
				return migration.RollbackMigrations(sqlDB, steps)
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}

func withDB(ctx context.Context, fn func(conn *gorm.DB, cfg config.Config) error) error {
	var (
		conn *gorm.DB
		cfg  config.Config
	)
	app := fx.New(infra(fx.Populate(&conn, &cfg))...)
	if err := app.Err(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = app.Stop(context.Background()) }()

	return fn(conn, cfg)
}
