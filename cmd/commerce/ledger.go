package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/ledger"
	ledgerdomain "github.com/smallbiznis/commerce/internal/ledger/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect entitlement ledgers",
	}

	var entitlementID string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Replay an entitlement's ledger and check every stored balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := snowflake.ParseString(entitlementID)
			if err != nil {
				return fmt.Errorf("invalid entitlement id %q: %w", entitlementID, err)
			}

			var svc ledgerdomain.Service
			app := fx.New(infra(ledger.Module, fx.Populate(&svc))...)
			if err := app.Err(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = app.Stop(context.Background()) }()

			err = svc.Verify(ctx, id)
			if errors.Is(err, ledgerdomain.ErrReplayMismatch) {
				fmt.Fprintf(cmd.OutOrStdout(), "entitlement %s: INCONSISTENT: %v\n", id, err)
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entitlement %s: consistent\n", id)
			return nil
		},
	}
	verify.Flags().StringVar(&entitlementID, "entitlement", "", "entitlement id")
	_ = verify.MarkFlagRequired("entitlement")

	cmd.AddCommand(verify)
	return cmd
}
