package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/syncq/internal/catalog"
	"github.com/roach88/syncq/internal/engine"
)

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [entity-type...]",
		Short: "Refresh the local cache from the primary",
		Long: `Replace synced local records with the primary's copy. Records with
unsynced local edits are kept, and records whose delete is still queued are
not brought back. Offline, or when the primary fails, the cache is reported
unchanged.

With no arguments every entity type is reconciled.

Example:
  syncq reconcile
  syncq reconcile product --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			types := args
			if len(types) == 0 {
				types = catalog.Types()
			}
			for _, typ := range types {
				if _, err := catalog.Schema(typ); err != nil {
					return WrapExitError(ExitCommandError, "invalid entity type",
						engine.NewUnknownEntityTypeError(typ))
				}
			}

			return withRestoredApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				probeOnline(ctx, a)
				results, err := a.reconciler.ReconcileAll(ctx, types)
				if err != nil {
					return WrapExitError(ExitFailure, "reconcile failed", err)
				}
				if rootOpts.Format == "json" {
					return f.Success(results)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderReconcile(results))
				return nil
			})
		},
	}
}
