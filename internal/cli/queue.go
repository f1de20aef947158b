package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/syncq/internal/entity"
	"github.com/roach88/syncq/internal/engine"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Type         string
	ID           string
	Op           string
	Fields       []string
	Priority     int
	Destinations []string
	Drain        bool
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record a local mutation and queue it for sync",
		Long: `Record a local mutation and queue it for every destination.

Field values are parsed as JSON when they are valid JSON and taken as
strings otherwise. With --drain the queue is delivered before the command
returns, provided the primary is reachable.

Example:
  syncq enqueue --type product --id p1 --op create --field name=Tea --field price=450
  syncq enqueue --type sale --id s1 --op create --field product_id=p1 --field quantity=2 --field unit_price=450 --drain
  syncq enqueue --type product --id p1 --op delete`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "entity type (required)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "entity id (required)")
	cmd.Flags().StringVar(&opts.Op, "op", "create", "operation (create|update|delete)")
	cmd.Flags().StringArrayVar(&opts.Fields, "field", nil, "field as key=value (repeatable)")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "higher priority is delivered first")
	cmd.Flags().StringSliceVar(&opts.Destinations, "dest", nil, "destinations in delivery order (default: all configured)")
	cmd.Flags().BoolVar(&opts.Drain, "drain", false, "deliver the queue before returning")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

// enqueueResult is the JSON payload of the enqueue command.
type enqueueResult struct {
	Item    engine.Item   `json:"item"`
	Drained bool          `json:"drained"`
	Status  engine.Status `json:"status"`
	Stats   engine.Stats  `json:"stats"`
}

func runEnqueue(opts *EnqueueOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	op, err := entity.ParseOperation(opts.Op)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --op", err)
	}
	fields, err := parseFieldFlags(opts.Fields)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --field", err)
	}

	_, cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	a, err := openApp(cfg, appOptions{stderr: cmd.ErrOrStderr(), verbose: opts.Verbose})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	if err := a.restore(ctx); err != nil {
		return err
	}

	item, err := a.mgr.Enqueue(ctx, engine.EnqueueRequest{
		EntityType:   opts.Type,
		Operation:    op,
		Entity:       entity.Entity{ID: opts.ID, Fields: fields},
		Destinations: opts.Destinations,
		Priority:     opts.Priority,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "enqueue rejected", err)
	}
	formatter.VerboseLog("enqueued %s (%s %s)", item.ID, item.Operation, item.Key())

	res := enqueueResult{Item: item, Status: item.Status}
	if opts.Drain {
		probeOnline(ctx, a)
		if err := a.mgr.ForceDrain(ctx); err != nil {
			if !errors.Is(err, engine.ErrOffline) {
				return WrapExitError(ExitFailure, "drain failed", err)
			}
			formatter.VerboseLog("offline: item stays queued")
		} else {
			res.Drained = true
		}
		res.Status = engine.StatusCompleted
		if cur, err := a.mgr.Item(item.ID); err == nil {
			res.Status = cur.Status
		}
	}
	res.Stats = a.mgr.Stats()

	if opts.Format == "json" {
		return formatter.Success(res)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Enqueued %s %s as %s\n", item.Operation, item.Key(), item.ID)
	if opts.Drain {
		fmt.Fprintf(out, "Status: %s\n", statusStyle(res.Status).Render(string(res.Status)))
	}
	return nil
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue counters",
		Long: `Show how many items are pending, processing, retrying and failed, and
whether the primary is currently reachable.

Example:
  syncq stats
  syncq stats --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRestoredApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				probeOnline(ctx, a)
				stats := a.mgr.Stats()
				if rootOpts.Format == "json" {
					return f.Success(stats)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderStats(stats))
				return nil
			})
		},
	}
}

// ItemsOptions holds flags for the items command.
type ItemsOptions struct {
	*RootOptions
	Status     string
	EntityType string
	EntityID   string
}

// NewItemsCommand creates the items command.
func NewItemsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ItemsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "items",
		Short: "List queued items",
		Long: `List queued items in delivery order.

Example:
  syncq items
  syncq items --status failed
  syncq items --type sale --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter engine.ItemFilter
			if opts.Status != "" {
				st, err := engine.ParseStatus(opts.Status)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --status", err)
				}
				filter.Status = st
			}
			filter.EntityType = opts.EntityType
			filter.EntityID = opts.EntityID

			return withRestoredApp(rootOpts, cmd, func(_ context.Context, a *app, f *OutputFormatter) error {
				items := a.mgr.Items(filter)
				if opts.Format == "json" {
					return f.Success(items)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderItems(items))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "only items in this status")
	cmd.Flags().StringVar(&opts.EntityType, "type", "", "only items for this entity type")
	cmd.Flags().StringVar(&opts.EntityID, "id", "", "only items for this entity id")

	return cmd
}

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <item-id>",
		Short: "Retry a failed item from scratch",
		Long: `Return a failed item to pending with its attempt count reset. The item
picks up the latest local state of its entity.

Example:
  syncq requeue 0192f3c2-7d2e-7cc1-8a55-3c1f0e9b4d21`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRestoredApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				it, err := a.mgr.Requeue(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "requeue failed", err)
				}
				if rootOpts.Format == "json" {
					return f.Success(it)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s (%s)\n", it.ID, it.Key())
				return nil
			})
		},
	}
}

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <item-id>",
		Short: "Drop a failed item",
		Long: `Drop a failed item from the queue for good. The local record keeps
its unsynced flag.

Example:
  syncq discard 0192f3c2-7d2e-7cc1-8a55-3c1f0e9b4d21`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRestoredApp(rootOpts, cmd, func(ctx context.Context, a *app, f *OutputFormatter) error {
				if err := a.mgr.Discard(ctx, args[0]); err != nil {
					return WrapExitError(ExitFailure, "discard failed", err)
				}
				if rootOpts.Format == "json" {
					return f.Success(map[string]string{"discarded": args[0]})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
				return nil
			})
		},
	}
}

// withRestoredApp opens the stack offline, restores the queue and runs fn.
func withRestoredApp(opts *RootOptions, cmd *cobra.Command, fn func(context.Context, *app, *OutputFormatter) error) error {
	_, cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, err := openApp(cfg, appOptions{stderr: cmd.ErrOrStderr(), verbose: opts.Verbose})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	if err := a.restore(ctx); err != nil {
		return err
	}
	return fn(ctx, a, newFormatter(opts, cmd))
}

// probeOnline sets the manager online when the manual switch allows it
// and the primary answers a ping.
func probeOnline(ctx context.Context, a *app) {
	mon := newMonitor(a.primary, a.mgr, a.cfg.Primary.ProbeInterval, a.logger)
	mon.setManual(a.cfg.Online)
	mon.probe(ctx)
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// parseFieldFlags turns key=value pairs into entity fields. Values that
// parse as JSON keep their JSON type.
func parseFieldFlags(pairs []string) (entity.Fields, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	raw := make(map[string]json.RawMessage, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		if _, dup := raw[key]; dup {
			return nil, fmt.Errorf("field %q given twice", key)
		}
		if json.Valid([]byte(value)) && value != "null" {
			raw[key] = json.RawMessage(value)
			continue
		}
		quoted, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		raw[key] = quoted
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return entity.ParseFields(data)
}
