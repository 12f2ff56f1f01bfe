package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/syncqueue"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdminOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the outbound sync queue",
		Long: `Inspect the outbound sync queue and release parked items.

Examples:
  caps queue stats --config caps.yaml
  caps queue parked --config caps.yaml --format json
  caps queue requeue 0190d6c2-... --config caps.yaml`,
	}
	opts.bind(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:           "stats",
		Short:         "Count queued items by delivery state",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueStats(cmd, opts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "parked",
		Short:         "List items that exhausted their retries",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueParked(cmd, opts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "requeue <item-id>",
		Short:         "Reset a parked item so it is retried",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueRequeue(cmd, opts, args[0])
		},
	})

	return cmd
}

func runQueueStats(cmd *cobra.Command, opts *AdminOptions) error {
	env, err := openAdmin(opts)
	if err != nil {
		return err
	}
	defer env.close()

	st, err := env.queue.Stats(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}
	out := NewOutputFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	return out.Success(st, func(w io.Writer) {
		fmt.Fprintf(w, "total\t%d\n", st.Total)
		fmt.Fprintf(w, "due\t%d\n", st.Due)
		fmt.Fprintf(w, "waiting\t%d\n", st.Waiting)
		fmt.Fprintf(w, "parked\t%d\n", st.Parked)
	})
}

func runQueueParked(cmd *cobra.Command, opts *AdminOptions) error {
	env, err := openAdmin(opts)
	if err != nil {
		return err
	}
	defer env.close()

	items, err := env.queue.ListParked(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}
	if items == nil {
		items = []model.SyncQueueItem{}
	}
	out := NewOutputFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	return out.Success(items, func(w io.Writer) {
		if len(items) == 0 {
			fmt.Fprintln(w, "no parked items")
			return
		}
		fmt.Fprintln(w, "ID\tACTION\tCHECK\tATTEMPTS\tERROR")
		for _, it := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", it.ID, it.Action, it.Stream, it.Attempts, it.ErrorMessage)
		}
	})
}

func runQueueRequeue(cmd *cobra.Command, opts *AdminOptions, id string) error {
	env, err := openAdmin(opts)
	if err != nil {
		return err
	}
	defer env.close()

	out := NewOutputFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err := env.queue.Requeue(cmd.Context(), id); err != nil {
		switch {
		case errors.Is(err, syncqueue.ErrItemNotFound):
			_ = out.Error("item_not_found", err.Error(), map[string]string{"id": id})
			return WrapExitError(ExitCommandError, "requeue failed", err)
		case errors.Is(err, syncqueue.ErrNotParked):
			_ = out.Error("item_not_parked", err.Error(), map[string]string{"id": id})
			return WrapExitError(ExitFailure, "requeue refused", err)
		}
		return WrapExitError(ExitCommandError, "requeue failed", err)
	}

	item, err := env.queue.Get(cmd.Context(), id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read item", err)
	}
	return out.Success(item, func(w io.Writer) {
		fmt.Fprintf(w, "requeued %s (%s on %s)\n", item.ID, item.Action, item.Stream)
	})
}
