package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/caps/internal/conflict"
	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/store"
)

// ConflictsResolveOptions holds flags for conflicts resolve.
type ConflictsResolveOptions struct {
	Decision   string
	ResolvedBy string
	MergedPath string
}

// ConflictView is a conflict plus, on request, its rendered diff.
type ConflictView struct {
	model.Conflict
	Diff string `json:"diff,omitempty"`
}

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdminOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review and resolve check conflicts",
		Long: `Review and resolve conflicts between divergent versions of a check.

Decisions are keep_local, keep_remote or manual_merge. A manual merge
takes the merged check as a JSON file.

Examples:
  caps conflicts list --config caps.yaml --status awaiting
  caps conflicts show 0190d6c2-... --config caps.yaml --diff
  caps conflicts resolve 0190d6c2-... --decision keep_remote --by mgr-7 --config caps.yaml`,
	}
	opts.bind(cmd)

	var status string
	list := &cobra.Command{
		Use:           "list",
		Short:         "List conflicts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsList(cmd, opts, model.ConflictStatus(status))
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (awaiting|pending|resolved)")
	cmd.AddCommand(list)

	var withDiff bool
	show := &cobra.Command{
		Use:           "show <conflict-id>",
		Short:         "Show one conflict",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsShow(cmd, opts, args[0], withDiff)
		},
	}
	show.Flags().BoolVar(&withDiff, "diff", false, "include a line diff of the two versions")
	cmd.AddCommand(show)

	ropts := &ConflictsResolveOptions{}
	resolve := &cobra.Command{
		Use:           "resolve <conflict-id>",
		Short:         "Apply a decision to a conflict",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsResolve(cmd, opts, ropts, args[0])
		},
	}
	resolve.Flags().StringVar(&ropts.Decision, "decision", "", "keep_local|keep_remote|manual_merge (required)")
	resolve.Flags().StringVar(&ropts.ResolvedBy, "by", "", "operator recording the decision (required)")
	resolve.Flags().StringVar(&ropts.MergedPath, "merged", "", "JSON file with the merged check, for manual_merge")
	_ = resolve.MarkFlagRequired("decision")
	_ = resolve.MarkFlagRequired("by")
	cmd.AddCommand(resolve)

	return cmd
}

func runConflictsList(cmd *cobra.Command, opts *AdminOptions, status model.ConflictStatus) error {
	env, err := openAdmin(opts)
	if err != nil {
		return err
	}
	defer env.close()

	list, err := env.resolver.List(cmd.Context(), status)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list conflicts", err)
	}
	if list == nil {
		list = []model.Conflict{}
	}
	out := NewOutputFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	return out.Success(list, func(w io.Writer) {
		if len(list) == 0 {
			fmt.Fprintln(w, "no conflicts")
			return
		}
		fmt.Fprintln(w, "ID\tCHECK\tSOURCE\tSTATUS\tCREATED")
		for _, c := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.CheckID, c.Source, c.Status, c.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	})
}

func runConflictsShow(cmd *cobra.Command, opts *AdminOptions, id string, withDiff bool) error {
	env, err := openAdmin(opts)
	if err != nil {
		return err
	}
	defer env.close()

	out := NewOutputFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	c, err := env.resolver.Get(cmd.Context(), id)
	if err != nil {
		return conflictFailure(out, id, err)
	}

	view := ConflictView{Conflict: c}
	if withDiff {
		var current *model.Check
		if chk, err := env.store.GetCheck(cmd.Context(), c.CheckID); err == nil {
			current = &chk
		} else if !errors.Is(err, store.ErrNotFound) {
			return WrapExitError(ExitCommandError, "failed to read check", err)
		}
		view.Diff, err = conflict.Diff(c, current)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to render diff", err)
		}
	}

	return out.Success(view, func(w io.Writer) {
		fmt.Fprintf(w, "id\t%s\n", c.ID)
		fmt.Fprintf(w, "check\t%s\n", c.CheckID)
		fmt.Fprintf(w, "source\t%s\n", c.Source)
		fmt.Fprintf(w, "status\t%s\n", c.Status)
		fmt.Fprintf(w, "local workstation\t%s\n", c.LocalWorkstationID)
		fmt.Fprintf(w, "remote workstation\t%s\n", c.RemoteWorkstationID)
		if c.Decision != "" {
			fmt.Fprintf(w, "decision\t%s by %s\n", c.Decision, c.ResolvedBy)
		}
		if view.Diff != "" {
			fmt.Fprintf(w, "\n%s", view.Diff)
		}
	})
}

func runConflictsResolve(cmd *cobra.Command, opts *AdminOptions, ropts *ConflictsResolveOptions, id string) error {
	decision := model.Decision(ropts.Decision)
	if !decision.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown decision %q", ropts.Decision))
	}

	var merged *model.Check
	if ropts.MergedPath != "" {
		data, err := os.ReadFile(ropts.MergedPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read merged check", err)
		}
		merged = &model.Check{}
		if err := json.Unmarshal(data, merged); err != nil {
			return WrapExitError(ExitCommandError, "merged check is not valid JSON", err)
		}
	}

	env, err := openAdmin(opts)
	if err != nil {
		return err
	}
	defer env.close()

	out := NewOutputFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	chk, err := env.resolver.Resolve(cmd.Context(), id, decision, ropts.ResolvedBy, merged)
	if err != nil {
		return conflictFailure(out, id, err)
	}
	return out.Success(chk, func(w io.Writer) {
		fmt.Fprintf(w, "conflict %s resolved with %s\n", id, decision)
		fmt.Fprintf(w, "check %s now at version %d\n", chk.ID, chk.Version)
	})
}

// conflictFailure reports a resolver error and maps it to an exit code.
// Unknown ids are command errors; refusals are failures.
func conflictFailure(out *OutputFormatter, id string, err error) error {
	details := map[string]string{"id": id}
	switch {
	case errors.Is(err, conflict.ErrNotFound):
		_ = out.Error("conflict_not_found", err.Error(), details)
		return WrapExitError(ExitCommandError, "conflict lookup failed", err)
	case errors.Is(err, conflict.ErrAlreadyResolved):
		_ = out.Error("conflict_resolved", err.Error(), details)
	case errors.Is(err, conflict.ErrInvalidDecision):
		_ = out.Error("invalid_decision", err.Error(), details)
	case errors.Is(err, conflict.ErrMergeRequired):
		_ = out.Error("merge_required", err.Error(), details)
	case errors.Is(err, conflict.ErrNoLocalSnapshot):
		_ = out.Error("no_local_snapshot", err.Error(), details)
	default:
		return WrapExitError(ExitCommandError, "conflict operation failed", err)
	}
	return WrapExitError(ExitFailure, "conflict decision refused", err)
}
