package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/caps/internal/store"
)

// MigrateResult reports the schema state after migrate.
type MigrateResult struct {
	Path          string `json:"path"`
	SchemaVersion int    `json:"schema_version"`
	Latest        int    `json:"latest"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdminOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Create the database if missing and apply pending schema migrations.

serve does the same on start; migrate lets an install step do it ahead of
time and report the resulting version.

Example:
  caps migrate --config /etc/caps/caps.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, opts)
		},
	}
	opts.bind(cmd)
	return cmd
}

func runMigrate(cmd *cobra.Command, opts *AdminOptions) error {
	env, err := openAdmin(opts)
	if err != nil {
		return err
	}
	defer env.close()

	version, err := env.store.SchemaVersion(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read schema version", err)
	}

	res := MigrateResult{
		Path:          env.cfg.DatabasePath,
		SchemaVersion: version,
		Latest:        store.CurrentSchemaVersion(),
	}
	out := NewOutputFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	return out.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "%s at schema version %d\n", res.Path, res.SchemaVersion)
	})
}
