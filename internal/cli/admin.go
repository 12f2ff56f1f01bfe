package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/caps/internal/clock"
	"github.com/roach88/caps/internal/config"
	"github.com/roach88/caps/internal/conflict"
	"github.com/roach88/caps/internal/ids"
	"github.com/roach88/caps/internal/store"
	"github.com/roach88/caps/internal/syncqueue"
)

// AdminOptions holds flags shared by the offline operator commands. They
// open the database directly and are meant for a stopped host or for
// read-only inspection of a running one.
type AdminOptions struct {
	*RootOptions
	ConfigPath string

	Clock clock.Clock
	IDs   ids.Generator
}

func (o *AdminOptions) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&o.ConfigPath, "config", "c", "", "path to config file, YAML or CUE (required)")
	_ = cmd.MarkPersistentFlagRequired("config")
}

// adminEnv is an opened database plus the components operators act on.
type adminEnv struct {
	cfg      config.Config
	store    *store.Store
	queue    *syncqueue.Queue
	resolver *conflict.Resolver
}

func openAdmin(o *AdminOptions) (*adminEnv, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	gen := o.IDs
	if gen == nil {
		gen = ids.UUIDv7{}
	}
	q := syncqueue.New(st, clk, gen, syncqueue.Options{
		BaseBackoff: cfg.Queue.BaseBackoff,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})
	return &adminEnv{
		cfg:      cfg,
		store:    st,
		queue:    q,
		resolver: conflict.New(st, q, clk, gen),
	}, nil
}

func (e *adminEnv) close() {
	if err := e.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
