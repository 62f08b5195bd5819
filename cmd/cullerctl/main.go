// Cullerctl inspects and resets the decision store used by the culler
// server. Stop the server before resetting; it keeps its own copy of the
// sets in memory and would write them back.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/culler/internal/postgres"
	"github.com/linnemanlabs/culler/internal/triage"
	"github.com/linnemanlabs/culler/internal/triage/pgstore"
	"github.com/linnemanlabs/culler/internal/triage/sqlitestore"
)

var (
	bold  = color.New(color.Bold).SprintFunc()
	green = color.New(color.FgGreen).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

// setAliases maps short names onto persisted set keys.
var setAliases = map[string]string{
	"kept":    triage.KeyKept,
	"trashed": triage.KeyTrashed,
	"purged":  triage.KeyPurged,
}

type setStore interface {
	triage.SetStore
	Keys(ctx context.Context) ([]string, error)
}

type options struct {
	storePath   string
	databaseURL string
	timeout     time.Duration
	verbose     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "cullerctl",
		Short:         "Inspect and reset culler's persisted decisions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	fs := root.PersistentFlags()
	fs.StringVar(&opts.storePath, "store-path", envOr("CULLER_STORE_PATH", "culler.db"), "SQLite file holding decisions")
	fs.StringVar(&opts.databaseURL, "database-url", os.Getenv("CULLER_DATABASE_URL"), "PostgreSQL connection URL (overrides --store-path)")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "deadline for the whole command")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "print PostgreSQL query statistics")

	root.AddCommand(
		newStatsCmd(opts),
		newListCmd(opts),
		newResetCmd(opts),
	)
	return root
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the size of every persisted set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store setStore) error {
				keys, err := store.Keys(ctx)
				if err != nil {
					return fmt.Errorf("list keys: %w", err)
				}
				order := []string{triage.KeyKept, triage.KeyTrashed, triage.KeyPurged}
				for _, k := range keys {
					if !slices.Contains(order, k) {
						order = append(order, k)
					}
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, bold(fmt.Sprintf("%-16s %s", "set", "size")))
				for _, k := range order {
					ids, err := store.Load(ctx, k)
					if err != nil {
						return fmt.Errorf("load %s: %w", k, err)
					}
					fmt.Fprintf(out, "%-16s %d\n", k, len(ids))
				}
				return nil
			})
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list <kept|trashed|purged|key>",
		Short: "Print the ids in one set, one per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if k, ok := setAliases[key]; ok {
				key = k
			}
			return withStore(cmd, opts, func(ctx context.Context, store setStore) error {
				ids, err := store.Load(ctx, key)
				if err != nil {
					return fmt.Errorf("load %s: %w", key, err)
				}
				out := cmd.OutOrStdout()
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			})
		},
	}
}

func newResetCmd(opts *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget every decision (kept, trashed and purged)",
		Long: `Forget every decision (kept, trashed and purged).

Photos are not touched. Stop the server first: a running session still holds
its sets in memory and writes them back on its next decision.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}
			return withStore(cmd, opts, func(ctx context.Context, store setStore) error {
				for _, k := range []string{triage.KeyKept, triage.KeyTrashed, triage.KeyPurged} {
					if err := store.Save(ctx, k, nil); err != nil {
						return fmt.Errorf("clear %s: %w", k, err)
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), green("decisions cleared"))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, opts *options, fn func(ctx context.Context, store setStore) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	ctx = postgres.NewDBStatsContext(ctx)

	store, closeStore, err := openStore(ctx, opts)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := fn(ctx, store); err != nil {
		return err
	}

	if opts.verbose {
		if stats, ok := postgres.DBStatsFromContext(ctx); ok {
			queries, total, errs := stats.Snapshot()
			if queries == 0 {
				return nil
			}
			fmt.Fprintln(cmd.ErrOrStderr(), gray(fmt.Sprintf("db: %d queries, %d errors, %s", queries, errs, total)))
		}
	}
	return nil
}

func openStore(ctx context.Context, opts *options) (setStore, func(), error) {
	if opts.databaseURL != "" {
		pool, err := postgres.NewPool(ctx, opts.databaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		store, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		return store, pool.Close, nil
	}

	if opts.storePath == "" {
		return nil, nil, fmt.Errorf("one of --store-path or --database-url is required")
	}
	store, err := sqlitestore.Open(ctx, opts.storePath)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlitestore init: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
