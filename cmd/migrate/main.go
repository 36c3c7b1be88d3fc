// Command migrate manages the PostgreSQL schema embedded in migrations/.
//
//	migrate up              apply pending migrations
//	migrate down            roll back the newest migration
//	migrate up-to <v>       apply up to and including version v
//	migrate down-to <v>     roll back until version v is the newest
//	migrate status          list migrations and when they were applied
//	migrate version         print the current schema version
//
// The connection string comes from --database-url or DATABASE_URL.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/mbd888/quietguard/migrations"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dsn string
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the quietguard PostgreSQL schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dsn, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")

	// withProvider opens the database for one subcommand.
	withProvider := func(fn func(ctx context.Context, cmd *cobra.Command, p *goose.Provider, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			db, err := sql.Open("postgres", dsn)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if err := db.PingContext(cmd.Context()); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			p, err := migrations.NewProvider(db)
			if err != nil {
				return err
			}
			return fn(cmd.Context(), cmd, p, args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: withProvider(func(ctx context.Context, cmd *cobra.Command, p *goose.Provider, _ []string) error {
				results, err := p.Up(ctx)
				printResults(cmd, results)
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the newest migration",
			Args:  cobra.NoArgs,
			RunE: withProvider(func(ctx context.Context, cmd *cobra.Command, p *goose.Provider, _ []string) error {
				result, err := p.Down(ctx)
				if result != nil {
					printResults(cmd, []*goose.MigrationResult{result})
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "up-to <version>",
			Short: "Apply migrations up to a version",
			Args:  cobra.ExactArgs(1),
			RunE: withProvider(func(ctx context.Context, cmd *cobra.Command, p *goose.Provider, args []string) error {
				v, err := parseVersion(args[0])
				if err != nil {
					return err
				}
				results, err := p.UpTo(ctx, v)
				printResults(cmd, results)
				return err
			}),
		},
		&cobra.Command{
			Use:   "down-to <version>",
			Short: "Roll back migrations newer than a version",
			Args:  cobra.ExactArgs(1),
			RunE: withProvider(func(ctx context.Context, cmd *cobra.Command, p *goose.Provider, args []string) error {
				v, err := parseVersion(args[0])
				if err != nil {
					return err
				}
				results, err := p.DownTo(ctx, v)
				printResults(cmd, results)
				return err
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and their state",
			Args:  cobra.NoArgs,
			RunE: withProvider(func(ctx context.Context, cmd *cobra.Command, p *goose.Provider, _ []string) error {
				statuses, err := p.Status(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED AT\tFILE")
				for _, s := range statuses {
					applied := "-"
					if !s.AppliedAt.IsZero() {
						applied = s.AppliedAt.Format(time.RFC3339)
					}
					_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Source.Version, s.State, applied, s.Source.Path)
				}
				return w.Flush()
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: withProvider(func(ctx context.Context, cmd *cobra.Command, p *goose.Provider, _ []string) error {
				v, err := p.GetDBVersion(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			}),
		},
	)
	return root
}

func parseVersion(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return v, nil
}

func printResults(cmd *cobra.Command, results []*goose.MigrationResult) {
	if len(results) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no migrations to run")
		return
	}
	for _, r := range results {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-4s %s (%s)\n", r.Direction, r.Source.Path, r.Duration.Round(time.Millisecond))
	}
}
