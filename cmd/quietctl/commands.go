package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/quietguard/internal/apiclient"
	"github.com/mbd888/quietguard/internal/schedule"
)

func newHealthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := g.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the monitoring state",
		Args:  cobra.NoArgs,
		RunE: userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
			return c.Monitoring(ctx, user)
		}),
	}
}

func newStartCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start monitoring",
		Args:  cobra.NoArgs,
		RunE: userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
			return c.Start(ctx, user)
		}),
	}
}

func newStopCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop monitoring and remove all shields",
		Args:  cobra.NoArgs,
		RunE: userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
			return c.Stop(ctx, user)
		}),
	}
}

func newProtectCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "protect",
		Short: "Record that the user stayed protected",
		Args:  cobra.NoArgs,
		RunE: userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
			return c.Protect(ctx, user)
		}),
	}
}

func newUnblockCmd(g *globals) *cobra.Command {
	var req apiclient.UnblockRequest
	cmd := &cobra.Command{
		Use:   "unblock",
		Short: "Temporarily lift the shield",
		Args:  cobra.NoArgs,
		RunE: userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
			if req.Minutes <= 0 {
				return nil, errors.New("--minutes must be positive")
			}
			return c.Unblock(ctx, user, req)
		}),
	}
	cmd.Flags().IntVarP(&req.Minutes, "minutes", "m", 0, "unblock duration in minutes (1-1440)")
	cmd.Flags().StringVar(&req.PurchaseType, "purchase", "", "purchase intent: planned|impulse|none")
	cmd.Flags().StringVar(&req.Tag, "tag", "", "short note recorded with the unblock")
	cmd.Flags().IntVar(&req.AppIndex, "app-index", 0, "index of the app that prompted the unblock")
	return cmd
}

func newAppsCmd(g *globals) *cobra.Command {
	apps := &cobra.Command{Use: "apps", Short: "Monitored app commands"}

	apps.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "List monitored apps",
		Args:  cobra.NoArgs,
		RunE: userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
			return c.Apps(ctx, user)
		}),
	})
	apps.AddCommand(&cobra.Command{
		Use:   "set [app-id...]",
		Short: "Replace the monitored apps; no arguments clears them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
				return c.SetApps(ctx, user, args)
			})(cmd, args)
		},
	})
	return apps
}

func newSchedulesCmd(g *globals) *cobra.Command {
	schedules := &cobra.Command{Use: "schedules", Short: "Quiet-hours schedule commands"}

	schedules.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
			return c.Schedules(ctx, user)
		}),
	})

	var at string
	evalCmd := &cobra.Command{
		Use:   "eval",
		Short: "Show which schedule is active at a time",
		Args:  cobra.NoArgs,
		RunE: userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
			var t time.Time
			if at != "" {
				var err error
				if t, err = time.Parse(time.RFC3339, at); err != nil {
					return nil, fmt.Errorf("--at: %w", err)
				}
			}
			return c.Evaluate(ctx, user, t)
		}),
	}
	evalCmd.Flags().StringVar(&at, "at", "", "RFC3339 time (default now)")
	schedules.AddCommand(evalCmd)

	schedules.AddCommand(&cobra.Command{
		Use:   "apply <file.yaml>",
		Short: "Push apps and schedules for every user in a schedule file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := schedule.LoadFile(args[0])
			if err != nil {
				return err
			}
			return applyFile(cmd, g.client(), f)
		},
	})
	return schedules
}

// applyFile pushes each user's section. Users are independent; every
// failure is reported and the rest still apply.
func applyFile(cmd *cobra.Command, c *apiclient.Client, f *schedule.File) error {
	ctx := cmd.Context()
	var errs []error
	for _, u := range f.Users {
		set, err := u.ScheduleSet()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if u.Apps != nil {
			if _, err := c.SetApps(ctx, u.ID, u.Apps); err != nil {
				errs = append(errs, fmt.Errorf("user %s: apps: %w", u.ID, err))
				continue
			}
		}
		if _, err := c.SetSchedules(ctx, u.ID, set); err != nil {
			errs = append(errs, fmt.Errorf("user %s: schedules: %w", u.ID, err))
			continue
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "applied %s: %d schedule(s), %d app(s)\n", u.ID, len(set), len(u.Apps))
	}
	return errors.Join(errs...)
}

func newRiskCmd(g *globals) *cobra.Command {
	risk := &cobra.Command{
		Use:   "risk",
		Short: "Show the current risk assessment",
		Args:  cobra.NoArgs,
		RunE: userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
			return c.Risk(ctx, user)
		}),
	}

	var limit int
	var cursor string
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List past assessments, newest first",
		Args:  cobra.NoArgs,
		RunE: userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
			return c.RiskHistory(ctx, user, limit, cursor)
		}),
	}
	historyCmd.Flags().IntVar(&limit, "limit", 0, "page size")
	historyCmd.Flags().StringVar(&cursor, "cursor", "", "nextCursor from the previous page")

	var hour, day int
	patternCmd := &cobra.Command{
		Use:   "pattern",
		Short: "Show the mean historical risk for an hour and ISO weekday",
		Args:  cobra.NoArgs,
		RunE: userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
			return c.RiskPattern(ctx, user, hour, day)
		}),
	}
	patternCmd.Flags().IntVar(&hour, "hour", -1, "hour 0-23 (default now)")
	patternCmd.Flags().IntVar(&day, "day", -1, "ISO weekday 1-7 (default today)")

	risk.AddCommand(historyCmd, patternCmd)
	return risk
}

func newStreakCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "streak",
		Short: "Show the protection streak",
		Args:  cobra.NoArgs,
		RunE: userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
			return c.Streak(ctx, user)
		}),
	}
}

func newEventsCmd(g *globals) *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List logged unblocks",
		Args:  cobra.NoArgs,
		RunE: userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
			return c.Events(ctx, user, limit, cursor)
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "nextCursor from the previous page")
	return cmd
}

func newOpenedCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:    "opened <app-id>",
		Short:  "Simulate the host reporting an app launch",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return userCall(g, func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error) {
				return c.AppOpened(ctx, user, args[0])
			})(cmd, args)
		},
	}
}
