// Command quietctl drives a quietguard server from the terminal.
//
//	quietctl --user alice apps set com.shop.app com.deals.app
//	quietctl --user alice schedules apply schedules.yaml
//	quietctl --user alice start
//	quietctl --user alice unblock --minutes 15 --purchase planned --tag groceries
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbd888/quietguard/internal/apiclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globals are the persistent flags every subcommand shares.
type globals struct {
	apiURL string
	token  string
	user   string
}

func (g *globals) client() *apiclient.Client {
	return apiclient.New(apiclient.Config{BaseURL: g.apiURL, Token: g.token})
}

func (g *globals) requireUser() (string, error) {
	if g.user == "" {
		return "", errors.New("--user is required (or set QUIETGUARD_USER_ID)")
	}
	return g.user, nil
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "quietctl",
		Short:         "Control quiet-hours monitoring on a quietguard server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.apiURL, "api", envOr("QUIETGUARD_API_URL", "http://localhost:8080"), "quietguard API base URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("QUIETGUARD_API_TOKEN"), "API bearer token")
	root.PersistentFlags().StringVarP(&g.user, "user", "u", os.Getenv("QUIETGUARD_USER_ID"), "user ID")

	root.AddCommand(newHealthCmd(g))
	root.AddCommand(newStatusCmd(g))
	root.AddCommand(newStartCmd(g))
	root.AddCommand(newStopCmd(g))
	root.AddCommand(newProtectCmd(g))
	root.AddCommand(newUnblockCmd(g))
	root.AddCommand(newAppsCmd(g))
	root.AddCommand(newSchedulesCmd(g))
	root.AddCommand(newRiskCmd(g))
	root.AddCommand(newStreakCmd(g))
	root.AddCommand(newEventsCmd(g))
	root.AddCommand(newOpenedCmd(g))
	return root
}

// userCall wraps the common shape: resolve the user, make one API call,
// print the response.
func userCall(g *globals, call func(ctx context.Context, c *apiclient.Client, user string) (json.RawMessage, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		user, err := g.requireUser()
		if err != nil {
			return err
		}
		raw, err := call(cmd.Context(), g.client(), user)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), raw)
	}
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	_, err := fmt.Fprintln(w, pretty.String())
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
