package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/keepalive"
	"github.com/quotaguard/quotabar/internal/logging"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and refresh browser sessions",
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the keepalive state of every session provider",
	Args:  cobra.NoArgs,
	RunE:  runSessionStatus,
}

var sessionRefreshCmd = &cobra.Command{
	Use:   "refresh <provider>",
	Short: "Refresh a provider's session now and re-fetch its usage",
	Long: `Refresh the browser session of a provider immediately, then fetch its
usage with the renewed session. Only providers with a keepalive session
(such as augment) support this.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionRefresh,
}

func init() {
	sessionCmd.AddCommand(sessionStatusCmd, sessionRefreshCmd)
	RootCmd.AddCommand(sessionCmd)
}

func runSessionStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logging.LevelWarn)
	if err != nil {
		return err
	}
	defer a.close()

	reports := a.engine.Reports()
	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), reports)
	}
	return outputReports(cmd.OutOrStdout(), reports, time.Now())
}

func runSessionRefresh(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logging.LevelInfo)
	if err != nil {
		return err
	}
	defer a.close()

	desc, err := lookupProvider(a, args[0])
	if err != nil {
		return err
	}
	if _, ok := a.engine.Config(desc.ID); !ok {
		return fmt.Errorf("%s has no session to refresh", desc.DisplayName)
	}

	if err := a.refresher.ForceSessionRefresh(cmd.Context(), desc.ID); err != nil {
		d := errors.Present(err, desc.DisplayName)
		if d.Suggestion != "" {
			return fmt.Errorf("%s: %s (%s)", d.Title, d.Message, d.Suggestion)
		}
		return fmt.Errorf("%s: %s", d.Title, d.Message)
	}

	r, _ := a.engine.Report(desc.ID)
	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), r)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s session refreshed\n", desc.DisplayName)
	if snap, ok := a.refresher.Snapshot(desc.ID); ok {
		return outputUsageTable(cmd.OutOrStdout(), []UsageReport{{Provider: desc.ID, Name: desc.DisplayName, Snapshot: snap}}, time.Now())
	}
	return nil
}

func outputReports(out io.Writer, reports []keepalive.Report, now time.Time) error {
	if len(reports) == 0 {
		fmt.Fprintln(out, "No providers keep a session alive.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tSTATE\tCONFIG\tFAILURES\tLAST CHECK\tEXPIRES")
	for _, r := range reports {
		lastCheck := "-"
		if r.LastCheck != nil {
			lastCheck = ago(now, *r.LastCheck)
		}
		expires := "-"
		if r.ExpiresAt != nil {
			expires = "in " + shortDuration(r.ExpiresAt.Sub(now))
		}
		state := string(r.State)
		if r.Degraded {
			state += " (degraded)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", r.Provider, state, r.Config, r.Failures, lastCheck, expires)
	}
	return w.Flush()
}
