package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
)

var usageCmd = &cobra.Command{
	Use:     "usage [provider...]",
	Aliases: []string{"u", "status"},
	Short:   "Fetch and show usage windows",
	Long: `Fetch the usage of the given providers, or of every enabled provider,
and print their rate windows.

Examples:
  # Every enabled provider
  quotabar usage

  # Only Claude and Codex, as JSON
  quotabar usage claude codex --json

  # Last stored snapshots without fetching
  quotabar usage --cached

  # Use a specific token account
  quotabar usage zai --account 3f1c...`,
	RunE: runUsage,
}

var usageFlags struct {
	Cached  bool
	Account string
}

func init() {
	usageCmd.Flags().BoolVar(&usageFlags.Cached, "cached", false, "Show stored snapshots without fetching")
	usageCmd.Flags().StringVar(&usageFlags.Account, "account", "", "Token account id to fetch with (single provider only)")

	RootCmd.AddCommand(usageCmd)
}

// UsageReport is one provider's entry in the usage output.
type UsageReport struct {
	Provider models.ProviderID     `json:"provider"`
	Name     string                `json:"name"`
	Snapshot *models.UsageSnapshot `json:"snapshot,omitempty"`
	Error    *errors.Displayable   `json:"error,omitempty"`
}

func runUsage(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logging.LevelWarn)
	if err != nil {
		return err
	}
	defer a.close()

	providers, err := parseProviders(args)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		providers = lo.Filter(a.registry.IDs(), func(p models.ProviderID, _ int) bool { return a.refresher.IsEnabled(p) })
	}
	if usageFlags.Account != "" && len(providers) != 1 {
		return fmt.Errorf("--account needs exactly one provider")
	}

	reports := make([]UsageReport, 0, len(providers))
	for _, p := range providers {
		desc, err := a.registry.Get(p)
		if err != nil {
			return err
		}
		if !usageFlags.Cached {
			if !a.refresher.IsEnabled(p) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s is disabled; enable it with: quotabar providers enable %s\n", desc.DisplayName, p)
				continue
			}
			override, err := accountOverride(a, p, usageFlags.Account)
			if err != nil {
				return err
			}
			// Failures are reported per provider below.
			_ = a.refresher.RefreshAccount(cmd.Context(), p, override)
		}

		r := UsageReport{Provider: p, Name: desc.DisplayName}
		if snap, ok := a.refresher.Snapshot(p); ok {
			r.Snapshot = snap
		}
		if err := a.refresher.LastError(p); err != nil {
			d := errors.Present(err, desc.DisplayName)
			r.Error = &d
		}
		reports = append(reports, r)
	}

	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), reports)
	}
	return outputUsageTable(cmd.OutOrStdout(), reports, time.Now())
}

func accountOverride(a *app, p models.ProviderID, id string) (*models.TokenAccountOverride, error) {
	if id == "" {
		return nil, nil
	}
	acc, ok := lo.Find(a.accounts.Accounts(p), func(acc models.TokenAccount) bool { return acc.ID == id })
	if !ok {
		return nil, fmt.Errorf("%s has no account %q", p, id)
	}
	return &models.TokenAccountOverride{Provider: p, Account: acc}, nil
}

func parseProviders(args []string) ([]models.ProviderID, error) {
	out := make([]models.ProviderID, 0, len(args))
	for _, arg := range args {
		p, err := models.ParseProviderID(arg)
		if err != nil {
			return nil, &errors.ErrUnknownProvider{Provider: arg}
		}
		out = append(out, p)
	}
	return lo.Uniq(out), nil
}

func outputUsageTable(out io.Writer, reports []UsageReport, now time.Time) error {
	if len(reports) == 0 {
		fmt.Fprintln(out, "No enabled providers. Enable one with: quotabar providers enable <provider>")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tWINDOW\tUSED\tRESETS\tSOURCE\tUPDATED")
	for _, r := range reports {
		if r.Snapshot != nil {
			windows := r.Snapshot.Windows()
			if len(windows) == 0 {
				fmt.Fprintf(w, "%s\t-\t-\t-\t%s\t%s\n", r.Name, r.Snapshot.SourceLabel, ago(now, r.Snapshot.UpdatedAt))
			}
			for i, win := range windows {
				name := r.Name
				if i > 0 {
					name = ""
				}
				fmt.Fprintf(w, "%s\t%s\t%.0f%%\t%s\t%s\t%s\n",
					name,
					windowLabel(win, i),
					win.UsedPercent,
					resetText(win, now),
					r.Snapshot.SourceLabel,
					ago(now, r.Snapshot.UpdatedAt),
				)
			}
		}
		if r.Error != nil {
			fmt.Fprintf(w, "%s\terror\t-\t-\t%s\t-\n", r.Name, r.Error.Title)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, r := range reports {
		if r.Error == nil {
			continue
		}
		fmt.Fprintf(out, "\n%s: %s\n", r.Name, r.Error.Message)
		if r.Error.Suggestion != "" {
			fmt.Fprintf(out, "  %s\n", r.Error.Suggestion)
		}
		if globalFlags.Verbose && r.Error.Debug != "" {
			fmt.Fprintf(out, "  debug: %s\n", r.Error.Debug)
		}
	}
	return nil
}

func windowLabel(w models.RateWindow, i int) string {
	if w.Label != "" {
		return w.Label
	}
	return [...]string{"primary", "secondary", "tertiary"}[min(i, 2)]
}

func resetText(w models.RateWindow, now time.Time) string {
	if w.ResetsAt != nil {
		d := w.ResetsAt.Sub(now)
		if d <= 0 {
			return "now"
		}
		return "in " + shortDuration(d)
	}
	if w.ResetDescription != nil && strings.TrimSpace(*w.ResetDescription) != "" {
		return *w.ResetDescription
	}
	return "-"
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < time.Minute {
		return "just now"
	}
	return shortDuration(d) + " ago"
}

func shortDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
