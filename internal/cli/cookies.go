package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotabar/internal/cookiecache"
	"github.com/quotaguard/quotabar/internal/credentials"
	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
)

var cookiesCmd = &cobra.Command{
	Use:   "cookies",
	Short: "Show and manage cached cookie headers",
	Long: `Show which cookie headers are cached per provider and where they came
from, or manage manual cookie headers.

Examples:
  quotabar cookies
  quotabar cookies set claude "Cookie: sessionKey=sk-ant-..."
  quotabar cookies clear claude
  quotabar cookies normalize "Cookie: a=1; b=\"2\""`,
	Args: cobra.NoArgs,
	RunE: runCookies,
}

var cookiesSetCmd = &cobra.Command{
	Use:   "set <provider> <header>",
	Short: "Use a pasted cookie header for a provider",
	Args:  cobra.ExactArgs(2),
	RunE:  runCookiesSet,
}

var cookiesClearCmd = &cobra.Command{
	Use:   "clear <provider>",
	Short: "Drop a provider's cached and stored cookie header",
	Args:  cobra.ExactArgs(1),
	RunE:  runCookiesClear,
}

var cookiesNormalizeCmd = &cobra.Command{
	Use:   "normalize <header>",
	Short: "Print a cookie header in canonical form",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), credentials.NormalizeCookieHeader(args[0]))
		return nil
	},
}

var cookiesFlags struct {
	Store bool
}

func init() {
	cookiesSetCmd.Flags().BoolVar(&cookiesFlags.Store, "store", false, "Save the header in the secure store instead of the config file")
	cookiesCmd.AddCommand(cookiesSetCmd, cookiesClearCmd, cookiesNormalizeCmd)
	RootCmd.AddCommand(cookiesCmd)
}

// CookieInfo is one cached cookie header as printed.
type CookieInfo struct {
	Provider    models.ProviderID `json:"provider"`
	SourceLabel string            `json:"source_label"`
	StoredAt    time.Time         `json:"stored_at"`
	Description string            `json:"description"`
}

func runCookies(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logging.LevelWarn)
	if err != nil {
		return err
	}
	defer a.close()

	now := time.Now()
	infos := make([]CookieInfo, 0)
	for p, entry := range a.cookies.All() {
		infos = append(infos, CookieInfo{
			Provider:    p,
			SourceLabel: entry.SourceLabel,
			StoredAt:    entry.StoredAt,
			Description: cookiecache.Describe(entry, now),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Provider < infos[j].Provider })

	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No cached cookie headers.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tCACHE")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\n", info.Provider, info.Description)
	}
	return w.Flush()
}

func runCookiesSet(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logging.LevelWarn)
	if err != nil {
		return err
	}
	defer a.close()

	desc, err := lookupProvider(a, args[0])
	if err != nil {
		return err
	}
	if desc.Policy.Kind != credentials.KindCookie {
		return fmt.Errorf("%s does not use cookie headers", desc.DisplayName)
	}
	if credentials.Cleaned(args[1]) == "" {
		return fmt.Errorf("empty cookie header")
	}
	if err := credentials.ValidateManualCookie(desc.ID, args[1]); err != nil {
		return err
	}

	if cookiesFlags.Store {
		if err := a.resolver.Remember(desc.ID, credentials.KindCookie, args[1]); err != nil {
			return err
		}
	} else {
		header := credentials.NormalizeCookieHeader(args[1])
		if err := a.loader.UpdateProviderConfig(desc.ID, func(pc *models.ProviderConfig) {
			pc.CookieHeader = header
			pc.CookieSource = string(models.CookieSourceManual)
		}); err != nil {
			return err
		}
	}
	a.cookies.Invalidate(desc.ID)
	fmt.Fprintf(cmd.OutOrStdout(), "%s cookie header saved\n", desc.DisplayName)
	return nil
}

func runCookiesClear(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logging.LevelWarn)
	if err != nil {
		return err
	}
	defer a.close()

	desc, err := lookupProvider(a, args[0])
	if err != nil {
		return err
	}
	a.cookies.Invalidate(desc.ID)
	if err := a.resolver.Forget(desc.ID, credentials.KindCookie); err != nil {
		return err
	}
	if cfg := a.loader.ProviderConfig(desc.ID); cfg.CookieHeader != "" {
		if err := a.loader.UpdateProviderConfig(desc.ID, func(pc *models.ProviderConfig) {
			pc.CookieHeader = ""
			if pc.CookieSource == string(models.CookieSourceManual) {
				pc.CookieSource = ""
			}
		}); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s cookie header cleared\n", desc.DisplayName)
	return nil
}
