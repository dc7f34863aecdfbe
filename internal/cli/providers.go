package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
	"github.com/quotaguard/quotabar/internal/provider"
)

var providersCmd = &cobra.Command{
	Use:     "providers",
	Aliases: []string{"p"},
	Short:   "List providers and change their settings",
	Long: `List every supported provider with its enablement, source mode and
keepalive configuration.

Examples:
  quotabar providers
  quotabar providers enable gemini
  quotabar providers source claude web`,
	Args: cobra.NoArgs,
	RunE: runProviders,
}

var providersEnableCmd = &cobra.Command{
	Use:   "enable <provider>",
	Short: "Enable a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], true)
	},
}

var providersDisableCmd = &cobra.Command{
	Use:   "disable <provider>",
	Short: "Disable a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], false)
	},
}

var providersSourceCmd = &cobra.Command{
	Use:   "source <provider> <mode>",
	Short: "Set a provider's source mode (auto, api, cli, web, oauth)",
	Args:  cobra.ExactArgs(2),
	RunE:  runProvidersSource,
}

func init() {
	providersCmd.AddCommand(providersEnableCmd, providersDisableCmd, providersSourceCmd)
	RootCmd.AddCommand(providersCmd)
}

// ProviderInfo is one row of the providers listing.
type ProviderInfo struct {
	ID        models.ProviderID   `json:"id"`
	Name      string              `json:"name"`
	Enabled   bool                `json:"enabled"`
	Source    models.SourceMode   `json:"source"`
	Modes     []models.SourceMode `json:"modes"`
	Keepalive string              `json:"keepalive,omitempty"`
	Dashboard string              `json:"dashboard,omitempty"`
}

func runProviders(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logging.LevelWarn)
	if err != nil {
		return err
	}
	defer a.close()

	infos := lo.Map(a.registry.All(), func(d provider.Descriptor, _ int) ProviderInfo {
		cfg := a.loader.ProviderConfig(d.ID)
		info := ProviderInfo{
			ID:        d.ID,
			Name:      d.DisplayName,
			Enabled:   cfg.IsEnabled(d.DefaultEnabled),
			Source:    cfg.SourceMode(),
			Modes:     d.Modes,
			Dashboard: d.DashboardURL,
		}
		if kc, ok := a.engine.Config(d.ID); ok {
			info.Keepalive = kc.String()
		}
		return info
	})

	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), infos)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENABLED\tSOURCE\tMODES\tKEEPALIVE")
	for _, info := range infos {
		modes := lo.Map(info.Modes, func(m models.SourceMode, _ int) string { return string(m) })
		keep := info.Keepalive
		if keep == "" {
			keep = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", info.ID, info.Name, yesNo(info.Enabled), info.Source, strings.Join(modes, ","), keep)
	}
	return w.Flush()
}

func setEnabled(cmd *cobra.Command, raw string, enabled bool) error {
	a, err := newApp(cmd, logging.LevelWarn)
	if err != nil {
		return err
	}
	defer a.close()

	desc, err := lookupProvider(a, raw)
	if err != nil {
		return err
	}
	if err := a.loader.UpdateProviderConfig(desc.ID, func(pc *models.ProviderConfig) {
		pc.Enabled = models.Ptr(enabled)
	}); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", desc.DisplayName, state)
	return nil
}

func runProvidersSource(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logging.LevelWarn)
	if err != nil {
		return err
	}
	defer a.close()

	desc, err := lookupProvider(a, args[0])
	if err != nil {
		return err
	}
	mode, err := models.ParseSourceMode(args[1])
	if err != nil {
		return err
	}
	if !desc.SupportsMode(mode) {
		return fmt.Errorf("%s does not support source %q", desc.DisplayName, mode)
	}
	if err := a.loader.UpdateProviderConfig(desc.ID, func(pc *models.ProviderConfig) {
		pc.Source = string(mode)
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s source set to %s\n", desc.DisplayName, mode)
	return nil
}

func lookupProvider(a *app, raw string) (provider.Descriptor, error) {
	ids, err := parseProviders([]string{raw})
	if err != nil {
		return provider.Descriptor{}, err
	}
	return a.registry.Get(ids[0])
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
