package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
)

var accountsCmd = &cobra.Command{
	Use:     "accounts",
	Aliases: []string{"account", "a"},
	Short:   "Manage token accounts",
	Long: `Manage the token accounts of a provider. The selected account is used
for fetches unless another one is named with usage --account.

Examples:
  quotabar accounts list zai
  quotabar accounts add zai work sk-...
  quotabar accounts select zai <id>
  quotabar accounts sync`,
}

var accountsListCmd = &cobra.Command{
	Use:   "list <provider>",
	Short: "List a provider's token accounts",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsList,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <provider> <label> <token>",
	Short: "Add a token account",
	Args:  cobra.ExactArgs(3),
	RunE:  runAccountsAdd,
}

var accountsSelectCmd = &cobra.Command{
	Use:   "select <provider> <id>",
	Short: "Make an account the selected one",
	Args:  cobra.ExactArgs(2),
	RunE:  runAccountsSelect,
}

var accountsRemoveCmd = &cobra.Command{
	Use:     "remove <provider> <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a token account",
	Args:    cobra.ExactArgs(2),
	RunE:    runAccountsRemove,
}

var accountsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import CLIProxyAPI auth files as cliproxyapi accounts",
	Args:  cobra.NoArgs,
	RunE:  runAccountsSync,
}

func init() {
	accountsCmd.AddCommand(accountsListCmd, accountsAddCmd, accountsSelectCmd, accountsRemoveCmd, accountsSyncCmd)
	RootCmd.AddCommand(accountsCmd)
}

// AccountInfo is an account as printed, with its token masked.
type AccountInfo struct {
	ID               string     `json:"id"`
	Label            string     `json:"label"`
	Token            string     `json:"token"`
	Selected         bool       `json:"selected"`
	LastUsed         *time.Time `json:"last_used,omitempty"`
	CoolingDown      bool       `json:"cooling_down"`
	CoolingDownUntil *time.Time `json:"cooling_down_until,omitempty"`
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logging.LevelWarn)
	if err != nil {
		return err
	}
	defer a.close()

	desc, err := lookupProvider(a, args[0])
	if err != nil {
		return err
	}
	return printAccounts(cmd, a, desc.ID)
}

func printAccounts(cmd *cobra.Command, a *app, p models.ProviderID) error {
	selected := a.accounts.SelectedAccount(p, nil)
	accs := a.accounts.Accounts(p)
	now := time.Now()
	infos := make([]AccountInfo, 0, len(accs))
	for _, acc := range accs {
		infos = append(infos, AccountInfo{
			ID:               acc.ID,
			Label:            acc.Label,
			Token:            maskToken(acc.Token),
			Selected:         selected != nil && selected.ID == acc.ID,
			LastUsed:         acc.LastUsed,
			CoolingDown:      acc.IsCoolingDown(now),
			CoolingDownUntil: acc.CoolingDownUntil,
		})
	}

	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), infos)
	}
	if len(infos) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No accounts for %s.\n", p)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\tLABEL\tTOKEN\tLAST USED\tCOOLDOWN")
	for _, info := range infos {
		mark := ""
		if info.Selected {
			mark = "*"
		}
		lastUsed := "-"
		if info.LastUsed != nil {
			lastUsed = ago(now, *info.LastUsed)
		}
		cooldown := "-"
		if info.CoolingDown {
			cooldown = "for " + shortDuration(info.CoolingDownUntil.Sub(now))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", mark, info.ID, info.Label, info.Token, lastUsed, cooldown)
	}
	return w.Flush()
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logging.LevelWarn)
	if err != nil {
		return err
	}
	defer a.close()

	desc, err := lookupProvider(a, args[0])
	if err != nil {
		return err
	}
	acc, err := a.accounts.Add(desc.ID, args[1], args[2])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s account %q (%s)\n", desc.DisplayName, acc.Label, acc.ID)
	return nil
}

func runAccountsSelect(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logging.LevelWarn)
	if err != nil {
		return err
	}
	defer a.close()

	desc, err := lookupProvider(a, args[0])
	if err != nil {
		return err
	}
	if err := a.accounts.Select(desc.ID, args[1]); err != nil {
		return fmt.Errorf("%s: %w", args[1], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Selected %s account %s\n", desc.DisplayName, args[1])
	return nil
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logging.LevelWarn)
	if err != nil {
		return err
	}
	defer a.close()

	desc, err := lookupProvider(a, args[0])
	if err != nil {
		return err
	}
	if err := a.accounts.Remove(desc.ID, args[1]); err != nil {
		return fmt.Errorf("%s: %w", args[1], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s account %s\n", desc.DisplayName, args[1])
	return nil
}

func runAccountsSync(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logging.LevelWarn)
	if err != nil {
		return err
	}
	defer a.close()

	added, existing, err := a.accountManager().ScanAndSync(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Synced CLIProxyAPI accounts: %d new, %d existing\n", added, existing)
	return printAccounts(cmd, a, models.ProviderCLIProxyAPI)
}

// maskToken keeps the first four characters of a token.
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "…"
}
