package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/quotaguard/quotabar/internal/cliprobe"
	"github.com/quotaguard/quotabar/internal/cliproxy"
	"github.com/quotaguard/quotabar/internal/config"
	"github.com/quotaguard/quotabar/internal/credentials"
	"github.com/quotaguard/quotabar/internal/logging"
	"github.com/quotaguard/quotabar/internal/models"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose configuration, storage and provider setup",
	Long: `Run a diagnostic of the local setup.

This command checks:
- System information
- Configuration file and database
- Installed provider CLIs and their versions
- CLIProxyAPI auth files and the browser cookie import file
- Enabled providers and their source modes

Example:
  quotabar doctor`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	RootCmd.AddCommand(doctorCmd)
}

// Check statuses.
const (
	statusOK   = "OK"
	statusWarn = "WARN"
	statusFail = "FAIL"
)

// DoctorReport represents the complete diagnostic report
type DoctorReport struct {
	Timestamp       time.Time     `json:"timestamp"`
	Checks          []DoctorCheck `json:"checks"`
	Recommendations []string      `json:"recommendations"`
}

// DoctorCheck represents a single diagnostic check
type DoctorCheck struct {
	Category    string `json:"category"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	Severity    string `json:"severity,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

var doctorCategories = []string{"System", "Storage", "Providers", "Tools"}

func runDoctor(cmd *cobra.Command, args []string) error {
	report := DoctorReport{Timestamp: time.Now().UTC()}
	report.Checks = append(report.Checks, collectSystemInfo()...)

	cfgCheck := checkConfigFile(globalFlags.Config)
	report.Checks = append(report.Checks, cfgCheck)

	// A broken config makes every later check meaningless.
	if cfgCheck.Status != statusFail {
		a, err := newApp(cmd, logging.LevelError)
		if err != nil {
			report.Checks = append(report.Checks, DoctorCheck{
				Category:    "Storage",
				Name:        "Database",
				Status:      statusFail,
				Message:     err.Error(),
				Severity:    "high",
				Remediation: "Check the --db path and its directory permissions",
			})
		} else {
			defer a.close()
			report.Checks = append(report.Checks, checkDatabase(a))
			report.Checks = append(report.Checks, checkProviders(a)...)
			report.Checks = append(report.Checks, checkTools(cmd, a)...)
		}
	}

	report.Recommendations = generateRecommendations(report.Checks)
	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	return outputDoctorReport(cmd.OutOrStdout(), report)
}

func collectSystemInfo() []DoctorCheck {
	wd, err := os.Getwd()
	if err != nil {
		wd = "unknown"
	}
	return []DoctorCheck{
		{Category: "System", Name: "Operating System", Status: statusOK, Message: fmt.Sprintf("%s (%s)", runtime.GOOS, runtime.GOARCH)},
		{Category: "System", Name: "Version", Status: statusOK, Message: fmt.Sprintf("quotabar %s, %s", Version, runtime.Version())},
		{Category: "System", Name: "Working Directory", Status: statusOK, Message: wd},
	}
}

func checkConfigFile(path string) DoctorCheck {
	check := DoctorCheck{Category: "Storage", Name: "Config File"}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Not found, using defaults: %s", path)
		check.Severity = "low"
		check.Remediation = "Run 'quotabar providers enable <provider>' to create it"
		return check
	}

	if _, err := config.NewLoader(path, logging.Nop()).Load(); err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Invalid config: %v", err)
		check.Severity = "high"
		check.Remediation = "Fix the YAML syntax or values in " + path
		return check
	}

	check.Status = statusOK
	check.Message = path
	return check
}

func checkDatabase(a *app) DoctorCheck {
	stats := a.store.Stats()
	return DoctorCheck{
		Category: "Storage",
		Name:     "Database",
		Status:   statusOK,
		Message: fmt.Sprintf("%d secrets, %d cookie entries, %d snapshots",
			stats.SecretCount, stats.CookieEntryCount, stats.SnapshotCount),
	}
}

func checkProviders(a *app) []DoctorCheck {
	enabled := lo.Filter(a.registry.IDs(), func(p models.ProviderID, _ int) bool { return a.refresher.IsEnabled(p) })
	if len(enabled) == 0 {
		return []DoctorCheck{{
			Category:    "Providers",
			Name:        "Enabled",
			Status:      statusWarn,
			Message:     "No provider is enabled",
			Severity:    "medium",
			Remediation: "Enable one with 'quotabar providers enable <provider>'",
		}}
	}

	checks := []DoctorCheck{{
		Category: "Providers",
		Name:     "Enabled",
		Status:   statusOK,
		Message:  fmt.Sprintf("%d enabled", len(enabled)),
	}}
	for _, p := range enabled {
		desc, err := a.registry.Get(p)
		if err != nil {
			continue
		}
		cfg := a.loader.ProviderConfig(p)
		check := DoctorCheck{
			Category: "Providers",
			Name:     desc.DisplayName,
			Status:   statusOK,
			Message:  "source " + string(cfg.SourceMode()),
		}
		if cfg.SourceMode() != models.SourceAuto && !desc.SupportsMode(cfg.SourceMode()) {
			check.Status = statusFail
			check.Message = fmt.Sprintf("unsupported source %q", cfg.SourceMode())
			check.Severity = "high"
			check.Remediation = fmt.Sprintf("Run 'quotabar providers source %s auto'", p)
		}
		if err := credentials.ValidateManualCookie(p, cfg.CookieHeader); err != nil {
			check.Status = statusFail
			check.Message = "manual cookie header has no name=value pair"
			check.Severity = "high"
			check.Remediation = fmt.Sprintf("Run 'quotabar cookies set %s <header>'", p)
		}
		checks = append(checks, check)
	}
	return checks
}

func checkTools(cmd *cobra.Command, a *app) []DoctorCheck {
	prober := cliprobe.New(cliprobe.WithLogger(a.logger))
	var checks []DoctorCheck
	for _, desc := range a.registry.All() {
		if desc.CLI == nil || !a.refresher.IsEnabled(desc.ID) {
			continue
		}
		r := probeBinary(cmd, prober, desc.CLI.Binary, desc.CLI.MinVersion)
		check := DoctorCheck{Category: "Tools", Name: desc.CLI.Binary}
		switch {
		case r.Path == "":
			check.Status = statusWarn
			check.Message = "not installed; the CLI source is unavailable"
			check.Severity = "low"
		case !r.Supported:
			check.Status = statusWarn
			check.Message = fmt.Sprintf("%s is older than %s", lo.CoalesceOrEmpty(r.Version, "unknown version"), r.Min)
			check.Severity = "medium"
			check.Remediation = fmt.Sprintf("Update %s to %s or newer", r.Binary, r.Min)
		default:
			check.Status = statusOK
			check.Message = fmt.Sprintf("%s (%s)", r.Path, lo.CoalesceOrEmpty(r.Version, r.Output))
		}
		checks = append(checks, check)
	}

	authPath := cliproxy.ResolveAuthPath(a.cfg.CLIProxy.AuthDir)
	authCheck := DoctorCheck{Category: "Tools", Name: "CLIProxyAPI auths"}
	if authPath != "" && cliproxy.HasAuthFiles(authPath) {
		authCheck.Status = statusOK
		authCheck.Message = authPath
	} else {
		authCheck.Status = statusWarn
		authCheck.Message = "no auth directory found"
		authCheck.Severity = "low"
	}
	checks = append(checks, authCheck)

	importCheck := DoctorCheck{Category: "Tools", Name: "Cookie import file", Status: statusOK, Message: credentials.DefaultImportPath()}
	if _, err := os.Stat(credentials.DefaultImportPath()); err != nil {
		importCheck.Status = statusWarn
		importCheck.Message = "not found: " + credentials.DefaultImportPath()
		importCheck.Severity = "low"
		importCheck.Remediation = "Web sources need a cookie export there or a manual header"
	}
	return append(checks, importCheck)
}

func generateRecommendations(checks []DoctorCheck) []string {
	recommendations := []string{}

	failCount := 0
	warnCount := 0
	for _, check := range checks {
		switch check.Status {
		case statusFail:
			failCount++
		case statusWarn:
			warnCount++
		default:
			continue
		}
		if check.Remediation != "" {
			recommendations = append(recommendations, fmt.Sprintf("[%s] %s: %s", check.Category, check.Name, check.Remediation))
		}
	}

	if failCount == 0 && warnCount == 0 {
		recommendations = append(recommendations, "Everything looks good.")
	} else if failCount > 0 {
		recommendations = append(recommendations, fmt.Sprintf("Found %d critical issue(s) and %d warning(s). Please address the critical issues first.", failCount, warnCount))
	}
	return recommendations
}

func outputDoctorReport(out io.Writer, report DoctorReport) error {
	fmt.Fprintln(out, "=== quotabar doctor ===")
	fmt.Fprintf(out, "Generated: %s\n", report.Timestamp.Format(time.RFC3339))

	for _, category := range doctorCategories {
		checks := lo.Filter(report.Checks, func(c DoctorCheck, _ int) bool { return c.Category == category })
		if len(checks) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n--- %s ---\n", category)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, check := range checks {
			icon := "✓"
			switch check.Status {
			case statusFail:
				icon = "✗"
			case statusWarn:
				icon = "!"
			}
			fmt.Fprintf(w, "%s %s:\t%s\n", icon, check.Name, check.Message)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\n--- Recommendations ---")
	for _, rec := range report.Recommendations {
		fmt.Fprintf(out, "• %s\n", rec)
	}
	return nil
}
