package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotabar/internal/cliprobe"
)

var probeCmd = &cobra.Command{
	Use:   "probe <binary>",
	Short: "Detect an installed CLI and its version",
	Long: `Look up a binary on PATH and run its version flags, the same way the
CLI fetch strategies do.

Examples:
  quotabar probe codex
  quotabar probe claude --min 1.0.0`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

var probeFlags struct {
	Min     string
	Timeout time.Duration
}

func init() {
	probeCmd.Flags().StringVar(&probeFlags.Min, "min", "", "Minimum required version")
	probeCmd.Flags().DurationVar(&probeFlags.Timeout, "timeout", cliprobe.DefaultTimeout, "Timeout per version probe")
	RootCmd.AddCommand(probeCmd)
}

// ProbeResult is the outcome of probing one binary.
type ProbeResult struct {
	Binary    string `json:"binary"`
	Path      string `json:"path,omitempty"`
	Output    string `json:"output,omitempty"`
	Version   string `json:"version,omitempty"`
	Min       string `json:"min,omitempty"`
	Supported bool   `json:"supported"`
}

func probeBinary(cmd *cobra.Command, prober *cliprobe.Prober, binary, min string) ProbeResult {
	r := ProbeResult{Binary: binary, Min: min}
	r.Path = prober.LookPath(binary)
	if r.Path == "" {
		return r
	}
	r.Output = prober.DetectVersion(cmd.Context(), binary)
	r.Version = cliprobe.Canonical(r.Output)
	r.Supported = r.Output != "" && (min == "" || cliprobe.AtLeast(r.Output, min))
	return r
}

func runProbe(cmd *cobra.Command, args []string) error {
	prober := cliprobe.New(cliprobe.WithTimeout(probeFlags.Timeout))
	r := probeBinary(cmd, prober, args[0], probeFlags.Min)

	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), r)
	}
	out := cmd.OutOrStdout()
	switch {
	case r.Path == "":
		return fmt.Errorf("%s not found on PATH", r.Binary)
	case r.Output == "":
		fmt.Fprintf(out, "%s: %s (no version output)\n", r.Binary, r.Path)
	default:
		fmt.Fprintf(out, "%s: %s\n  version: %s\n", r.Binary, r.Path, r.Output)
	}
	if r.Min != "" && !r.Supported {
		return fmt.Errorf("%s is older than the required %s", r.Binary, r.Min)
	}
	return nil
}
