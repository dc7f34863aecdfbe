package cli

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotabar/internal/errors"
)

var initOnce sync.Once

// InitCLI registers the persistent flags once. Subcommands attach
// themselves from init.
func InitCLI() {
	initOnce.Do(func() {
		InitRoot()
		RootCmd.SilenceErrors = true
	})
}

func GetRootCommand() *cobra.Command {
	return RootCmd
}

// ExecuteWithErrorCode runs quotabar with args and returns the process
// exit code.
func ExecuteWithErrorCode(args []string) int {
	InitCLI()
	RootCmd.SetArgs(args)
	if err := RootCmd.Execute(); err != nil {
		reportError(os.Stderr, err)
		return 1
	}
	return 0
}

// reportError prints err and, for failures the presentation layer knows,
// what to do about it.
func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	if errors.KindOf(err) == errors.KindUnknown {
		return
	}
	if d := errors.Present(err, ""); d.Suggestion != "" {
		fmt.Fprintf(w, "Hint: %s\n", d.Suggestion)
	}
}
