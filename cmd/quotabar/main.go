package main

import (
	"os"

	"github.com/quotaguard/quotabar/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
