// Command rekord is the external CLI collaborator spec.md §1 scopes out of
// the core: argument parsing, password prompting, and environment-variable
// lookup live only here, never in internal/*.
package main

import (
	"fmt"
	"os"

	"github.com/mmp/rekord/internal/rekord"
)

func main() {
	// Non-fatal: spec.md §5 only asks that the budget be raised "where the
	// host permits it."
	_ = rekord.RaiseFileDescriptorLimit()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
