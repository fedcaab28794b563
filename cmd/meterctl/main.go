// Command meterctl operates a token ledger: schema setup, balances,
// history, manual adjustments, the reconciliation sweeper and metered chat.
package main

import (
	"fmt"
	"os"

	"github.com/ineyio/tokenmeter/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "meterctl:", err)
		os.Exit(1)
	}
}
