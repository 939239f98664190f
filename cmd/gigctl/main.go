// Command gigctl is the operator CLI: schema migrations, the outbox relay and
// ledger reconciliation.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
