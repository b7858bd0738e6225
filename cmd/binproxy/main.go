// Command binproxy is the node-side binary update agent: invoked by
// cron, it reconciles locally installed binaries against the content
// hashes the control plane currently desires.
package main

import (
	"os"

	"github.com/binproxy/agent/cmd/binproxy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
