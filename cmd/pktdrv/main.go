// Pktdrv is the operator tool for the packet driver's DMA-safety core. It
// boots the driver against a simulated machine profile, inspects and resets
// the persisted DMA policy, submits coherency results to the community
// benchmark files, and serves the live diagnostic endpoints.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use: "pktdrv",
	Short: "Pktdrv exercises the packet driver's DMA-safety core: coherency " +
		"self-tests, policy management, benchmark export, and diagnostics.",
	Long: `Pktdrv exercises the packet driver's DMA-safety core. The selftest ` +
		`command boots the full driver against a simulated machine profile and ` +
		`reports the measured coherency verdicts, the policy gate decision, and ` +
		`the hot-path specialization. The policy command manages the persisted ` +
		`DMA enablement record, export submits results to the community ` +
		`benchmark files, and monitor serves the diagnostic HTTP endpoints.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
