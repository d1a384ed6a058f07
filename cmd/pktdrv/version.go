package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version follows the driver core's release tags.
const version = "0.9.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pktdrv version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println("pktdrv " + version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
