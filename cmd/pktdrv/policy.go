package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jfabienke/3com-packet-driver-sub008/config"
	"github.com/jfabienke/3com-packet-driver-sub008/dmapolicy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect or manage the persisted DMA enablement record",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the persisted DMA policy record",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.SilenceUsage = true
		runPolicyShow()
	},
}

var policyResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard the persisted record and its environment fallback",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.SilenceUsage = true
		runPolicyReset()
	},
}

var policyEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Clear the forced-PIO override so the next boot may use DMA",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.SilenceUsage = true
		runPolicyToggle(false)
	},
}

var policyDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Force programmed IO on the next boot regardless of test results",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.SilenceUsage = true
		runPolicyToggle(true)
	},
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyResetCmd)
	policyCmd.AddCommand(policyEnableCmd)
	policyCmd.AddCommand(policyDisableCmd)
}

func policyStore(cfg config.Config, logger *log.Logger) *dmapolicy.Store {
	return dmapolicy.NewStore(cfg.PolicyPath()).
		WithEnvFile(cfg.EnvFallbackPath()).
		WithLogger(logger)
}

func runPolicyShow() {
	logger := newLogger()
	cfg := config.Load(logger)
	store := policyStore(cfg, logger)

	rec, err := store.Load()
	if err != nil {
		fmt.Printf("no usable policy history at %s: %v\n", store.Path(), err)
		if safe, ok := store.LoadEnvFallback(); ok {
			fmt.Printf("environment fallback: last_known_safe=%v\n", safe)
		}
		return
	}

	fmt.Printf("record:             %s\n", store.Path())
	fmt.Printf("validation_passed:  %v\n", rec.ValidationPassed)
	fmt.Printf("last_known_safe:    %v\n", rec.LastKnownSafe)
	fmt.Printf("failure_count:      %d\n", rec.FailureCount)
	fmt.Printf("hardware_signature: %#08x\n", rec.Signature)
	fmt.Printf("cache_tier:         %s\n", rec.CacheTier)
	fmt.Printf("services:           vds=%v ems=%v xms=%v\n",
		rec.VDSPresent, rec.EMSPresent, rec.XMSPresent)
	fmt.Println("runtime_enable:     false (always re-derived at boot)")
}

func runPolicyReset() {
	logger := newLogger()
	cfg := config.Load(logger)

	for _, path := range []string{cfg.PolicyPath(), cfg.EnvFallbackPath()} {
		err := os.Remove(path)
		switch {
		case err == nil:
			fmt.Printf("removed %s\n", path)
		case errors.Is(err, fs.ErrNotExist):
		default:
			log.Fatalf("Error removing %s: %v", path, err)
		}
	}
	fmt.Println("policy history cleared; the next boot starts fresh")
}

// runPolicyToggle flips the operator gate. The gate itself is per-boot
// state, so the durable form of the toggle is the forced-PIO override in
// the working directory's env file, which boot reads before enabling DMA.
func runPolicyToggle(forcePIO bool) {
	vars, err := godotenv.Read(".env")
	if err != nil {
		vars = map[string]string{}
	}

	if forcePIO {
		vars[config.EnvForcePIO] = "1"
	} else {
		vars[config.EnvForcePIO] = "0"
	}
	if err := godotenv.Write(vars, ".env"); err != nil {
		log.Fatalf("Error writing .env: %v", err)
	}

	if forcePIO {
		fmt.Println("forced PIO set; the next boot stays on programmed IO")
	} else {
		fmt.Println("forced PIO cleared; the next boot may enable DMA if the gates pass")
	}
}
