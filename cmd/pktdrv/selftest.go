package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfabienke/3com-packet-driver-sub008/config"
	"github.com/jfabienke/3com-packet-driver-sub008/driver"
	"github.com/jfabienke/3com-packet-driver-sub008/export"
	"github.com/jfabienke/3com-packet-driver-sub008/recording"
)

var (
	selftestProfile string
	selftestAdapter string
	selftestChipset string
	selftestCSV     string
	selftestJSON    string
	selftestRecord  string
)

var selftestCmd = &cobra.Command{
	Use: "selftest",
	Short: "Boot the driver against a simulated machine and report every " +
		"verdict",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.SilenceUsage = true
		runSelftest()
	},
}

func init() {
	rootCmd.AddCommand(selftestCmd)

	selftestCmd.Flags().StringVar(&selftestProfile, "profile", "pentium",
		"machine profile to test against: "+profileNames())
	selftestCmd.Flags().StringVar(&selftestAdapter, "adapter", "3c515tx",
		"adapter model: 3c515tx or 3c509b")
	selftestCmd.Flags().StringVar(&selftestChipset, "chipset", "",
		"chipset label for benchmark submissions (defaults to the profile)")
	selftestCmd.Flags().StringVar(&selftestCSV, "csv", "",
		"append the result to this community benchmark CSV file")
	selftestCmd.Flags().StringVar(&selftestJSON, "json", "",
		"append the result to this community benchmark JSON file")
	selftestCmd.Flags().StringVar(&selftestRecord, "record", "",
		"record stage results, cache ops, and policy transitions to this sqlite file")
}

func runSelftest() {
	logger := newLogger()
	cfg := config.Load(logger)

	m, err := buildMachine(selftestProfile)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	dev, err := buildDevice(selftestAdapter, m)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	builder := driver.MakeContextBuilder().
		WithMachine(m).
		WithDevice(dev).
		WithConfig(cfg).
		WithLogger(logger)

	var rec recording.Recorder
	if selftestRecord != "" {
		rec = recording.NewRecorder(selftestRecord)
		builder = builder.
			WithHook(recording.NewEngineHook(rec, m.Clock())).
			WithHook(recording.NewExecutorHook(rec, m.Clock())).
			WithHook(recording.NewPolicyHook(rec, m.Clock()))
	}

	drv := builder.Build("pktdrv")
	if err := drv.Boot(); err != nil {
		if errors.Is(err, driver.ErrNoTransferMode) {
			logger.Printf("selftest: %v", err)
			os.Exit(2)
		}
		log.Fatalf("Error booting driver: %v", err)
	}
	defer drv.Shutdown()

	printVerdicts(drv)

	if rec != nil {
		recording.NewQueueSampler(rec, m.Clock()).Sample(drv.Queue())
		if err := rec.Close(); err != nil {
			logger.Printf("selftest: recorder: %v", err)
		}
	}

	if selftestCSV != "" || selftestJSON != "" {
		chipset := selftestChipset
		if chipset == "" {
			chipset = selftestProfile
		}
		sub := export.NewSubmission(chipset, time.Now(), &drv.Analysis().Analysis)
		if selftestCSV != "" {
			e := export.NewCSVExporter(selftestCSV, logger)
			e.Export(sub)
			e.Flush()
		}
		if selftestJSON != "" {
			export.NewJSONExporter(selftestJSON, logger).Export(sub)
		}
	}
}

func printVerdicts(drv *driver.Context) {
	a := drv.Analysis()
	rec := drv.PolicyState()
	report := drv.PatchReport()

	fmt.Printf("machine:        %s (%s)\n", selftestProfile, a.CPU)
	fmt.Printf("bus master:     %s\n", a.BusMaster)
	fmt.Printf("coherency:      %s\n", a.Coherency)
	fmt.Printf("snooping:       %s\n", a.Snooping)
	fmt.Printf("tier:           %s (confidence %d)\n", a.SelectedTier, a.Confidence)
	fmt.Printf("rx/tx tiers:    %s / %s\n", a.RxTier, a.TxTier)
	fmt.Printf("explanation:    %s\n", a.Explanation)
	if a.VDSPresent {
		fmt.Printf("environment:    %s, VDS present (coherent=%v)\n",
			a.MemoryManager, a.VDSCoherent)
	}
	if a.StagingRequired {
		fmt.Println("staging:        required (bus reach below memory ceiling)")
	}
	fmt.Printf("copy threshold: %d bytes\n", a.CopyThreshold)

	fmt.Printf("policy:         runtime=%v validated=%v safe=%v -> DMA %v\n",
		rec.RuntimeEnable, rec.ValidationPassed, rec.LastKnownSafe,
		drv.CanUseDMA())

	fmt.Printf("fast path:      %d patched, %d untouched, %d failed\n",
		len(report.Patched), len(report.Untouched), len(report.Failed))
	for _, k := range report.Failed {
		fmt.Printf("  integrity failure at %s, baseline path kept\n", k)
	}

	fmt.Printf("probes:         %d run, %d failed, %v virtual time\n",
		a.Probes, a.Failures, a.Elapsed)
}
