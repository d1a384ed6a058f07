package main

import (
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfabienke/3com-packet-driver-sub008/coherency"
	"github.com/jfabienke/3com-packet-driver-sub008/export"
)

var (
	exportProfile string
	exportChipset string
	exportCSV     string
	exportJSON    string
)

var exportCmd = &cobra.Command{
	Use: "export",
	Short: "Run the coherency engine and append the result to the community " +
		"benchmark files",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.SilenceUsage = true
		runExport()
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVar(&exportProfile, "profile", "pentium",
		"machine profile to test against: "+profileNames())
	exportCmd.Flags().StringVar(&exportChipset, "chipset", "",
		"chipset label for the submission (defaults to the profile)")
	exportCmd.Flags().StringVar(&exportCSV, "csv", "coherency_benchmark.csv",
		"CSV file to append to; empty skips CSV")
	exportCmd.Flags().StringVar(&exportJSON, "json", "",
		"JSON file to append to; empty skips JSON")
}

func runExport() {
	logger := newLogger()

	m, err := buildMachine(exportProfile)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	dev, err := buildDevice("3c515tx", m)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	engine := coherency.MakeEngineBuilder().
		WithMemory(m).
		WithDevice(dev).
		WithFlusher(m.Primitives()).
		WithClock(m.Clock()).
		WithCPU(m.CPU()).
		WithLogger(logger).
		Build("export.coherency")
	a := engine.Run()

	chipset := exportChipset
	if chipset == "" {
		chipset = exportProfile
	}
	sub := export.NewSubmission(chipset, time.Now(), a)

	if exportCSV != "" {
		e := export.NewCSVExporter(exportCSV, logger)
		e.Export(sub)
		e.Flush()
	}
	if exportJSON != "" {
		export.NewJSONExporter(exportJSON, logger).Export(sub)
	}

	logger.Printf("export: submission %s: %s", sub.ID, a)
}
