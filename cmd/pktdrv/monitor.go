package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/jfabienke/3com-packet-driver-sub008/config"
	"github.com/jfabienke/3com-packet-driver-sub008/driver"
	"github.com/jfabienke/3com-packet-driver-sub008/monitoring"
)

var (
	monitorProfile string
	monitorAdapter string
	monitorPort    int
	monitorOpen    bool
)

var monitorCmd = &cobra.Command{
	Use: "monitor",
	Short: "Boot the driver and serve the diagnostic HTTP endpoints until " +
		"interrupted",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.SilenceUsage = true
		runMonitor()
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().StringVar(&monitorProfile, "profile", "pentium",
		"machine profile to run on: "+profileNames())
	monitorCmd.Flags().StringVar(&monitorAdapter, "adapter", "3c515tx",
		"adapter model: 3c515tx or 3c509b")
	monitorCmd.Flags().IntVar(&monitorPort, "port", 0,
		"monitor port; zero uses the configured or an ephemeral one")
	monitorCmd.Flags().BoolVar(&monitorOpen, "open", false,
		"open the status page in a browser")
}

func runMonitor() {
	logger := newLogger()
	cfg := config.Load(logger)
	if monitorPort > 0 {
		cfg.MonitorPort = monitorPort
	}

	m, err := buildMachine(monitorProfile)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	dev, err := buildDevice(monitorAdapter, m)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	drv := driver.MakeContextBuilder().
		WithMachine(m).
		WithDevice(dev).
		WithConfig(cfg).
		WithLogger(logger).
		Build("pktdrv")
	if err := drv.Boot(); err != nil {
		if errors.Is(err, driver.ErrNoTransferMode) {
			logger.Printf("monitor: %v", err)
			os.Exit(2)
		}
		log.Fatalf("Error booting driver: %v", err)
	}

	mon := monitoring.NewMonitor().
		WithPortNumber(cfg.MonitorPort).
		WithLogger(logger)
	mon.RegisterDriver(drv)
	mon.RegisterQueue(drv.Queue())
	if drv.Executor() != nil {
		mon.RegisterExecutor(drv.Executor())
	}
	mon.RegisterComponent(m)

	addr, err := mon.StartServer()
	if err != nil {
		log.Fatalf("Error starting monitor: %v", err)
	}
	if monitorOpen {
		if err := browser.OpenURL(addr + "/api/status"); err != nil {
			logger.Printf("monitor: browser: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	drv.RunWorker(ctx)
	drv.Shutdown()
}
