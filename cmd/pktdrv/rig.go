package main

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/jfabienke/3com-packet-driver-sub008/device"
	"github.com/jfabienke/3com-packet-driver-sub008/machine"
)

// profileBuilders maps --profile names to the simulated machines the driver
// can be booted against.
var profileBuilders = map[string]func() machine.Builder{
	"486":             machine.Desktop486,
	"486-wt":          machine.WriteThrough486,
	"pentium":         machine.PentiumSnooping,
	"pentium-partial": machine.PentiumPartialSnoop,
	"pentium-laggy":   machine.PentiumLaggySnoop,
	"broken-bus":      machine.BrokenBusMaster,
	"flaky-bus":       machine.FlakyBusMaster,
	"v86-emm386":      machine.V86EMM386,
}

func profileNames() string {
	names := make([]string, 0, len(profileBuilders))
	for name := range profileBuilders {
		names = append(names, name)
	}
	sort.Strings(names)

	return strings.Join(names, ", ")
}

func buildMachine(profile string) (*machine.Machine, error) {
	builder, ok := profileBuilders[profile]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q, pick one of: %s",
			profile, profileNames())
	}

	return builder().Build(profile), nil
}

func buildDevice(model string, m *machine.Machine) (device.Device, error) {
	switch model {
	case "3c515tx":
		return device.Make3C515TXBuilder().WithMachine(m).Build(model), nil
	case "3c509b":
		return device.Make3C509BBuilder().WithMachine(m).Build(model), nil
	}

	return nil, fmt.Errorf("unknown adapter %q, pick 3c515tx or 3c509b", model)
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}
