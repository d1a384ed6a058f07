// Package config assembles driver settings from the process environment,
// with an optional env file layered underneath. Malformed values fall back
// to defaults with a warning; configuration is never load-bearing enough to
// refuse to boot.
package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables the driver reads. The DMA safety fallback bit
// (PKTDRV_DMA_SAFE) belongs to the policy store, not to this package.
const (
	EnvForcePIO    = "PKTDRV_FORCE_PIO"
	EnvStateDir    = "PKTDRV_STATE_DIR"
	EnvMonitorPort = "PKTDRV_MONITOR_PORT"
	EnvQueueCap    = "PKTDRV_QUEUE_CAP"
)

// Defaults.
const (
	DefaultStateDir = "pktdrv-state"
	DefaultQueueCap = 64
)

// Config carries every tunable the driver honors.
type Config struct {
	// ForcePIO pins the driver to processor-mediated transfers no matter
	// what the coherency run concludes.
	ForcePIO bool

	// StateDir holds the policy record and its env-file fallback.
	StateDir string

	// MonitorPort is the diagnostic HTTP port; zero picks an ephemeral
	// one.
	MonitorPort int

	// QueueCap is the per-device work ring capacity, always a power of
	// two.
	QueueCap int
}

// PolicyPath returns where the persisted DMA policy record lives.
func (c Config) PolicyPath() string {
	return filepath.Join(c.StateDir, "dma_policy.bin")
}

// EnvFallbackPath returns where the policy store mirrors its env fallback.
func (c Config) EnvFallbackPath() string {
	return filepath.Join(c.StateDir, "dma_safe.env")
}

// Load reads an optional .env from the working directory, then the process
// environment. Variables already set in the environment win over the file.
func Load(l *log.Logger) Config {
	return LoadFrom(l, "")
}

// LoadFrom is Load with an explicit env file. An empty path means the
// default .env; a missing file either way is normal.
func LoadFrom(l *log.Logger, envFile string) Config {
	var err error
	if envFile == "" {
		err = godotenv.Load()
	} else {
		err = godotenv.Load(envFile)
	}
	if err != nil && !os.IsNotExist(err) {
		l.Printf("warn: config: env file not loaded: %v", err)
	}

	c := Config{
		StateDir: DefaultStateDir,
		QueueCap: DefaultQueueCap,
	}

	if v, ok := os.LookupEnv(EnvForcePIO); ok {
		c.ForcePIO = parseBool(l, EnvForcePIO, v)
	}
	if v, ok := os.LookupEnv(EnvStateDir); ok && v != "" {
		c.StateDir = v
	}
	if v, ok := os.LookupEnv(EnvMonitorPort); ok {
		c.MonitorPort = parseInt(l, EnvMonitorPort, v, 0)
	}
	if v, ok := os.LookupEnv(EnvQueueCap); ok {
		c.QueueCap = parseInt(l, EnvQueueCap, v, DefaultQueueCap)
	}

	if rounded := ceilPow2(c.QueueCap); rounded != c.QueueCap {
		l.Printf("warn: config: %s=%d is not a power of two, using %d",
			EnvQueueCap, c.QueueCap, rounded)
		c.QueueCap = rounded
	}

	return c
}

func parseBool(l *log.Logger, key, v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.Printf("warn: config: %s=%q is not a boolean, using false", key, v)
		return false
	}
	return b
}

func parseInt(l *log.Logger, key, v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		l.Printf("warn: config: %s=%q is not a count, using %d", key, v, def)
		return def
	}
	return n
}

// ceilPow2 rounds n up to the next power of two, with a floor of 2 so the
// ring always has room for at least one item in flight.
func ceilPow2(n int) int {
	p := 2
	for p < n {
		p <<= 1
	}
	return p
}
