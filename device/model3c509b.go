package device

import (
	"fmt"
	"log"
	"time"

	"github.com/jfabienke/3com-packet-driver-sub008/machine"
)

// Model3C509B is the Etherlink III, a PIO-only ISA adapter. Every byte moves
// through the processor, which makes it immune to cache incoherency and the
// natural fallback when bus mastering cannot be trusted.
type Model3C509B struct {
	name string
	m    *machine.Machine

	handler func(Event)
	pending [][]byte

	started bool
	jammed  bool
	readyAt time.Duration

	lastTx []byte
}

// Model3C509BBuilder can build 3C509B adapters.
type Model3C509BBuilder struct {
	m *machine.Machine
}

// Make3C509BBuilder returns a builder with default parameters.
func Make3C509BBuilder() Model3C509BBuilder {
	return Model3C509BBuilder{}
}

// WithMachine sets the machine the adapter is plugged into.
func (b Model3C509BBuilder) WithMachine(m *machine.Machine) Model3C509BBuilder {
	b.m = m
	return b
}

// Build builds an adapter with the given name.
func (b Model3C509BBuilder) Build(name string) *Model3C509B {
	if b.m == nil {
		log.Panic("machine is not given")
	}

	return &Model3C509B{name: name, m: b.m}
}

// Name returns the adapter name.
func (d *Model3C509B) Name() string { return d.name }

// BusMaster reports that the adapter cannot initiate DMA.
func (d *Model3C509B) BusMaster() bool { return false }

// BusAddressLimit returns zero; the adapter never addresses the bus.
func (d *Model3C509B) BusAddressLimit() uint64 { return 0 }

// DescriptorAlignment returns 1; PIO has no placement constraints.
func (d *Model3C509B) DescriptorAlignment() int { return 1 }

// Start brings the adapter up.
func (d *Model3C509B) Start() error {
	d.started = true
	return nil
}

// Stop quiesces the adapter.
func (d *Model3C509B) Stop() error {
	d.started = false
	return nil
}

// SetEventHandler installs the interrupt handler.
func (d *Model3C509B) SetEventHandler(fn func(Event)) { d.handler = fn }

func (d *Model3C509B) raise(ev Event) {
	if d.handler != nil {
		d.handler(ev)
	}
}

// ProvideRxBuffer is not available; frames land in the adapter FIFO.
func (d *Model3C509B) ProvideRxBuffer(addr uint64, size int) error {
	return fmt.Errorf("%w: %s cannot DMA receive", ErrNotSupported, d.name)
}

// Transmit is not available; use CopyToFIFO.
func (d *Model3C509B) Transmit(addr uint64, n int) error {
	return fmt.Errorf("%w: %s cannot DMA transmit", ErrNotSupported, d.name)
}

// DMAToHost is not available.
func (d *Model3C509B) DMAToHost(addr uint64, data []byte) error {
	return fmt.Errorf("%w: %s is not a bus master", ErrNotSupported, d.name)
}

// DMAFromHost is not available.
func (d *Model3C509B) DMAFromHost(addr uint64, n int) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s is not a bus master", ErrNotSupported, d.name)
}

// CopyFromFIFO drains the pending frame into host memory via the CPU.
func (d *Model3C509B) CopyFromFIFO(dst uint64, n int) (int, error) {
	if len(d.pending) == 0 {
		return 0, ErrNoBuffer
	}

	frame := d.pending[0]
	d.pending = d.pending[1:]
	if n > len(frame) {
		n = len(frame)
	}

	d.m.Clock().Advance(time.Duration((n+1)/2) * pioWordTime)
	if err := d.m.CPUWrite(dst, frame[:n]); err != nil {
		return 0, err
	}

	return n, nil
}

// CopyToFIFO pushes a frame to the wire via CPU loads.
func (d *Model3C509B) CopyToFIFO(src uint64, n int) error {
	data, err := d.m.CPURead(src, n)
	if err != nil {
		return err
	}

	d.m.Clock().Advance(time.Duration((n+1)/2) * pioWordTime)
	d.lastTx = data

	return nil
}

// WaitReady polls adapter status until it can accept the next command.
func (d *Model3C509B) WaitReady(budget time.Duration) error {
	clock := d.m.Clock()
	deadline := clock.Now() + budget

	for {
		if !d.jammed && clock.Now() >= d.readyAt {
			return nil
		}
		if clock.Now() >= deadline {
			return fmt.Errorf("%w: %s after %v", ErrTimeout, d.name, budget)
		}
		clock.Sleep(readyPollInterval)
	}
}

// InjectFrame delivers an inbound frame into the adapter FIFO. Tests play
// the wire; drivers never call this.
func (d *Model3C509B) InjectFrame(frame []byte) error {
	if !d.started {
		return ErrStopped
	}

	d.pending = append(d.pending, frame)
	d.raise(Event{Kind: EventRx, Len: len(frame)})

	return nil
}

// JamFIFO wedges or releases the adapter FIFO so ready waits time out.
func (d *Model3C509B) JamFIFO(on bool) { d.jammed = on }

// LastTransmitted returns the payload of the most recent transmit.
func (d *Model3C509B) LastTransmitted() []byte { return d.lastTx }
