package device

import (
	"fmt"
	"log"
	"time"

	"github.com/jfabienke/3com-packet-driver-sub008/machine"
)

const (
	// corkscrewBusBits is the ISA address reach of the 3C515-TX. Transfers
	// aimed above it wrap silently, exactly like the real bus.
	corkscrewBusBits = 24

	corkscrewAlign       = 8
	corkscrewRingEntries = 16

	// fifoDrainTime is how long the adapter stays busy after a transfer.
	fifoDrainTime = 2 * time.Microsecond

	// readyPollInterval paces WaitReady status reads.
	readyPollInterval = time.Microsecond

	// pioWordTime is the ISA cost of one 16-bit programmed transfer.
	pioWordTime = time.Microsecond
)

type rxSlot struct {
	addr uint64
	size int
}

// Model3C515TX is the Corkscrew, a Fast Etherlink ISA adapter with a
// bus-master DMA engine. It is the adapter all the safety machinery exists
// for: master transfers bypass the CPU cache entirely.
type Model3C515TX struct {
	name string
	m    *machine.Machine

	handler func(Event)
	rxRing  []rxSlot
	pending [][]byte

	started bool
	jammed  bool
	readyAt time.Duration

	lastTx []byte
}

// Model3C515TXBuilder can build 3C515-TX adapters.
type Model3C515TXBuilder struct {
	m *machine.Machine
}

// Make3C515TXBuilder returns a builder with default parameters.
func Make3C515TXBuilder() Model3C515TXBuilder {
	return Model3C515TXBuilder{}
}

// WithMachine sets the machine the adapter is plugged into.
func (b Model3C515TXBuilder) WithMachine(m *machine.Machine) Model3C515TXBuilder {
	b.m = m
	return b
}

// Build builds an adapter with the given name.
func (b Model3C515TXBuilder) Build(name string) *Model3C515TX {
	if b.m == nil {
		log.Panic("machine is not given")
	}

	return &Model3C515TX{
		name:   name,
		m:      b.m,
		rxRing: make([]rxSlot, 0, corkscrewRingEntries),
	}
}

// Name returns the adapter name.
func (d *Model3C515TX) Name() string { return d.name }

// BusMaster reports that the adapter can initiate DMA.
func (d *Model3C515TX) BusMaster() bool { return true }

// BusAddressLimit returns the first address beyond the adapter's reach.
func (d *Model3C515TX) BusAddressLimit() uint64 { return 1 << corkscrewBusBits }

// DescriptorAlignment returns the required DMA buffer alignment.
func (d *Model3C515TX) DescriptorAlignment() int { return corkscrewAlign }

// Start brings the adapter up.
func (d *Model3C515TX) Start() error {
	d.started = true
	return nil
}

// Stop quiesces the adapter.
func (d *Model3C515TX) Stop() error {
	d.started = false
	return nil
}

// SetEventHandler installs the interrupt handler.
func (d *Model3C515TX) SetEventHandler(fn func(Event)) { d.handler = fn }

func (d *Model3C515TX) raise(ev Event) {
	if d.handler != nil {
		d.handler(ev)
	}
}

// maskAddress drops address bits the bus does not carry.
func (d *Model3C515TX) maskAddress(addr uint64) uint64 {
	return addr & (1<<corkscrewBusBits - 1)
}

func (d *Model3C515TX) busyFor(dur time.Duration) {
	d.readyAt = d.m.Clock().Now() + dur
}

// ProvideRxBuffer posts a host buffer on the receive ring.
func (d *Model3C515TX) ProvideRxBuffer(addr uint64, size int) error {
	if addr%corkscrewAlign != 0 {
		return fmt.Errorf("device: %s rx buffer %#x not %d-byte aligned",
			d.name, addr, corkscrewAlign)
	}
	if addr+uint64(size) > d.BusAddressLimit() {
		return fmt.Errorf("device: %s rx buffer %#x+%d beyond %d-bit bus reach",
			d.name, addr, size, corkscrewBusBits)
	}
	if len(d.rxRing) >= corkscrewRingEntries {
		return ErrRingFull
	}

	d.rxRing = append(d.rxRing, rxSlot{addr: addr, size: size})

	return nil
}

// Transmit bus-master reads n bytes at addr and sends them.
func (d *Model3C515TX) Transmit(addr uint64, n int) error {
	if !d.started {
		return ErrStopped
	}

	data, err := d.DMAFromHost(addr, n)
	if err != nil {
		d.raise(Event{Kind: EventFault, Err: err})
		return err
	}

	d.lastTx = data
	d.raise(Event{Kind: EventTxDone, Addr: addr, Len: n})

	return nil
}

// DMAToHost performs one master write into host memory.
func (d *Model3C515TX) DMAToHost(addr uint64, data []byte) error {
	err := d.m.DeviceWrite(d.maskAddress(addr), data)
	d.busyFor(fifoDrainTime)
	return err
}

// DMAFromHost performs one master read from host memory.
func (d *Model3C515TX) DMAFromHost(addr uint64, n int) ([]byte, error) {
	data, err := d.m.DeviceRead(d.maskAddress(addr), n)
	d.busyFor(fifoDrainTime)
	return data, err
}

// CopyFromFIFO drains the pending frame into host memory via the CPU.
func (d *Model3C515TX) CopyFromFIFO(dst uint64, n int) (int, error) {
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
func (d *Model3C515TX) CopyToFIFO(src uint64, n int) error {
	data, err := d.m.CPURead(src, n)
	if err != nil {
		return err
	}

	d.m.Clock().Advance(time.Duration((n+1)/2) * pioWordTime)
	d.lastTx = data

	return nil
}

// WaitReady polls adapter status until it can accept the next command.
func (d *Model3C515TX) WaitReady(budget time.Duration) error {
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

// InjectFrame delivers an inbound frame, landing it in the next posted
// receive buffer by DMA. Drivers never call this; tests play the wire.
func (d *Model3C515TX) InjectFrame(frame []byte) error {
	if !d.started {
		return ErrStopped
	}
	if len(d.rxRing) == 0 {
		d.raise(Event{Kind: EventFault, Err: ErrNoBuffer})
		return ErrNoBuffer
	}

	slot := d.rxRing[0]
	d.rxRing = d.rxRing[1:]

	n := len(frame)
	if n > slot.size {
		n = slot.size
	}
	if err := d.DMAToHost(slot.addr, frame[:n]); err != nil {
		d.raise(Event{Kind: EventFault, Err: err})
		return err
	}

	d.raise(Event{Kind: EventRx, Addr: slot.addr, Len: n})

	return nil
}

// InjectFrameFIFO delivers an inbound frame into the adapter FIFO instead
// of DMA, for exercising the programmed-IO fallback.
func (d *Model3C515TX) InjectFrameFIFO(frame []byte) error {
	if !d.started {
		return ErrStopped
	}

	d.pending = append(d.pending, frame)
	d.raise(Event{Kind: EventRx, Len: len(frame)})

	return nil
}

// JamFIFO wedges or releases the adapter FIFO so ready waits time out.
func (d *Model3C515TX) JamFIFO(on bool) { d.jammed = on }

// LastTransmitted returns the payload of the most recent transmit.
func (d *Model3C515TX) LastTransmitted() []byte { return d.lastTx }
