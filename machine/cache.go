package machine

import "time"

// CacheMode is the write policy of the simulated CPU cache.
type CacheMode int

// Cache modes.
const (
	CacheDisabled CacheMode = iota
	CacheWriteThrough
	CacheWriteBack
)

func (m CacheMode) String() string {
	switch m {
	case CacheDisabled:
		return "disabled"
	case CacheWriteThrough:
		return "write-through"
	case CacheWriteBack:
		return "write-back"
	}
	return "unknown"
}

type cacheLine struct {
	data  []byte
	dirty bool
}

// cache is a line-granular, fully associative model of the CPU cache. It is
// deliberately simple: no capacity pressure, no eviction. What matters for
// the coherency probes is which lines hold stale data and which lines hold
// dirty data the memory has not seen yet.
type cache struct {
	mode     CacheMode
	lineSize uint64
	backing  *Arena
	clock    *VirtualClock
	lines    map[uint64]*cacheLine
}

func newCache(mode CacheMode, lineSize int, backing *Arena, clock *VirtualClock) *cache {
	return &cache{
		mode:     mode,
		lineSize: uint64(lineSize),
		backing:  backing,
		clock:    clock,
		lines:    make(map[uint64]*cacheLine),
	}
}

func (c *cache) lineBase(addr uint64) uint64 {
	return addr - addr%c.lineSize
}

// fill loads a line from the backing arena.
func (c *cache) fill(base uint64) (*cacheLine, error) {
	data, err := c.backing.Read(base, int(c.lineSize))
	if err != nil {
		return nil, err
	}

	line := &cacheLine{data: data}
	c.lines[base] = line
	c.clock.Advance(costCacheMissPerLine)

	return line, nil
}

// cpuRead returns n bytes as the CPU would observe them: cached lines win
// over memory, stale or not.
func (c *cache) cpuRead(addr uint64, n int) ([]byte, error) {
	if c.mode == CacheDisabled {
		c.clock.Advance(costMemPerLine * time.Duration(linesSpanned(addr, n, c.lineSize)))
		return c.backing.Read(addr, n)
	}

	out := make([]byte, 0, n)
	for cursor := addr; cursor < addr+uint64(n); {
		base := c.lineBase(cursor)
		line, ok := c.lines[base]
		if ok {
			c.clock.Advance(costCacheHitPerLine)
		} else {
			var err error
			line, err = c.fill(base)
			if err != nil {
				return nil, err
			}
		}

		start := cursor - base
		end := c.lineSize
		if remaining := addr + uint64(n) - cursor; start+remaining < end {
			end = start + remaining
		}

		out = append(out, line.data[start:end]...)
		cursor += end - start
	}

	return out, nil
}

// cpuWrite stores data as the CPU would: write-back mode dirties lines
// without updating memory, write-through updates both, disabled goes
// straight to memory.
func (c *cache) cpuWrite(addr uint64, data []byte) error {
	if c.mode == CacheDisabled {
		c.clock.Advance(costMemPerLine * time.Duration(linesSpanned(addr, len(data), c.lineSize)))
		return c.backing.Write(addr, data)
	}

	offset := 0
	for cursor := addr; offset < len(data); {
		base := c.lineBase(cursor)
		line, ok := c.lines[base]
		if !ok {
			var err error
			line, err = c.fill(base)
			if err != nil {
				return err
			}
		} else {
			c.clock.Advance(costCacheHitPerLine)
		}

		start := cursor - base
		chunk := c.lineSize - start
		if remaining := uint64(len(data) - offset); chunk > remaining {
			chunk = remaining
		}

		copy(line.data[start:start+chunk], data[offset:offset+int(chunk)])

		if c.mode == CacheWriteBack {
			line.dirty = true
		} else {
			if err := c.backing.Write(cursor, data[offset:offset+int(chunk)]); err != nil {
				return err
			}
			c.clock.Advance(costMemPerLine)
		}

		cursor += chunk
		offset += int(chunk)
	}

	return nil
}

// flushRegion writes back dirty lines overlapping [addr, addr+n) and drops
// them from the cache. This is what a surgical line-flush instruction does.
func (c *cache) flushRegion(addr uint64, n int) error {
	first := c.lineBase(addr)
	for base := first; base < addr+uint64(n); base += c.lineSize {
		line, ok := c.lines[base]
		if !ok {
			continue
		}
		if line.dirty {
			if err := c.backing.Write(base, line.data); err != nil {
				return err
			}
			c.clock.Advance(costMemPerLine)
		}
		delete(c.lines, base)
		c.clock.Advance(costCacheHitPerLine)
	}

	return nil
}

// flushAll writes back every dirty line and empties the cache, modeling a
// whole-cache writeback+invalidate.
func (c *cache) flushAll() error {
	for base, line := range c.lines {
		if line.dirty {
			if err := c.backing.Write(base, line.data); err != nil {
				return err
			}
			c.clock.Advance(costMemPerLine)
		}
		delete(c.lines, base)
	}

	return nil
}

// snoopInvalidate drops cached lines overlapping a device write. The device
// data is newer, so dirty contents are discarded, exactly as an invalidating
// chipset would.
func (c *cache) snoopInvalidate(addr uint64, n int) {
	first := c.lineBase(addr)
	for base := first; base < addr+uint64(n); base += c.lineSize {
		delete(c.lines, base)
	}
}

// interveneRead writes back dirty lines overlapping a device read, modeling
// a chipset that supplies modified data to the bus instead of letting the
// master see stale memory. Lines stay cached, now clean.
func (c *cache) interveneRead(addr uint64, n int) error {
	first := c.lineBase(addr)
	for base := first; base < addr+uint64(n); base += c.lineSize {
		line, ok := c.lines[base]
		if !ok || !line.dirty {
			continue
		}
		if err := c.backing.Write(base, line.data); err != nil {
			return err
		}
		line.dirty = false
		c.clock.Advance(costMemPerLine)
	}

	return nil
}

// linesSpanned counts the cache lines a byte range touches.
func linesSpanned(addr uint64, n int, lineSize uint64) uint64 {
	if n <= 0 {
		return 0
	}
	first := addr - addr%lineSize
	last := addr + uint64(n) - 1
	lastBase := last - last%lineSize
	return (lastBase-first)/lineSize + 1
}
