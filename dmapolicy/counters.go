package dmapolicy

// wrapSlack bounds what a legal 32-bit wrap looks like: the old value near
// the top of the range and the new value near the bottom.
const wrapSlack = 1 << 16

// A CounterRegression is a backwards counter movement that a 32-bit wrap
// cannot explain.
type CounterRegression struct {
	Name string
	From uint32
	To   uint32
}

type counterWatch struct {
	throughput  monotone
	violations  monotone
	regressions uint64
}

func (c *counterWatch) observe(throughput, violations uint32) []CounterRegression {
	var out []CounterRegression
	if from, bad := c.throughput.observe(throughput); bad {
		out = append(out, CounterRegression{Name: "throughput", From: from, To: throughput})
		c.regressions++
	}
	if from, bad := c.violations.observe(violations); bad {
		out = append(out, CounterRegression{Name: "violations", From: from, To: violations})
		c.regressions++
	}
	return out
}

type monotone struct {
	last   uint32
	primed bool
}

// observe reports the previous value when v moved backwards without a
// plausible wrap.
func (m *monotone) observe(v uint32) (uint32, bool) {
	from, primed := m.last, m.primed
	m.last, m.primed = v, true

	if !primed || v >= from {
		return 0, false
	}
	if from > ^uint32(0)-wrapSlack && v < wrapSlack {
		return 0, false
	}
	return from, true
}
