package tracking

// history is a fixed-capacity ring of observations, oldest first. It is owned
// by a single Track and never shared, so it carries no lock.
type history struct {
	buf   []Observation
	write int
	count int
}

func newHistory(size int) *history {
	return &history{buf: make([]Observation, size)}
}

func (h *history) add(o Observation) {
	h.buf[h.write] = o
	h.write = (h.write + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

func (h *history) len() int { return h.count }

func (h *history) last() Observation {
	return h.buf[(h.write+len(h.buf)-1)%len(h.buf)]
}

// tail returns a copy of the newest n observations in time order.
func (h *history) tail(n int) []Observation {
	if n <= 0 || n > h.count {
		n = h.count
	}
	out := make([]Observation, 0, n)
	for i := h.count - n; i < h.count; i++ {
		out = append(out, h.buf[(h.write+len(h.buf)-h.count+i)%len(h.buf)])
	}
	return out
}
