package telemetry

// window is a fixed-capacity rolling window over float samples that keeps a
// running sum, so the mean is O(1) per sample.
type window struct {
	buf  []float64
	next int
	n    int
	sum  float64
}

func newWindow(size int) *window {
	return &window{buf: make([]float64, size)}
}

func (w *window) push(v float64) {
	if w.n == len(w.buf) {
		w.sum -= w.buf[w.next]
	} else {
		w.n++
	}
	w.buf[w.next] = v
	w.sum += v
	w.next = (w.next + 1) % len(w.buf)
}

func (w *window) len() int {
	return w.n
}

func (w *window) full() bool {
	return w.n == len(w.buf)
}

func (w *window) mean() float64 {
	if w.n == 0 {
		return 0
	}
	return w.sum / float64(w.n)
}
