// Package stats holds the link instrumentation shared by channels and stream workers:
// a round-trip-time moving average, a datagram loss window and a trailing byte window.
//
// None of the types are safe for concurrent use; they live on the event loop.
package stats

import (
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultRTTAlpha weights each new round-trip sample in the moving average
const DefaultRTTAlpha = 0.25

// RTT is an exponential moving average of round-trip samples, seeded by the first one
type RTT struct {
	alpha  float64
	value  float64
	seeded bool
}

// NewRTT creates an estimator; alpha outside (0,1] falls back to DefaultRTTAlpha
func NewRTT(alpha float64) *RTT {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultRTTAlpha
	}
	return &RTT{alpha: alpha}
}

// Observe folds one turnaround sample into the average
func (r *RTT) Observe(sample time.Duration) {
	if sample < 0 {
		return
	}
	if !r.seeded {
		r.value = float64(sample)
		r.seeded = true
		return
	}
	r.value = r.alpha*float64(sample) + (1-r.alpha)*r.value
}

// Value returns the current estimate, or zero before any sample
func (r *RTT) Value() time.Duration {
	return time.Duration(r.value)
}

// Seeded reports whether at least one sample has been observed
func (r *RTT) Seeded() bool {
	return r.seeded
}

// Reset forgets all samples
func (r *RTT) Reset() {
	r.value = 0
	r.seeded = false
}

// DefaultLossWindow is the number of trailing sequence numbers the loss rate covers
const DefaultLossWindow = 256

// LossWindow tracks which of the most recent sequence numbers arrived
type LossWindow struct {
	size     int
	received []bool
	started  bool
	first    int64
	highest  int64
	lastRaw  uint32
}

// NewLossWindow creates a window over the trailing size sequence numbers
func NewLossWindow(size int) *LossWindow {
	if size <= 0 {
		size = DefaultLossWindow
	}
	return &LossWindow{size: size, received: make([]bool, size)}
}

// Observe records the arrival of a 32-bit wrapping sequence number
func (w *LossWindow) Observe(seq uint32) {
	if !w.started {
		w.started = true
		w.first = int64(seq)
		w.highest = int64(seq)
		w.lastRaw = seq
		w.received[w.slot(w.highest)] = true
		return
	}

	// unwrap relative to the last raw value seen
	abs := w.highest + int64(int32(seq-w.lastRaw))
	switch {
	case abs > w.highest:
		gap := abs - w.highest
		if gap >= int64(w.size) {
			for i := range w.received {
				w.received[i] = false
			}
		} else {
			for s := w.highest + 1; s < abs; s++ {
				w.received[w.slot(s)] = false
			}
		}
		w.received[w.slot(abs)] = true
		w.highest = abs
		w.lastRaw = seq
	case abs > w.highest-int64(w.size) && abs >= w.first:
		// late or duplicate arrival still inside the window
		w.received[w.slot(abs)] = true
	}
}

func (w *LossWindow) slot(s int64) int {
	m := s % int64(w.size)
	if m < 0 {
		m += int64(w.size)
	}
	return int(m)
}

// span is the number of sequence numbers the window currently covers
func (w *LossWindow) span() int64 {
	if !w.started {
		return 0
	}
	n := w.highest - w.first + 1
	if n > int64(w.size) {
		n = int64(w.size)
	}
	return n
}

// Counts returns received and missing sequence numbers in the trailing window
func (w *LossWindow) Counts() (received, missing int) {
	span := w.span()
	for s := w.highest - span + 1; s <= w.highest; s++ {
		if w.received[w.slot(s)] {
			received++
		} else {
			missing++
		}
	}
	return received, missing
}

// DropPercent returns missing/(received+missing) over the window, in [0,100]
func (w *LossWindow) DropPercent() float64 {
	received, missing := w.Counts()
	total := received + missing
	if total == 0 {
		return 0
	}
	return float64(missing) * 100 / float64(total)
}

// Reset forgets all sequence numbers
func (w *LossWindow) Reset() {
	for i := range w.received {
		w.received[i] = false
	}
	w.started = false
	w.first, w.highest, w.lastRaw = 0, 0, 0
}

// DefaultRateWindow is the trailing period throughput is reported over
const DefaultRateWindow = time.Second

type sample struct {
	at    time.Time
	bytes int64
}

// ByteWindow counts bytes seen in a trailing window. Old samples are pruned lazily
// when the rate is queried.
type ByteWindow struct {
	clock   clock.Clock
	window  time.Duration
	samples []sample
	total   int64
	sum     int64
}

// NewByteWindow creates a trailing window; a nil clock uses wall time
func NewByteWindow(clk clock.Clock, window time.Duration) *ByteWindow {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &ByteWindow{clock: clk, window: window}
}

// Add records n bytes observed now
func (b *ByteWindow) Add(n int) {
	if n <= 0 {
		return
	}
	b.samples = append(b.samples, sample{at: b.clock.Now(), bytes: int64(n)})
	b.sum += int64(n)
	b.total += int64(n)
}

func (b *ByteWindow) prune() {
	cutoff := b.clock.Now().Add(-b.window)
	i := 0
	for ; i < len(b.samples) && !b.samples[i].at.After(cutoff); i++ {
		b.sum -= b.samples[i].bytes
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

// BitsPerSecond returns the bytes seen in the trailing window scaled to bits per second
func (b *ByteWindow) BitsPerSecond() int64 {
	b.prune()
	return int64(float64(b.sum*8) / b.window.Seconds())
}

// Total returns every byte recorded since the last reset
func (b *ByteWindow) Total() int64 {
	return b.total
}

// Reset clears all samples and the lifetime total
func (b *ByteWindow) Reset() {
	b.samples = b.samples[:0]
	b.sum = 0
	b.total = 0
}
