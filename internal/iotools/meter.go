package iotools

import (
	"io"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

// meterInterval is how often the meter reports on the console.
const meterInterval = time.Second

// Meter tracks bytes fetched across all layer downloads and periodically
// reports progress. It is safe for concurrent use by the download
// goroutines.
type Meter struct {
	mu      sync.Mutex
	total   int64
	current int64
	start   time.Time
	last    time.Time
	quiet   bool
}

// NewMeter returns a Meter. A quiet meter still counts, but never prints.
func NewMeter(quiet bool) *Meter {
	now := time.Now()
	return &Meter{start: now, last: now, quiet: quiet}
}

// Grow raises the expected total byte count by n.
func (m *Meter) Grow(n int64) {
	m.mu.Lock()
	m.total += n
	m.mu.Unlock()
}

// Reader wraps r so that every byte read advances the meter.
func (m *Meter) Reader(r io.Reader) io.Reader {
	return &meterReader{r: r, m: m}
}

// Done prints the final tally.
func (m *Meter) Done() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quiet {
		return
	}
	elapsed := time.Since(m.start)
	logrus.Infof("Fetched: %s in %s (%s/s)",
		units.BytesSize(float64(m.current)),
		elapsed.Round(time.Second),
		units.BytesSize(rate(m.current, elapsed)))
}

func (m *Meter) advance(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current += int64(n)

	if m.quiet || time.Since(m.last) < meterInterval {
		return
	}
	m.last = time.Now()
	logrus.Infof("Fetching: %s / %s (%s/s)",
		units.BytesSize(float64(m.current)),
		units.BytesSize(float64(m.total)),
		units.BytesSize(rate(m.current, time.Since(m.start))))
}

func rate(n int64, d time.Duration) float64 {
	secs := d.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(n) / secs
}

type meterReader struct {
	r io.Reader
	m *Meter
}

func (r *meterReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.m.advance(n)
	}
	return n, err
}
