// Package iotools provides the stream plumbing used by the layer pipeline:
// a bounded producer/consumer pump and a byte-progress meter.
package iotools

import (
	"io"
	"sync"
)

const (
	chunkSize = 64 * 1024
	ringDepth = 16 // bounds in-flight data to ringDepth*chunkSize (1 MiB)
)

type chunk struct {
	data []byte
	err  error
}

// PumpReader decouples a reader from its consumer: a single producer
// goroutine reads ahead into a bounded ring of chunks, the consumer drains
// them in order. The producer blocks when the ring is full.
type PumpReader struct {
	ch   chan chunk
	done chan struct{}
	once sync.Once

	cur []byte
	err error
}

// NewPumpReader starts the producer goroutine over r.
func NewPumpReader(r io.Reader) *PumpReader {
	p := &PumpReader{
		ch:   make(chan chunk, ringDepth),
		done: make(chan struct{}),
	}
	go p.fill(r)
	return p
}

func (p *PumpReader) fill(r io.Reader) {
	defer close(p.ch)
	for {
		buf := make([]byte, chunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case p.ch <- chunk{data: buf[:n]}:
			case <-p.done:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				select {
				case p.ch <- chunk{err: err}:
				case <-p.done:
				}
			}
			return
		}
	}
}

// Read returns buffered bytes in production order. After the producer hits
// an error, that error is returned once the buffered data is drained;
// a clean end of input surfaces as io.EOF.
func (p *PumpReader) Read(b []byte) (int, error) {
	for len(p.cur) == 0 {
		if p.err != nil {
			return 0, p.err
		}
		c, ok := <-p.ch
		if !ok {
			return 0, io.EOF
		}
		if c.err != nil {
			p.err = c.err
			return 0, p.err
		}
		p.cur = c.data
	}

	n := copy(b, p.cur)
	p.cur = p.cur[n:]
	return n, nil
}

// Close stops the producer. It does not close the underlying reader.
func (p *PumpReader) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
