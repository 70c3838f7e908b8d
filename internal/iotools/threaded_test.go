package iotools

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestPumpReaderRoundTrip(t *testing.T) {
	want := make([]byte, 3*chunkSize+123)
	if _, err := rand.Read(want); err != nil {
		t.Fatal(err)
	}

	p := NewPumpReader(bytes.NewReader(want))
	defer p.Close()

	got, err := io.ReadAll(p)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read %d bytes, want %d, content mismatch", len(got), len(want))
	}
}

func TestPumpReaderEmpty(t *testing.T) {
	p := NewPumpReader(bytes.NewReader(nil))
	defer p.Close()

	got, err := io.ReadAll(p)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("read %d bytes, want 0", len(got))
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestPumpReaderPropagatesError(t *testing.T) {
	boom := errors.New("stream broke")
	p := NewPumpReader(&failingReader{data: []byte("partial"), err: boom})
	defer p.Close()

	got, err := io.ReadAll(p)
	if !errors.Is(err, boom) {
		t.Fatalf("ReadAll() error = %v, want %v", err, boom)
	}
	if string(got) != "partial" {
		t.Errorf("data before error = %q, want %q", got, "partial")
	}
}

func TestPumpReaderCloseUnblocksProducer(t *testing.T) {
	// A reader far larger than the ring; the producer must park on the
	// bounded channel and exit once the consumer closes.
	big := io.LimitReader(rand.Reader, int64(100*ringDepth*chunkSize))
	p := NewPumpReader(big)

	buf := make([]byte, chunkSize)
	if _, err := p.Read(buf); err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestMeterCounts(t *testing.T) {
	m := NewMeter(true)
	m.Grow(10)

	data := []byte("0123456789")
	got, err := io.ReadAll(m.Reader(bytes.NewReader(data)))
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("meter altered the stream: %q", got)
	}
	if m.current != int64(len(data)) {
		t.Errorf("current = %d, want %d", m.current, len(data))
	}
	if m.total != 10 {
		t.Errorf("total = %d, want 10", m.total)
	}
	m.Done()
}
