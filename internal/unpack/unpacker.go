// Package unpack streams the layers of an OCI image in overlay order,
// suppressing entries deleted or hidden by higher layers.
//
// Bundles are consumed serially, but every layer's download starts
// eagerly, and each layer runs its own download, decompress, tar pipeline
// decoupled by bounded pumps.
package unpack

import (
	"archive/tar"
	"bufio"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/wyrcan/wyrcan/internal/image"
	"github.com/wyrcan/wyrcan/internal/iotools"
)

const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// prefetchBuffer sits between the network pump and the decompressor.
const prefetchBuffer = 1 << 20

// Unpacker drives the extraction of one layer stack.
type Unpacker struct {
	layers []image.Layer
	meter  *iotools.Meter

	mu   sync.RWMutex
	seen []map[string]struct{}
}

// New returns an Unpacker over layers in manifest order (base layer
// first). The meter may be nil.
//
// Internally the stack is processed from the topmost layer down: a path
// emitted by a higher layer suppresses the copies below it, and whiteout
// markers recorded on the way down mask the entries they delete. This is
// what makes single-pass streaming extraction possible at all.
func New(layers []image.Layer, meter *iotools.Meter) *Unpacker {
	if meter == nil {
		meter = iotools.NewMeter(true)
	}
	ordered := make([]image.Layer, 0, len(layers))
	for i := len(layers) - 1; i >= 0; i-- {
		ordered = append(ordered, layers[i])
	}
	return &Unpacker{layers: ordered, meter: meter}
}

type openResult struct {
	size int64
	rc   io.ReadCloser
	err  error
}

// Bundles starts every layer download concurrently and returns the
// per-layer pipelines in consumption order (level 0 = topmost layer).
// The caller must drain and Close the bundles in that order; Seen-set
// bookkeeping forbids reordering.
func (u *Unpacker) Bundles() ([]*Bundle, error) {
	results := make([]chan openResult, len(u.layers))
	for i, layer := range u.layers {
		ch := make(chan openResult, 1)
		results[i] = ch
		go func(l image.Layer) {
			size, rc, err := l.Open()
			ch <- openResult{size: size, rc: rc, err: err}
		}(layer)
	}

	bundles := make([]*Bundle, 0, len(u.layers))
	fail := func(level int, err error) ([]*Bundle, error) {
		for _, b := range bundles {
			b.Close()
		}
		// Drain the downloads not yet joined so their streams do not leak.
		go func() {
			for _, ch := range results[level+1:] {
				if res := <-ch; res.rc != nil {
					res.rc.Close()
				}
			}
		}()
		return nil, err
	}

	for level, layer := range u.layers {
		res := <-results[level]
		if res.err != nil {
			return fail(level, errors.Wrapf(res.err, "download layer %s", layer.Digest()))
		}
		u.meter.Grow(res.size)

		src := u.meter.Reader(res.rc)
		pre := iotools.NewPumpReader(src)
		dec, err := decompressor(layer.MediaType(), bufio.NewReaderSize(pre, prefetchBuffer))
		if err != nil {
			pre.Close()
			res.rc.Close()
			return fail(level, errors.Wrapf(err, "layer %s", layer.Digest()))
		}
		post := iotools.NewPumpReader(dec)

		bundles = append(bundles, &Bundle{
			unpacker: u,
			level:    level,
			tr:       tar.NewReader(post),
			closers:  []io.Closer{post, dec, pre, res.rc},
		})
	}

	return bundles, nil
}

// Done reports the meter tally after a successful extraction.
func (u *Unpacker) Done() {
	u.meter.Done()
}

// Entry is a single surviving tar entry of a bundle.
type Entry struct {
	Header *tar.Header
	Path   string // normalized logical path
	tr     *tar.Reader
}

// Read returns the entry body.
func (e *Entry) Read(p []byte) (int, error) {
	return e.tr.Read(p)
}

// Bundle is the pipeline of a single layer.
type Bundle struct {
	unpacker *Unpacker
	level    int
	tr       *tar.Reader
	closers  []io.Closer
}

// Next returns the next entry that survives whiteout processing, or io.EOF
// once the layer is exhausted.
func (b *Bundle) Next() (*Entry, error) {
	for {
		hdr, err := b.tr.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, errors.Wrap(err, "read tar")
		}

		p := normalize(hdr.Name)
		if b.unpacker.skip(b.level, p) {
			continue
		}
		return &Entry{Header: hdr, Path: p, tr: b.tr}, nil
	}
}

// Close tears the pipeline down.
func (b *Bundle) Close() error {
	var err error
	for _, c := range b.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// normalize maps a tar member name onto the logical overlay path.
func normalize(name string) string {
	return path.Clean(strings.TrimLeft(name, "/"))
}

// seenBelow reports whether p was recorded by any already-processed layer.
func (u *Unpacker) seenBelow(level int, p string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for _, layer := range u.seen[:level] {
		if _, ok := layer[p]; ok {
			return true
		}
	}
	return false
}

// skip decides whether the entry at p in the given level is suppressed.
// A path not suppressed by an already-processed layer is recorded as seen
// at that level. Whiteout markers are recorded but never emitted.
func (u *Unpacker) skip(level int, p string) bool {
	// Add a new level the first time it is encountered.
	u.mu.Lock()
	if level == len(u.seen) {
		u.seen = append(u.seen, map[string]struct{}{})
	}
	u.mu.Unlock()

	// We already unpacked this file.
	if level > 0 && u.seenBelow(level, p) {
		return true
	}

	// This path or one of its parents is opaqued.
	for a := p; level > 0; a = path.Dir(a) {
		opaque := opaqueMarker
		if a != "." {
			opaque = a + "/" + opaqueMarker
		}
		if u.seenBelow(level, opaque) {
			return true
		}
		if a == "." {
			break
		}
	}

	// This file was moved or renamed.
	if level > 0 {
		mask := whiteoutPrefix + path.Base(p)
		if dir := path.Dir(p); dir != "." {
			mask = dir + "/" + mask
		}
		if u.seenBelow(level, mask) {
			return true
		}
	}

	// Mark the file as seen.
	u.mu.Lock()
	u.seen[level][p] = struct{}{}
	u.mu.Unlock()

	// Markers themselves are bookkeeping, never output.
	return strings.HasPrefix(path.Base(p), whiteoutPrefix)
}
