package unpack

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// decompressor wraps r with the decoder selected by the layer media type.
// Uncompressed tar layers pass through.
func decompressor(mediaType string, r io.Reader) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(mediaType, "gzip"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "gzip stream")
		}
		return zr, nil

	case strings.HasSuffix(mediaType, "zstd"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "zstd stream")
		}
		return zr.IOReadCloser(), nil

	case strings.HasSuffix(mediaType, "xz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "xz stream")
		}
		return io.NopCloser(xr), nil

	case strings.HasSuffix(mediaType, "tar"):
		return io.NopCloser(r), nil

	default:
		return nil, errors.Newf("unsupported layer media type %q", mediaType)
	}
}
