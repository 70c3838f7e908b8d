// Package image is the registry client: it resolves an OCI reference to
// its ordered stack of compressed layers.
package image

import (
	"crypto/tls"
	"io"
	"net/http"
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// Layer is a single element of an image manifest: a content-addressed,
// compressed tar stream.
type Layer interface {
	// Digest returns the content digest of the compressed layer.
	Digest() string

	// MediaType selects the decompressor for the layer stream.
	MediaType() string

	// Open starts the download and returns the compressed size and stream.
	Open() (int64, io.ReadCloser, error)
}

// Image is a resolved manifest.
type Image struct {
	ref name.Reference
	img v1.Image
}

// transport clones DefaultTransport to preserve connection pooling,
// timeouts, and keep-alive settings.
func transport() http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	return t
}

// Pull resolves ref against its registry for the local platform. Layer
// contents are not fetched until each Layer is opened.
func Pull(ref string) (*Image, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid image reference %q", ref)
	}

	platform := v1.Platform{
		Architecture: runtime.GOARCH,
		OS:           "linux",
	}

	img, err := remote.Image(parsed,
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithPlatform(platform),
		remote.WithTransport(transport()),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "pull image %s", ref)
	}

	return &Image{ref: parsed, img: img}, nil
}

// Reference returns the image reference as given.
func (i *Image) Reference() string {
	return i.ref.String()
}

// Layers returns the manifest layers, base layer first.
func (i *Image) Layers() ([]Layer, error) {
	layers, err := i.img.Layers()
	if err != nil {
		return nil, errors.Wrap(err, "get layers")
	}

	out := make([]Layer, 0, len(layers))
	for _, l := range layers {
		digest, err := l.Digest()
		if err != nil {
			return nil, errors.Wrap(err, "get layer digest")
		}
		mt, err := l.MediaType()
		if err != nil {
			return nil, errors.Wrap(err, "get layer media type")
		}
		out = append(out, &remoteLayer{
			layer:     l,
			digest:    digest.String(),
			mediaType: string(mt),
		})
	}
	return out, nil
}

type remoteLayer struct {
	layer     v1.Layer
	digest    string
	mediaType string
}

func (l *remoteLayer) Digest() string    { return l.digest }
func (l *remoteLayer) MediaType() string { return l.mediaType }

func (l *remoteLayer) Open() (int64, io.ReadCloser, error) {
	size, err := l.layer.Size()
	if err != nil {
		return 0, nil, errors.Wrapf(err, "size of layer %s", l.digest)
	}
	rc, err := l.layer.Compressed()
	if err != nil {
		return 0, nil, errors.Wrapf(err, "open layer %s", l.digest)
	}
	return size, rc, nil
}

// Tags lists the tags of the repository holding ref.
func Tags(ref string) ([]string, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid image reference %q", ref)
	}

	tags, err := remote.List(parsed.Context(),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithTransport(transport()),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "list tags of %s", ref)
	}
	return tags, nil
}
