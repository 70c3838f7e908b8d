//go:build linux

// Package extract routes the surviving entries of a layer stack: the
// kernel image and the embedded cmdline are teed into side channels, the
// remaining filesystem is repacked as a newc cpio initrd.
package extract

import (
	"archive/tar"
	"io"
	"path"
	"time"

	"github.com/cavaliergopher/cpio"
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/wyrcan/wyrcan/internal/unpack"
)

// LookAside diverts entries matching a predicate away from the initrd.
// Entries are consumed topmost layer first, so the first diverted copy is
// the one that overlay semantics would surface; later copies are drained
// and dropped.
type LookAside struct {
	match func(p string) bool
	w     io.Writer
	found bool
}

// Kernel matches conventional kernel artifacts (basename vmlinuz*).
func Kernel(w io.Writer) *LookAside {
	return &LookAside{
		match: func(p string) bool {
			ok, _ := path.Match("vmlinuz*", path.Base(p))
			return ok
		},
		w: w,
	}
}

// Cmdline matches a cmdline file at the image root.
func Cmdline(w io.Writer) *LookAside {
	return &LookAside{
		match: func(p string) bool { return p == "cmdline" },
		w:     w,
	}
}

func (l *LookAside) take(e *unpack.Entry) (bool, error) {
	if l == nil || !l.match(e.Path) || e.Header.Typeflag != tar.TypeReg {
		return false, nil
	}
	if l.found {
		return true, nil
	}
	l.found = true
	if _, err := io.Copy(l.w, e); err != nil {
		return true, errors.Wrapf(err, "divert %s", e.Path)
	}
	return true, nil
}

// Extract drains an unpacker into its three outputs.
type Extract struct {
	Kernel  *LookAside
	Initrd  io.Writer
	Cmdline *LookAside
}

// Run consumes every bundle of u in order. It fails when the stack
// contains no kernel image.
func (e *Extract) Run(u *unpack.Unpacker) error {
	bundles, err := u.Bundles()
	if err != nil {
		return err
	}
	defer func() {
		for _, b := range bundles {
			b.Close()
		}
	}()

	w := newInitrdWriter(e.Initrd)

	for _, b := range bundles {
		for {
			entry, err := b.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}

			if taken, err := e.Kernel.take(entry); taken || err != nil {
				if err != nil {
					return err
				}
				continue
			}
			if taken, err := e.Cmdline.take(entry); taken || err != nil {
				if err != nil {
					return err
				}
				continue
			}

			if err := w.write(entry); err != nil {
				return err
			}
		}
	}

	if err := w.close(); err != nil {
		return err
	}

	if e.Kernel == nil || !e.Kernel.found {
		return errors.New("no kernel image (vmlinuz*) found in image")
	}
	return nil
}

// initrdWriter repacks tar entries as a newc cpio stream.
type initrdWriter struct {
	w       *cpio.Writer
	nextIno int64
	inodes  map[string]int64
}

func newInitrdWriter(w io.Writer) *initrdWriter {
	return &initrdWriter{
		w:       cpio.NewWriter(w),
		nextIno: 1,
		inodes:  map[string]int64{},
	}
}

func (w *initrdWriter) header(e *unpack.Entry, mode int64, size int64) *cpio.Header {
	ino := w.nextIno
	w.nextIno++
	w.inodes[e.Path] = ino

	mtime := e.Header.ModTime
	if mtime.IsZero() {
		mtime = time.Unix(0, 0)
	}

	return &cpio.Header{
		Name:    e.Path,
		Inode:   ino,
		Mode:    cpio.FileMode(mode),
		Links:   1,
		ModTime: mtime,
		Size:    size,
	}
}

func (w *initrdWriter) write(e *unpack.Entry) error {
	perm := int64(e.Header.Mode) & 0o7777

	switch e.Header.Typeflag {
	case tar.TypeReg:
		hdr := w.header(e, perm|unix.S_IFREG, e.Header.Size)
		if err := w.w.WriteHeader(hdr); err != nil {
			return errors.Wrapf(err, "cpio header %s", e.Path)
		}
		if _, err := io.Copy(w.w, e); err != nil {
			return errors.Wrapf(err, "cpio body %s", e.Path)
		}

	case tar.TypeDir:
		if err := w.w.WriteHeader(w.header(e, perm|unix.S_IFDIR, 0)); err != nil {
			return errors.Wrapf(err, "cpio header %s", e.Path)
		}

	case tar.TypeSymlink:
		// A symlink body is its target path.
		target := []byte(e.Header.Linkname)
		hdr := w.header(e, perm|unix.S_IFLNK, int64(len(target)))
		if err := w.w.WriteHeader(hdr); err != nil {
			return errors.Wrapf(err, "cpio header %s", e.Path)
		}
		if _, err := w.w.Write(target); err != nil {
			return errors.Wrapf(err, "cpio body %s", e.Path)
		}

	case tar.TypeLink:
		// Hardlinks share the inode of their target.
		hdr := w.header(e, perm|unix.S_IFREG, 0)
		if ino, ok := w.inodes[normalizeLink(e.Header.Linkname)]; ok {
			hdr.Inode = ino
			hdr.Links = 2
		}
		if err := w.w.WriteHeader(hdr); err != nil {
			return errors.Wrapf(err, "cpio header %s", e.Path)
		}

	case tar.TypeChar:
		if err := w.w.WriteHeader(w.header(e, perm|unix.S_IFCHR, 0)); err != nil {
			return errors.Wrapf(err, "cpio header %s", e.Path)
		}

	case tar.TypeBlock:
		if err := w.w.WriteHeader(w.header(e, perm|unix.S_IFBLK, 0)); err != nil {
			return errors.Wrapf(err, "cpio header %s", e.Path)
		}

	case tar.TypeFifo:
		if err := w.w.WriteHeader(w.header(e, perm|unix.S_IFIFO, 0)); err != nil {
			return errors.Wrapf(err, "cpio header %s", e.Path)
		}
	}

	return nil
}

func (w *initrdWriter) close() error {
	return errors.Wrap(w.w.Close(), "finish initrd")
}

func normalizeLink(name string) string {
	return path.Clean(trimLeadingSlash(name))
}

func trimLeadingSlash(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	return s
}
