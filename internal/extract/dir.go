//go:build linux

package extract

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/wyrcan/wyrcan/internal/unpack"
)

// Tree materializes surviving entries into a directory on disk.
type Tree struct {
	Root string
}

// Run drains the unpacker into the tree.
func (t *Tree) Run(u *unpack.Unpacker) error {
	bundles, err := u.Bundles()
	if err != nil {
		return err
	}
	defer func() {
		for _, b := range bundles {
			b.Close()
		}
	}()

	for _, b := range bundles {
		for {
			entry, err := b.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := t.write(entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// write places a single entry, refusing anything that would escape Root.
func (t *Tree) write(e *unpack.Entry) error {
	hdr := e.Header
	target := filepath.Join(t.Root, e.Path)

	cleanDest := filepath.Clean(t.Root)
	if !t.contains(target) {
		logrus.Warnf("skipping entry escaping destination: %s", hdr.Name)
		return nil
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&os.ModePerm); err != nil {
			return errors.Wrapf(err, "create directory %s", e.Path)
		}

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.Wrapf(err, "create directory for %s", e.Path)
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)&os.ModePerm)
		if err != nil {
			return errors.Wrapf(err, "create file %s", e.Path)
		}
		if _, err := io.Copy(f, e); err != nil {
			f.Close()
			return errors.Wrapf(err, "extract %s", e.Path)
		}
		if err := f.Close(); err != nil {
			return errors.Wrapf(err, "close %s", e.Path)
		}

	case tar.TypeSymlink:
		// Validate the target does not escape the destination.
		link := hdr.Linkname
		if !filepath.IsAbs(link) {
			link = filepath.Join(filepath.Dir(target), link)
		} else {
			link = filepath.Join(cleanDest, link)
		}
		if !t.contains(link) {
			logrus.Warnf("skipping symlink escape: %s -> %s", e.Path, hdr.Linkname)
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.Wrapf(err, "create directory for %s", e.Path)
		}
		_ = os.Remove(target)
		if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
			return errors.Wrapf(err, "symlink %s", e.Path)
		}

	case tar.TypeLink:
		source := filepath.Join(t.Root, trimLeadingSlash(hdr.Linkname))
		if !t.contains(source) {
			logrus.Warnf("skipping hardlink escape: %s -> %s", e.Path, hdr.Linkname)
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.Wrapf(err, "create directory for %s", e.Path)
		}
		if err := os.Link(source, target); err != nil && !os.IsExist(err) {
			logrus.Warnf("hardlink %s -> %s: %v", e.Path, hdr.Linkname, err)
		}

	case tar.TypeChar, tar.TypeBlock:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.Wrapf(err, "create directory for %s", e.Path)
		}
		dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
		mode := uint32(hdr.Mode) & 0o7777
		if hdr.Typeflag == tar.TypeChar {
			mode |= unix.S_IFCHR
		} else {
			mode |= unix.S_IFBLK
		}
		if err := unix.Mknod(target, mode, int(dev)); err != nil {
			logrus.Warnf("mknod %s: %v", e.Path, err)
		}

	case tar.TypeFifo:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.Wrapf(err, "create directory for %s", e.Path)
		}
		if err := unix.Mkfifo(target, uint32(hdr.Mode)&0o7777); err != nil {
			logrus.Warnf("mkfifo %s: %v", e.Path, err)
		}
	}

	return nil
}

func (t *Tree) contains(p string) bool {
	cleanDest := filepath.Clean(t.Root)
	clean := filepath.Clean(p)
	return clean == cleanDest || strings.HasPrefix(clean, cleanDest+string(os.PathSeparator))
}
