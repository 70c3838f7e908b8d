//go:build linux

package boot

import (
	"fmt"
	"os"
	"path/filepath"
)

// Artifacts are the tmpfs outputs of a single extraction attempt. The
// names embed program and pid so concurrent runs cannot collide.
type Artifacts struct {
	Kernel string
	Initrd string
	Extra  string // cmdline file extracted from the image
}

// NewArtifacts reserves artifact paths under the system temp directory.
func NewArtifacts() *Artifacts {
	return newArtifacts(os.TempDir())
}

// newArtifacts reserves the artifact paths under dir.
func newArtifacts(dir string) *Artifacts {
	prog := filepath.Base(os.Args[0])
	pid := os.Getpid()
	return &Artifacts{
		Kernel: filepath.Join(dir, fmt.Sprintf("%s.%d.kernel", prog, pid)),
		Initrd: filepath.Join(dir, fmt.Sprintf("%s.%d.initrd", prog, pid)),
	}
}

// Remove unlinks the artifact files. Safe to call whether or not they
// were ever created.
func (a *Artifacts) Remove() {
	os.Remove(a.Kernel)
	os.Remove(a.Initrd)
}
