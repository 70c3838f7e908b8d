//go:build linux

// Package boot wires the whole chain together: configuration resolution,
// image extraction, EFI persistence, and the kexec jump into the target
// kernel.
package boot

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/wyrcan/wyrcan/internal/cli"
	"github.com/wyrcan/wyrcan/internal/config"
	"github.com/wyrcan/wyrcan/internal/efi"
	"github.com/wyrcan/wyrcan/internal/extract"
	"github.com/wyrcan/wyrcan/internal/image"
	"github.com/wyrcan/wyrcan/internal/iotools"
	"github.com/wyrcan/wyrcan/internal/network"
	"github.com/wyrcan/wyrcan/internal/unpack"
)

// DefaultTries is the extract retry ceiling: up to DefaultTries+1 attempts.
const DefaultTries = 5

const noImage = `
No container image target (wyrcan.img=IMG) could be found!

You can use the following kernel cmdline arguments to control Wyrcan:

  * wyrcan.img=IMG - Specifies which container will be booted. IMG should be
    a container name in the usual format. For example:

      wyrcan.img=registry.gitlab.com/wyrcan/debian:latest

  * wyrcan.arg=ARG - Passes the specified cmdline arguments to the container's
    kernel. The arguments will be ignored by the Wyrcan kernel. For example,
    the "quiet" argument will be active for the inner kernel only:

      wyrcan.arg=quiet

  * wyrcan.efi=write - Saves the wyrcan.img and wyrcan.arg parameters to EFI
    NVRAM. This enables persistent, automated boot.

  * wyrcan.efi=clear - Removes all previously stored values from EFI NVRAM.
    This disables persistent, automated boot.
`

// Fetch pulls ref and materializes the kernel and initrd artifacts,
// storing the image's embedded extra cmdline in arts. One attempt, no
// retries; partial outputs are left for the caller to discard.
func Fetch(ref string, arts *Artifacts, quiet bool) error {
	img, err := image.Pull(ref)
	if err != nil {
		return err
	}
	layers, err := img.Layers()
	if err != nil {
		return err
	}

	kernel, err := os.Create(arts.Kernel)
	if err != nil {
		return errors.Wrap(err, "create kernel artifact")
	}
	defer kernel.Close()

	initrd, err := os.Create(arts.Initrd)
	if err != nil {
		return errors.Wrap(err, "create initrd artifact")
	}
	defer initrd.Close()
	buffered := bufio.NewWriterSize(initrd, 1<<20)

	meter := iotools.NewMeter(quiet)
	var extra bytes.Buffer

	ex := &extract.Extract{
		Kernel:  extract.Kernel(kernel),
		Initrd:  buffered,
		Cmdline: extract.Cmdline(&extra),
	}
	if err := ex.Run(unpack.New(layers, meter)); err != nil {
		return err
	}
	if err := buffered.Flush(); err != nil {
		return errors.Wrap(err, "flush initrd")
	}
	if err := initrd.Sync(); err != nil {
		return errors.Wrap(err, "sync initrd")
	}

	meter.Done()
	arts.Extra = extra.String()
	return nil
}

// FetchWithRetry runs Fetch up to tries+1 times, sleeping 2^k seconds
// between attempts.
func FetchWithRetry(ref string, arts *Artifacts, tries int, quiet bool) error {
	return fetchWithRetry(ref, arts, tries, quiet, Fetch, time.Sleep)
}

func fetchWithRetry(
	ref string,
	arts *Artifacts,
	tries int,
	quiet bool,
	fetch func(string, *Artifacts, bool) error,
	sleep func(time.Duration),
) error {
	for k := 0; ; k++ {
		err := fetch(ref, arts, quiet)
		if err == nil {
			return nil
		}
		arts.Remove()
		if k >= tries {
			return err
		}
		backoff := time.Duration(1<<k) * time.Second
		logrus.Warnf("extract failed (attempt %d/%d), retrying in %s: %v", k+1, tries+1, backoff, err)
		sleep(backoff)
	}
}

// Orchestrator is the boot state machine.
type Orchestrator struct {
	Store  *efi.Store
	Tries  int
	Quiet  bool
	TmpDir string

	// seams, overridden in tests
	resolve func(*efi.Store) (config.Config, config.Directive, error)
	fetch   func(string, *Artifacts, bool) error
	sleep   func(time.Duration)
	load    func(kernel, initrd, cmdline string) error
	reboot  func(kexec bool) error
	confirm func() bool
	pause   func()
}

// NewOrchestrator returns an Orchestrator wired to the real system.
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{
		Store:   config.NewStore(),
		Tries:   DefaultTries,
		TmpDir:  os.TempDir(),
		resolve: config.Scan,
		fetch:   Fetch,
		sleep:   time.Sleep,
		load: func(kernel, initrd, cmdline string) error {
			if err := LoadPaths(kernel, initrd, cmdline); err != nil {
				return err
			}
			return WaitLoaded()
		},
		reboot:  Reboot,
		confirm: cli.ConfirmDestructive,
		pause:   cli.PressEnterToReboot,
	}
}

// Run resolves the configuration and drives a single boot attempt. On the
// happy path it does not return: the process ends inside the kexec jump.
func (o *Orchestrator) Run() error {
	cfg, directive, err := o.resolve(o.Store)
	if err != nil {
		logrus.Warnf("error: %v", err)
		o.pause()
		return o.reboot(false)
	}

	// If the cmdline says to clear EFI, do it and restart.
	if directive == config.DirectiveClear {
		if o.confirm() {
			if err := config.Wipe(o.Store); err != nil {
				return err
			}
		}
		return o.reboot(false)
	}

	// Without an image there is nothing to boot; leave some documentation.
	if cfg.Image == "" {
		fmt.Print(noImage)
		printLinks()
		o.pause()
		return o.reboot(false)
	}

	logrus.Infof("Loading: %s", cfg.Image)

	arts := newArtifacts(o.TmpDir)
	defer arts.Remove()

	if err := fetchWithRetry(cfg.Image, arts, o.Tries, o.Quiet, o.fetch, o.sleep); err != nil {
		return err
	}

	// If requested, persist the configuration and restart instead of
	// booting; the next boot will pick the record up from NVRAM.
	if directive == config.DirectiveWrite {
		if o.confirm() {
			if err := cfg.Save(o.Store); err != nil {
				return err
			}
		}
		o.pause()
		return o.reboot(false)
	}

	args := append([]string{arts.Extra}, cfg.Cmdline...)
	all := strings.Join(args, " ")

	logrus.Infof("Booting: %s (%s)", cfg.Image, all)
	if err := o.load(arts.Kernel, arts.Initrd, all); err != nil {
		return err
	}
	return o.reboot(true)
}

// printLinks lists the discovered network interfaces so the console user
// can write wyrcan.net.* directives against them.
func printLinks() {
	links, err := network.Links()
	if err != nil || len(links) == 0 {
		return
	}
	fmt.Println("Detected network interfaces:")
	for _, l := range links {
		fmt.Printf("  %-12s %s (%s)\n", l.Name, l.MAC, l.State)
	}
	fmt.Println()
}
