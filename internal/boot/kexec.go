//go:build linux

package boot

import (
	"os"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/wyrcan/wyrcan/internal/efi"
)

// kexecLoadedPath reads "1\n" once the kernel holds a staged image.
//
//nolint:gochecknoglobals
var kexecLoadedPath = "/sys/kernel/kexec_loaded"

const (
	loadedPollInterval = 100 * time.Millisecond
	loadedPollCeiling  = 30 * time.Second
)

// kexecSyscall is a seam for tests; the kernel returns values at or above
// -4096 (as an unsigned word) to signal an error of -retval, which the
// syscall layer hands back as errno.
//
//nolint:gochecknoglobals
var kexecSyscall = unix.Syscall6

// Load stages kernel and initrd for execution on the next kexec reboot.
// cmdline is passed to the staged kernel NUL-terminated.
func Load(kernel, initrd *os.File, cmdline string) error {
	buf := append([]byte(cmdline), 0)

	_, _, errno := kexecSyscall(
		sysKexecFileLoad,
		kernel.Fd(),                      // kernel_fd
		initrd.Fd(),                      // initrd_fd
		uintptr(len(buf)),                // cmdline_len, including the NUL
		uintptr(unsafe.Pointer(&buf[0])), // cmdline
		0,                                // flags
		0,                                // unused
	)
	if errno != 0 {
		return kexecError(errno)
	}
	return nil
}

// LoadPaths opens the artifact files and stages them.
func LoadPaths(kernelPath, initrdPath, cmdline string) error {
	kernel, err := os.Open(kernelPath)
	if err != nil {
		return errors.Wrap(err, "open kernel")
	}
	defer kernel.Close()

	initrd, err := os.Open(initrdPath)
	if err != nil {
		return errors.Wrap(err, "open initrd")
	}
	defer initrd.Close()

	return Load(kernel, initrd, cmdline)
}

// WaitLoaded polls until the kernel confirms the staged image.
func WaitLoaded() error {
	deadline := time.Now().Add(loadedPollCeiling)
	for {
		data, err := os.ReadFile(kexecLoadedPath)
		if err != nil {
			return errors.Wrapf(err, "read %s", kexecLoadedPath)
		}
		if string(data) == "1\n" {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Newf("kernel did not report a staged image within %s", loadedPollCeiling)
		}
		time.Sleep(loadedPollInterval)
	}
}

// Reboot syncs and restarts, jumping into the staged kernel when kexec is
// true. On success it does not return.
func Reboot(kexec bool) error {
	unix.Sync()

	cmd := unix.LINUX_REBOOT_CMD_RESTART
	if kexec {
		cmd = unix.LINUX_REBOOT_CMD_KEXEC
	}
	if err := unix.Reboot(cmd); err != nil {
		return errors.Wrap(err, "reboot")
	}
	return nil
}

// kexecError translates the kexec_file_load errno into something a console
// user can act on.
func kexecError(errno syscall.Errno) error {
	switch errno { //nolint:exhaustive
	case unix.ENOSYS:
		return errors.Wrap(errno, "kexec support is disabled in the kernel (CONFIG_KEXEC_FILE not enabled)")
	case unix.EPERM:
		// EPERM can mean the sysctl is off, lockdown is active (usually
		// via Secure Boot), or the kernel wants a signed image.
		lockdownData, _ := os.ReadFile("/sys/kernel/security/lockdown")
		lockdown := strings.TrimSpace(string(lockdownData))
		if strings.Contains(lockdown, "[confidentiality]") || strings.Contains(lockdown, "[integrity]") {
			if state, err := efi.GetSecureBootState(); err == nil && state.Enabled {
				logrus.Warn("Secure Boot is enabled, which activates kernel lockdown")
			}
			return errors.Wrapf(errno, "kexec blocked: kernel is in lockdown mode (%s)", lockdown)
		}
		sysctlData, _ := os.ReadFile("/proc/sys/kernel/kexec_load_disabled")
		if strings.TrimSpace(string(sysctlData)) == "1" {
			return errors.Wrap(errno, "kexec is disabled via the kernel.kexec_load_disabled sysctl")
		}
		return errors.Wrap(errno, "kexec blocked: permission denied")
	case unix.EBUSY:
		return errors.Wrap(errno, "kexec is busy (another kexec may be in progress)")
	case unix.EKEYREJECTED:
		return errors.Wrap(errno, "kernel signature verification failed")
	default:
		return errors.Wrapf(errno, "loading kernel for kexec (errno %d)", int(errno))
	}
}
