//go:build linux && amd64

package boot

// Architecture-specific syscall numbers for amd64.
const (
	// sysKexecFileLoad is the syscall number for kexec_file_load on amd64.
	// long kexec_file_load(int kernel_fd, int initrd_fd, unsigned long cmdline_len,
	//                      const char *cmdline, unsigned long flags);
	sysKexecFileLoad = 320
)
