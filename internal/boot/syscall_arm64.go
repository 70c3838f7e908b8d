//go:build linux && arm64

package boot

// Architecture-specific syscall numbers for arm64.
const (
	// sysKexecFileLoad is the syscall number for kexec_file_load on arm64.
	// long kexec_file_load(int kernel_fd, int initrd_fd, unsigned long cmdline_len,
	//                      const char *cmdline, unsigned long flags);
	sysKexecFileLoad = 294
)
