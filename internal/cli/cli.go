// Package cli holds the console prompts guarding destructive operations.
package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

//nolint:gochecknoglobals
var (
	// YesFlag enables automatic yes to prompts.
	YesFlag bool

	reader = bufio.NewReader(os.Stdin)
)

const warning = `
⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠ WARNING ⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠

On some buggy hardware, modifying an EFI variable can cause the hardware to
become unresponsive. Proceeding with this action could cause irreversible
damage to your hardware. The developers of Wyrcan are not liable for any
hardware defects triggered by this action.

⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠ WARNING ⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠⚠

Would you like to proceed? [yes/no]
`

// ConfirmDestructive shows the EFI warning banner and requires the literal
// answer "yes". Anything else, a read failure, or a non-interactive stdin
// declines.
//
//nolint:forbidigo
func ConfirmDestructive() bool {
	fmt.Print(warning)

	if YesFlag {
		fmt.Println("yes")
		return true
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == "yes"
}

// PressEnterToReboot blocks until the user acknowledges the reboot. With
// YesFlag set or a non-terminal stdin it returns at once.
//
//nolint:forbidigo
func PressEnterToReboot() {
	fmt.Println("Press enter or return to reboot.")
	if YesFlag || !term.IsTerminal(int(os.Stdin.Fd())) {
		return
	}
	_, _ = reader.ReadString('\n')
}
