//go:build linux

// Package efi reads and writes EFI NVRAM variables through efivarfs.
package efi

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const efiVarsPath = "/sys/firmware/efi/efivars"

// fsImmutableFL is the Linux FS_IMMUTABLE_FL inode flag (linux/fs.h). It is
// not exported by golang.org/x/sys/unix, so it is defined here directly.
const fsImmutableFL = 0x10

//nolint:gochecknoglobals
var scopeGlobal = uuid.MustParse("8be4df61-93ca-11d2-aa0d-00e098032b8c")

type attribute uint32

const (
	attrNonVolatile attribute = 1 << iota
	attrBootserviceAccess
	attrRuntimeAccess
)

// defaultAttrs is the attribute word written in front of every payload:
// non-volatile, boot-service and runtime access (0x00000007).
const defaultAttrs = attrNonVolatile | attrBootserviceAccess | attrRuntimeAccess

// Store provides access to the variables of a single vendor UUID.
type Store struct {
	base  string
	scope uuid.UUID
}

// NewStore returns a Store for the given vendor UUID backed by efivarfs.
func NewStore(scope uuid.UUID) *Store {
	return &Store{base: efiVarsPath, scope: scope}
}

// NewStoreAt is like NewStore with an alternate mount point.
func NewStoreAt(base string, scope uuid.UUID) *Store {
	return &Store{base: base, scope: scope}
}

func (s *Store) path(name string) string {
	return fmt.Sprintf("%s/%s-%s", s.base, name, s.scope.String())
}

// Exists reports whether the variable is present.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Read returns the variable payload with the 4-byte attribute word stripped.
func (s *Store) Read(name string) ([]byte, error) {
	val, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q in scope %s", name, s.scope)
	}
	if len(val) < 4 {
		return nil, errors.Newf("reading %q in scope %s: malformed, less than 4 bytes long", name, s.scope)
	}
	return val[4:], nil
}

// Write stores value under name, prefixed with the attribute word. An
// existing variable has its immutable inode flag cleared first.
func (s *Store) Write(name string, value []byte) error {
	path := s.path(name)

	if _, err := os.Stat(path); err == nil {
		if err := clearImmutable(path); err != nil {
			return errors.Wrapf(err, "clearing immutable flag on %q", name)
		}
	}

	// Linux wants the attribute word and payload in a single write.
	buf := make([]byte, len(value)+4)
	binary.LittleEndian.PutUint32(buf[:4], uint32(defaultAttrs))
	copy(buf[4:], value)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "writing %q in scope %s", name, s.scope)
	}
	_, err = f.Write(buf)
	if err1 := f.Close(); err1 != nil && err == nil {
		err = err1
	}
	return errors.Wrapf(err, "writing %q in scope %s", name, s.scope)
}

// Clear unlinks the variable, removing its immutable inode flag first.
func (s *Store) Clear(name string) error {
	path := s.path(name)

	if err := clearImmutable(path); err != nil {
		return errors.Wrapf(err, "clearing immutable flag on %q", name)
	}

	return errors.Wrapf(os.Remove(path), "removing %q in scope %s", name, s.scope)
}

// clearImmutable drops FS_IMMUTABLE_FL from the file at path. Filesystems
// without flag support (ENOTTY, ENOTSUP) have nothing to clear.
func clearImmutable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	flags, err := unix.IoctlGetInt(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.ENOTSUP) {
			return nil
		}
		return err
	}
	if flags&fsImmutableFL == 0 {
		return nil
	}
	return unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS, flags&^fsImmutableFL)
}

// SecureBootState represents the current Secure Boot status.
type SecureBootState struct {
	Enabled   bool // SecureBoot variable is 1
	SetupMode bool // SetupMode variable is 1
}

// IsUEFIBoot returns true if the system is booted using UEFI.
func IsUEFIBoot() bool {
	_, err := os.Stat("/sys/firmware/efi")
	return err == nil
}

// GetSecureBootState reads the current Secure Boot state from the global
// scope. Payload of both variables is a single byte.
func GetSecureBootState() (SecureBootState, error) {
	if !IsUEFIBoot() {
		return SecureBootState{}, errors.New("not a UEFI system")
	}

	state := SecureBootState{}
	global := NewStore(scopeGlobal)

	sb, err := global.Read("SecureBoot")
	if err != nil {
		return state, errors.Wrap(err, "failed to read SecureBoot variable")
	}
	if len(sb) >= 1 {
		state.Enabled = sb[0] == 1
	}

	sm, err := global.Read("SetupMode")
	if err != nil {
		// SetupMode might not exist on all systems, not critical
		return state, nil
	}
	if len(sm) >= 1 {
		state.SetupMode = sm[0] == 1
	}

	return state, nil
}
