//go:build linux

// Package config resolves the boot configuration from the kernel command
// line, falling back to the EFI NVRAM record written by a previous boot.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/wyrcan/wyrcan/internal/cmdline"
	"github.com/wyrcan/wyrcan/internal/efi"
)

// Variable is the NVRAM variable holding the JSON-encoded Config.
const Variable = "Wyrcan"

// Scope is the vendor UUID under which Variable lives.
//
//nolint:gochecknoglobals
var Scope = uuid.MustParse("6987e713-a5ff-4ec2-ad55-c1fca471ed2d")

//nolint:gochecknoglobals
var netKey = regexp.MustCompile(
	`^(?:wyrcan|wyr)\.net\.(?:(link|netdev|network)\.)?([A-Za-z0-9_-]+)\.([A-Za-z0-9]+)\.([A-Za-z0-9]+)$`,
)

// IniFile maps section names to their key/value entries.
type IniFile map[string]map[string]string

// Config is the resolved configuration driving a single boot attempt.
type Config struct {
	// Network files to write into /etc/systemd/network/
	Network map[string]IniFile `json:"network"`

	// Post-kexec cmdline arguments
	Cmdline []string `json:"cmdline"`

	// The container image to boot
	Image string `json:"image,omitempty"`
}

// Directive is the wyrcan.efi action requested on the kernel cmdline.
type Directive int

const (
	DirectiveNone Directive = iota
	DirectiveWrite
	DirectiveClear
)

// NewStore returns the NVRAM store scoped to the wyrcan vendor UUID.
func NewStore() *efi.Store {
	return efi.NewStore(Scope)
}

// Parse builds a Config from a kernel command line. Both the wyrcan. and
// wyr. prefixes are recognized; for img and efi the last write wins, arg
// values accumulate in order.
func Parse(line string) (Config, Directive, error) {
	scanner, err := cmdline.New(line)
	if err != nil {
		return Config{}, DirectiveNone, err
	}

	cfg := Config{Network: map[string]IniFile{}}
	directive := DirectiveNone

	for {
		k, v, ok := scanner.Next()
		if !ok {
			break
		}

		switch k {
		case "wyrcan.img", "wyr.img":
			cfg.Image = v
		case "wyrcan.arg", "wyr.arg":
			cfg.Cmdline = append(cfg.Cmdline, v)
		case "wyrcan.efi", "wyr.efi":
			switch v {
			case "write":
				directive = DirectiveWrite
			case "clear":
				directive = DirectiveClear
			}
		default:
			m := netKey.FindStringSubmatch(k)
			if m == nil {
				continue
			}
			kind := m[1]
			if kind == "" {
				kind = "network"
			}
			file := fmt.Sprintf("%s.%s", m[2], kind)

			f, ok := cfg.Network[file]
			if !ok {
				f = IniFile{}
				cfg.Network[file] = f
			}
			s, ok := f[m[3]]
			if !ok {
				s = map[string]string{}
				f[m[3]] = s
			}
			s[m[4]] = v
		}
	}

	return cfg, directive, nil
}

// Resolve parses line and, when it names no image, falls back to the NVRAM
// record. Read or decode failures of the record fall through silently to an
// empty Config; only a non-ASCII command line is an error.
func Resolve(line string, nvr *efi.Store) (Config, Directive, error) {
	cfg, directive, err := Parse(line)
	if err != nil {
		return Config{}, directive, err
	}
	if cfg.Image != "" {
		return cfg, directive, nil
	}

	if val, err := nvr.Read(Variable); err == nil {
		var saved Config
		if err := json.Unmarshal(val, &saved); err == nil {
			return saved, directive, nil
		}
	}

	return Config{Network: map[string]IniFile{}}, directive, nil
}

// Scan resolves the configuration from /proc/cmdline and nvr.
func Scan(nvr *efi.Store) (Config, Directive, error) {
	line, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return Config{}, DirectiveNone, errors.Wrap(err, "read /proc/cmdline")
	}
	return Resolve(string(line), nvr)
}

// Save serializes the Config as JSON into the NVRAM variable.
func (c Config) Save(nvr *efi.Store) error {
	val, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return nvr.Write(Variable, val)
}

// Wipe deletes the NVRAM variable if present.
func Wipe(nvr *efi.Store) error {
	if nvr.Exists(Variable) {
		return nvr.Clear(Variable)
	}
	return nil
}
