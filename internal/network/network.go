//go:build linux

// Package network turns wyrcan.net.* directives into systemd-networkd
// configuration fragments and inventories the machine's links.
package network

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/jsimonetti/rtnetlink/v2"

	"github.com/wyrcan/wyrcan/internal/config"
)

// OutDir is where systemd-networkd picks up its configuration.
const OutDir = "/etc/systemd/network"

// Defaults returns the fallback configuration applied when no net.*
// directives are given: DHCP and router advertisements on every ethernet
// link.
func Defaults() map[string]config.IniFile {
	return map[string]config.IniFile{
		"autoconf.network": {
			"Match":   {"Type": "ether"},
			"Network": {"DHCP": "yes", "IPv6AcceptRA": "yes"},
		},
	}
}

// Render writes one INI file per entry of netcfg into outdir. An empty
// netcfg falls back to Defaults. Sections and keys are emitted in sorted
// order, each section followed by a blank line.
func Render(netcfg map[string]config.IniFile, outdir string) error {
	if len(netcfg) == 0 {
		netcfg = Defaults()
	}

	for _, file := range sortedKeys(netcfg) {
		if err := renderFile(filepath.Join(outdir, file), netcfg[file]); err != nil {
			return err
		}
	}
	return nil
}

func renderFile(path string, sections config.IniFile) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}

	w := bufio.NewWriter(f)
	for _, sect := range sortedKeys(sections) {
		fmt.Fprintf(w, "[%s]\n", sect)
		entries := sections[sect]
		for _, name := range sortedKeys(entries) {
			fmt.Fprintf(w, "%s=%s\n", name, entries[name])
		}
		fmt.Fprintln(w)
	}

	err = w.Flush()
	if err1 := f.Close(); err1 != nil && err == nil {
		err = err1
	}
	return errors.Wrapf(err, "write %s", path)
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Link is a one-line summary of a network interface.
type Link struct {
	Name  string
	MAC   net.HardwareAddr
	State string
}

// Links lists the ethernet interfaces via rtnetlink.
func Links() ([]Link, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, errors.Wrap(err, "error dialing rtnetlink socket")
	}
	defer conn.Close()

	msgs, err := conn.Link.List()
	if err != nil {
		return nil, errors.Wrap(err, "error listing links")
	}

	var links []Link
	for _, msg := range msgs {
		if msg.Attributes == nil || msg.Type != 1 { // ARPHRD_ETHER
			continue
		}
		state := "down"
		if msg.Attributes.OperationalState == rtnetlink.OperStateUp {
			state = "up"
		}
		links = append(links, Link{
			Name:  msg.Attributes.Name,
			MAC:   msg.Attributes.Address,
			State: state,
		})
	}
	return links, nil
}
