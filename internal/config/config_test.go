//go:build linux

package config

import (
	"reflect"
	"testing"

	"github.com/wyrcan/wyrcan/internal/efi"
)

func TestParseMerge(t *testing.T) {
	cfg, directive, err := Parse("wyrcan.img=r/d:1 wyr.arg=quiet wyrcan.arg=ro")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if directive != DirectiveNone {
		t.Errorf("directive = %v, want DirectiveNone", directive)
	}
	if cfg.Image != "r/d:1" {
		t.Errorf("Image = %q, want %q", cfg.Image, "r/d:1")
	}
	if want := []string{"quiet", "ro"}; !reflect.DeepEqual(cfg.Cmdline, want) {
		t.Errorf("Cmdline = %v, want %v", cfg.Cmdline, want)
	}
	if len(cfg.Network) != 0 {
		t.Errorf("Network = %v, want empty", cfg.Network)
	}
}

func TestParseLastImageWins(t *testing.T) {
	cfg, _, err := Parse("wyrcan.img=a/b:1 wyr.img=c/d:2")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.Image != "c/d:2" {
		t.Errorf("Image = %q, want %q", cfg.Image, "c/d:2")
	}
}

func TestParseEfiDirective(t *testing.T) {
	tests := []struct {
		line string
		want Directive
	}{
		{"wyrcan.efi=write", DirectiveWrite},
		{"wyr.efi=clear", DirectiveClear},
		{"wyrcan.efi=bogus", DirectiveNone},
		{"wyrcan.efi=write wyr.efi=clear", DirectiveClear},
		{"quiet ro", DirectiveNone},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, got, err := Parse(tt.line)
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("directive = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseNetwork(t *testing.T) {
	cfg, _, err := Parse(
		"wyrcan.net.eth0.Match.Name=eth0 " +
			"wyr.net.link.eth0.Link.MTUBytes=9000 " +
			"wyrcan.net.netdev.bond0.NetDev.Kind=bond " +
			"wyrcan.net.eth0.Network.DHCP=yes",
	)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	want := map[string]IniFile{
		"eth0.network": {
			"Match":   {"Name": "eth0"},
			"Network": {"DHCP": "yes"},
		},
		"eth0.link": {
			"Link": {"MTUBytes": "9000"},
		},
		"bond0.netdev": {
			"NetDev": {"Kind": "bond"},
		},
	}
	if !reflect.DeepEqual(cfg.Network, want) {
		t.Errorf("Network = %v, want %v", cfg.Network, want)
	}
}

func TestParseNetworkRejectsBadKeys(t *testing.T) {
	lines := []string{
		"wyrcan.net.bad-kind.eth0.Match.Name=x", // unknown kind with 5 parts
		"wyrcan.net.eth0.Match=x",               // missing key segment
		"wyrcan.net.eth0.Ma tch.Name=x",         // invalid section characters
		"wyrcanx.net.eth0.Match.Name=x",         // wrong prefix
	}
	for _, line := range lines {
		cfg, _, err := Parse(line)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", line, err)
		}
		if len(cfg.Network) != 0 {
			t.Errorf("Parse(%q).Network = %v, want empty", line, cfg.Network)
		}
	}
}

func TestParseNotASCII(t *testing.T) {
	if _, _, err := Parse("wyrcan.img=caf\xc3\xa9"); err == nil {
		t.Error("Parse() accepted non-ASCII input")
	}
}

func TestResolveCmdlineWins(t *testing.T) {
	nvr := efi.NewStoreAt(t.TempDir(), Scope)
	saved := Config{Image: "saved/img:1", Cmdline: []string{"ro"}}
	if err := saved.Save(nvr); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	cfg, _, err := Resolve("wyrcan.img=live/img:2", nvr)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cfg.Image != "live/img:2" {
		t.Errorf("Image = %q, want the cmdline image", cfg.Image)
	}
}

func TestResolveFallsBackToNVRAM(t *testing.T) {
	nvr := efi.NewStoreAt(t.TempDir(), Scope)
	saved := Config{
		Image:   "r/d:1",
		Cmdline: []string{"ro"},
		Network: map[string]IniFile{},
	}
	if err := saved.Save(nvr); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	cfg, _, err := Resolve("quiet splash", nvr)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cfg.Image != "r/d:1" {
		t.Errorf("Image = %q, want %q", cfg.Image, "r/d:1")
	}
	if want := []string{"ro"}; !reflect.DeepEqual(cfg.Cmdline, want) {
		t.Errorf("Cmdline = %v, want %v", cfg.Cmdline, want)
	}
}

func TestResolveBadNVRAMFallsThrough(t *testing.T) {
	nvr := efi.NewStoreAt(t.TempDir(), Scope)
	if err := nvr.Write(Variable, []byte("not json")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	cfg, _, err := Resolve("quiet", nvr)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cfg.Image != "" {
		t.Errorf("Image = %q, want empty", cfg.Image)
	}
}

func TestResolveMissingNVRAM(t *testing.T) {
	nvr := efi.NewStoreAt(t.TempDir(), Scope)
	cfg, _, err := Resolve("", nvr)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cfg.Image != "" || len(cfg.Cmdline) != 0 {
		t.Errorf("Resolve() = %+v, want empty config", cfg)
	}
}

func TestSaveWipe(t *testing.T) {
	nvr := efi.NewStoreAt(t.TempDir(), Scope)

	cfg := Config{Image: "r/d:1"}
	if err := cfg.Save(nvr); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if !nvr.Exists(Variable) {
		t.Fatal("variable missing after Save()")
	}
	if err := Wipe(nvr); err != nil {
		t.Fatalf("Wipe() error: %v", err)
	}
	if nvr.Exists(Variable) {
		t.Error("variable present after Wipe()")
	}

	// Wiping an absent variable is not an error.
	if err := Wipe(nvr); err != nil {
		t.Errorf("second Wipe() error: %v", err)
	}
}
