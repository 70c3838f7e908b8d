//go:build linux

// Command wyrcan is the container bootloader: it turns an OCI image into a
// bootable kernel and initrd and jumps into them with kexec.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wyrcan/wyrcan/internal/boot"
	"github.com/wyrcan/wyrcan/internal/cli"
	"github.com/wyrcan/wyrcan/internal/config"
	"github.com/wyrcan/wyrcan/internal/extract"
	"github.com/wyrcan/wyrcan/internal/image"
	"github.com/wyrcan/wyrcan/internal/iotools"
	"github.com/wyrcan/wyrcan/internal/network"
	"github.com/wyrcan/wyrcan/internal/unpack"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})

	root := &cobra.Command{
		Use:          "wyrcan",
		Short:        "The Container Bootloader",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&cli.YesFlag, "yes", false, "automatic yes to prompts")
	_ = root.PersistentFlags().MarkHidden("yes")

	root.AddCommand(
		bootCommand(),
		kexecCommand(),
		efiCommand(),
		netCommand(),
		morphCommand(),
		unpackCommand(),
		tagsCommand(),
	)

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

// bootCommand runs the orchestrator. It is what the initramfs init invokes;
// nobody types it, so it stays out of the help text.
func bootCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "boot",
		Short:  "Boot the configured container image",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return boot.NewOrchestrator().Run()
		},
	}
}

func kexecCommand() *cobra.Command {
	var (
		quiet bool
		tries int
	)

	cmd := &cobra.Command{
		Use:   "kexec IMAGE",
		Short: "Fetch an image, load its kernel, and reboot into it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arts := boot.NewArtifacts()
			defer arts.Remove()

			if err := boot.FetchWithRetry(args[0], arts, tries, quiet); err != nil {
				return err
			}
			if err := boot.LoadPaths(arts.Kernel, arts.Initrd, arts.Extra); err != nil {
				return err
			}
			if err := boot.WaitLoaded(); err != nil {
				return err
			}
			return boot.Reboot(true)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "don't display progress")
	cmd.Flags().IntVarP(&tries, "tries", "t", boot.DefaultTries, "extract retry ceiling")
	return cmd
}

// efiCommand acts on a wyrcan.efi=write|clear directive from the kernel
// cmdline. Hidden like boot: it exists for the initramfs unit files.
func efiCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "efi",
		Short:  "Persist or erase the boot configuration in EFI NVRAM",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nvr := config.NewStore()
			cfg, directive, err := config.Scan(nvr)
			if err != nil {
				return err
			}

			switch directive {
			case config.DirectiveWrite:
				if cfg.Image != "" && cli.ConfirmDestructive() {
					return cfg.Save(nvr)
				}
				return nil

			case config.DirectiveClear:
				if cli.ConfirmDestructive() {
					if err := config.Wipe(nvr); err != nil {
						return err
					}
				}
				return boot.Reboot(false)

			default:
				return nil
			}
		},
	}
}

func netCommand() *cobra.Command {
	var outdir string

	cmd := &cobra.Command{
		Use:   "net",
		Short: "Generate systemd-networkd files from the boot configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := config.Scan(config.NewStore())
			if err != nil {
				return err
			}
			return network.Render(cfg.Network, outdir)
		},
	}
	cmd.Flags().StringVarP(&outdir, "outdir", "o", network.OutDir, "output directory")
	return cmd
}

func morphCommand() *cobra.Command {
	var (
		kernelPath  string
		initrdPath  string
		cmdlinePath string
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "morph IMAGE",
		Short: "Morph a container into the files necessary for boot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				created []string
				files   []*os.File
			)
			sink := func(path string) (io.Writer, error) {
				if path == "" {
					return io.Discard, nil
				}
				f, err := os.Create(path)
				if err != nil {
					return nil, err
				}
				created = append(created, path)
				files = append(files, f)
				return f, nil
			}

			run := func() error {
				kernel, err := sink(kernelPath)
				if err != nil {
					return err
				}
				initrd, err := sink(initrdPath)
				if err != nil {
					return err
				}
				cmdline, err := sink(cmdlinePath)
				if err != nil {
					return err
				}

				img, err := image.Pull(args[0])
				if err != nil {
					return err
				}
				layers, err := img.Layers()
				if err != nil {
					return err
				}

				ex := &extract.Extract{
					Kernel:  extract.Kernel(kernel),
					Initrd:  initrd,
					Cmdline: extract.Cmdline(cmdline),
				}
				return ex.Run(unpack.New(layers, iotools.NewMeter(quiet)))
			}

			err := run()
			for _, f := range files {
				if cerr := f.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}
			if err != nil {
				for _, path := range created {
					os.Remove(path)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&kernelPath, "kernel", "k", "", "path to store the kernel")
	cmd.Flags().StringVarP(&initrdPath, "initrd", "i", "", "path to store the initrd")
	cmd.Flags().StringVarP(&cmdlinePath, "cmdline", "c", "", "path to store the cmdline")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "don't display progress")
	return cmd
}

func unpackCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "unpack IMAGE DIR",
		Short: "Extract a container image into a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(args[1], 0o755); err != nil {
				return err
			}

			img, err := image.Pull(args[0])
			if err != nil {
				return err
			}
			layers, err := img.Layers()
			if err != nil {
				return err
			}

			tree := &extract.Tree{Root: args[1]}
			return tree.Run(unpack.New(layers, iotools.NewMeter(quiet)))
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "don't display progress")
	return cmd
}

func tagsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tags IMAGE",
		Short: "List the tags of an image's repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tags, err := image.Tags(args[0])
			if err != nil {
				return err
			}
			for _, tag := range tags {
				fmt.Println(tag)
			}
			return nil
		},
	}
}
