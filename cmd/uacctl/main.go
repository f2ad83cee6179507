// Command uacctl controls and streams to a USB Audio Class device.
//
// Usage:
//
//	uacctl [global flags] <command> [command flags] [args]
//
// Commands:
//
//	list                          list USB devices (Linux only)
//	info                          show topology, rates, volumes and mute
//	volume <out|in> [get|min|max|set DB]
//	mute <out|in> [on|off]
//	rate <out|in> [get|set HZ|probe]
//	play -wav FILE | -tone HZ -duration D
//	record -out FILE -duration D
//	loopback -duration D
//
// With -sim every command runs against an in-memory device. The profiling
// flags take effect only in binaries built with -tags profile.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ardnew/softuac/config"
	"github.com/ardnew/softuac/pkg"
	"github.com/ardnew/softuac/pkg/prof"
)

// options are the global flags shared by every command.
type options struct {
	configPath string
	devicePath string
	vid        string
	pid        string
	simulate   bool
	discover   bool
	verbose    bool
	json       bool
	profile    prof.Options
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		pkg.LogError(pkg.ComponentCLI, "command failed", "error", err)
		os.Exit(1)
	}
}

// run parses args and executes one command, writing results to out.
func run(ctx context.Context, args []string, out io.Writer) error {
	var opts options
	fs := flag.NewFlagSet("uacctl", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&opts.devicePath, "device", "", "usbfs device node, e.g. /dev/bus/usb/001/004")
	fs.StringVar(&opts.vid, "vid", "", "Vendor ID (hex)")
	fs.StringVar(&opts.pid, "pid", "", "Product ID (hex)")
	fs.BoolVar(&opts.simulate, "sim", false, "Use the simulated device")
	fs.BoolVar(&opts.discover, "discover", false, "Read the topology from the device descriptors")
	fs.BoolVar(&opts.verbose, "v", false, "Enable verbose logging")
	fs.BoolVar(&opts.json, "json", false, "Output logs as JSON")
	fs.StringVar(&opts.profile.CPU, "cpuprofile", "", "Write a CPU profile to this file")
	fs.StringVar(&opts.profile.Heap, "memprofile", "", "Write a heap profile to this file on exit")
	fs.StringVar(&opts.profile.Block, "blockprofile", "", "Write a block profile to this file on exit")
	fs.StringVar(&opts.profile.HTTP, "pprof", "", "Serve /debug/pprof/ on this address")
	fs.Usage = func() {
		fmt.Fprintln(out, "usage: uacctl [flags] <list|info|volume|mute|rate|play|record|loopback> ...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(&opts)
	if err != nil {
		return err
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}
	name, rest := fs.Arg(0), fs.Args()[1:]

	cmd, ok := commands[name]
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown command %q", name)
	}

	session, err := prof.Start(opts.profile)
	if err != nil {
		return fmt.Errorf("start profiling: %w", err)
	}
	defer func() {
		if err := session.Stop(); err != nil {
			pkg.LogWarn(pkg.ComponentCLI, "profiling failed", "error", err)
		}
	}()

	pkg.LogDebug(pkg.ComponentCLI, "running command", "command", name, "args", rest)
	return cmd(ctx, &env{cfg: cfg, out: out}, rest)
}

// loadConfig reads the configuration file, applies the global flags on top
// of it and configures logging.
func loadConfig(opts *options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return cfg, err
		}
	}

	if opts.devicePath != "" {
		cfg.Device.Path = opts.devicePath
	}
	if opts.vid != "" {
		v, err := strconv.ParseUint(opts.vid, 16, 16)
		if err != nil {
			return cfg, pkg.Invalid("vid", opts.vid, "not a 16-bit hex value")
		}
		cfg.Device.VendorID = uint16(v)
	}
	if opts.pid != "" {
		v, err := strconv.ParseUint(opts.pid, 16, 16)
		if err != nil {
			return cfg, pkg.Invalid("pid", opts.pid, "not a 16-bit hex value")
		}
		cfg.Device.ProductID = uint16(v)
	}
	cfg.Device.Simulate = cfg.Device.Simulate || opts.simulate
	cfg.Device.Discover = cfg.Device.Discover || opts.discover

	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	if opts.json {
		cfg.Log.Format = "json"
	}
	if err := cfg.ApplyLogging(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
