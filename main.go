package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bhid/internal/atomicfile"
	"bhid/internal/config"
	"bhid/internal/registry"
)

// Process exit codes (spec.md §6).
const (
	exitOK               = 0
	exitGeneric          = 1
	exitConfigMissing    = 2
	exitPermissionDenied = 3
)

// trackerAddrs accumulates repeated -tracker name=host:port flags into a
// name->address map (tracker host addresses live outside bhid.conf, which
// only records connection definitions — spec.md §6 names the file layout
// but leaves tracker-address provisioning to the operator).
type trackerAddrs map[string]string

func (t trackerAddrs) String() string { return fmt.Sprintf("%v", map[string]string(t)) }

func (t trackerAddrs) Set(value string) error {
	name, addr, ok := strings.Cut(value, "=")
	if !ok || name == "" || addr == "" {
		return fmt.Errorf("expected -tracker name=host:port, got %q", value)
	}
	t[name] = addr
	return nil
}

func main() {
	configDir := flag.String("config-dir", "", "configuration directory (default "+config.DefaultConfigDir()+")")
	suffix := flag.String("suffix", "", "suffix for this instance's control socket and pidfile, for running multiple daemons on one host")
	trackers := make(trackerAddrs)
	flag.Var(&trackers, "tracker", "tracker-name=host:port, repeatable")
	flag.Parse()

	if err := run(*configDir, *suffix, trackers); err != nil {
		fmt.Fprintf(os.Stderr, "bhid: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode classifies run's returned error into spec.md §6's process exit
// codes. Config-directory and RSA-identity reads in registry.New, and the
// pidfile write, all wrap the underlying os error chain (*PathError via
// fmt.Errorf %w), so errors.Is sees through to it here.
func exitCode(err error) int {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return exitConfigMissing
	case errors.Is(err, os.ErrPermission):
		return exitPermissionDenied
	default:
		return exitGeneric
	}
}

func run(configDir, suffix string, trackers trackerAddrs) error {
	paths := config.New(configDir, suffix)
	reg, err := registry.New(configDir, suffix)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	if err := writePidfile(paths.PidFile()); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	defer os.Remove(paths.PidFile())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if err := reg.Reload(); err != nil {
					fmt.Fprintf(os.Stderr, "bhid: reload: %v\n", err)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				cancel()
				return
			}
		}
	}()

	return reg.Start(ctx, trackers)
}

func writePidfile(path string) error {
	return atomicfile.Write(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
