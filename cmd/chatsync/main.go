// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// chatsync drives a client session engine. It replays a recorded
// stanza capture through a session wired to a scripted in-memory
// server and prints the reconciled state, runs a live session against
// a stanza endpoint, and inspects the persisted room ownership cache.
//
// Usage:
//
//	chatsync replay [flags] <capture.xml[.zst]>
//	chatsync connect --server host:port [flags]
//	chatsync cache list [flags]
//	chatsync cache clear [flags]
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chatsync/lib/config"
	"github.com/bureau-foundation/chatsync/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	// Handle --version before subcommand dispatch.
	if len(args) > 0 && args[0] == "--version" {
		fmt.Fprintf(stdout, "chatsync %s\n", version.Info())
		return nil
	}
	if len(args) == 0 {
		printUsage(os.Stderr)
		return errors.New("a subcommand is required")
	}
	switch args[0] {
	case "replay":
		return runReplay(args[1:], stdout)
	case "connect":
		return runConnect(args[1:], stdout)
	case "cache":
		return runCache(args[1:], stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `chatsync replays stanza captures through a client session and
inspects its persisted state.

Usage:
  chatsync replay [flags] <capture>   print the reconciled session state as JSON
  chatsync connect --server <addr>    run a live session, printing events as JSON lines
  chatsync cache list [flags]         list cached room ownership records
  chatsync cache clear [flags]        delete cached room ownership records
  chatsync --version

Run "chatsync <subcommand> --help" for flags.
`)
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
	address    string
	verbose    bool
}

func (f *commonFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "configuration file (default: $"+config.EnvironmentVariable+", else built-in defaults)")
	flagSet.StringVar(&f.address, "address", "", "account address, overriding account.address from the configuration")
	flagSet.BoolVarP(&f.verbose, "verbose", "v", false, "log at debug level")
}

// load resolves the configuration. Without --config or the environment
// variable, the built-in defaults apply with an in-memory store.
func (f *commonFlags) load() (*config.Config, error) {
	path := f.configPath
	if path == "" {
		path = os.Getenv(config.EnvironmentVariable)
	}
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if f.address != "" {
		cfg.Account.Address = f.address
	}
	if cfg.Account.Address == "" {
		return nil, errors.New("no account address: set account.address or pass --address")
	}
	return cfg, nil
}

func parseFlags(flagSet *pflag.FlagSet, args []string) (bool, error) {
	flagSet.SetOutput(os.Stderr)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
