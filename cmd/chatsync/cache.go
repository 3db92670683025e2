// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chatsync/affiliation"
	"github.com/bureau-foundation/chatsync/lib/address"
	"github.com/bureau-foundation/chatsync/lib/kvstore"
)

func runCache(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New("cache requires an action: list or clear")
	}
	action := args[0]
	if action != "list" && action != "clear" {
		return fmt.Errorf("unknown cache action %q (want list or clear)", action)
	}

	var common commonFlags
	var jsonOutput bool
	flagSet := pflag.NewFlagSet("chatsync cache "+action, pflag.ContinueOnError)
	common.register(flagSet)
	if action == "list" {
		flagSet.BoolVar(&jsonOutput, "json", false, "print records as JSON")
	}
	proceed, err := parseFlags(flagSet, args[1:])
	if err != nil || !proceed {
		return err
	}
	if flagSet.NArg() != 0 {
		return fmt.Errorf("cache %s takes no arguments", action)
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if cfg.Store.Backend == "" || cfg.Store.Backend == kvstore.BackendMemory {
		return fmt.Errorf("cache %s needs a persistent store backend, configuration uses %q", action, kvstore.BackendMemory)
	}
	local, err := address.Parse(cfg.Account.Address)
	if err != nil {
		return fmt.Errorf("account address: %w", err)
	}
	logger := newLogger(common.verbose)

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if action == "clear" {
		removed, err := affiliation.ClearCache(ctx, store, local.BareString())
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "removed %d cached ownership records for %s\n", removed, local.BareString())
		return nil
	}
	return listCache(ctx, store, local.BareString(), jsonOutput, stdout)
}

func listCache(ctx context.Context, store kvstore.Store, account string, jsonOutput bool, stdout io.Writer) error {
	rooms, err := affiliation.ListCache(ctx, store, account)
	if err != nil {
		return err
	}
	if jsonOutput {
		if rooms == nil {
			rooms = []affiliation.CachedRoom{}
		}
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rooms)
	}
	if len(rooms) == 0 {
		fmt.Fprintf(stdout, "no cached ownership records for %s\n", account)
		return nil
	}
	for _, room := range rooms {
		fmt.Fprintf(stdout, "%s\towner=%t\tsource=%s\tobserved=%s\n",
			room.Room, room.Record.Owner, room.Record.Source,
			room.Record.ObservedAt.UTC().Format(time.RFC3339))
	}
	return nil
}
