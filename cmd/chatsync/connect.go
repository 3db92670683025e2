// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chatsync/lib/address"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/session"
	"github.com/bureau-foundation/chatsync/transport"
)

// runConnect runs a live session against a pre-negotiated stanza
// endpoint and prints one JSON line per session event until
// interrupted.
func runConnect(args []string, stdout io.Writer) error {
	var common commonFlags
	var serverAddress, metricsAddress, active string
	var dialTimeout time.Duration
	flagSet := pflag.NewFlagSet("chatsync connect", pflag.ContinueOnError)
	common.register(flagSet)
	flagSet.StringVar(&serverAddress, "server", "", "host:port of a stanza endpoint with an authenticated stream (required)")
	flagSet.DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "connection establishment timeout")
	flagSet.StringVar(&metricsAddress, "metrics-addr", "", "serve Prometheus metrics on this address")
	flagSet.StringVar(&active, "active", "", "conversation open in the UI")
	proceed, err := parseFlags(flagSet, args)
	if err != nil || !proceed {
		return err
	}
	if serverAddress == "" {
		return fmt.Errorf("--server is required")
	}
	if flagSet.NArg() != 0 {
		return fmt.Errorf("connect takes no arguments")
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	local, err := address.Parse(cfg.Account.Address)
	if err != nil {
		return fmt.Errorf("account address: %w", err)
	}
	logger := newLogger(common.verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	collectors, err := metrics.New(registry)
	if err != nil {
		return err
	}
	if metricsAddress != "" {
		shutdown, err := serveMetrics(metricsAddress, registry, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	stream, err := transport.NewStream(transport.StreamConfig{
		Address:     serverAddress,
		DialTimeout: dialTimeout,
		Logger:      logger.With("component", "transport"),
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	engine, err := session.New(session.Config{
		Settings:  cfg,
		Local:     local,
		Nickname:  cfg.Account.Nickname,
		Transport: stream,
		Store:     store,
		Logger:    logger,
		Metrics:   collectors,
	})
	if err != nil {
		return err
	}
	defer engine.Close()
	stream.Attach(engine.Deliver)

	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(ctx) }()

	if err := stream.Reauthenticate(ctx); err != nil {
		stop()
		<-runDone
		return err
	}
	if active != "" {
		engine.SetActiveConversation(active)
	}
	if err := engine.Connect(ctx); err != nil {
		stop()
		<-runDone
		return err
	}
	logger.Info("session connected", "account", local.String(), "server", serverAddress)

	encoder := json.NewEncoder(stdout)
	for {
		select {
		case event := <-engine.Events():
			if err := encoder.Encode(event); err != nil {
				logger.Warn("writing event", "error", err)
			}
		case <-ctx.Done():
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			engine.Disconnect(disconnectCtx)
			cancel()
			<-runDone
			return nil
		}
	}
}
