// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chatsync/affiliation"
	"github.com/bureau-foundation/chatsync/health"
	"github.com/bureau-foundation/chatsync/ingest"
	"github.com/bureau-foundation/chatsync/lib/address"
	"github.com/bureau-foundation/chatsync/lib/config"
	"github.com/bureau-foundation/chatsync/lib/kvstore"
	"github.com/bureau-foundation/chatsync/lib/metrics"
	"github.com/bureau-foundation/chatsync/refresh"
	"github.com/bureau-foundation/chatsync/session"
	"github.com/bureau-foundation/chatsync/transport"
)

// settleTimeout bounds the wait for the initial refresh and for
// dispatch to drain after the capture is delivered.
const settleTimeout = time.Minute

// snapshot is the reconciled state printed by replay.
type snapshot struct {
	Account       string                          `json:"account"`
	Delivered     int                             `json:"delivered"`
	Health        health.Record                   `json:"health"`
	Refresh       refresh.Report                  `json:"refresh"`
	Ingest        ingest.Stats                    `json:"ingest"`
	Rooms         []session.Room                  `json:"rooms"`
	Contacts      []session.Contact               `json:"contacts"`
	Members       map[string][]affiliation.Member `json:"members,omitempty"`
	Conversations map[string][]ingest.Message     `json:"conversations"`
}

func runReplay(args []string, stdout io.Writer) error {
	var common commonFlags
	var recordPath, metricsAddress, active string
	flagSet := pflag.NewFlagSet("chatsync replay", pflag.ContinueOnError)
	common.register(flagSet)
	flagSet.StringVar(&recordPath, "record", "", "write every unit the session sends to this capture file (.zst to compress)")
	flagSet.StringVar(&metricsAddress, "metrics-addr", "", "serve Prometheus metrics on this address while replaying")
	flagSet.StringVar(&active, "active", "", "conversation open in the UI during the replay")
	proceed, err := parseFlags(flagSet, args)
	if err != nil || !proceed {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("replay takes exactly one capture file, got %d arguments", flagSet.NArg())
	}
	capturePath := flagSet.Arg(0)

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

	server := transport.NewMemory()
	server.Respond(transport.AnswerPings)
	server.Respond(transport.AnswerQueries)
	var outbound transport.Transport = server
	if recordPath != "" {
		recorder, err := transport.NewRecorder(server, recordPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.Error("closing capture", "path", recordPath, "error", err)
			}
		}()
		outbound = recorder
	}

	capture, err := transport.OpenCapture(capturePath)
	if err != nil {
		return err
	}
	defer capture.Close()

	engine, err := session.New(session.Config{
		Settings:  cfg,
		Local:     local,
		Nickname:  cfg.Account.Nickname,
		Transport: outbound,
		Store:     store,
		Logger:    logger,
		Metrics:   collectors,
	})
	if err != nil {
		return err
	}
	defer engine.Close()
	server.Attach(engine.Deliver)

	runCtx, cancelRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(runCtx) }()
	defer func() {
		cancelRun()
		<-runDone
	}()

	if active != "" {
		engine.SetActiveConversation(active)
	}
	if err := engine.Connect(ctx); err != nil {
		return err
	}
	if err := waitForRefresh(ctx, engine); err != nil {
		return err
	}

	delivered, err := capture.ReplayInto(ctx, engine.Deliver)
	if err != nil {
		return err
	}
	settleCtx, cancelSettle := context.WithTimeout(ctx, settleTimeout)
	defer cancelSettle()
	if err := engine.Settle(settleCtx); err != nil {
		return fmt.Errorf("waiting for dispatch: %w", err)
	}
	logger.Info("capture replayed", "path", capturePath, "units", delivered)

	state := snapshot{
		Account:       local.String(),
		Delivered:     delivered,
		Health:        engine.Health(),
		Refresh:       engine.LastRefresh(),
		Ingest:        engine.IngestStats(),
		Rooms:         engine.Rooms(),
		Contacts:      engine.Contacts(),
		Members:       make(map[string][]affiliation.Member),
		Conversations: make(map[string][]ingest.Message),
	}
	for _, room := range state.Rooms {
		if members := engine.Members(room.Address); len(members) > 0 {
			state.Members[room.Address] = members
		}
	}
	for _, conversation := range engine.Conversations() {
		state.Conversations[conversation] = engine.Messages(conversation)
	}

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(state)
}

// waitForRefresh blocks until the refresh started by Connect reports.
func waitForRefresh(ctx context.Context, engine *session.Session) error {
	timeout := time.NewTimer(settleTimeout)
	defer timeout.Stop()
	for {
		select {
		case event := <-engine.Events():
			if event.Kind == session.EventRefresh {
				return nil
			}
		case <-timeout.C:
			return errors.New("initial refresh did not finish")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func openStore(cfg *config.Config, logger *slog.Logger) (kvstore.Store, error) {
	if err := cfg.EnsureStoreDirectory(); err != nil {
		return nil, err
	}
	return kvstore.Open(kvstore.Config{
		Backend: cfg.Store.Backend,
		Path:    cfg.Store.Path,
		Logger:  logger.With("component", "kvstore"),
	})
}

// serveMetrics starts a /metrics endpoint and returns its shutdown.
func serveMetrics(listenAddress string, registry *prometheus.Registry, logger *slog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "address", listener.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}, nil
}
