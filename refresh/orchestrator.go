// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/chatsync/health"
	"github.com/bureau-foundation/chatsync/lib/clock"
	"github.com/bureau-foundation/chatsync/lib/config"
	"github.com/bureau-foundation/chatsync/lib/metrics"
)

// Target is the session data a refresh pass reloads. Methods may be
// called concurrently for different rooms or contacts.
type Target interface {
	// FetchRoster reloads the contact list.
	FetchRoster(ctx context.Context) error

	// DiscoverRooms reloads the stored room list and returns it.
	DiscoverRooms(ctx context.Context) ([]string, error)

	// ActiveConversation returns the conversation open in the UI, or
	// "" when none is.
	ActiveConversation() (conversation string, group bool)

	// DirectConversations returns the known one-to-one conversations.
	DirectConversations() []string

	// VerifyOwnership reports whether the local identity owns room.
	VerifyOwnership(ctx context.Context, room string) (bool, error)

	// ReplayArchive fetches archived messages of a conversation newer
	// than what is already logged.
	ReplayArchive(ctx context.Context, conversation string, group bool) error

	// FetchAffiliations reloads a room's affiliation set.
	FetchAffiliations(ctx context.Context, room string) error

	// Contacts returns the bare addresses to probe for presence.
	Contacts() []string

	// ProbeContact asks for a contact's current presence.
	ProbeContact(ctx context.Context, contact string) error
}

// Mode is the kind of pass a run performed.
type Mode string

const (
	// ModeFull reloads everything.
	ModeFull Mode = "full"
	// ModeLimited reloads the critical data and the active
	// conversation, deferring the rest.
	ModeLimited Mode = "limited"
)

// Operation names used in failures and metrics.
const (
	OperationRoster       = "roster"
	OperationRooms        = "rooms"
	OperationOwnership    = "ownership"
	OperationArchive      = "archive"
	OperationAffiliations = "affiliations"
	OperationProbe        = "probe"
)

// Failure is one operation that failed during a pass. The pass carries
// on regardless.
type Failure struct {
	Operation string `json:"operation"`
	Target    string `json:"target,omitempty"`
	Err       error  `json:"-"`
	Message   string `json:"error"`
}

// Report summarizes the last pass of a run.
type Report struct {
	Mode       Mode           `json:"mode"`
	Quality    health.Quality `json:"quality"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Rooms      []string       `json:"rooms,omitempty"`
	Owned      []string       `json:"owned,omitempty"`
	Attempted  int            `json:"attempted"`
	Failures   []Failure      `json:"failures,omitempty"`
	// Deferred is set when the remaining work was scheduled for a
	// quality re-check.
	Deferred bool `json:"deferred"`
	// Passes counts this run's pass plus any coalesced follow-ups.
	Passes int `json:"passes"`
	// Coalesced is set when the call joined a run already in progress
	// instead of starting one.
	Coalesced bool `json:"coalesced"`
}

// Config wires an Orchestrator.
type Config struct {
	// Timing holds batch sizes, delays, deferral, and pacing. The zero
	// value means config.Default().Refresh.
	Timing config.RefreshConfig

	// Target is the data being refreshed. Required.
	Target Target

	// Quality reports the current link quality. Required.
	Quality func() health.Quality

	// OnReport is called after every pass, including deferred passes
	// started by a timer. May be nil.
	OnReport func(Report)

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Orchestrator runs refresh passes: the critical data first, then a
// full or limited pass chosen by link quality.
type Orchestrator struct {
	timing   config.RefreshConfig
	target   Target
	quality  func() health.Quality
	onReport func(Report)
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter

	mu        sync.Mutex
	running   bool
	pending   bool
	deferral  *clock.Timer
	deferrals int
	stopped   bool
}

// New returns an idle Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Target == nil {
		return nil, fmt.Errorf("refresh: target is required")
	}
	if cfg.Quality == nil {
		return nil, fmt.Errorf("refresh: quality function is required")
	}
	if cfg.Timing == (config.RefreshConfig{}) {
		cfg.Timing = config.Default().Refresh
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		timing:   cfg.Timing,
		target:   cfg.Target,
		quality:  cfg.Quality,
		onReport: cfg.OnReport,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Timing.QueriesPerSecond), cfg.Timing.QueryBurst),
	}, nil
}

// Run performs a refresh pass and returns its report. If a pass is
// already running, Run returns at once with Coalesced set and the
// running caller performs exactly one more pass when it finishes,
// however many requests arrived meanwhile.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	o.mu.Lock()
	if o.running {
		o.pending = true
		o.mu.Unlock()
		o.logger.Debug("refresh request coalesced")
		return Report{Coalesced: true}, nil
	}
	o.running = true
	o.stopped = false
	o.mu.Unlock()

	passes := 0
	for {
		report := o.pass(ctx)
		passes++
		report.Passes = passes

		o.mu.Lock()
		again := o.pending && ctx.Err() == nil
		o.pending = false
		if !again {
			o.running = false
		}
		o.mu.Unlock()

		if !again {
			return report, ctx.Err()
		}
	}
}

// Stop cancels a scheduled deferred pass.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	if o.deferral != nil {
		o.deferral.Stop()
		o.deferral = nil
	}
	o.deferrals = 0
}

// Deferred reports whether a deferred pass is scheduled.
func (o *Orchestrator) Deferred() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deferral != nil
}

func (o *Orchestrator) pass(ctx context.Context) Report {
	quality := o.quality()
	report := Report{Quality: quality, StartedAt: o.clock.Now()}
	outcomes := &outcomes{}

	o.logger.Info("refresh started", "quality", quality.String())

	// Critical data.
	o.settle(ctx, outcomes, OperationRoster, "", o.target.FetchRoster)
	rooms, err := o.target.DiscoverRooms(ctx)
	outcomes.record(OperationRooms, "", err)
	report.Rooms = rooms
	active, activeGroup := o.target.ActiveConversation()
	activeOwned := false
	if active != "" && activeGroup {
		owned, err := o.verify(ctx, active)
		outcomes.record(OperationOwnership, active, err)
		activeOwned = owned
	}

	quality = o.quality()
	report.Quality = quality
	if quality.Degraded() {
		report.Mode = ModeLimited
		o.limitedPass(ctx, outcomes, active, activeGroup, activeOwned)
		if activeOwned {
			report.Owned = []string{active}
		}
		report.Deferred = o.scheduleDeferral(ctx)
	} else {
		report.Mode = ModeFull
		report.Owned = o.fullPass(ctx, outcomes, rooms)
		o.mu.Lock()
		o.deferrals = 0
		o.mu.Unlock()
	}

	report.Attempted = outcomes.attempted
	report.Failures = outcomes.failures
	report.FinishedAt = o.clock.Now()
	o.metrics.RefreshRun(string(report.Mode))
	for _, failure := range report.Failures {
		o.metrics.RefreshFailure(failure.Operation)
	}
	o.logger.Info("refresh finished",
		"mode", string(report.Mode),
		"quality", quality.String(),
		"rooms", len(rooms),
		"attempted", report.Attempted,
		"failures", len(report.Failures),
		"deferred", report.Deferred,
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	if o.onReport != nil {
		o.onReport(report)
	}
	return report
}

func (o *Orchestrator) verify(ctx context.Context, room string) (bool, error) {
	if err := o.pace(ctx); err != nil {
		return false, err
	}
	return o.target.VerifyOwnership(ctx, room)
}

func (o *Orchestrator) fullPass(ctx context.Context, outcomes *outcomes, rooms []string) []string {
	var mu sync.Mutex
	var owned []string
	o.batches(ctx, rooms, o.roomBatchSize, func(room string) {
		isOwner, err := o.verify(ctx, room)
		outcomes.record(OperationOwnership, room, err)
		if err == nil && isOwner {
			mu.Lock()
			owned = append(owned, room)
			mu.Unlock()
		}
	})
	owned = ordered(rooms, owned)

	o.batches(ctx, o.target.DirectConversations(), o.roomBatchSize, func(conversation string) {
		o.settle(ctx, outcomes, OperationArchive, conversation, func(ctx context.Context) error {
			return o.target.ReplayArchive(ctx, conversation, false)
		})
	})
	o.batches(ctx, rooms, o.roomBatchSize, func(room string) {
		o.settle(ctx, outcomes, OperationArchive, room, func(ctx context.Context) error {
			return o.target.ReplayArchive(ctx, room, true)
		})
	})
	o.batches(ctx, owned, o.roomBatchSize, func(room string) {
		o.settle(ctx, outcomes, OperationAffiliations, room, func(ctx context.Context) error {
			return o.target.FetchAffiliations(ctx, room)
		})
	})
	o.batches(ctx, o.target.Contacts(), func() int { return o.timing.ContactBatchSize }, func(contact string) {
		o.settle(ctx, outcomes, OperationProbe, contact, func(ctx context.Context) error {
			return o.target.ProbeContact(ctx, contact)
		})
	})
	return owned
}

func (o *Orchestrator) limitedPass(ctx context.Context, outcomes *outcomes, active string, group, owned bool) {
	if active == "" {
		return
	}
	o.settle(ctx, outcomes, OperationArchive, active, func(ctx context.Context) error {
		return o.target.ReplayArchive(ctx, active, group)
	})
	if group && owned {
		o.settle(ctx, outcomes, OperationAffiliations, active, func(ctx context.Context) error {
			return o.target.FetchAffiliations(ctx, active)
		})
	}
}

// scheduleDeferral arms the quality re-check. It returns false once
// MaxDeferrals consecutive re-checks have found the link degraded.
func (o *Orchestrator) scheduleDeferral(ctx context.Context) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return false
	}
	if o.deferrals >= o.timing.MaxDeferrals {
		o.logger.Warn("deferred refresh abandoned",
			"deferrals", o.deferrals,
			"quality", o.quality().String(),
		)
		o.deferrals = 0
		return false
	}
	if o.deferral != nil {
		o.deferral.Stop()
	}
	var timer *clock.Timer
	timer = o.clock.AfterFunc(o.timing.DeferDelay, func() { o.recheck(ctx, timer) })
	o.deferral = timer
	return true
}

func (o *Orchestrator) recheck(ctx context.Context, timer *clock.Timer) {
	o.mu.Lock()
	if o.deferral != timer || o.stopped || ctx.Err() != nil {
		o.mu.Unlock()
		return
	}
	o.deferral = nil
	o.deferrals++
	deferrals := o.deferrals
	o.mu.Unlock()

	quality := o.quality()
	if quality.Degraded() {
		o.logger.Info("refresh still deferred",
			"quality", quality.String(),
			"deferrals", deferrals,
		)
		if !o.scheduleDeferral(ctx) && o.onReport != nil {
			o.onReport(Report{Mode: ModeLimited, Quality: quality, StartedAt: o.clock.Now(), FinishedAt: o.clock.Now()})
		}
		return
	}
	o.logger.Info("running deferred refresh", "quality", quality.String())
	if _, err := o.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("deferred refresh failed", "error", err)
	}
}

func (o *Orchestrator) roomBatchSize() int {
	if o.quality().Degraded() {
		return o.timing.DegradedRoomBatchSize
	}
	return o.timing.RoomBatchSize
}

func (o *Orchestrator) batchDelay() time.Duration {
	delays := o.timing.BatchDelay
	switch o.quality() {
	case health.Excellent:
		return delays.Excellent
	case health.Good:
		return delays.Good
	case health.Poor:
		return delays.Poor
	default:
		return delays.Unstable
	}
}

// batches runs work over targets in concurrent batches, waiting for a
// whole batch to settle and then for the quality-scaled delay before
// starting the next. The batch size is re-read per batch.
func (o *Orchestrator) batches(ctx context.Context, targets []string, size func() int, work func(string)) {
	for start := 0; start < len(targets); {
		if ctx.Err() != nil {
			return
		}
		if start > 0 {
			if err := o.sleep(ctx, o.batchDelay()); err != nil {
				return
			}
		}
		end := min(start+max(size(), 1), len(targets))
		var wg sync.WaitGroup
		for _, target := range targets[start:end] {
			wg.Add(1)
			go func() {
				defer wg.Done()
				work(target)
			}()
		}
		wg.Wait()
		start = end
	}
}

// settle runs one paced operation and records its outcome.
func (o *Orchestrator) settle(ctx context.Context, outcomes *outcomes, operation, target string, run func(context.Context) error) {
	err := o.pace(ctx)
	if err == nil {
		err = run(ctx)
	}
	outcomes.record(operation, target, err)
	if err != nil {
		o.logger.Debug("refresh operation failed",
			"operation", operation,
			"target", target,
			"error", err,
		)
	}
}

// pace waits for the query limiter using the injected clock.
func (o *Orchestrator) pace(ctx context.Context) error {
	now := o.clock.Now()
	reservation := o.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return fmt.Errorf("refresh: query limiter rejects requests")
	}
	if err := o.sleep(ctx, reservation.DelayFrom(now)); err != nil {
		reservation.CancelAt(now)
		return err
	}
	return nil
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-o.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type outcomes struct {
	mu        sync.Mutex
	attempted int
	failures  []Failure
}

func (c *outcomes) record(operation, target string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempted++
	if err != nil {
		c.failures = append(c.failures, Failure{Operation: operation, Target: target, Err: err, Message: err.Error()})
	}
}

// ordered returns the members of subset in the order they appear in all.
func ordered(all, subset []string) []string {
	if len(subset) == 0 {
		return nil
	}
	keep := make(map[string]bool, len(subset))
	for _, item := range subset {
		keep[item] = true
	}
	result := make([]string, 0, len(subset))
	for _, item := range all {
		if keep[item] {
			result = append(result, item)
		}
	}
	return result
}
