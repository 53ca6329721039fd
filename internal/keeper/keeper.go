// Package keeper is the daemon-side permissionless caller: a cron schedule
// that invokes RunCycle, records the result, updates metrics, and ships a
// summary to the operator webhook. The engine itself enforces all gates;
// the keeper is just a persistent caller identity.
package keeper

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aethercycle/aethercycle-engine/internal/engine"
	"github.com/aethercycle/aethercycle-engine/internal/metrics"
	"github.com/aethercycle/aethercycle-engine/internal/model"
	"github.com/aethercycle/aethercycle-engine/internal/notifier"
	"github.com/aethercycle/aethercycle-engine/internal/recorder"
)

// Keeper schedules cycle runs.
type Keeper struct {
	cron     *cron.Cron
	engine   *engine.Engine
	recorder recorder.Recorder
	notifier notifier.Notifier
	metrics  *metrics.Metrics
	address  model.Address
	log      zerolog.Logger
	ctx      context.Context
}

// New creates a keeper calling as address.
func New(ctx context.Context, eng *engine.Engine, rec recorder.Recorder, not notifier.Notifier, met *metrics.Metrics, address model.Address, log zerolog.Logger) *Keeper {
	return &Keeper{
		cron:     cron.New(cron.WithSeconds()),
		engine:   eng,
		recorder: rec,
		notifier: not,
		metrics:  met,
		address:  address,
		log:      log.With().Str("component", "keeper").Logger(),
		ctx:      ctx,
	}
}

// Register installs the cycle schedule and a status snapshot task.
func (k *Keeper) Register(cycleCron, statusCron string) error {
	if _, err := k.cron.AddFunc(cycleCron, k.cycleTask); err != nil {
		return fmt.Errorf("register cycle task: %w", err)
	}
	if _, err := k.cron.AddFunc(statusCron, k.statusTask); err != nil {
		return fmt.Errorf("register status task: %w", err)
	}
	return nil
}

// Start starts the schedule.
func (k *Keeper) Start() {
	k.cron.Start()
	k.log.Info().Msg("keeper started")
}

// Stop stops the schedule gracefully.
func (k *Keeper) Stop() {
	k.cron.Stop()
	k.log.Info().Msg("keeper stopped")
}

// RunNow triggers a cycle immediately (manual trigger / RUN_ON_START).
func (k *Keeper) RunNow() {
	k.cycleTask()
}

func (k *Keeper) cycleTask() {
	res, err := k.engine.RunCycle(k.address)
	if err != nil {
		k.log.Warn().Err(err).Msg("cycle not run")
		return
	}

	if k.metrics != nil {
		k.metrics.ObserveCycle(res)
	}
	if err := k.recorder.RecordCycle(res); err != nil {
		k.log.Error().Err(err).Msg("record cycle")
	}
	if res.Outcome == engine.OutcomeCompleted {
		k.trySend(notifier.FormatCycleReport(res))
	}
}

func (k *Keeper) statusTask() {
	st := k.engine.Status()
	if k.metrics != nil {
		k.metrics.ObserveStatus(st)
	}
	if err := k.recorder.RecordStatus(st); err != nil {
		k.log.Error().Err(err).Msg("record status")
	}
	if !st.Conserved {
		// A broken conservation equation is a logic defect, not a transient.
		k.log.Error().Msg("conservation check failed")
		k.trySend(notifier.FormatStatus(st))
	}
}

func (k *Keeper) trySend(text string) {
	if k.notifier == nil {
		return
	}
	if err := k.notifier.SendWithRetry(k.ctx, text, 3); err != nil {
		k.log.Error().Err(err).Msg("send notification")
	}
}
