// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"time"

	"github.com/livekit/egress-control/pkg/config"
	"github.com/livekit/egress-control/pkg/egress"
	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/egress-control/pkg/finalizer"
	"github.com/livekit/egress-control/pkg/registry"
	"github.com/livekit/egress-control/pkg/stats"
	"github.com/livekit/egress-control/pkg/types"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
)

type Outcome string

const (
	OutcomeStopped        Outcome = "stopped"
	OutcomeAlreadyStopped Outcome = "already_stopped"
	OutcomeConfirmed      Outcome = "confirmed"
	OutcomePending        Outcome = "pending"
	OutcomeFailed         Outcome = "failed"
)

type Finalizer interface {
	Finalize(ctx context.Context, egressID string, result *types.TerminalResult) (*finalizer.FinalizeResult, error)
}

type StopResult struct {
	Outcome   Outcome
	Finalized *finalizer.FinalizeResult
}

// Orchestrator stops an egress with bounded retries, confirming by listing
// when the egress api never acknowledges, and hands terminal jobs to the finalizer.
type Orchestrator struct {
	conf      config.StopConfig
	client    egress.Client
	registry  *registry.Registry
	finalizer Finalizer
	monitor   *stats.Monitor
}

func New(conf config.StopConfig, client egress.Client, reg *registry.Registry, f Finalizer, monitor *stats.Monitor) *Orchestrator {
	if conf.MaxAttempts < 1 {
		conf.MaxAttempts = 1
	}
	if conf.ConfirmPolls < 1 {
		conf.ConfirmPolls = 1
	}

	return &Orchestrator{
		conf:      conf,
		client:    client,
		registry:  reg,
		finalizer: f,
		monitor:   monitor,
	}
}

func (o *Orchestrator) Stop(ctx context.Context, egressID string) (*StopResult, error) {
	if egressID == "" {
		return nil, errors.ErrInvalidInput("recordingId")
	}

	// bounded by the attempt and poll counts, not by the caller
	ctx = context.WithoutCancel(ctx)

	res, err := o.stop(ctx, egressID)
	if err != nil {
		o.monitor.IncStopOutcome(string(OutcomeFailed))
		return nil, err
	}

	o.monitor.IncStopOutcome(string(res.Outcome))
	return res, nil
}

func (o *Orchestrator) stop(ctx context.Context, egressID string) (*StopResult, error) {
	l := logger.GetLogger().WithValues("egressID", egressID)

	// finalization runs on ctx, outside the stop budget
	stopCtx := ctx
	if budget := o.conf.Budget(); budget > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, budget+o.conf.RequestTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= o.conf.MaxAttempts; attempt++ {
		result, err := o.client.Stop(stopCtx, egressID)
		o.monitor.IncStopAttempt(string(errors.Class(err)))

		switch {
		case err == nil && types.IsTerminal(result.Status):
			return o.finalize(ctx, egressID, OutcomeStopped, result)

		case err == nil:
			// ending: the encoder may still be writing
			l.Debugw("stop acknowledged", "status", result.Status)
			gone, confirmErr := o.confirm(stopCtx, egressID)
			if !gone {
				l.Infow("egress still ending, leaving finalization to webhook", "reason", errString(confirmErr))
				return &StopResult{Outcome: OutcomePending}, nil
			}
			return o.finalize(ctx, egressID, OutcomeStopped, result)

		case errors.IsAlreadyTerminal(err):
			l.Debugw("egress already stopped", "reason", err.Error())
			return o.finalize(ctx, egressID, OutcomeAlreadyStopped, egress.Synthesized(egressID))

		case errors.IsTransient(err):
			lastErr = err
			l.Infow("stop failed, retrying", "attempt", attempt, "maxAttempts", o.conf.MaxAttempts, "reason", err.Error())
			if attempt < o.conf.MaxAttempts {
				if err = sleep(stopCtx, o.conf.RetryDelay); err != nil {
					return nil, lastErr
				}
			}

		default:
			l.Warnw("stop failed", err)
			return nil, err
		}
	}

	gone, err := o.confirm(stopCtx, egressID)
	if !gone {
		if err != nil {
			l.Warnw("could not list egress", err)
		}
		return nil, errors.ErrStopUnconfirmed(egressID, lastErr)
	}

	l.Infow("stop confirmed by listing")
	return o.finalize(ctx, egressID, OutcomeConfirmed, egress.Synthesized(egressID))
}

// confirm polls the active egress list, reporting true once a successful listing omits the job.
func (o *Orchestrator) confirm(ctx context.Context, egressID string) (bool, error) {
	var roomName string
	if job, ok := o.registry.Get(egressID); ok {
		roomName = job.RoomName
	}

	var lastErr error
	for poll := 0; poll < o.conf.ConfirmPolls; poll++ {
		if poll > 0 {
			if err := sleep(ctx, o.conf.ConfirmDelay); err != nil {
				return false, err
			}
		}

		items, err := o.client.List(ctx, roomName)
		if err != nil {
			lastErr = err
			continue
		}
		if !listed(items, egressID) {
			return true, nil
		}
		lastErr = nil
	}
	return false, lastErr
}

func (o *Orchestrator) finalize(ctx context.Context, egressID string, outcome Outcome, result *types.TerminalResult) (*StopResult, error) {
	finalized, err := o.finalizer.Finalize(ctx, egressID, result)
	if err != nil {
		return nil, err
	}
	return &StopResult{
		Outcome:   outcome,
		Finalized: finalized,
	}, nil
}

func listed(items []*livekit.EgressInfo, egressID string) bool {
	for _, item := range items {
		if item.EgressId == egressID && !types.IsTerminal(item.Status) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
