// Copyright 2022-2025 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gpupressure

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// BootGrace is added to the hold time before a worker is terminated. Worker
// startup is not synchronized with the parent, so the grace has to cover
// process exec, device initialization and the allocation itself.
const BootGrace = 300 * time.Millisecond

// Schedule describes one oscillation cycle.
type Schedule struct {
	UnitMiB   uint
	Hold      time.Duration
	Idle      time.Duration
	BootGrace time.Duration
}

// Period is the minimum time between two consecutive launches.
func (s Schedule) Period() time.Duration {
	return s.Hold + s.BootGrace + s.Idle
}

// Phase is a state of the oscillation cycle.
type Phase int

const (
	PhaseLaunching Phase = iota
	PhaseHolding
	PhaseTerminating
	PhaseIdle
)

func (p Phase) String() string {
	switch p {
	case PhaseLaunching:
		return "launching"
	case PhaseHolding:
		return "holding"
	case PhaseTerminating:
		return "terminating"
	case PhaseIdle:
		return "idle"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Transition is reported to an Observer when the controller enters a phase.
type Transition struct {
	Cycle  int
	Phase  Phase
	At     time.Time
	Worker *Worker
}

// Observer receives every transition synchronously, before the phase's action.
type Observer func(Transition)

// Controller drives the launch, hold, terminate, idle cycle forever. Only one
// worker is alive at a time: the next launch happens after the previous worker
// was sent its termination request and the idle time has elapsed.
type Controller struct {
	launcher Launcher
	schedule Schedule
	clock    clock.Clock
	observer Observer
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) ControllerOption {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithObserver installs a transition callback.
func WithObserver(o Observer) ControllerOption {
	return func(ctl *Controller) { ctl.observer = o }
}

func NewController(launcher Launcher, schedule Schedule, opts ...ControllerOption) *Controller {
	c := &Controller{
		launcher: launcher,
		schedule: schedule,
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run oscillates until ctx is cancelled or a launch fails. A launch failure is
// returned as is and is meant to be fatal: retrying would silently stop
// producing pressure. On cancellation the in-flight worker, if any, is asked
// to terminate before Run returns ctx.Err().
func (c *Controller) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"size_mib": c.schedule.UnitMiB,
		"hold":     c.schedule.Hold,
		"idle":     c.schedule.Idle,
		"grace":    c.schedule.BootGrace,
	}).Info("Starting memory oscillation")
	for cycle := 1; ; cycle++ {
		if err := c.cycle(ctx, cycle); err != nil {
			return err
		}
	}
}

func (c *Controller) cycle(ctx context.Context, cycle int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := log.WithField("cycle", cycle)

	c.enter(cycle, PhaseLaunching, nil)
	logger.Info("Oscillating memory allocating...")
	w, err := c.launcher.Launch(c.schedule.UnitMiB)
	if err != nil {
		return fmt.Errorf("cycle %d: launching worker: %w", cycle, err)
	}
	logger = logger.WithField("pid", w.PID)
	logger.Debugf("worker launched holding %d MiB", w.SizeMiB)

	c.enter(cycle, PhaseHolding, w)
	if err := c.sleep(ctx, c.schedule.Hold+c.schedule.BootGrace); err != nil {
		c.terminate(logger, w)
		return err
	}

	c.enter(cycle, PhaseTerminating, w)
	c.terminate(logger, w)
	logger.Info("Oscillating memory freed")

	c.enter(cycle, PhaseIdle, nil)
	return c.sleep(ctx, c.schedule.Idle)
}

func (c *Controller) terminate(logger *log.Entry, w *Worker) {
	if err := w.RequestTermination(); err != nil {
		logger.Debugf("termination request not delivered: %v", err)
	}
}

func (c *Controller) enter(cycle int, phase Phase, w *Worker) {
	if c.observer == nil {
		return
	}
	c.observer(Transition{Cycle: cycle, Phase: phase, At: c.clock.Now(), Worker: w})
}

// sleep waits d without spinning. A non-positive d only checks ctx.
func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
