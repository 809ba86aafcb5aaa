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
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"
)

type launchEvent struct {
	pid  int
	size uint
	at   time.Time
}

// fakeLauncher hands out in-memory workers and records when they were
// launched and terminated.
type fakeLauncher struct {
	clock clock.PassiveClock

	mu           sync.Mutex
	launches     []launchEvent
	terminations []launchEvent
	alive        map[int]bool
	maxAlive     int
	waits        int

	// failAt makes the n-th launch (1-based) fail with launchErr.
	failAt    int
	launchErr error
	// vanish makes every worker die on its own right after launch.
	vanish bool
}

func newFakeLauncher(c clock.PassiveClock) *fakeLauncher {
	return &fakeLauncher{clock: c, alive: map[int]bool{}}
}

func (f *fakeLauncher) Launch(sizeMiB uint) (*Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt != 0 && len(f.launches)+1 == f.failAt {
		return nil, f.launchErr
	}
	pid := 1000 + len(f.launches)
	now := f.clock.Now()
	f.launches = append(f.launches, launchEvent{pid: pid, size: sizeMiB, at: now})
	done := make(chan struct{})
	if f.vanish {
		close(done)
	} else {
		f.alive[pid] = true
		f.maxAlive = max(f.maxAlive, len(f.alive))
	}
	terminate := func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.terminations = append(f.terminations, launchEvent{pid: pid, size: sizeMiB, at: f.clock.Now()})
		if !f.alive[pid] {
			return os.ErrProcessDone
		}
		delete(f.alive, pid)
		close(done)
		return nil
	}
	return NewWorker(pid, sizeMiB, now, terminate, done), nil
}

// Wait counts how often the program waited for its workers to be reaped.
func (f *fakeLauncher) Wait() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	return nil
}

func (f *fakeLauncher) snapshot() (launches, terminations []launchEvent, alive, maxAlive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]launchEvent(nil), f.launches...), append([]launchEvent(nil), f.terminations...), len(f.alive), f.maxAlive
}

// waitForTimer blocks until the controller is parked on a clock timer.
func waitForTimer(t *testing.T, fc *clocktesting.FakeClock) {
	t.Helper()
	require.Eventually(t, fc.HasWaiters, 5*time.Second, time.Millisecond, "controller never waited on the clock")
}

func startController(t *testing.T, ctl *Controller) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- ctl.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func TestControllerCycleTiming(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	fl := newFakeLauncher(fc)
	s := Schedule{UnitMiB: 13, Hold: 500 * time.Millisecond, Idle: 200 * time.Millisecond, BootGrace: BootGrace}
	cancel, errc := startController(t, NewController(fl, s, WithClock(fc)))

	const cycles = 3
	for i := 0; i < cycles; i++ {
		waitForTimer(t, fc)
		launches, terms, alive, _ := fl.snapshot()
		require.Len(t, launches, i+1)
		require.Len(t, terms, i)
		require.Equal(t, 1, alive)

		// One millisecond short of hold plus grace nothing may happen.
		fc.Step(s.Hold + s.BootGrace - time.Millisecond)
		_, terms, _, _ = fl.snapshot()
		require.Len(t, terms, i)

		fc.Step(time.Millisecond)
		waitForTimer(t, fc)
		_, terms, alive, _ = fl.snapshot()
		require.Len(t, terms, i+1)
		require.Equal(t, 0, alive)

		fc.Step(s.Idle)
	}
	waitForTimer(t, fc)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	launches, terms, alive, maxAlive := fl.snapshot()
	require.Len(t, launches, cycles+1)
	// The in-flight worker is released on shutdown too.
	require.Len(t, terms, cycles+1)
	require.Equal(t, 0, alive)
	require.Equal(t, 1, maxAlive)

	for i, l := range launches {
		require.Equal(t, uint(13), l.size)
		require.Equal(t, l.pid, terms[i].pid, "exactly one termination per cycle, for that cycle's worker")
		if i < cycles {
			require.GreaterOrEqual(t, terms[i].at.Sub(l.at), s.Hold+s.BootGrace)
		}
		if i > 0 {
			require.GreaterOrEqual(t, l.at.Sub(launches[i-1].at), s.Period())
		}
	}
}

func TestControllerZeroIdle(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	fl := newFakeLauncher(fc)
	s := Schedule{UnitMiB: 20, Hold: 0, Idle: 0, BootGrace: BootGrace}
	cancel, errc := startController(t, NewController(fl, s, WithClock(fc)))

	for i := 0; i < 3; i++ {
		waitForTimer(t, fc)
		fc.Step(BootGrace)
	}
	waitForTimer(t, fc)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	launches, _, _, maxAlive := fl.snapshot()
	require.Len(t, launches, 4)
	require.Equal(t, 1, maxAlive)
	for i := 1; i < len(launches); i++ {
		require.Equal(t, BootGrace, launches[i].at.Sub(launches[i-1].at))
	}
}

func TestControllerLaunchFailureIsFatal(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	fl := newFakeLauncher(fc)
	fl.failAt = 2
	fl.launchErr = errors.New("fork: resource temporarily unavailable")
	s := Schedule{UnitMiB: 13, Hold: time.Second, Idle: time.Second, BootGrace: BootGrace}
	_, errc := startController(t, NewController(fl, s, WithClock(fc)))

	waitForTimer(t, fc)
	fc.Step(s.Hold + s.BootGrace)
	waitForTimer(t, fc)
	fc.Step(s.Idle)

	select {
	case err := <-errc:
		require.ErrorIs(t, err, fl.launchErr)
		require.ErrorContains(t, err, "cycle 2")
	case <-time.After(5 * time.Second):
		t.Fatal("controller kept running after a failed launch")
	}
	launches, _, _, _ := fl.snapshot()
	require.Len(t, launches, 1)
}

func TestControllerIgnoresTerminationErrors(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	fl := newFakeLauncher(fc)
	fl.vanish = true
	s := Schedule{UnitMiB: 13, Hold: 10 * time.Millisecond, Idle: 10 * time.Millisecond, BootGrace: BootGrace}
	cancel, errc := startController(t, NewController(fl, s, WithClock(fc)))

	for i := 0; i < 2; i++ {
		waitForTimer(t, fc)
		fc.Step(s.Hold + s.BootGrace)
		waitForTimer(t, fc)
		fc.Step(s.Idle)
	}
	waitForTimer(t, fc)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	launches, terms, _, _ := fl.snapshot()
	require.Len(t, launches, 3)
	require.Len(t, terms, 3)
}

func TestControllerObserverPhases(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	fl := newFakeLauncher(fc)
	var (
		mu          sync.Mutex
		transitions []Transition
	)
	observe := func(tr Transition) {
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	}
	s := Schedule{UnitMiB: 13, Hold: 100 * time.Millisecond, Idle: 100 * time.Millisecond, BootGrace: BootGrace}
	cancel, errc := startController(t, NewController(fl, s, WithClock(fc), WithObserver(observe)))

	waitForTimer(t, fc)
	fc.Step(s.Hold + s.BootGrace)
	waitForTimer(t, fc)
	fc.Step(s.Idle)
	waitForTimer(t, fc)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	var phases []Phase
	for _, tr := range transitions {
		phases = append(phases, tr.Phase)
	}
	require.Equal(t, []Phase{
		PhaseLaunching, PhaseHolding, PhaseTerminating, PhaseIdle,
		PhaseLaunching, PhaseHolding,
	}, phases)
	require.Equal(t, 1, transitions[0].Cycle)
	require.Nil(t, transitions[0].Worker)
	require.Equal(t, 1000, transitions[1].Worker.PID)
	require.Equal(t, 2, transitions[4].Cycle)
	require.Equal(t, s.Hold+s.BootGrace, transitions[2].At.Sub(transitions[1].At))
}

func TestControllerCancelledBeforeStart(t *testing.T) {
	fl := newFakeLauncher(clock.RealClock{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewController(fl, Schedule{UnitMiB: 13, BootGrace: BootGrace}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	launches, _, _, _ := fl.snapshot()
	require.Empty(t, launches)
}

func TestPhaseString(t *testing.T) {
	require.Equal(t, "launching", PhaseLaunching.String())
	require.Equal(t, "holding", PhaseHolding.String())
	require.Equal(t, "terminating", PhaseTerminating.String())
	require.Equal(t, "idle", PhaseIdle.String())
	require.Equal(t, "Phase(7)", Phase(7).String())
}
