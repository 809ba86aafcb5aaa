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
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

// EnvPrefix prefixes every environment variable read by the command line.
const EnvPrefix = "GPUPRESSURE"

// Launcher starts one isolated worker holding sizeMiB.
type Launcher interface {
	Launch(sizeMiB uint) (*Worker, error)
}

// Worker is a handle to a running worker process.
type Worker struct {
	PID       int
	SizeMiB   uint
	StartTime time.Time

	terminate func() error
	done      <-chan struct{}
}

// NewWorker wraps a process started by a Launcher. terminate must not block
// on the process exiting, done is closed once it has.
func NewWorker(pid int, sizeMiB uint, start time.Time, terminate func() error, done <-chan struct{}) *Worker {
	return &Worker{PID: pid, SizeMiB: sizeMiB, StartTime: start, terminate: terminate, done: done}
}

// RequestTermination asks the worker to exit and returns immediately. Delivery
// is best effort: a worker that already died yields an error nobody acts on.
func (w *Worker) RequestTermination() error {
	return w.terminate()
}

// Done is closed when the worker process has exited and was reaped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// WorkerArgs is the argument vector, without argv[0], that puts a re-executed
// binary into fixed allocation mode.
func WorkerArgs(sizeMiB uint) []string {
	return []string{"-m", strconv.FormatUint(uint64(sizeMiB), 10)}
}

// WorkerEnv returns environ without any EnvPrefix variables, then sets the
// backend and log level. Nothing else is inherited through the environment,
// in particular not the oscillation settings.
func WorkerEnv(environ []string, backend, logLevel string) []string {
	env := make([]string, 0, len(environ)+2)
	for _, kv := range environ {
		if strings.HasPrefix(kv, EnvPrefix+"_") {
			continue
		}
		env = append(env, kv)
	}
	return append(env,
		EnvPrefix+"_BACKEND="+backend,
		EnvPrefix+"_LOG_LEVEL="+logLevel,
	)
}

// ExecLauncher re-executes Executable as a worker. Each child is reaped in the
// background so terminated workers never linger as zombies.
type ExecLauncher struct {
	Executable string
	Env        []string
	Stdout     io.Writer
	Stderr     io.Writer
	// OOMScoreAdj is written to /proc/<pid>/oom_score_adj when non-zero.
	OOMScoreAdj int
	Clock       clock.PassiveClock

	reapers errgroup.Group
}

func (l *ExecLauncher) Launch(sizeMiB uint) (*Worker, error) {
	c := exec.Command(l.Executable, WorkerArgs(sizeMiB)...)
	c.Env = l.Env
	c.Stdout = l.Stdout
	c.Stderr = l.Stderr
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %s: %w", l.Executable, err)
	}
	pid := c.Process.Pid
	start := l.now()

	if l.OOMScoreAdj != 0 {
		oomAdjPath := fmt.Sprintf("/proc/%d/oom_score_adj", pid)
		if err := os.WriteFile(oomAdjPath, []byte(strconv.Itoa(l.OOMScoreAdj)), 0644); err != nil {
			log.Warnf("error writing to %s: %v", oomAdjPath, err)
		} else {
			log.Debugf("oom_score_adj for worker %d set to %d", pid, l.OOMScoreAdj)
		}
	}

	done := make(chan struct{})
	l.reapers.Go(func() error {
		defer close(done)
		err := c.Wait()
		log.WithField("pid", pid).Debugf("worker exited: %v", exitDescription(err))
		return nil
	})

	terminate := func() error {
		return c.Process.Signal(unix.SIGTERM)
	}
	return NewWorker(pid, sizeMiB, start, terminate, done), nil
}

// Wait blocks until every launched worker has exited.
func (l *ExecLauncher) Wait() error {
	return l.reapers.Wait()
}

func (l *ExecLauncher) now() time.Time {
	if l.Clock == nil {
		return time.Now()
	}
	return l.Clock.Now()
}

func exitDescription(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
