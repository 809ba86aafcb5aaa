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
	"errors"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ReservedMiB is subtracted from the base allocation to leave room for the
// driver's own bookkeeping of the context.
const ReservedMiB = 12

// DefaultOscillateTime is used for both hold and idle phases.
const DefaultOscillateTime = 500 * time.Millisecond

// maxOscillateTimeMs keeps hold plus BootGrace representable as a
// time.Duration.
const maxOscillateTimeMs = uint64((math.MaxInt64 - BootGrace) / time.Millisecond)

// ErrConfig matches every *ConfigError.
var ErrConfig = errors.New("invalid configuration")

// Config is the validated command line of one process, parent or worker.
type Config struct {
	// MiB is the base allocation including the reserved overhead.
	MiB uint
	// OscillateMiB is passed to each worker verbatim; zero disables oscillation.
	OscillateMiB uint
	// OscillateTimeMs is both the hold and the idle duration.
	OscillateTimeMs uint
	Backend         string
	LogLevel        string
	// WorkerOOMScoreAdj is written to every worker's oom_score_adj when non-zero.
	WorkerOOMScoreAdj int
}

// ConfigError reports every problem found in a Config.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %v", ErrConfig, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrConfig, e.Err}
}

// Validate checks the sizes and enumerations. All problems are reported at once.
func (c *Config) Validate() error {
	var err error
	if c.MiB <= ReservedMiB {
		err = multierr.Append(err, fmt.Errorf("allocation must be larger than %dMiB, got %d", ReservedMiB, c.MiB))
	}
	if c.OscillateMiB != 0 && c.OscillateMiB <= ReservedMiB {
		err = multierr.Append(err, fmt.Errorf("oscillation allocation must be larger than %dMiB, got %d", ReservedMiB, c.OscillateMiB))
	}
	if uint64(c.OscillateTimeMs) > maxOscillateTimeMs {
		err = multierr.Append(err, fmt.Errorf("oscillation time must be at most %dms, got %d", maxOscillateTimeMs, c.OscillateTimeMs))
	}
	switch c.Backend {
	case BackendGL, BackendHost:
	default:
		err = multierr.Append(err, fmt.Errorf("backend must be %q or %q, got %q", BackendGL, BackendHost, c.Backend))
	}
	if _, lerr := log.ParseLevel(c.LogLevel); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	if c.WorkerOOMScoreAdj < -1000 || c.WorkerOOMScoreAdj > 1000 {
		err = multierr.Append(err, fmt.Errorf("worker oom_score_adj must be within [-1000, 1000], got %d", c.WorkerOOMScoreAdj))
	}
	if err != nil {
		return &ConfigError{Err: err}
	}
	return nil
}

// BaseBytes is the size of the base allocation after the reserved overhead.
func (c *Config) BaseBytes() uint64 {
	return uint64(c.MiB-ReservedMiB) * MiB
}

// Oscillating reports whether the controller should run.
func (c *Config) Oscillating() bool {
	return c.OscillateMiB != 0
}

// Schedule derives the oscillation schedule. The unit size is not reduced by
// ReservedMiB here; the worker applies its own base rule to it.
func (c *Config) Schedule() Schedule {
	d := time.Duration(c.OscillateTimeMs) * time.Millisecond
	return Schedule{
		UnitMiB:   c.OscillateMiB,
		Hold:      d,
		Idle:      d,
		BootGrace: BootGrace,
	}
}
