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
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/peterbourgon/ff/v3/ffyaml"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Exit codes returned by Program.Run.
const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitConfig  = 2
	programName = "gpupressure"
)

// reapTimeout bounds how long shutdown waits for the last worker to exit.
const reapTimeout = 5 * time.Second

// Program is the command line entry point shared by the parent and by every
// re-executed worker. Zero values select the production implementations.
type Program struct {
	Stdout io.Writer
	Stderr io.Writer
	// Environ is the parent environment workers are derived from.
	Environ []string
	// Executable is re-executed for every worker.
	Executable Executable
	// OpenDevice defaults to the package level OpenDevice.
	OpenDevice func(backend, title string) (Device, error)
	// NewLauncher defaults to an ExecLauncher of Executable.
	NewLauncher       func(Config) Launcher
	ControllerOptions []ControllerOption
}

// Run parses args (without argv[0]), performs the base allocation and then
// either idles or oscillates until ctx is done. It returns the process exit
// code.
func (p *Program) Run(ctx context.Context, args []string) int {
	var cfg Config
	root := p.command(&cfg)

	// Help wins over any other, possibly invalid, flag.
	if wantsHelp(args) {
		fmt.Fprintln(p.stdout(), root.UsageFunc(root))
		return ExitOK
	}
	if err := root.Parse(expandShorthands(args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(p.stdout(), root.UsageFunc(root))
			return ExitOK
		}
		fmt.Fprintf(p.stderr(), "%s: %v\n", programName, err)
		return ExitConfig
	}

	err := root.Run(ctx)
	var cerr *ConfigError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &cerr):
		for _, e := range multierr.Errors(cerr.Err) {
			fmt.Fprintf(p.stderr(), "%s: %v\n", programName, e)
		}
		return ExitConfig
	default:
		log.Errorf("%v", err)
		return ExitFatal
	}
}

func (p *Program) command(cfg *Config) *ffcli.Command {
	fs := flag.NewFlagSet(programName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.UintVar(&cfg.MiB, "mib", 0, "MiB to allocate (-m)")
	fs.UintVar(&cfg.OscillateMiB, "oscillate-mib", 0, "MiB to allocate in an oscillating way (-o)")
	fs.UintVar(&cfg.OscillateTimeMs, "oscillate-time-ms", uint(DefaultOscillateTime/time.Millisecond), "how quickly to oscillate memory, in milliseconds (-t)")
	fs.StringVar(&cfg.Backend, "backend", BackendGL, "memory backend: gl or host")
	fs.StringVar(&cfg.LogLevel, "log-level", log.InfoLevel.String(), "log level")
	fs.IntVar(&cfg.WorkerOOMScoreAdj, "worker-oom-score-adj", 0, "oom_score_adj written to each oscillating worker, 0 leaves it unchanged")
	fs.String("config", "", "YAML config file (optional)")

	return &ffcli.Command{
		Name:       programName,
		ShortUsage: programName + " -m <MiB> [-o <MiB>] [-t <ms>] [flags]",
		ShortHelp:  "Allocates GPU memory for memory pressure testing.",
		LongHelp: "Allocates GPU memory for memory pressure testing.\n" +
			"Depends on OpenGL and libglfw (sudo apt install libglfw3-dev).\n" +
			fmt.Sprintf("%d MiB of -m are reserved for the driver context.", ReservedMiB),
		FlagSet:   fs,
		UsageFunc: ffcli.DefaultUsageFunc,
		Options: []ff.Option{
			ff.WithEnvVarPrefix(EnvPrefix),
			ff.WithConfigFileFlag("config"),
			ff.WithConfigFileParser(ffyaml.Parser),
		},
		Exec: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return &ConfigError{Err: fmt.Errorf("unexpected arguments %q", args)}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			setupLogger(cfg.LogLevel, p.stderr())
			return p.run(ctx, *cfg)
		},
	}
}

func (p *Program) run(ctx context.Context, cfg Config) error {
	open := p.OpenDevice
	if open == nil {
		open = OpenDevice
	}
	dev, err := open(cfg.Backend, WindowTitle)
	if err != nil {
		return fmt.Errorf("opening %s device: %w", cfg.Backend, err)
	}
	defer dev.Close()

	log.Infof("Allocating %d MiB base (%d MiB requested, %d MiB reserved)", cfg.MiB-ReservedMiB, cfg.MiB, ReservedMiB)
	a, err := dev.Allocate(ctx, cfg.BaseBytes())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("allocating base: %w", err)
	}
	log.WithField("handle", a.Handle).Infof("Base allocation of %d bytes committed", a.Size)

	if !cfg.Oscillating() {
		// Hold the base allocation until killed.
		<-ctx.Done()
		return nil
	}

	launcher, err := p.launcher(cfg)
	if err != nil {
		return err
	}
	err = NewController(launcher, cfg.Schedule(), p.ControllerOptions...).Run(ctx)
	// Run only returns after the last worker was asked to terminate, on
	// shutdown and on a failed launch alike.
	waitReaped(launcher)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (p *Program) launcher(cfg Config) (Launcher, error) {
	if p.NewLauncher != nil {
		return p.NewLauncher(cfg), nil
	}
	exe := p.Executable
	if exe.Path == "" {
		var err error
		if exe, err = ResolveExecutable(os.Args[0]); err != nil {
			return nil, err
		}
	}
	log.WithField("build_id", exe.BuildID).Debugf("workers re-execute %s", exe.Path)
	environ := p.Environ
	if environ == nil {
		environ = os.Environ()
	}
	return &ExecLauncher{
		Executable:  exe.Path,
		Env:         WorkerEnv(environ, cfg.Backend, cfg.LogLevel),
		Stdout:      p.stdout(),
		Stderr:      p.stderr(),
		OOMScoreAdj: cfg.WorkerOOMScoreAdj,
	}, nil
}

// waitReaped gives the last terminated worker a bounded time to exit so the
// parent does not leave it orphaned on a clean shutdown.
func waitReaped(l Launcher) {
	w, ok := l.(interface{ Wait() error })
	if !ok {
		return
	}
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(reapTimeout):
		log.Warnf("worker did not exit within %v", reapTimeout)
	}
}

func (p *Program) stdout() io.Writer {
	if p.Stdout == nil {
		return os.Stdout
	}
	return p.Stdout
}

func (p *Program) stderr() io.Writer {
	if p.Stderr == nil {
		return os.Stderr
	}
	return p.Stderr
}

// shorthands maps single letter flags onto the one name ff resolves against
// the environment and config file, so a command line value always takes
// precedence over both.
var shorthands = map[string]string{
	"m": "mib",
	"o": "oscillate-mib",
	"t": "oscillate-time-ms",
}

// expandShorthands rewrites -m, -o and -t (with one or two dashes, with or
// without "=value") to their long names. Arguments after "--" are untouched.
func expandShorthands(args []string) []string {
	out := make([]string, 0, len(args))
	for i, a := range args {
		if a == "--" {
			return append(out, args[i:]...)
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		long, ok := shorthands[name]
		if !ok || !strings.HasPrefix(a, "-") || strings.HasPrefix(a, "---") {
			out = append(out, a)
			continue
		}
		if hasValue {
			out = append(out, "--"+long+"="+value)
		} else {
			out = append(out, "--"+long)
		}
	}
	return out
}

func wantsHelp(args []string) bool {
	for _, a := range args {
		switch a {
		case "--":
			return false
		case "-h", "--h", "-help", "--help":
			return true
		}
	}
	return false
}
