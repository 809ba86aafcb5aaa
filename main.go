//go:build linux

package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/parca-dev/gpupressure/gpupressure"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func init() {
	// The GL context is bound to the thread that created it; keep main() on
	// the main OS thread.
	runtime.LockOSThread()
}

func main() {
	// Workers re-execute exactly this image, resolved once here.
	exe, err := gpupressure.ResolveExecutable(os.Args[0])
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	p := &gpupressure.Program{
		Executable: exe,
		Environ:    os.Environ(),
	}
	code := p.Run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
