// SPDX-License-Identifier: Apache-2.0

// Package preflight checks that the capture port is free before the listener
// binds it. The check is an interface so the capture path can be tested
// without shelling out, and so deployments without lsof can fall back to a
// bind probe.
package preflight

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"syscall"
)

// Checker reports whether a TCP port is already bound on this host.
type Checker interface {
	InUse(ctx context.Context, port int) (bool, error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, port int) (bool, error)

func (f CheckerFunc) InUse(ctx context.Context, port int) (bool, error) {
	return f(ctx, port)
}

// LsofChecker shells out to lsof to look for a listening socket on the port.
type LsofChecker struct {
	// Path is the lsof binary to run. Empty means "lsof" on PATH.
	Path string
}

var _ Checker = LsofChecker{}

func (c LsofChecker) InUse(ctx context.Context, port int) (bool, error) {
	path := c.Path
	if path == "" {
		path = "lsof"
	}

	cmd := exec.CommandContext(ctx, path, "-nP", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN")
	out, err := cmd.Output()
	if err != nil {
		// lsof exits 1 when it finds nothing, which is the answer we
		// are hoping for.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && len(bytes.TrimSpace(out)) == 0 {
			return false, nil
		}
		return false, fmt.Errorf("run %s: %w", path, err)
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

// ProbeChecker tests the port by briefly binding it.
type ProbeChecker struct{}

var _ Checker = ProbeChecker{}

func (ProbeChecker) InUse(ctx context.Context, port int) (bool, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return true, nil
		}
		return false, fmt.Errorf("probe port %d: %w", port, err)
	}
	return false, ln.Close()
}
