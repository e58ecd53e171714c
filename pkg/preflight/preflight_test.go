// SPDX-License-Identifier: Apache-2.0

package preflight

import (
	"context"
	"net"
	"os/exec"
	"testing"
)

// boundPort opens a listener on a kernel-assigned port and returns the port
// number, keeping the listener open for the test's duration.
func boundPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func TestProbeCheckerBusyPort(t *testing.T) {
	port := boundPort(t)

	inUse, err := ProbeChecker{}.InUse(context.Background(), port)
	if err != nil {
		t.Fatalf("InUse: %v", err)
	}
	if !inUse {
		t.Errorf("port %d reported free while a listener holds it", port)
	}
}

func TestProbeCheckerFreePort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	inUse, err := ProbeChecker{}.InUse(context.Background(), port)
	if err != nil {
		t.Fatalf("InUse: %v", err)
	}
	if inUse {
		t.Errorf("released port %d reported busy", port)
	}
}

func TestLsofChecker(t *testing.T) {
	if _, err := exec.LookPath("lsof"); err != nil {
		t.Skip("lsof not installed")
	}

	port := boundPort(t)

	inUse, err := LsofChecker{}.InUse(context.Background(), port)
	if err != nil {
		t.Fatalf("InUse: %v", err)
	}
	if !inUse {
		t.Errorf("lsof did not report port %d busy", port)
	}
}

func TestCheckerFunc(t *testing.T) {
	called := false
	c := CheckerFunc(func(ctx context.Context, port int) (bool, error) {
		called = true
		return true, nil
	})

	inUse, err := c.InUse(context.Background(), 8883)
	if err != nil || !inUse {
		t.Fatalf("InUse = %v, %v", inUse, err)
	}
	if !called {
		t.Error("adapter did not invoke the wrapped function")
	}
}
