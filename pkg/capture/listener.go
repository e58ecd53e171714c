// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgebbink/duuxventilator/pkg/preflight"
)

// ErrTimeout is returned when the capture deadline elapses before the peer
// sends any application bytes, including when no peer connects at all.
var ErrTimeout = errors.New("no bytes received before the capture deadline")

// SetupError indicates the environment was not ready to capture: the port is
// already bound or the certificate material is unusable. Nothing has been
// captured when it is returned.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("capture setup, %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Config holds the capture listener configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// TLSConfig carries the server certificate presented to the device.
	TLSConfig *tls.Config

	// Timeout bounds the whole capture: accept, handshake and drain.
	Timeout time.Duration

	// Preflight checks the port before binding. Nil skips the check.
	Preflight preflight.Checker

	// Logger for capture events.
	Logger *slog.Logger
}

// Listener captures the first post-handshake bytes of a single TLS
// connection. A Listener is good for one Capture call.
type Listener struct {
	cfg Config

	mu    sync.Mutex
	bound net.Addr
}

// New creates a capture listener.
func New(cfg Config) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Listener{cfg: cfg}
}

// Addr returns the bound listen address once Capture has bound the socket,
// nil before that. Useful when the configured port is 0.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bound
}

// Capture binds the configured port, accepts one TLS connection, and returns
// every application byte the peer sent before closing or before the deadline.
//
// A deadline reached after partial data arrived is not an error; the partial
// buffer is returned for the frame decoder to judge. All sockets are released
// before Capture returns, on every path.
func (l *Listener) Capture(ctx context.Context) ([]byte, error) {
	session := uuid.New().String()
	logger := l.cfg.Logger.With(slog.String("session", session))

	if err := l.checkPort(ctx); err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Address)
	if err != nil {
		return nil, &SetupError{Op: fmt.Sprintf("bind %s", l.cfg.Address), Err: err}
	}
	defer ln.Close()

	l.mu.Lock()
	l.bound = ln.Addr()
	l.mu.Unlock()

	deadline := time.Now().Add(l.cfg.Timeout)
	if tcpLn, ok := ln.(*net.TCPListener); ok {
		if err := tcpLn.SetDeadline(deadline); err != nil {
			return nil, &SetupError{Op: "set accept deadline", Err: err}
		}
	}

	// Cancellation closes the listener so Accept unblocks.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logger.Info("capture listener started",
		slog.String("address", ln.Addr().String()),
		slog.Duration("timeout", l.cfg.Timeout))

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			logger.Warn("no device connected before the deadline")
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	logger.Info("connection accepted", slog.String("remote", conn.RemoteAddr().String()))

	tlsConn := tls.Server(conn, l.cfg.TLSConfig)
	defer tlsConn.Close()
	if err := tlsConn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set connection deadline: %w", err)
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tls handshake with %s: %w", conn.RemoteAddr(), err)
	}

	logger.Debug("tls handshake complete",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.String("server_name", tlsConn.ConnectionState().ServerName))

	captured, err := drain(tlsConn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if len(captured) == 0 {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				logger.Warn("device connected but sent nothing before the deadline")
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("read from %s: %w", conn.RemoteAddr(), err)
		}
		// Partial data beats no data: hand whatever arrived to the
		// decoder and let it locate the damage.
		logger.Warn("capture ended early, returning partial data",
			slog.Int("bytes", len(captured)),
			slog.String("error", err.Error()))
		return captured, nil
	}

	logger.Info("capture complete", slog.Int("bytes", len(captured)))
	return captured, nil
}

// checkPort runs the injected pre-flight check before any socket is opened.
func (l *Listener) checkPort(ctx context.Context) error {
	if l.cfg.Preflight == nil {
		return nil
	}

	_, portStr, err := net.SplitHostPort(l.cfg.Address)
	if err != nil {
		return &SetupError{Op: fmt.Sprintf("parse address %s", l.cfg.Address), Err: err}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return &SetupError{Op: fmt.Sprintf("parse port %s", portStr), Err: err}
	}
	if port == 0 {
		return nil
	}

	inUse, err := l.cfg.Preflight.InUse(ctx, port)
	if err != nil {
		// The check is advisory; binding will surface a busy port
		// anyway.
		l.cfg.Logger.Warn("port pre-flight check failed",
			slog.Int("port", port),
			slog.String("error", err.Error()))
		return nil
	}
	if inUse {
		return &SetupError{
			Op:  "pre-flight",
			Err: fmt.Errorf("port %d is already bound by another process", port),
		}
	}
	return nil
}

// drain reads until EOF, a read error, or the connection deadline. Whatever
// was collected is always returned alongside the error.
func drain(conn net.Conn) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		buf.Write(chunk[:n])
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf.Bytes(), nil
			}
			return buf.Bytes(), err
		}
	}
}
