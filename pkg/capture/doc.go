// SPDX-License-Identifier: Apache-2.0

// Package capture implements the one-shot TLS capture listener.
//
// # Overview
//
// A Listener binds a TCP port, terminates TLS for exactly one inbound
// connection, and drains every plaintext byte the peer sends into a buffer.
// It does not loop back to accept: one capture session serves one device
// power-cycle, after which the operator inspects the result and re-runs the
// tool if needed.
//
// # Capture Flow
//
//  1. Pre-flight: ask the injected preflight.Checker whether the port is
//     already bound (SetupError if so)
//  2. Bind and listen, with an accept deadline
//  3. Accept the first connection only
//  4. Complete the TLS handshake with the configured certificate
//  5. Read until the peer closes or the deadline elapses
//
// # Timeouts and partial data
//
// A deadline that elapses with zero bytes received is ErrTimeout. A deadline
// that elapses after some bytes arrived is not an error: the partial buffer
// is returned so the frame decoder can produce a located diagnostic instead
// of a generic timeout.
//
// The listening socket and the accepted connection are released on every
// exit path. Cancelling the context closes both.
package capture
