// SPDX-License-Identifier: Apache-2.0

// Package mqtt decodes the MQTT v3.1.1 CONNECT frame a device sends right
// after the TLS handshake.
//
// # Overview
//
// The decoder is a pure function over a captured byte buffer. It never touches
// the network, which keeps it testable against hand-built fixtures and frames
// produced by reference encoders.
//
// # Frame layout
//
// A CONNECT frame is decoded field by field:
//
//	0x10                     fixed header, CONNECT packet type
//	remaining length         variable-width base-128 integer, 1-4 bytes
//	protocol name            2-byte big-endian length prefix + bytes
//	protocol level           1 byte (4 for MQTT 3.1.1)
//	connect flags            1 byte, see below
//	keep alive               2-byte big-endian seconds
//	client id                length-prefixed
//	will topic, will message length-prefixed, only when the will flag is set
//	username                 length-prefixed, only when bit 7 is set
//	password                 length-prefixed, only when bit 6 is set
//
// Connect flags byte:
//
//	bit 7  username present
//	bit 6  password present
//	bit 5  will retain
//	bit 4-3  will QoS
//	bit 2  will present
//	bit 1  clean session
//	bit 0  reserved
//
// # Decoding policy
//
// The decoder is strict about structure and permissive about content. Every
// multi-byte read is bounds-checked first; a field that runs past the end of
// the capture fails with a DecodeError naming the field and the offset where
// the buffer ended. Text fields, on the other hand, are decoded permissively:
// invalid UTF-8 sequences are replaced with U+FFFD rather than failing the
// parse, since the goal is diagnosis of real device traffic, not conformance
// checking. The password is the one exception: when its bytes are not valid
// UTF-8 they are reported as a lowercase hex string, which is more useful for
// re-entering the credential into a broker password store.
//
// The remaining length is decoded and recorded but deliberately not used to
// bound the field reads. Devices in the wild have been observed to get it
// wrong, and the capture buffer length is the authoritative bound.
package mqtt
