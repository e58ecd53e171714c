// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// connectType is the fixed-header byte of a CONNECT packet: packet type 1 in
// the high nibble, flag bits zero.
const connectType = 0x10

// minFrameLen is the smallest byte count that can hold a CONNECT fixed header
// and variable header.
const minFrameLen = 10

// dumpLen bounds the capture excerpt carried inside a DecodeError.
const dumpLen = 32

// ConnectFlags holds the decoded connect flags byte.
type ConnectFlags struct {
	UsernameFlag bool
	PasswordFlag bool
	WillRetain   bool
	WillQoS      byte
	WillFlag     bool
	CleanSession bool
}

// ConnectPacket is the decoded CONNECT frame.
//
// Optional fields are meaningful only when the corresponding flag is set: the
// decoder guarantees that WillTopic/WillMessage, Username and Password are
// populated exactly when WillFlag, UsernameFlag and PasswordFlag are true.
type ConnectPacket struct {
	// ProtocolName is recorded as sent, typically "MQTT". It is not
	// validated; a device lying about its protocol name is something the
	// operator wants to see, not an error.
	ProtocolName  string
	ProtocolLevel byte
	Flags         ConnectFlags

	// RemainingLength is the frame's declared body length. Recorded for
	// diagnostics only; field reads are bounded by the buffer.
	RemainingLength int

	KeepAlive uint16
	ClientID  string

	WillTopic   string
	WillMessage []byte

	Username string

	// Password is the decoded password as text, or a lowercase hex string
	// when the raw bytes are not valid UTF-8.
	Password string

	// PasswordHex reports whether Password holds the hex form.
	PasswordHex bool
}

// DecodeError describes why a capture could not be decoded as a CONNECT
// frame, and where.
type DecodeError struct {
	// Reason names the field or structure that failed.
	Reason string

	// Offset is the byte offset at which decoding stopped. For a field
	// that runs past the end of the capture this is the buffer length,
	// i.e. the truncation point.
	Offset int

	// Dump holds up to the first 32 bytes of the capture for a hex dump
	// in the operator report.
	Dump []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s at offset %d", e.Reason, e.Offset)
}

// DecodeConnect decodes buf as a single MQTT v3.1.1 CONNECT frame.
// On failure the returned error is always a *DecodeError.
func DecodeConnect(buf []byte) (*ConnectPacket, error) {
	if len(buf) < minFrameLen {
		return nil, &DecodeError{
			Reason: fmt.Sprintf("capture too short for a CONNECT frame (%d bytes)", len(buf)),
			Offset: len(buf),
			Dump:   excerpt(buf),
		}
	}
	if buf[0] != connectType {
		return nil, &DecodeError{
			Reason: fmt.Sprintf("unexpected frame type 0x%02x, want CONNECT (0x%02x)", buf[0], connectType),
			Offset: 0,
			Dump:   excerpt(buf),
		}
	}

	r := &reader{buf: buf, pos: 1}
	pkt := &ConnectPacket{}

	remaining, err := r.remainingLength()
	if err != nil {
		return nil, err
	}
	pkt.RemainingLength = remaining

	name, err := r.text("protocol name")
	if err != nil {
		return nil, err
	}
	pkt.ProtocolName = name

	level, err := r.byte("protocol level")
	if err != nil {
		return nil, err
	}
	pkt.ProtocolLevel = level

	flags, err := r.byte("connect flags")
	if err != nil {
		return nil, err
	}
	pkt.Flags = ConnectFlags{
		UsernameFlag: flags&0x80 != 0,
		PasswordFlag: flags&0x40 != 0,
		WillRetain:   flags&0x20 != 0,
		WillQoS:      (flags >> 3) & 0x03,
		WillFlag:     flags&0x04 != 0,
		CleanSession: flags&0x02 != 0,
	}

	keepAlive, err := r.uint16("keep alive")
	if err != nil {
		return nil, err
	}
	pkt.KeepAlive = keepAlive

	clientID, err := r.text("client id")
	if err != nil {
		return nil, err
	}
	pkt.ClientID = clientID

	if pkt.Flags.WillFlag {
		topic, err := r.text("will topic")
		if err != nil {
			return nil, err
		}
		pkt.WillTopic = topic

		msg, err := r.lengthPrefixed("will message")
		if err != nil {
			return nil, err
		}
		pkt.WillMessage = msg
	}

	if pkt.Flags.UsernameFlag {
		username, err := r.text("username")
		if err != nil {
			return nil, err
		}
		pkt.Username = username
	}

	if pkt.Flags.PasswordFlag {
		password, err := r.lengthPrefixed("password")
		if err != nil {
			return nil, err
		}
		if utf8.Valid(password) {
			pkt.Password = string(password)
		} else {
			pkt.Password = hex.EncodeToString(password)
			pkt.PasswordHex = true
		}
	}

	return pkt, nil
}

// reader is a bounds-checked cursor over the captured frame.
type reader struct {
	buf []byte
	pos int
}

// need fails with a located DecodeError when fewer than n bytes remain. The
// reported offset is the end of the buffer so that a truncated capture points
// at the truncation itself.
func (r *reader) need(field string, n int) error {
	if r.pos+n > len(r.buf) {
		return &DecodeError{
			Reason: fmt.Sprintf("%s truncated", field),
			Offset: len(r.buf),
			Dump:   excerpt(r.buf),
		}
	}
	return nil
}

func (r *reader) byte(field string) (byte, error) {
	if err := r.need(field, 1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uint16(field string) (uint16, error) {
	if err := r.need(field, 2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// lengthPrefixed reads a 2-byte big-endian length prefix followed by that
// many payload bytes.
func (r *reader) lengthPrefixed(field string) ([]byte, error) {
	n, err := r.uint16(field + " length")
	if err != nil {
		return nil, err
	}
	if err := r.need(field, int(n)); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// text reads a length-prefixed field and decodes it permissively: invalid
// UTF-8 sequences become U+FFFD instead of failing the parse.
func (r *reader) text(field string) (string, error) {
	b, err := r.lengthPrefixed(field)
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(b), "�"), nil
}

// remainingLength decodes the base-128 variable-width body length. Each byte
// contributes its low 7 bits, least significant group first; the high bit
// marks continuation. Four bytes is the maximum the encoding allows, so a
// fourth byte that still has its continuation bit set is malformed.
func (r *reader) remainingLength() (int, error) {
	value := 0
	multiplier := 1
	for i := 0; ; i++ {
		if i >= 4 {
			return 0, &DecodeError{
				Reason: "malformed remaining length (no terminating byte within 4)",
				Offset: r.pos,
				Dump:   excerpt(r.buf),
			}
		}
		b, err := r.byte("remaining length")
		if err != nil {
			return 0, err
		}
		value += int(b&0x7f) * multiplier
		if b&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
}

// excerpt copies up to the first dumpLen bytes of buf for error reporting.
func excerpt(buf []byte) []byte {
	if len(buf) > dumpLen {
		buf = buf[:dumpLen]
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}
