// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// encodeFrame serializes a CONNECT packet with the reference encoder.
func encodeFrame(t *testing.T, pkt *packets.ConnectPacket) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := pkt.Write(&buf); err != nil {
		t.Fatalf("encode CONNECT frame: %v", err)
	}
	return buf.Bytes()
}

// newConnect returns a baseline MQTT 3.1.1 CONNECT packet for tests to mutate.
func newConnect() *packets.ConnectPacket {
	pkt := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	pkt.ProtocolName = "MQTT"
	pkt.ProtocolVersion = 4
	pkt.CleanSession = true
	pkt.Keepalive = 60
	pkt.ClientIdentifier = "fan01"
	return pkt
}

// appendField appends a 2-byte big-endian length prefix and payload.
func appendField(b, payload []byte) []byte {
	b = append(b, byte(len(payload)>>8), byte(len(payload)))
	return append(b, payload...)
}

// reframe replaces the fixed header of an encoded frame with the given first
// byte and remaining-length bytes, keeping the body.
func reframe(t *testing.T, frame []byte, first byte, remLen []byte) []byte {
	t.Helper()

	i := 1
	for frame[i]&0x80 != 0 {
		i++
	}
	out := append([]byte{first}, remLen...)
	return append(out, frame[i+1:]...)
}

func decodeErr(t *testing.T, err error) *DecodeError {
	t.Helper()

	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %T: %v", err, err)
	}
	return de
}

func TestDecodeConnectRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*packets.ConnectPacket)
	}{
		{
			name:   "anonymous clean session",
			mutate: func(p *packets.ConnectPacket) {},
		},
		{
			name: "username and text password",
			mutate: func(p *packets.ConnectPacket) {
				p.UsernameFlag = true
				p.Username = "device123"
				p.PasswordFlag = true
				p.Password = []byte("hunter2")
			},
		},
		{
			name: "username only",
			mutate: func(p *packets.ConnectPacket) {
				p.UsernameFlag = true
				p.Username = "solo"
			},
		},
		{
			name: "will with qos and retain",
			mutate: func(p *packets.ConnectPacket) {
				p.WillFlag = true
				p.WillTopic = "fan/offline"
				p.WillMessage = []byte("gone")
				p.WillQos = 2
				p.WillRetain = true
				p.Keepalive = 300
				p.CleanSession = false
			},
		},
		{
			name: "will and credentials together",
			mutate: func(p *packets.ConnectPacket) {
				p.WillFlag = true
				p.WillTopic = "status"
				p.WillMessage = []byte{0x00, 0x01}
				p.WillQos = 1
				p.UsernameFlag = true
				p.Username = "u"
				p.PasswordFlag = true
				p.Password = []byte("p")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := newConnect()
			tt.mutate(want)

			got, err := DecodeConnect(encodeFrame(t, want))
			if err != nil {
				t.Fatalf("DecodeConnect: %v", err)
			}

			if got.ProtocolName != want.ProtocolName {
				t.Errorf("protocol name = %q, want %q", got.ProtocolName, want.ProtocolName)
			}
			if got.ProtocolLevel != want.ProtocolVersion {
				t.Errorf("protocol level = %d, want %d", got.ProtocolLevel, want.ProtocolVersion)
			}
			if got.KeepAlive != want.Keepalive {
				t.Errorf("keep alive = %d, want %d", got.KeepAlive, want.Keepalive)
			}
			if got.ClientID != want.ClientIdentifier {
				t.Errorf("client id = %q, want %q", got.ClientID, want.ClientIdentifier)
			}

			flags := got.Flags
			if flags.UsernameFlag != want.UsernameFlag || flags.PasswordFlag != want.PasswordFlag {
				t.Errorf("credential flags = %+v, want username=%v password=%v",
					flags, want.UsernameFlag, want.PasswordFlag)
			}
			if flags.WillFlag != want.WillFlag || flags.WillQoS != want.WillQos || flags.WillRetain != want.WillRetain {
				t.Errorf("will flags = %+v, want flag=%v qos=%d retain=%v",
					flags, want.WillFlag, want.WillQos, want.WillRetain)
			}
			if flags.CleanSession != want.CleanSession {
				t.Errorf("clean session = %v, want %v", flags.CleanSession, want.CleanSession)
			}

			if got.Username != want.Username {
				t.Errorf("username = %q, want %q", got.Username, want.Username)
			}
			if want.PasswordFlag {
				if got.PasswordHex {
					t.Errorf("text password reported as hex: %q", got.Password)
				}
				if got.Password != string(want.Password) {
					t.Errorf("password = %q, want %q", got.Password, want.Password)
				}
			} else if got.Password != "" {
				t.Errorf("password = %q without password flag", got.Password)
			}

			if got.WillTopic != want.WillTopic {
				t.Errorf("will topic = %q, want %q", got.WillTopic, want.WillTopic)
			}
			if want.WillFlag && !bytes.Equal(got.WillMessage, want.WillMessage) {
				t.Errorf("will message = %x, want %x", got.WillMessage, want.WillMessage)
			}
		})
	}
}

func TestDecodeConnectAnonymousDevice(t *testing.T) {
	frame := encodeFrame(t, newConnect())

	// Clean session only: the fan connects without credentials.
	if frame[9] != 0x02 {
		t.Fatalf("fixture flags byte = 0x%02x, want 0x02", frame[9])
	}

	pkt, err := DecodeConnect(frame)
	if err != nil {
		t.Fatalf("DecodeConnect: %v", err)
	}
	if pkt.Flags.UsernameFlag || pkt.Flags.PasswordFlag {
		t.Errorf("anonymous connect decoded with credential flags: %+v", pkt.Flags)
	}
	if pkt.Username != "" || pkt.Password != "" {
		t.Errorf("anonymous connect decoded credentials %q/%q", pkt.Username, pkt.Password)
	}
	if pkt.ClientID != "fan01" {
		t.Errorf("client id = %q, want %q", pkt.ClientID, "fan01")
	}
}

func TestDecodeConnectBinaryPassword(t *testing.T) {
	want := newConnect()
	want.UsernameFlag = true
	want.Username = "device123"
	want.PasswordFlag = true
	want.Password = []byte{0xde, 0xad, 0xbe, 0xef}
	frame := encodeFrame(t, want)

	if frame[9] != 0xc2 {
		t.Fatalf("fixture flags byte = 0x%02x, want 0xc2", frame[9])
	}

	pkt, err := DecodeConnect(frame)
	if err != nil {
		t.Fatalf("DecodeConnect: %v", err)
	}
	if pkt.Username != "device123" {
		t.Errorf("username = %q, want %q", pkt.Username, "device123")
	}
	if !pkt.PasswordHex {
		t.Error("binary password not flagged as hex")
	}
	if pkt.Password != "deadbeef" {
		t.Errorf("password = %q, want %q", pkt.Password, "deadbeef")
	}
}

func TestDecodeConnectRejectsFrameType(t *testing.T) {
	frame := encodeFrame(t, newConnect())
	frame[0] = 0x30 // PUBLISH

	_, err := DecodeConnect(frame)
	de := decodeErr(t, err)
	if de.Offset != 0 {
		t.Errorf("offset = %d, want 0", de.Offset)
	}
	if !strings.Contains(de.Reason, "unexpected frame type 0x30") {
		t.Errorf("reason = %q, want the actual frame type byte named", de.Reason)
	}
}

func TestDecodeConnectTooShort(t *testing.T) {
	_, err := DecodeConnect([]byte{0x10, 0x05, 0x00})
	de := decodeErr(t, err)
	if !strings.Contains(de.Reason, "too short") {
		t.Errorf("reason = %q, want too-short error", de.Reason)
	}
}

func TestDecodeConnectRemainingLength(t *testing.T) {
	base := encodeFrame(t, newConnect())

	tests := []struct {
		name   string
		remLen []byte
		want   int
	}{
		{"one byte", []byte{0x11}, 17},
		{"two bytes", []byte{0x80, 0x01}, 128},
		{"three bytes", []byte{0x80, 0x80, 0x01}, 16384},
		{"four bytes", []byte{0x80, 0x80, 0x80, 0x01}, 2097152},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The declared length is recorded but never bounds the field
			// reads, so mismatched values still decode.
			pkt, err := DecodeConnect(reframe(t, base, connectType, tt.remLen))
			if err != nil {
				t.Fatalf("DecodeConnect: %v", err)
			}
			if pkt.RemainingLength != tt.want {
				t.Errorf("remaining length = %d, want %d", pkt.RemainingLength, tt.want)
			}
			if pkt.ClientID != "fan01" {
				t.Errorf("client id = %q, want %q", pkt.ClientID, "fan01")
			}
		})
	}

	t.Run("unterminated", func(t *testing.T) {
		_, err := DecodeConnect(reframe(t, base, connectType, []byte{0x80, 0x80, 0x80, 0x80}))
		de := decodeErr(t, err)
		if !strings.Contains(de.Reason, "malformed remaining length") {
			t.Errorf("reason = %q, want malformed remaining length", de.Reason)
		}
	})
}

func TestDecodeConnectTruncation(t *testing.T) {
	full := newConnect()
	full.WillFlag = true
	full.WillTopic = "fan/offline"
	full.WillMessage = []byte("gone")
	full.UsernameFlag = true
	full.Username = "device123"
	full.PasswordFlag = true
	full.Password = []byte("secret")
	frame := encodeFrame(t, full)

	// Every proper prefix must fail, and the reported offset must be the
	// truncation point itself.
	for cut := 0; cut < len(frame); cut++ {
		_, err := DecodeConnect(frame[:cut])
		if err == nil {
			t.Fatalf("cut at %d: decode succeeded on truncated frame", cut)
		}
		de := decodeErr(t, err)
		if de.Offset != cut {
			t.Errorf("cut at %d: offset = %d (%s)", cut, de.Offset, de.Reason)
		}
	}
}

func TestDecodeConnectFlagBits(t *testing.T) {
	tests := []struct {
		name  string
		flags byte
		want  ConnectFlags
	}{
		{"clean session", 0x02, ConnectFlags{CleanSession: true}},
		{"credentials", 0xc0, ConnectFlags{UsernameFlag: true, PasswordFlag: true}},
		{"will qos 1", 0x0c, ConnectFlags{WillFlag: true, WillQoS: 1}},
		{"will qos 2 retain", 0x34, ConnectFlags{WillFlag: true, WillQoS: 2, WillRetain: true}},
		{"reserved bit ignored", 0x03, ConnectFlags{CleanSession: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := []byte{connectType, 0x00}
			frame = appendField(frame, []byte("MQTT"))
			frame = append(frame, 0x04, tt.flags, 0x00, 0x3c)
			frame = appendField(frame, []byte("fan01"))
			if tt.want.WillFlag {
				frame = appendField(frame, []byte("t"))
				frame = appendField(frame, []byte("m"))
			}
			if tt.want.UsernameFlag {
				frame = appendField(frame, []byte("u"))
			}
			if tt.want.PasswordFlag {
				frame = appendField(frame, []byte("p"))
			}

			pkt, err := DecodeConnect(frame)
			if err != nil {
				t.Fatalf("DecodeConnect: %v", err)
			}
			if pkt.Flags != tt.want {
				t.Errorf("flags = %+v, want %+v", pkt.Flags, tt.want)
			}
		})
	}
}

func TestDecodeConnectPermissiveText(t *testing.T) {
	frame := []byte{connectType, 0x00}
	frame = appendField(frame, []byte("MQTT"))
	frame = append(frame, 0x04, 0x02, 0x00, 0x3c)
	frame = appendField(frame, []byte{0xff, 0xfe, 'f', 'a', 'n'})

	pkt, err := DecodeConnect(frame)
	if err != nil {
		t.Fatalf("DecodeConnect: %v", err)
	}
	if !utf8.ValidString(pkt.ClientID) {
		t.Errorf("client id %q is not valid UTF-8 after permissive decode", pkt.ClientID)
	}
	if !strings.Contains(pkt.ClientID, "�") {
		t.Errorf("client id %q lacks replacement character", pkt.ClientID)
	}
	if !strings.Contains(pkt.ClientID, "fan") {
		t.Errorf("client id %q lost its valid suffix", pkt.ClientID)
	}
}

func TestDecodeConnectMissingFlaggedField(t *testing.T) {
	// Password flag set with no password bytes behind it: this must be a
	// decode failure, never a silently empty field.
	frame := []byte{connectType, 0x00}
	frame = appendField(frame, []byte("MQTT"))
	frame = append(frame, 0x04, 0x42, 0x00, 0x3c)
	frame = appendField(frame, []byte("fan01"))

	_, err := DecodeConnect(frame)
	de := decodeErr(t, err)
	if !strings.Contains(de.Reason, "password") {
		t.Errorf("reason = %q, want the password field named", de.Reason)
	}
	if de.Offset != len(frame) {
		t.Errorf("offset = %d, want %d", de.Offset, len(frame))
	}
}

func TestDecodeErrorDump(t *testing.T) {
	frame := make([]byte, 64)
	frame[0] = 0x30

	_, err := DecodeConnect(frame)
	de := decodeErr(t, err)
	if len(de.Dump) != 32 {
		t.Errorf("dump length = %d, want 32", len(de.Dump))
	}
	if !bytes.Equal(de.Dump, frame[:32]) {
		t.Errorf("dump does not match the leading capture bytes")
	}
}
