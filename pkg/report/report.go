// SPDX-License-Identifier: Apache-2.0

// Package report renders capture results for the operator: the decoded
// CONNECT fields, what to do with recovered credentials, and diagnostics for
// the failure paths.
package report

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/dgebbink/duuxventilator/pkg/mqtt"
)

// Connect writes the decoded CONNECT frame field by field, followed by
// guidance on registering any recovered credentials with the broker.
func Connect(w io.Writer, pkt *mqtt.ConnectPacket) {
	fmt.Fprintf(w, "Captured CONNECT frame:\n\n")
	fmt.Fprintf(w, "  protocol       %s, level %d\n", pkt.ProtocolName, pkt.ProtocolLevel)
	fmt.Fprintf(w, "  client id      %s\n", pkt.ClientID)
	fmt.Fprintf(w, "  clean session  %v\n", pkt.Flags.CleanSession)
	fmt.Fprintf(w, "  keep alive     %d seconds\n", pkt.KeepAlive)

	if pkt.Flags.WillFlag {
		fmt.Fprintf(w, "  will topic     %s (qos %d, retain %v)\n",
			pkt.WillTopic, pkt.Flags.WillQoS, pkt.Flags.WillRetain)
		fmt.Fprintf(w, "  will message   %q\n", pkt.WillMessage)
	}
	if pkt.Flags.UsernameFlag {
		fmt.Fprintf(w, "  username       %s\n", pkt.Username)
	}
	if pkt.Flags.PasswordFlag {
		if pkt.PasswordHex {
			fmt.Fprintf(w, "  password       %s (hex; raw bytes are not valid text)\n", pkt.Password)
		} else {
			fmt.Fprintf(w, "  password       %s\n", pkt.Password)
		}
	}
	fmt.Fprintln(w)

	switch {
	case pkt.Flags.UsernameFlag || pkt.Flags.PasswordFlag:
		fmt.Fprintln(w, "Register the recovered credentials with your broker, e.g. for Mosquitto:")
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  mosquitto_passwd -b /etc/mosquitto/passwd %q %q\n", pkt.Username, pkt.Password)
		fmt.Fprintln(w)
		if pkt.PasswordHex {
			fmt.Fprintln(w, "The password is shown hex-encoded because the device sent raw binary;")
			fmt.Fprintln(w, "configure the broker with an auth plugin that accepts hex if needed.")
		}
	default:
		fmt.Fprintln(w, "The device connected anonymously. No credential registration is needed;")
		fmt.Fprintln(w, "make sure the broker allows anonymous clients.")
	}
}

// DecodeFailure explains why the captured bytes did not decode, with the
// offset and a hex dump of the leading bytes.
func DecodeFailure(w io.Writer, derr *mqtt.DecodeError) {
	fmt.Fprintf(w, "The captured data is not a decodable CONNECT frame.\n\n")
	fmt.Fprintf(w, "  reason  %s\n", derr.Reason)
	fmt.Fprintf(w, "  offset  %d\n\n", derr.Offset)
	if len(derr.Dump) > 0 {
		fmt.Fprintf(w, "First %d bytes of the capture:\n\n%s\n", len(derr.Dump), hex.Dump(derr.Dump))
	}
	fmt.Fprintln(w, "The device may be speaking something other than MQTT on this port, or the")
	fmt.Fprintln(w, "capture was cut off mid-frame. Power-cycle the device and run the capture again.")
}

// Timeout prints the checklist for a capture window that closed with no data.
func Timeout(w io.Writer) {
	fmt.Fprintln(w, "No data was captured before the deadline. Check that:")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  - your DNS override points the device's broker hostname at this machine")
	fmt.Fprintln(w, "  - port 8883 (or your configured port) is forwarded to this machine")
	fmt.Fprintln(w, "  - the device was power-cycled after the capture listener started")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Then run the capture again.")
}
