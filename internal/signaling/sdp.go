package signaling

import (
	"crypto/rand"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/minilivechat/internal/sdp"
)

// skippedAttrs lists offer attributes the answer re-emits from
// server-authoritative values (or drops entirely): ICE credentials and
// candidates, DTLS fingerprint/role, direction, and rtcp multiplexing.
var skippedAttrs = map[string]bool{
	"ice-ufrag":         true,
	"ice-pwd":           true,
	"ice-options":       true,
	"fingerprint":       true,
	"setup":             true,
	"candidate":         true,
	"end-of-candidates": true,
	"sendrecv":          true,
	"sendonly":          true,
	"recvonly":          true,
	"inactive":          true,
	"rtcp-mux":          true,
	"rtcp-rsize":        true,
	"rtcp":              true,
}

// BuildAnswer constructs the SDP answer for an offer: each media section
// is mirrored (codec attributes intact) with the port, connection
// address, ICE credentials, fingerprint, and DTLS role replaced by
// server values. The generated ufrag/pwd pair becomes the endpoint's
// identity; the ufrag is the STUN USERNAME's server half.
//
// The server is ICE-Lite and always the DTLS server (a=setup:passive).
// It answers sendrecv even though it originates no media of its own:
// some browsers decline to start DTLS on recvonly, and direction is
// enforced on the data plane by the floor gate, not by SDP.
func BuildAnswer(offerText string, udpPort int, advertiseIP, fingerprint string) (answer, ufrag, pwd string, err error) {
	offer, err := sdp.ParseSession(offerText)
	if err != nil {
		return "", "", "", errors.Wrap(err, "parse offer")
	}
	if len(offer.Media) == 0 {
		return "", "", "", errors.New("offer has no media sections")
	}

	ufrag = randomICEString(16)
	pwd = randomICEString(22)
	sessionID := time.Now().UnixNano()

	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=- %d %d IN IP4 %s\r\n", sessionID, sessionID, advertiseIP)
	fmt.Fprintf(&b, "s=-\r\n")
	fmt.Fprintf(&b, "t=0 0\r\n")

	var mids []string
	for i := range offer.Media {
		if mid := offer.Media[i].GetAttr("mid"); mid != "" {
			mids = append(mids, mid)
		}
	}
	if len(mids) > 0 {
		fmt.Fprintf(&b, "a=group:BUNDLE %s\r\n", strings.Join(mids, " "))
	}
	fmt.Fprintf(&b, "a=ice-lite\r\n")

	for i := range offer.Media {
		m := &offer.Media[i]

		fmt.Fprintf(&b, "m=%s %d %s %s\r\n", m.Type, udpPort, m.Proto, strings.Join(m.Format, " "))
		fmt.Fprintf(&b, "c=IN IP4 %s\r\n", advertiseIP)
		fmt.Fprintf(&b, "a=ice-ufrag:%s\r\n", ufrag)
		fmt.Fprintf(&b, "a=ice-pwd:%s\r\n", pwd)
		fmt.Fprintf(&b, "a=fingerprint:%s\r\n", fingerprint)
		fmt.Fprintf(&b, "a=setup:passive\r\n")
		fmt.Fprintf(&b, "a=rtcp-mux\r\n")
		fmt.Fprintf(&b, "a=rtcp-rsize\r\n")
		fmt.Fprintf(&b, "a=sendrecv\r\n")

		for _, a := range m.Attributes {
			if skippedAttrs[a.Key] {
				continue
			}
			fmt.Fprintf(&b, "a=%s\r\n", a.String())
		}

		fmt.Fprintf(&b, "a=candidate:1 1 udp 2113937151 %s %d typ host generation 0\r\n", advertiseIP, udpPort)
		fmt.Fprintf(&b, "a=end-of-candidates\r\n")
	}

	return b.String(), ufrag, pwd, nil
}

// DetectLocalIP resolves the outbound interface address from the route
// table: connect a UDP socket toward a public address (no packet is
// sent) and read the chosen local address back. Used when ADVERTISE_IP
// is not configured.
func DetectLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		log.Warn("local IP detection failed (%s); advertising 127.0.0.1", err)
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// randomICEString draws an alphanumeric token from the CSPRNG. RFC 8445
// allows 4-256 chars for ufrag; 16 gives collision headroom, 22 meets
// the pwd minimum.
func randomICEString(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, n)
	rand.Read(buf)
	for i := range buf {
		buf[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return string(buf)
}
