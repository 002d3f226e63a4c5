package media

// PacketKind is the result of classifying a datagram received on the
// shared UDP media socket, per RFC 7983's byte-range demultiplexing
// scheme for a single port carrying STUN, DTLS, and SRTP/SRTCP.
type PacketKind int

const (
	PacketUnknown PacketKind = iota
	PacketSTUN
	PacketDTLS
	PacketRTP
	PacketRTCP
)

// rtcpTypeLow and rtcpTypeHigh bound the RFC 5761 §4 range used to
// distinguish RTCP from RTP when both arrive multiplexed on one socket.
// RTCP's packet type occupies the full second byte (SR=200 .. NACK=207);
// an RTP packet can only collide when its marker bit is set and its
// payload type falls in 72-79, which RFC 5761 forbids assigning.
const (
	rtcpTypeLow  = 200
	rtcpTypeHigh = 207
)

// Classify inspects the first bytes of a UDP datagram and determines
// which protocol it belongs to, per RFC 7983 §7:
//
//	0   <= b[0] <= 3   : STUN
//	20  <= b[0] <= 63  : DTLS
//	128 <= b[0] <= 191 : RTP or RTCP (sub-classified by the second byte)
func Classify(b []byte) PacketKind {
	if len(b) == 0 {
		return PacketUnknown
	}

	switch {
	case b[0] <= 3:
		return PacketSTUN
	case b[0] >= 20 && b[0] <= 63:
		return PacketDTLS
	case b[0] >= 128 && b[0] <= 191:
		if len(b) < 2 {
			return PacketUnknown
		}
		if b[1] >= rtcpTypeLow && b[1] <= rtcpTypeHigh {
			return PacketRTCP
		}
		return PacketRTP
	default:
		return PacketUnknown
	}
}
