package media

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"
	"strings"
)

// STUN message codec (RFC 5389). Binding responses carry
// XOR-MAPPED-ADDRESS, MESSAGE-INTEGRITY, and FINGERPRINT, with the
// header length field rewritten before each of the two digest passes;
// browsers discard responses that skip either rewrite.
type stunMessage struct {
	length        uint16
	class         uint16
	method        uint16
	transactionID string
	attributes    []*stunAttribute
}

const (
	stunRequest         = 0
	stunIndication      = 1
	stunSuccessResponse = 2
	stunErrorResponse   = 3
)

const stunBindingMethod = 0x1
const stunHeaderLength = 20
const stunMagicCookie = 0x2112A442
const stunMagicCookieBytes = "\x21\x12\xA4\x42"

const (
	stunAttrMappedAddress     = 0x0001
	stunAttrUsername          = 0x0006
	stunAttrMessageIntegrity  = 0x0008
	stunAttrErrorCode         = 0x0009
	stunAttrUnknownAttributes = 0x000A
	stunAttrXorMappedAddress  = 0x0020
	stunAttrPriority          = 0x0024
	stunAttrUseCandidate      = 0x0025
	stunAttrSoftware          = 0x8022
	stunAttrFingerprint       = 0x8028
	stunAttrIceControlled     = 0x8029
	stunAttrIceControlling    = 0x802A
)

type stunAttribute struct {
	Type   uint16
	Length uint16
	Value  []byte
}

var zeros = make([]byte, 32)

// looksLikeSTUN reports whether data begins with a valid STUN header
// (a header-only check, no attribute parse).
func looksLikeSTUN(data []byte) bool {
	return parseStunHeader(data) != nil
}

func parseStunMessage(data []byte) (*stunMessage, error) {
	if len(data) < stunHeaderLength {
		return nil, nil
	}
	msg := parseStunHeader(data[0:stunHeaderLength])
	if msg == nil {
		return nil, nil
	}

	b := bytes.NewBuffer(data[stunHeaderLength:])
	for b.Len() > 0 {
		attr, err := parseStunAttribute(b)
		if err != nil {
			return msg, err
		}
		msg.attributes = append(msg.attributes, attr)
	}
	return msg, nil
}

func parseStunHeader(data []byte) *stunMessage {
	if len(data) < stunHeaderLength {
		return nil
	}

	messageType := binary.BigEndian.Uint16(data[0:2])
	if messageType>>14 != 0 {
		return nil
	}

	length := binary.BigEndian.Uint16(data[2:4])
	if length%4 != 0 {
		return nil
	}

	magicCookie := binary.BigEndian.Uint32(data[4:8])
	if magicCookie != stunMagicCookie {
		return nil
	}

	class, method := decomposeMessageType(messageType)
	return &stunMessage{
		length:        length,
		class:         class,
		method:        method,
		transactionID: string(data[8:20]),
	}
}

func writeStunHeader(msg *stunMessage, b *bytes.Buffer) {
	messageType := composeMessageType(msg.class, msg.method)
	binary.BigEndian.PutUint16(b.Next(2), messageType)
	binary.BigEndian.PutUint16(b.Next(2), msg.length)
	binary.BigEndian.PutUint32(b.Next(4), stunMagicCookie)
	copy(b.Next(12), msg.transactionID)
}

const classMask1 = 0x0100
const classMask2 = 0x0010
const methodMask1 = 0x3e00
const methodMask2 = 0x00e0
const methodMask3 = 0x000f

func composeMessageType(class uint16, method uint16) uint16 {
	t := (class<<7)&classMask1 | (class<<4)&classMask2
	t |= (method<<2)&methodMask1 | (method<<1)&methodMask2 | (method & methodMask3)
	return t
}

func decomposeMessageType(t uint16) (uint16, uint16) {
	class := (t&classMask1)>>7 | (t&classMask2)>>4
	method := (t&methodMask1)>>2 | (t&methodMask2)>>1 | (t & methodMask3)
	return class, method
}

func parseStunAttribute(b *bytes.Buffer) (*stunAttribute, error) {
	if b.Len() < 4 {
		return nil, fmt.Errorf("invalid STUN attribute: %v", b.Bytes())
	}

	typ := binary.BigEndian.Uint16(b.Next(2))
	length := binary.BigEndian.Uint16(b.Next(2))
	if int(length) > b.Len() {
		return nil, fmt.Errorf("illegal STUN attribute: type=%d, length=%d", typ, length)
	}
	value := make([]byte, length)
	copy(value, b.Next(int(length)))
	b.Next(pad4(length))
	return &stunAttribute{typ, length, value}, nil
}

func writeStunAttribute(attr *stunAttribute, b *bytes.Buffer) {
	binary.BigEndian.PutUint16(b.Next(2), attr.Type)
	binary.BigEndian.PutUint16(b.Next(2), attr.Length)
	copy(b.Next(int(attr.Length)), attr.Value)
	copy(b.Next(pad4(attr.Length)), zeros)
}

func (attr *stunAttribute) numBytes() int {
	return 4 + int(attr.Length) + pad4(attr.Length)
}

func pad4(n uint16) int {
	return -int(n) & 3
}

func newStunMessage(class uint16, method uint16, transactionID string) *stunMessage {
	if transactionID == "" {
		buf := make([]byte, 12)
		rand.Read(buf)
		transactionID = string(buf)
	}
	return &stunMessage{class: class, method: method, transactionID: transactionID}
}

// newStunBindingResponse builds a STUN binding success response carrying
// XOR-MAPPED-ADDRESS, MESSAGE-INTEGRITY (HMAC-SHA1 keyed by the short-term
// credential password), and FINGERPRINT, per RFC 5389 §15.4/§15.5.
func newStunBindingResponse(transactionID string, raddr net.Addr, password string) *stunMessage {
	msg := newStunMessage(stunSuccessResponse, stunBindingMethod, transactionID)
	msg.setXorMappedAddress(raddr)
	msg.addMessageIntegrity(password)
	msg.addFingerprint()
	return msg
}

func (msg *stunMessage) addAttribute(t uint16, v []byte) *stunAttribute {
	l := uint16(len(v))
	vcopy := make([]byte, l)
	copy(vcopy, v)
	attr := &stunAttribute{t, l, vcopy}
	msg.attributes = append(msg.attributes, attr)
	msg.length += uint16(attr.numBytes())
	return attr
}

// Bytes serializes the message. bytes.NewBuffer(buf) treats the
// pre-sized buf as already-buffered data, so b.Next(n) hands back a
// mutable slice directly into buf rather than appending to it.
func (msg *stunMessage) Bytes() []byte {
	buf := make([]byte, stunHeaderLength+msg.length)
	writeStunMessage(msg, bytes.NewBuffer(buf))
	return buf
}

func writeStunMessage(msg *stunMessage, b *bytes.Buffer) {
	writeStunHeader(msg, b)
	for _, attr := range msg.attributes {
		writeStunAttribute(attr, b)
	}
}

func (msg *stunMessage) getUsername() (string, bool) {
	for _, attr := range msg.attributes {
		if attr.Type == stunAttrUsername {
			return string(attr.Value), true
		}
	}
	return "", false
}

// parseSTUNUsername splits a USERNAME attribute value of the form
// "server_ufrag:client_ufrag". The server's own ufrag — the half BEFORE
// the colon — is what keys the endpoint table.
func parseSTUNUsername(username string) (serverUfrag, clientUfrag string, ok bool) {
	i := strings.IndexByte(username, ':')
	if i < 0 {
		return "", "", false
	}
	return username[:i], username[i+1:], true
}

func (msg *stunMessage) setXorMappedAddress(addr net.Addr) {
	var ip net.IP
	var port int
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip = a.IP
		port = a.Port
	case *net.TCPAddr:
		ip = a.IP
		port = a.Port
	}

	var value []byte
	if ip4 := ip.To4(); ip4 != nil {
		value = make([]byte, 8)
		value[1] = 0x01
		copy(value[4:8], ip4)
	} else {
		value = make([]byte, 20)
		value[1] = 0x02
		copy(value[4:20], ip.To16())
	}
	binary.BigEndian.PutUint16(value[2:4], uint16(port))

	xorBytes(value[2:4], stunMagicCookieBytes[0:2])
	xorBytes(value[4:8], stunMagicCookieBytes)
	xorBytes(value[8:], msg.transactionID)
	msg.addAttribute(stunAttrXorMappedAddress, value)
}

func xorBytes(dest []byte, xor string) {
	for i := range dest {
		dest[i] ^= xor[i]
	}
}

// addMessageIntegrity adds a dummy MESSAGE-INTEGRITY attribute (so that
// msg.length already accounts for it), serializes the message, then
// overwrites the attribute's value with the HMAC-SHA1 of everything
// before it, per RFC 5389 §15.4.
func (msg *stunMessage) addMessageIntegrity(password string) {
	sig := hmac.New(sha1.New, []byte(password))

	attr := msg.addAttribute(stunAttrMessageIntegrity, zeros[0:20])

	b := msg.Bytes()
	beforeMessageIntegrity := len(b) - attr.numBytes()
	sig.Write(b[0:beforeMessageIntegrity])

	copy(attr.Value, sig.Sum(nil))
}

// addFingerprint adds a dummy FINGERPRINT attribute, serializes, then
// overwrites it with the CRC32 (XORed with the magic constant) of
// everything before it, per RFC 5389 §15.5.
func (msg *stunMessage) addFingerprint() {
	attr := msg.addAttribute(stunAttrFingerprint, zeros[0:4])

	b := msg.Bytes()
	beforeFingerprint := len(b) - attr.numBytes()
	crc := crc32.ChecksumIEEE(b[0:beforeFingerprint])

	binary.BigEndian.PutUint32(attr.Value, crc^0x5354554e)
}
