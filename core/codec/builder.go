package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/srforward/srmesh/core"
)

// EthernetHeaderSize is the length of the Ethernet framing this codec wraps
// every source-route header in: destination MAC, source MAC, EtherType.
const EthernetHeaderSize = 14

// ErrShortEthernetFrame is returned when a frame is too short to contain an
// Ethernet header.
var ErrShortEthernetFrame = errors.New("codec: frame shorter than an ethernet header")

// WrapEthernet prepends a 14-byte Ethernet header to payload.
func WrapEthernet(dst, src core.LinkAddr, etherType uint16, payload []byte) []byte {
	frame := make([]byte, EthernetHeaderSize+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[14:], payload)
	return frame
}

// UnwrapEthernet splits an Ethernet-framed buffer into its addresses,
// EtherType, and the remaining bytes.
func UnwrapEthernet(frame []byte) (dst, src core.LinkAddr, etherType uint16, rest []byte, err error) {
	if len(frame) < EthernetHeaderSize {
		return dst, src, 0, nil, ErrShortEthernetFrame
	}
	copy(dst[:], frame[0:6])
	copy(src[:], frame[6:12])
	etherType = binary.BigEndian.Uint16(frame[12:14])
	rest = frame[EthernetHeaderSize:]
	return dst, src, etherType, rest, nil
}

// Encode serializes h (with Payload already set, DataLen left to this
// function to fill in) into a checksummed source-route header, the way
// encode(path,next,flags,payload) does in the source element: the checksum
// field is computed last, over exactly Tlen() bytes, with the field itself
// zeroed during the sum.
func Encode(h *Header) ([]byte, error) {
	buf, err := h.WriteTo()
	if err != nil {
		return nil, err
	}
	tlen := h.Tlen()
	if tlen > len(buf) {
		return nil, fmt.Errorf("%w: tlen %d exceeds serialized length %d", ErrBadNHops, tlen, len(buf))
	}
	cksum := Checksum(buf, tlen)
	binary.BigEndian.PutUint16(buf[6:8], cksum)
	return buf, nil
}

// EncodeFrame builds a full on-wire Ethernet+header+payload frame, as
// produced by a component that has already resolved the next hop's hardware
// address (device/forwarder's job, via ArpTable).
func EncodeFrame(h *Header, ethDst, ethSrc core.LinkAddr, etherType uint16) ([]byte, error) {
	header, err := Encode(h)
	if err != nil {
		return nil, err
	}
	return WrapEthernet(ethDst, ethSrc, etherType, header), nil
}

// Decode splits a raw Ethernet frame into its addressing and a parsed
// Header. It performs no validation beyond what ReadFrom needs to safely
// slice the buffer — length, checksum, version and next-hop range checks are
// device/validator's job, run before a header reaches any other component.
func Decode(frame []byte) (ethDst, ethSrc core.LinkAddr, etherType uint16, hdr *Header, err error) {
	ethDst, ethSrc, etherType, rest, err := UnwrapEthernet(frame)
	if err != nil {
		return ethDst, ethSrc, etherType, nil, err
	}
	hdr, err = ReadFrom(rest)
	if err != nil {
		return ethDst, ethSrc, etherType, nil, err
	}
	return ethDst, ethSrc, etherType, hdr, nil
}
