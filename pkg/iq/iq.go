// Package iq converts HiQSDR sample datagrams to and from complex samples.
//
// Each payload carries 240 I/Q pairs. Every component is a signed 24 bit
// little endian integer, I first.
package iq

import (
	"fmt"

	"github.com/dougsko/hiqsdr/pkg/protocol"
)

const (
	BytesPerSample   = 6
	SamplesPerPacket = protocol.RxPayloadSize / BytesPerSample

	// FullScale is the magnitude of the largest 24 bit sample
	FullScale = 1 << 23

	maxComponent = FullScale - 1
	minComponent = -FullScale
)

// Header is the two byte prefix of a sample datagram
type Header struct {
	Sequence byte `json:"sequence"`
	Status   byte `json:"status"`
}

// ParseHeader reads the datagram header
func ParseHeader(packet []byte) (Header, error) {
	if len(packet) < protocol.RxHeaderSize {
		return Header{}, fmt.Errorf("%w: %d byte datagram", protocol.ErrMalformedPacket, len(packet))
	}
	return Header{Sequence: packet[0], Status: packet[1]}, nil
}

func int24(b []byte) int32 {
	v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	return v << 8 >> 8
}

func putInt24(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

// DecodePayload appends the samples in payload to dst, scaled to [-1, 1).
func DecodePayload(dst []complex128, payload []byte) ([]complex128, error) {
	if len(payload)%BytesPerSample != 0 {
		return dst, fmt.Errorf("%w: payload of %d bytes is not a whole number of samples", protocol.ErrMalformedPacket, len(payload))
	}
	for off := 0; off < len(payload); off += BytesPerSample {
		i := float64(int24(payload[off:])) / FullScale
		q := float64(int24(payload[off+3:])) / FullScale
		dst = append(dst, complex(i, q))
	}
	return dst, nil
}

// Decode appends the samples of a full sample datagram to dst
func Decode(dst []complex128, packet []byte) ([]complex128, error) {
	if len(packet) != protocol.RxPacketSize {
		return dst, &protocol.SizeMismatchError{Got: len(packet), Expected: protocol.RxPacketSize}
	}
	return DecodePayload(dst, packet[protocol.RxHeaderSize:])
}

func clamp(v float64) int32 {
	s := v * FullScale
	if s >= maxComponent {
		return maxComponent
	}
	if s <= minComponent {
		return minComponent
	}
	return int32(s)
}

// EncodePayload writes samples into payload, clipping at full scale. It
// returns the number of samples written.
func EncodePayload(payload []byte, samples []complex128) int {
	n := len(payload) / BytesPerSample
	if len(samples) < n {
		n = len(samples)
	}
	for k := 0; k < n; k++ {
		off := k * BytesPerSample
		putInt24(payload[off:], clamp(real(samples[k])))
		putInt24(payload[off+3:], clamp(imag(samples[k])))
	}
	return n
}

// EncodePacket builds a full sample datagram
func EncodePacket(h Header, samples []complex128) []byte {
	packet := make([]byte, protocol.RxPacketSize)
	packet[0] = h.Sequence
	packet[1] = h.Status
	EncodePayload(packet[protocol.RxHeaderSize:], samples)
	return packet
}
