// Package wire implements the VSOA binary frame format: header layout,
// length/padding rules, and an allocation-free incremental receive buffer.
package wire

import (
	"encoding/binary"
	"errors"
)

// Protocol constants.
const (
	Magic   uint8 = 0x9
	Version uint8 = 0x2

	// HeaderLength is the fixed size of a VSOA frame header in bytes.
	HeaderLength = 20

	// MaxPacketLength is the largest a single reliable-channel frame may be,
	// header included.
	MaxPacketLength = 262144

	// MaxDataLength is the largest combined url+param+data span a frame may carry.
	MaxDataLength = MaxPacketLength - HeaderLength

	// MaxQuickPacketLength is the largest a quick (UDP) channel frame may be.
	// 65535 (max UDP datagram) - 8 (UDP header) - 20 (VSOA header) = 65507.
	MaxQuickPacketLength = 65507

	// MaxQuickDataLength is the largest combined url+param+data span a quick frame may carry.
	MaxQuickDataLength = MaxQuickPacketLength - HeaderLength
)

// Frame types.
const (
	TypeServInfo uint8 = 0x00
	TypeRPC      uint8 = 0x01
	TypeSubscribe uint8 = 0x02
	TypeUnsubscribe uint8 = 0x03
	TypePublish  uint8 = 0x04
	TypeDatagram uint8 = 0x05
	TypeQOSSetup uint8 = 0x06
	TypeNoop     uint8 = 0xFE
	TypePingEcho uint8 = 0xFF
)

// Flag bits.
const (
	FlagReply  uint8 = 0x1
	FlagTunnel uint8 = 0x2
	FlagSet    uint8 = 0x4
)

// Status codes.
const (
	StatusSuccess      uint8 = 0
	StatusPassword     uint8 = 1
	StatusArguments    uint8 = 2
	StatusInvalidURL   uint8 = 3
	StatusNoResponding uint8 = 4
	StatusNoPermission uint8 = 5
	StatusNoMemory     uint8 = 6
)

const padMask = 0xc0
const padShift = 6
const statusMask = 0x3f

var (
	// ErrBadMagic is returned when a header's magic/version byte doesn't match.
	ErrBadMagic = errors.New("wire: bad magic or version")
	// ErrTooLarge is returned when a frame would exceed MaxPacketLength.
	ErrTooLarge = errors.New("wire: frame exceeds max packet length")
	// ErrQuickTooLarge is returned when a quick frame would exceed MaxQuickPacketLength.
	ErrQuickTooLarge = errors.New("wire: frame exceeds max quick packet length")
	// ErrShortBuffer is returned when a caller-supplied buffer is too small to encode into.
	ErrShortBuffer = errors.New("wire: destination buffer too small")
)

// Header is the decoded form of a 20-byte VSOA frame header.
type Header struct {
	Type     uint8
	Flags    uint8
	Pad      uint8 // 0..3, except QOSSETUP where the whole status byte is priority
	Status   uint8 // low 6 bits outside QOSSETUP; full byte (priority) for QOSSETUP
	Seqno    uint32
	TunID    uint16
	URLLen   uint16
	ParamLen uint32
	DataLen  uint32
}

// IsQOSSetup reports whether the header's type carries a full-byte priority
// rather than a packed pad/status byte.
func (h Header) IsQOSSetup() bool { return h.Type == TypeQOSSetup }

// TotalLength returns the full encoded frame length including header, spans and pad.
func (h Header) TotalLength() int {
	return HeaderLength + int(h.URLLen) + int(h.ParamLen) + int(h.DataLen) + int(h.Pad)
}

// computePad returns the 0..3 byte count needed to 4-byte-align size.
func computePad(size int) uint8 {
	return uint8((4 - size%4) % 4)
}

// CalcSize returns the total frame size (header included, pad applied) needed
// to carry url/param/data of the given lengths, and the pad byte count.
func CalcSize(urlLen, paramLen, dataLen int) (total int, pad uint8) {
	base := HeaderLength + urlLen + paramLen + dataLen
	pad = computePad(base)
	return base + int(pad), pad
}

// Encode writes a complete frame (header + url + param + data + pad zeros)
// into dst, which must be at least as large as the value CalcSize returns.
// Encode never allocates.
func Encode(dst []byte, h Header, url, param, data []byte) (int, error) {
	total, pad := CalcSize(len(url), len(param), len(data))
	quick := h.Type == TypeDatagram
	limit := MaxPacketLength
	if quick {
		limit = MaxQuickPacketLength
	}
	if total > limit {
		if quick {
			return 0, ErrQuickTooLarge
		}
		return 0, ErrTooLarge
	}
	if len(dst) < total {
		return 0, ErrShortBuffer
	}

	dst[0] = Magic<<4 | Version
	dst[1] = h.Type
	dst[2] = h.Flags
	if h.IsQOSSetup() {
		dst[3] = h.Status
	} else {
		dst[3] = (pad << padShift) & padMask | (h.Status & statusMask)
	}
	binary.BigEndian.PutUint32(dst[4:8], h.Seqno)
	binary.BigEndian.PutUint16(dst[8:10], h.TunID)
	binary.BigEndian.PutUint16(dst[10:12], uint16(len(url)))
	binary.BigEndian.PutUint32(dst[12:16], uint32(len(param)))
	binary.BigEndian.PutUint32(dst[16:20], uint32(len(data)))

	off := HeaderLength
	off += copy(dst[off:], url)
	off += copy(dst[off:], param)
	off += copy(dst[off:], data)
	for i := 0; i < int(pad); i++ {
		dst[off+i] = 0
	}
	return total, nil
}

// DecodeHeader parses the first HeaderLength bytes of src into a Header.
// It does not validate url/param/data bounds; callers combine this with
// CalcSize or the Receiver to determine whether enough bytes have arrived.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderLength {
		return Header{}, ErrShortBuffer
	}
	magicVer := src[0]
	if magicVer>>4 != Magic || magicVer&0xF != Version {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Type:  src[1],
		Flags: src[2],
	}
	if h.IsQOSSetup() {
		h.Status = src[3]
	} else {
		h.Pad = (src[3] & padMask) >> padShift
		h.Status = src[3] & statusMask
	}
	h.Seqno = binary.BigEndian.Uint32(src[4:8])
	h.TunID = binary.BigEndian.Uint16(src[8:10])
	h.URLLen = binary.BigEndian.Uint16(src[10:12])
	h.ParamLen = binary.BigEndian.Uint32(src[12:16])
	h.DataLen = binary.BigEndian.Uint32(src[16:20])
	return h, nil
}

// Frame is a decoded view into a Receiver's internal buffer. Url, Param and
// Data alias the receiver's storage and are only valid until onFrame returns.
type Frame struct {
	Header Header
	URL    []byte
	Param  []byte
	Data   []byte
}
