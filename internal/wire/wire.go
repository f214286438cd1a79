package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version byte = 1
	hdrLen       = 4 + 1 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("urlcache: corrupt entry")
	magic4     = [...]byte{'S', 'U', 'R', 'L'}
)

// Header is the fixed part of a stored entry. ExpiresAt is unix nanoseconds and
// is duplicated outside the codec payload so stale frames can be rejected
// without decoding the payload.
type Header struct {
	Gen       uint64
	ExpiresAt int64
}

// Entry: magic(4) | ver(1) | gen(u64 be) | expiresAt(i64 be) | vlen(u32 be) | payload(vlen)
func EncodeEntry(h Header, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], h.Gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(h.ExpiresAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// DecodeEntry validates the frame and returns the header plus a payload
// subslice of b (no copy). Trailing bytes are treated as corruption.
func DecodeEntry(b []byte) (Header, []byte, error) {
	if len(b) < hdrLen || !bytes.Equal(b[:4], magic4[:]) || b[4] != version {
		return Header{}, nil, ErrCorrupt
	}

	off := 5
	var h Header
	h.Gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	h.ExpiresAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return Header{}, nil, ErrCorrupt
	}
	return h, b[off:], nil
}
