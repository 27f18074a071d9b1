package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
)

const (
	version   byte = 1
	kindState byte = 1

	// magic(4) | ver(1) | kind(1) | gen(8) | fplen(1)
	stateHdr = 4 + 1 + 1 + 8 + 1

	// MaxFingerprint is the longest fingerprint a frame can carry.
	MaxFingerprint = 0xFF
)

var (
	ErrCorrupt        = errors.New("devsync: corrupt entry")
	ErrBadFingerprint = errors.New("devsync: fingerprint empty or too long")
	ErrTooLarge       = errors.New("devsync: payload does not fit a frame")
	magic4            = [...]byte{'D', 'S', 'Y', 'N'}

	// vlen is a u32
	maxPayload uint64 = math.MaxUint32
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// State is a decoded cache entry. Payload aliases the input buffer.
type State struct {
	Gen         uint64
	Fingerprint string
	Payload     []byte
}

// EncodeState frames one cached resource state:
//
//	magic(4) | ver(1) | kind(1=state) | gen(u64 be) | fplen(u8) | fp(fplen) | vlen(u32 be) | payload(vlen)
func EncodeState(gen uint64, fp string, payload []byte) ([]byte, error) {
	if l := len(fp); l == 0 || l > MaxFingerprint {
		return nil, ErrBadFingerprint
	}
	if uint64(len(payload)) > maxPayload {
		return nil, ErrTooLarge
	}

	var buf bytes.Buffer
	buf.Grow(stateHdr + len(fp) + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindState)

	var u8 [8]byte
	binary.BigEndian.PutUint64(u8[:], gen)
	buf.Write(u8[:])

	buf.WriteByte(byte(len(fp)))
	buf.WriteString(fp)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodeState parses a frame produced by EncodeState. Trailing bytes are
// rejected.
func DecodeState(b []byte) (State, error) {
	if len(b) < stateHdr || !hasMagic(b) || b[4] != version || b[5] != kindState {
		return State{}, ErrCorrupt
	}
	off := 6

	gen := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	fplen := int(b[off])
	off++
	if fplen == 0 || fplen > len(b)-off {
		return State{}, ErrCorrupt
	}
	fp := string(b[off : off+fplen])
	off += fplen

	if off+4 > len(b) {
		return State{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // strict framing
		return State{}, ErrCorrupt
	}

	return State{Gen: gen, Fingerprint: fp, Payload: b[off : off+vlen]}, nil
}
