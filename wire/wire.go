// Package wire defines the on-the-wire UDP payload layout shared by every
// tunnel (spec.md §6 "Wire format"). Multi-byte fields are big-endian; this
// package is the only place that knows that, everything else works with
// host-native Go integers.
package wire

import (
	"encoding/binary"
	"errors"
)

// Type enumerates the packet kinds carried over a tunnel (spec.md §3).
type Type uint8

const (
	TypeData Type = iota + 1
	TypeDataResend
	TypeKeepalive
	TypeDisconnect
	TypeResend
	TypeAuth
	TypeAuthOK
	TypeTCPOpen
	TypeTCPClose
	TypeTCPData
	TypeTCPAck
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeDataResend:
		return "DATA_RESEND"
	case TypeKeepalive:
		return "KEEPALIVE"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypeResend:
		return "RESEND"
	case TypeAuth:
		return "AUTH"
	case TypeAuthOK:
		return "AUTH_OK"
	case TypeTCPOpen:
		return "TCP_OPEN"
	case TypeTCPClose:
		return "TCP_CLOSE"
	case TypeTCPData:
		return "TCP_DATA"
	case TypeTCPAck:
		return "TCP_ACK"
	default:
		return "UNKNOWN"
	}
}

// TimestampAbsent marks a held-too-long timestamp_reply as absent (§4.1).
const TimestampAbsent = uint16(0xFFFF)

// HeaderLen is the fixed size, in bytes, of the wire header preceding the
// variable-length payload.
//
//	type(1) + len(2) + flow_id(4) + data_seq(2) + tun_seq(2) + ack_seq(2) +
//	sent_loss(1) + timestamp(2) + timestamp_reply(2) = 18
const HeaderLen = 18

var (
	// ErrShortHeader is returned when a buffer is too small to hold a header.
	ErrShortHeader = errors.New("wire: buffer shorter than header")
	// ErrShortPayload is returned when the declared length exceeds what's available.
	ErrShortPayload = errors.New("wire: declared payload length exceeds buffer")
)

// Header is the decoded form of the fixed wire header (spec.md §6).
type Header struct {
	Type            Type
	Len             uint16
	FlowID          uint32
	DataSeq         uint16
	TunSeq          uint16
	AckSeq          uint16
	SentLoss        uint8
	Timestamp       uint16
	TimestampReply  uint16
}

// Encode serializes h and the payload into dst, which must be at least
// HeaderLen+len(payload) bytes. It returns the number of bytes written.
func Encode(dst []byte, h *Header, payload []byte) (int, error) {
	need := HeaderLen + len(payload)
	if len(dst) < need {
		return 0, ErrShortHeader
	}
	dst[0] = byte(h.Type)
	binary.BigEndian.PutUint16(dst[1:3], uint16(len(payload)))
	binary.BigEndian.PutUint32(dst[3:7], h.FlowID)
	binary.BigEndian.PutUint16(dst[7:9], h.DataSeq)
	binary.BigEndian.PutUint16(dst[9:11], h.TunSeq)
	binary.BigEndian.PutUint16(dst[11:13], h.AckSeq)
	dst[13] = h.SentLoss
	binary.BigEndian.PutUint16(dst[14:16], h.Timestamp)
	binary.BigEndian.PutUint16(dst[16:18], h.TimestampReply)
	copy(dst[HeaderLen:need], payload)
	return need, nil
}

// Decode parses a wire header (and reslices the payload) out of src.
func Decode(src []byte) (Header, []byte, error) {
	if len(src) < HeaderLen {
		return Header{}, nil, ErrShortHeader
	}
	h := Header{
		Type:           Type(src[0]),
		Len:            binary.BigEndian.Uint16(src[1:3]),
		FlowID:         binary.BigEndian.Uint32(src[3:7]),
		DataSeq:        binary.BigEndian.Uint16(src[7:9]),
		TunSeq:         binary.BigEndian.Uint16(src[9:11]),
		AckSeq:         binary.BigEndian.Uint16(src[11:13]),
		SentLoss:       src[13],
		Timestamp:      binary.BigEndian.Uint16(src[14:16]),
		TimestampReply: binary.BigEndian.Uint16(src[16:18]),
	}
	end := HeaderLen + int(h.Len)
	if end > len(src) {
		return Header{}, nil, ErrShortPayload
	}
	return h, src[HeaderLen:end], nil
}

// AuthKind enumerates the two authentication payload kinds (§6).
type AuthKind uint8

const (
	ChallengeAuth AuthKind = iota + 1
	ChallengeOK
)

// PasswordFieldLen is the fixed width of the cleartext password field in
// an auth payload, matching the original's C-string buffer.
const PasswordFieldLen = 64

// AuthPayloadLen is the encoded size of an Auth struct.
const AuthPayloadLen = 1 + 2 + 8 + PasswordFieldLen

// Auth is the cleartext authentication challenge payload (§6).
//
// spec.md's non-goals are explicit: this is not a security mechanism, it
// is preserved as-is from the original protocol.
type Auth struct {
	Kind      AuthKind
	Version   uint16
	Permitted uint64
	Password  string
}

// EncodeAuth serializes a into dst, which must be at least AuthPayloadLen bytes.
func EncodeAuth(dst []byte, a *Auth) (int, error) {
	if len(dst) < AuthPayloadLen {
		return 0, ErrShortHeader
	}
	dst[0] = byte(a.Kind)
	binary.BigEndian.PutUint16(dst[1:3], a.Version)
	binary.BigEndian.PutUint64(dst[3:11], a.Permitted)
	pwBuf := dst[11 : 11+PasswordFieldLen]
	for i := range pwBuf {
		pwBuf[i] = 0
	}
	copy(pwBuf, a.Password)
	return AuthPayloadLen, nil
}

// DecodeAuth parses an Auth payload out of src.
func DecodeAuth(src []byte) (Auth, error) {
	if len(src) < AuthPayloadLen {
		return Auth{}, ErrShortHeader
	}
	a := Auth{
		Kind:      AuthKind(src[0]),
		Version:   binary.BigEndian.Uint16(src[1:3]),
		Permitted: binary.BigEndian.Uint64(src[3:11]),
	}
	pwBuf := src[11 : 11+PasswordFieldLen]
	n := 0
	for n < len(pwBuf) && pwBuf[n] != 0 {
		n++
	}
	a.Password = string(pwBuf[:n])
	return a, nil
}

// ResendRequest is the payload of a TypeResend packet (§4.3): a contiguous
// range of tun_seq values the sender is missing from a specific tunnel.
type ResendRequest struct {
	TunID   uint16
	Base    uint16
	Len     uint16
}

// ResendRequestLen is the encoded size of a ResendRequest.
const ResendRequestLen = 6

// EncodeResendRequest serializes r into dst.
func EncodeResendRequest(dst []byte, r *ResendRequest) (int, error) {
	if len(dst) < ResendRequestLen {
		return 0, ErrShortHeader
	}
	binary.BigEndian.PutUint16(dst[0:2], r.TunID)
	binary.BigEndian.PutUint16(dst[2:4], r.Base)
	binary.BigEndian.PutUint16(dst[4:6], r.Len)
	return ResendRequestLen, nil
}

// DecodeResendRequest parses a ResendRequest out of src.
func DecodeResendRequest(src []byte) (ResendRequest, error) {
	if len(src) < ResendRequestLen {
		return ResendRequest{}, ErrShortHeader
	}
	return ResendRequest{
		TunID: binary.BigEndian.Uint16(src[0:2]),
		Base:  binary.BigEndian.Uint16(src[2:4]),
		Len:   binary.BigEndian.Uint16(src[4:6]),
	}, nil
}

// KeepaliveLen is the encoded size of a keepalive payload: the sender's
// own measured inbound throughput, in kbit/s, so the peer can compare it
// against its outbound cap (spec.md §4.5, original: KEEPALIVE payload
// carrying "%lu" bandwidth, parsed back into bandwidth_out).
const KeepaliveLen = 8

// EncodeKeepalive serializes measuredKbit into dst.
func EncodeKeepalive(dst []byte, measuredKbit uint64) (int, error) {
	if len(dst) < KeepaliveLen {
		return 0, ErrShortHeader
	}
	binary.BigEndian.PutUint64(dst[0:8], measuredKbit)
	return KeepaliveLen, nil
}

// DecodeKeepalive parses a keepalive payload out of src.
func DecodeKeepalive(src []byte) (uint64, error) {
	if len(src) < KeepaliveLen {
		return 0, ErrShortHeader
	}
	return binary.BigEndian.Uint64(src[0:8]), nil
}
