// Package resend implements the resend-request protocol exchanged between
// bonded peers: asking a tunnel for packets its loss tracker believes went
// missing, and serving those requests out of the sender-side ring (spec.md
// §4.3, grounded on original_source/src/ubond.c's ubond_rtun_request_resend
// and ubond_rtun_resend).
package resend

import (
	"github.com/pkg/errors"

	"ubond/packet"
	"ubond/tunnel"
	"ubond/wire"
)

// BufSize is the width of the resend window, one-to-one with the sender's
// resend ring (tunnel.RingSize).
const BufSize = tunnel.RingSize

// Threshold is the resend-request length (in packets) above which the
// requested tunnel is declared LOSSY and its outbound loss figure forced
// high (original: "len > RESENDBUFSIZE / 4").
const Threshold = BufSize / 4

// ForcedSentLoss is the outbound loss value stamped onto a tunnel that
// tripped the resend threshold (original: "sent_loss = 100.0").
const ForcedSentLoss = 100

// ResendUDPData controls whether plain (non-TCP) DATA packets are eligible
// for resend. The original always refuses to resend raw UDP-carried IP
// traffic ("only send tcp ... refuse UDP packets") since a dropped best-
// effort datagram is cheaper to lose than to delay; this is kept as a
// package variable rather than a hardcoded rule so an operator running
// ubond purely as a lossless bonding link (no TCP substream in use) can
// opt back in. Default false matches the original's behavior.
var ResendUDPData = false

// Queue is the destination for packets this package emits (hpsend_buffer
// in the original). The engine passes a tunnel-bound queue to Request and
// its shared send buffer to Handle.
type Queue interface {
	Push(pkt *packet.Packet)
}

// Source is the tunnel-side state resend needs: enough to pull packets
// out of its resend ring and declare it LOSSY. Tunnel identity/lookup is
// the caller's (FindTunnel's) responsibility.
type Source interface {
	State() tunnel.State
	SetState(tunnel.State)
	SetSentLoss(uint8)
	TakeForResend(tunSeq uint16) (*packet.Packet, bool)
}

// Request builds and enqueues a RESEND control packet asking the peer to
// resend `length` packets from tunnel `tunID` starting at `base` (spec.md
// §4.3, ubond_rtun_request_resend).
func Request(pool *packet.Pool, q Queue, tunID, base, length uint16) error {
	pkt := pool.Get()
	pkt.Header.Type = wire.TypeResend

	buf := make([]byte, wire.ResendRequestLen)
	r := wire.ResendRequest{TunID: tunID, Base: base, Len: length}
	if _, err := wire.EncodeResendRequest(buf, &r); err != nil {
		pkt.Release()
		return errors.Wrap(err, "resend: encode request")
	}
	if err := pkt.SetPayload(buf); err != nil {
		pkt.Release()
		return errors.Wrap(err, "resend: set payload")
	}
	q.Push(pkt)
	return nil
}

// ipv4ProtocolOffset is the byte offset of the protocol field in an IPv4
// header, the same offset the original's is_tcp() reads (data[9] == 6).
const ipv4ProtocolOffset = 9

// ipProtoTCP is the IANA protocol number for TCP.
const ipProtoTCP = 6

// carriesTCP reports whether payload looks like an IPv4 packet carrying
// TCP, mirroring the original's is_tcp(): plain bonded IP traffic is
// skipped by the ResendUDPData policy, but TCP carried directly over a
// DATA packet (not routed through the tcpstream substream) still gets the
// resend benefit.
func carriesTCP(payload []byte) bool {
	return len(payload) > ipv4ProtocolOffset && payload[0]>>4 == 4 && payload[ipv4ProtocolOffset] == ipProtoTCP
}

// FindTunnel resolves a tunnel by its wire ID.
type FindTunnel func(id uint16) (Source, bool)

// Handle processes an inbound RESEND request: it locates the named
// tunnel's ring, re-emits any packet still held there (retyping DATA to
// DATA_RESEND; TCP substream packets are always eligible, plain UDP
// traffic only if ResendUDPData is set), and if the request's length
// crosses Threshold, declares that tunnel LOSSY (spec.md §4.3,
// ubond_rtun_resend).
func Handle(find FindTunnel, q Queue, r wire.ResendRequest) {
	src, ok := find(r.TunID)
	if !ok {
		return
	}

	if int(r.Len) > Threshold && src.State() >= tunnel.StateAuthOK {
		src.SetState(tunnel.StateLossy)
		src.SetSentLoss(ForcedSentLoss)
	}

	for i := uint16(0); i < r.Len; i++ {
		seq := r.Base + i
		pkt, ok := src.TakeForResend(seq)
		if !ok {
			continue
		}
		if pkt.Header.Type == wire.TypeData && !ResendUDPData && !carriesTCP(pkt.Payload()) {
			pkt.Release()
			continue
		}
		if pkt.Header.Type == wire.TypeData {
			pkt.Header.Type = wire.TypeDataResend
		}
		q.Push(pkt)
	}
}
